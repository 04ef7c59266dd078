// Package rediscache layers a read-through cache over the antipassback
// lookup (last movement for a person), grounded on the teacher's
// GoRedisAdapter: go-redis v9, JSON values, short TTLs. It exists purely
// to cut repeated database round-trips during a polling burst; a cache
// miss or a Redis outage always falls through to the wrapped store.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wpcfield/fieldctl/internal/persistence"
	"github.com/wpcfield/fieldctl/internal/policy"
)

// Store wraps an underlying persistence.Store, caching
// LastMovementForPerson results for ttl.
type Store struct {
	persistence.Store
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New wraps inner with a Redis-backed cache for its antipassback lookups.
func New(inner persistence.Store, client *redis.Client, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "fieldctl:lastmovement:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{Store: inner, client: client, prefix: prefix, ttl: ttl}
}

type cachedMovement struct {
	PersonID  int64     `json:"person_id"`
	ModuleID  int       `json:"module_id"`
	Direction int       `json:"direction"`
	Instant   time.Time `json:"instant"`
}

// LastMovementForPerson checks Redis first; on a miss or any Redis error
// it falls through to the wrapped store and, on success, populates the
// cache for next time.
func (s *Store) LastMovementForPerson(ctx context.Context, personID int64, since time.Time) (policy.Movement, bool, error) {
	key := s.key(personID)

	if raw, err := s.client.Get(ctx, key).Bytes(); err == nil {
		var cached cachedMovement
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			if !cached.Instant.Before(since) {
				return policy.Movement{
					PersonID:  cached.PersonID,
					ModuleID:  cached.ModuleID,
					Direction: policy.Direction(cached.Direction),
					Instant:   cached.Instant,
				}, true, nil
			}
		}
	} else if !errors.Is(err, redis.Nil) {
		slog.Warn("rediscache: get failed, falling through to store", "error", err)
	}

	m, ok, err := s.Store.LastMovementForPerson(ctx, personID, since)
	if err != nil || !ok {
		return m, ok, err
	}

	s.populate(ctx, key, m)
	return m, true, nil
}

func (s *Store) populate(ctx context.Context, key string, m policy.Movement) {
	payload, err := json.Marshal(cachedMovement{
		PersonID:  m.PersonID,
		ModuleID:  m.ModuleID,
		Direction: int(m.Direction),
		Instant:   m.Instant,
	})
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		slog.Warn("rediscache: set failed", "error", err)
	}
}

// Invalidate drops the cached entry for personID, called by
// CreateMovement below right after a successful write so the very next
// lookup reflects the just-created movement rather than a stale cache.
func (s *Store) Invalidate(ctx context.Context, personID int64) {
	if err := s.client.Del(ctx, s.key(personID)).Err(); err != nil {
		slog.Warn("rediscache: invalidate failed", "error", err)
	}
}

// CreateMovement writes through to the wrapped store and then invalidates
// the cache entry for that person, so antipassback/minimum-stay checks on
// their next presentation see the fresh movement instead of a stale one.
func (s *Store) CreateMovement(ctx context.Context, m persistence.Movement) error {
	if err := s.Store.CreateMovement(ctx, m); err != nil {
		return err
	}
	s.Invalidate(ctx, m.PersonID)
	return nil
}

func (s *Store) key(personID int64) string {
	return fmt.Sprintf("%s%d", s.prefix, personID)
}

var _ persistence.Store = (*Store)(nil)
