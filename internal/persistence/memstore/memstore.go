// Package memstore is an in-memory persistence.Store, used by the event
// processor tests so they never need a real database, and by the
// Supervisor as the "memory" persistence driver.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/wpcfield/fieldctl/internal/persistence"
	"github.com/wpcfield/fieldctl/internal/policy"
	"github.com/wpcfield/fieldctl/internal/registry"
)

// Store is a single-process, mutex-guarded implementation of
// persistence.Store backed by plain maps and slices.
type Store struct {
	mu sync.Mutex

	identifiers   map[string]persistence.Identifier
	persons       map[int64]policy.Person
	movements     []persistence.Movement
	activeTickets map[string]policy.Ticket
	history       []policy.TicketHistory
	modules       []registry.Config

	healthy bool
}

// New returns an empty, healthy store.
func New() *Store {
	return &Store{
		identifiers:   make(map[string]persistence.Identifier),
		persons:       make(map[int64]policy.Person),
		activeTickets: make(map[string]policy.Ticket),
		healthy:       true,
	}
}

// SetHealthy lets a test simulate the persistence layer going down.
func (s *Store) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// PutIdentifier seeds number→person resolution for a test fixture.
func (s *Store) PutIdentifier(number string, personID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identifiers[number] = persistence.Identifier{Number: number, PersonID: personID}
}

// PutPerson seeds a person record for a test fixture.
func (s *Store) PutPerson(p policy.Person) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persons[p.PersonID] = p
}

// PutModules seeds the module configurations LoadModulesForPolling
// returns.
func (s *Store) PutModules(configs []registry.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules = append([]registry.Config(nil), configs...)
}

// Movements returns every persisted movement, for test assertions.
func (s *Store) Movements() []persistence.Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]persistence.Movement(nil), s.movements...)
}

func (s *Store) GetIdentifierByNumber(_ context.Context, number string) (persistence.Identifier, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identifiers[number]
	return id, ok, nil
}

func (s *Store) GetPersonForIdentifier(_ context.Context, personID int64) (policy.Person, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.persons[personID]
	return p, ok, nil
}

func (s *Store) LastMovementForPerson(_ context.Context, personID int64, since time.Time) (policy.Movement, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *persistence.Movement
	for i := range s.movements {
		m := &s.movements[i]
		if m.PersonID != personID || m.Instant.Before(since) {
			continue
		}
		if best == nil || m.Instant.After(best.Instant) {
			best = m
		}
	}
	if best == nil {
		return policy.Movement{}, false, nil
	}
	return policy.Movement{PersonID: best.PersonID, ModuleID: best.ModuleID, Direction: best.Direction, Instant: best.Instant}, true, nil
}

func (s *Store) CreateMovement(_ context.Context, m persistence.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		return fmt.Errorf("store unavailable")
	}
	s.movements = append(s.movements, m)
	sort.Slice(s.movements, func(i, j int) bool { return s.movements[i].Instant.Before(s.movements[j].Instant) })
	return nil
}

func (s *Store) InsertActiveTicket(_ context.Context, t policy.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		return fmt.Errorf("store unavailable")
	}
	s.activeTickets[t.Number] = t
	return nil
}

func (s *Store) FindActiveTicketByNumber(_ context.Context, number string) (policy.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.activeTickets[number]
	return t, ok, nil
}

func (s *Store) MoveTicketToHistory(_ context.Context, h policy.TicketHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		return fmt.Errorf("store unavailable")
	}
	delete(s.activeTickets, h.Number)
	s.history = append(s.history, h)
	return nil
}

func (s *Store) MaxTicketNumber(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var highest int64
	for number := range s.activeTickets {
		if n, err := strconv.ParseInt(number, 10, 64); err == nil && n > highest {
			highest = n
		}
	}
	for _, h := range s.history {
		if n, err := strconv.ParseInt(h.Number, 10, 64); err == nil && n > highest {
			highest = n
		}
	}
	return highest, nil
}

func (s *Store) LoadModulesForPolling(_ context.Context) ([]registry.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		return nil, fmt.Errorf("store unavailable")
	}
	out := append([]registry.Config(nil), s.modules...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].PollingOrder != out[j].PollingOrder {
			return out[i].PollingOrder < out[j].PollingOrder
		}
		return out[i].ModuleID < out[j].ModuleID
	})
	return out, nil
}

func (s *Store) HealthCheck(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		return fmt.Errorf("store unavailable")
	}
	return nil
}

var _ persistence.Store = (*Store)(nil)
