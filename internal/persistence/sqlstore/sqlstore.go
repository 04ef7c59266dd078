// Package sqlstore implements persistence.Store against PostgreSQL using
// database/sql and the lib/pq driver, grounded on the teacher's
// DatabaseStateManager: plain SQL, no ORM, no migrations (schema
// evolution is an explicit non-goal).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/wpcfield/fieldctl/internal/ferrors"
	"github.com/wpcfield/fieldctl/internal/persistence"
	"github.com/wpcfield/fieldctl/internal/policy"
	"github.com/wpcfield/fieldctl/internal/registry"
)

// Store is a PostgreSQL-backed persistence.Store. Each method opens its
// own connection (from the pool) and, where more than one statement must
// commit together, its own transaction; nothing is held across calls.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &ferrors.PersistenceError{Op: "open", Cause: err}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &ferrors.PersistenceError{Op: "ping", Cause: err}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) GetIdentifierByNumber(ctx context.Context, number string) (persistence.Identifier, bool, error) {
	var id persistence.Identifier
	row := s.db.QueryRowContext(ctx,
		`SELECT number, person_id FROM identifiers WHERE number = $1`, number)
	if err := row.Scan(&id.Number, &id.PersonID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.Identifier{}, false, nil
		}
		return persistence.Identifier{}, false, &ferrors.PersistenceError{Op: "get_identifier_by_number", Cause: err}
	}
	return id, true, nil
}

func (s *Store) GetPersonForIdentifier(ctx context.Context, personID int64) (policy.Person, bool, error) {
	var p policy.Person
	var from, to sql.NullTime
	row := s.db.QueryRowContext(ctx,
		`SELECT person_id, valid_from, valid_to FROM persons WHERE person_id = $1`, personID)
	if err := row.Scan(&p.PersonID, &from, &to); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return policy.Person{}, false, nil
		}
		return policy.Person{}, false, &ferrors.PersistenceError{Op: "get_person_for_identifier", Cause: err}
	}
	if from.Valid {
		p.From = &from.Time
	}
	if to.Valid {
		p.To = &to.Time
	}
	return p, true, nil
}

func (s *Store) LastMovementForPerson(ctx context.Context, personID int64, since time.Time) (policy.Movement, bool, error) {
	var m policy.Movement
	var direction int
	row := s.db.QueryRowContext(ctx,
		`SELECT module_id, direction, occurred_at FROM movements
		 WHERE person_id = $1 AND occurred_at >= $2
		 ORDER BY occurred_at DESC LIMIT 1`, personID, since)
	if err := row.Scan(&m.ModuleID, &direction, &m.Instant); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return policy.Movement{}, false, nil
		}
		return policy.Movement{}, false, &ferrors.PersistenceError{Op: "last_movement_for_person", Cause: err}
	}
	m.PersonID = personID
	m.Direction = policy.Direction(direction)
	return m, true, nil
}

func (s *Store) CreateMovement(ctx context.Context, m persistence.Movement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ferrors.PersistenceError{Op: "create_movement", Cause: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO movements (movement_id, person_id, module_id, direction, kind, occurred_at, allowed, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.MovementID, m.PersonID, m.ModuleID, int(m.Direction), int(m.Kind), m.Instant, m.Allowed, m.Reason)
	if err != nil {
		return &ferrors.PersistenceError{Op: "create_movement", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return &ferrors.PersistenceError{Op: "create_movement", Cause: err}
	}
	return nil
}

func (s *Store) InsertActiveTicket(ctx context.Context, t policy.Ticket) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO active_tickets (ticket_id, number, entry_module_id, entry_instant, validated)
		 VALUES ($1, $2, $3, $4, $5)`,
		t.TicketID, t.Number, t.EntryModule, t.EntryInstant, t.Validated)
	if err != nil {
		return &ferrors.PersistenceError{Op: "insert_active_ticket", Cause: err}
	}
	return nil
}

func (s *Store) FindActiveTicketByNumber(ctx context.Context, number string) (policy.Ticket, bool, error) {
	var t policy.Ticket
	row := s.db.QueryRowContext(ctx,
		`SELECT ticket_id, number, entry_module_id, entry_instant, validated
		 FROM active_tickets WHERE number = $1`, number)
	if err := row.Scan(&t.TicketID, &t.Number, &t.EntryModule, &t.EntryInstant, &t.Validated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return policy.Ticket{}, false, nil
		}
		return policy.Ticket{}, false, &ferrors.PersistenceError{Op: "find_active_ticket_by_number", Cause: err}
	}
	return t, true, nil
}

// MoveTicketToHistory deletes from active_tickets and inserts into
// ticket_history inside one transaction, the atomic move spec.md
// requires. Readers of FindActiveTicketByNumber outside this transaction
// still see the row in active_tickets until commit.
func (s *Store) MoveTicketToHistory(ctx context.Context, h policy.TicketHistory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ferrors.PersistenceError{Op: "move_ticket_to_history", Cause: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM active_tickets WHERE number = $1`, h.Number)
	if err != nil {
		return &ferrors.PersistenceError{Op: "move_ticket_to_history", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ferrors.PersistenceError{Op: "move_ticket_to_history", Cause: fmt.Errorf("no active ticket with number %q", h.Number)}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ticket_history (ticket_id, number, entry_module_id, entry_instant, exit_module_id, exit_instant)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		h.TicketID, h.Number, h.EntryModule, h.EntryInstant, h.ExitModule, h.ExitInstant)
	if err != nil {
		return &ferrors.PersistenceError{Op: "move_ticket_to_history", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return &ferrors.PersistenceError{Op: "move_ticket_to_history", Cause: err}
	}
	return nil
}

// MaxTicketNumber scans both ticket sets; numbers are stored as text on
// the wire-facing side but are always decimal, so the cast is safe.
func (s *Store) MaxTicketNumber(ctx context.Context) (int64, error) {
	var highest sql.NullInt64
	row := s.db.QueryRowContext(ctx,
		`SELECT GREATEST(
		   COALESCE((SELECT MAX(number::bigint) FROM active_tickets), 0),
		   COALESCE((SELECT MAX(number::bigint) FROM ticket_history), 0))`)
	if err := row.Scan(&highest); err != nil {
		return 0, &ferrors.PersistenceError{Op: "max_ticket_number", Cause: err}
	}
	return highest.Int64, nil
}

func (s *Store) LoadModulesForPolling(ctx context.Context) ([]registry.Config, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT module_id, address, name, module_type, polling_order, pulse_duration_ms,
		        requires_ticket_validation, peer_entry_module_id, peer_exit_module_id, max_retries
		 FROM modules ORDER BY polling_order, module_id`)
	if err != nil {
		return nil, &ferrors.PersistenceError{Op: "load_modules_for_polling", Cause: err}
	}
	defer rows.Close()

	var out []registry.Config
	for rows.Next() {
		var c registry.Config
		var moduleType string
		var peerEntry, peerExit sql.NullInt64
		if err := rows.Scan(&c.ModuleID, &c.Address, &c.Name, &moduleType, &c.PollingOrder,
			&c.PulseDurationMs, &c.RequiresTicketValidation, &peerEntry, &peerExit, &c.MaxRetries); err != nil {
			return nil, &ferrors.PersistenceError{Op: "load_modules_for_polling", Cause: err}
		}
		c.Type = parseModuleType(moduleType)
		if peerEntry.Valid {
			v := int(peerEntry.Int64)
			c.PeerEntryModuleID = &v
		}
		if peerExit.Valid {
			v := int(peerExit.Int64)
			c.PeerExitModuleID = &v
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &ferrors.PersistenceError{Op: "load_modules_for_polling", Cause: err}
	}
	return out, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &ferrors.PersistenceError{Op: "health_check", Cause: err}
	}
	return nil
}

func parseModuleType(s string) registry.ModuleType {
	switch s {
	case "barrier":
		return registry.ModuleBarrier
	case "turnstile":
		return registry.ModuleTurnstile
	case "door":
		return registry.ModuleDoor
	case "card_reader":
		return registry.ModuleCardReader
	case "ticket_dispenser":
		return registry.ModuleTicketDispenser
	default:
		return registry.ModuleUnknown
	}
}

var _ persistence.Store = (*Store)(nil)
