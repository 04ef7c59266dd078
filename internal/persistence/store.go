// Package persistence defines the Store contract the Event Processor and
// the Supervisor rely on, Go-shaped from spec.md §6's persistence layer
// contract: identifier/person lookup, movement and ticket writes, and
// registry warm-start. Implementations live in memstore (tests),
// sqlstore (PostgreSQL via lib/pq) and rediscache (an antipassback
// read-through cache layered in front of either).
package persistence

import (
	"context"
	"time"

	"github.com/wpcfield/fieldctl/internal/idgen"
	"github.com/wpcfield/fieldctl/internal/policy"
	"github.com/wpcfield/fieldctl/internal/registry"
)

// Identifier is a presented credential (card number, ticket barcode) that
// may or may not resolve to a person.
type Identifier struct {
	Number   string
	PersonID int64
}

// Movement is the persisted record created by a successful access
// decision, category attributes included.
type Movement struct {
	MovementID int64
	PersonID   int64
	ModuleID   int
	Direction  policy.Direction
	Kind       policy.Kind
	Instant    time.Time
	Allowed    bool
	Reason     string
}

// Store is the persistence contract consumed by the Event Processor and
// the Supervisor. Every method takes a context so a caller can bound how
// long it waits on a transaction; every access opens and releases its own
// connection/transaction, never shared across goroutines.
type Store interface {
	// GetIdentifierByNumber resolves a presented credential string. ok is
	// false when the identifier is unknown.
	GetIdentifierByNumber(ctx context.Context, number string) (Identifier, bool, error)

	// GetPersonForIdentifier resolves the many-to-many identifier→person
	// relation. ok is false when the identifier is unassigned.
	GetPersonForIdentifier(ctx context.Context, personID int64) (policy.Person, bool, error)

	// LastMovementForPerson returns the most recent movement for personID
	// at or after since, or ok=false if there is none.
	LastMovementForPerson(ctx context.Context, personID int64, since time.Time) (policy.Movement, bool, error)

	// CreateMovement persists m transactionally together with its
	// category attributes.
	CreateMovement(ctx context.Context, m Movement) error

	// InsertActiveTicket adds t to the active set.
	InsertActiveTicket(ctx context.Context, t policy.Ticket) error

	// FindActiveTicketByNumber looks up an active ticket by its printed
	// number.
	FindActiveTicketByNumber(ctx context.Context, number string) (policy.Ticket, bool, error)

	// MoveTicketToHistory performs the atomic active→history transition;
	// readers must still find number in active during any transient
	// failure window.
	MoveTicketToHistory(ctx context.Context, h policy.TicketHistory) error

	// MaxTicketNumber returns the highest numeric ticket number across the
	// active and history sets, 0 when both are empty. Used to seed the
	// issue counter at max+1.
	MaxTicketNumber(ctx context.Context) (int64, error)

	// LoadModulesForPolling returns every module configuration, in
	// polling order, for the Supervisor's warm-start step.
	LoadModulesForPolling(ctx context.Context) ([]registry.Config, error)

	// HealthCheck reports whether the store can currently serve requests.
	HealthCheck(ctx context.Context) error
}

// IDAllocator is the minimal surface Store implementations need from
// idgen to mint movement/ticket ids without importing the scheduler.
type IDAllocator interface {
	MovementID(instant time.Time) int64
	TicketID(instant time.Time) int64
}

var _ IDAllocator = (*idgen.Generator)(nil)
