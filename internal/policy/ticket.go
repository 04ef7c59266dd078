package policy

import (
	"fmt"
	"time"
)

// Ticket is the active-set record tracked between issue and close, for a
// ticket-dispenser-governed entry/exit pair.
type Ticket struct {
	TicketID     int64
	Number       string
	EntryModule  int
	EntryInstant time.Time
	Validated    bool
}

// TicketHistory is what a closed ticket becomes, parallel to Ticket but
// carrying the exit side too.
type TicketHistory struct {
	Ticket
	ExitModule  int
	ExitInstant time.Time
}

// IssueTicket builds a freshly-issued ticket for an entry event. The
// caller is responsible for allocating TicketID (see idgen) and for
// persisting the result into the active set.
func IssueTicket(ticketID int64, number string, entryModule int, now time.Time) Ticket {
	return Ticket{
		TicketID:     ticketID,
		Number:       number,
		EntryModule:  entryModule,
		EntryInstant: now,
		Validated:    false,
	}
}

// ValidationResult is returned by ValidateTicket for display at the exit
// module: the dwell duration since issue. It does not itself mutate the
// ticket; spec.md's validate step is read-only.
type ValidationResult struct {
	Ticket   Ticket
	Duration time.Duration
}

// ValidateTicket looks up number among active and, if found, computes how
// long it has been active. Returns ok=false if number is not active.
func ValidateTicket(active map[string]Ticket, number string, now time.Time) (ValidationResult, bool) {
	t, ok := active[number]
	if !ok {
		return ValidationResult{}, false
	}
	return ValidationResult{Ticket: t, Duration: now.Sub(t.EntryInstant)}, true
}

// CloseTicket performs the atomic move spec.md requires: the ticket
// disappears from active and a TicketHistory record appears, with the
// invariant that during any transient window a reader should still find
// it in active on conflict (callers implementing this over a database
// should perform delete-then-insert inside one transaction; callers using
// the in-memory active map get that atomicity for free via the map type's
// single mutation point here).
func CloseTicket(active map[string]Ticket, number string, exitModule int, now time.Time) (TicketHistory, error) {
	t, ok := active[number]
	if !ok {
		return TicketHistory{}, fmt.Errorf("no active ticket with number %q", number)
	}
	delete(active, number)
	return TicketHistory{
		Ticket:      t,
		ExitModule:  exitModule,
		ExitInstant: now,
	}, nil
}
