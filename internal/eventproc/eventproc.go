// Package eventproc implements the Event Processor: it takes a decoded
// novelty, resolves it to a person, runs the access-decision algorithm,
// persists the resulting movement, enqueues any actuation the module
// needs, and publishes domain events. Grounded in spec.md §4.5/§4.6 and
// the original system's event_processor.py.
package eventproc

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/wpcfield/fieldctl/internal/events"
	"github.com/wpcfield/fieldctl/internal/ferrors"
	"github.com/wpcfield/fieldctl/internal/metrics"
	"github.com/wpcfield/fieldctl/internal/persistence"
	"github.com/wpcfield/fieldctl/internal/policy"
	"github.com/wpcfield/fieldctl/internal/protocol"
	"github.com/wpcfield/fieldctl/internal/registry"
)

// IDAllocator mints movement/ticket ids; satisfied by *idgen.Generator.
type IDAllocator interface {
	MovementID(instant time.Time) int64
	TicketID(instant time.Time) int64
}

// Clock abstracts "now" so decision tests can pin time; satisfied by
// time.Now.
type Clock func() time.Time

// Processor wires together persistence, policy and the bus to turn a
// decoded novelty into a persisted movement and, where applicable, a
// queued actuation command.
type Processor struct {
	Store    persistence.Store
	Bus      events.Bus
	Registry *registry.Registry
	IDs      IDAllocator
	Policy   policy.Config
	Rule     policy.AntipassbackRule
	Now      Clock

	// Metrics is optional; when set, every access decision is counted
	// against fieldctl_movements_total by module and allow/deny outcome.
	Metrics *metrics.Metrics

	// ActiveTickets is the in-memory copy of the ticket active set. Issue
	// writes each ticket both here and to the store; exit-side validation
	// looks here first and falls back to Store.FindActiveTicketByNumber on
	// a miss. The event processor is the sole owner of this map.
	ActiveTickets map[string]policy.Ticket

	// nextTicketNumber is the running printed-ticket counter, lazily
	// seeded from the store on the first issue.
	nextTicketNumber int64
}

// New builds a Processor with sane defaults (real wall clock, default
// policy thresholds, the stock antipassback rule).
func New(store persistence.Store, bus events.Bus, reg *registry.Registry, ids IDAllocator) *Processor {
	return &Processor{
		Store:         store,
		Bus:           bus,
		Registry:      reg,
		IDs:           ids,
		Policy:        policy.DefaultConfig(),
		Rule:          policy.CheckAntipassback,
		Now:           time.Now,
		ActiveTickets: make(map[string]policy.Ticket),
	}
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// HandleNovelty runs the full §4.5 pipeline for one decoded novelty at
// addr. It never returns an error for a normal deny — deny is a valid,
// fully-handled outcome — only for conditions that prevented the
// pipeline from running at all (e.g. the module isn't in the registry).
func (p *Processor) HandleNovelty(ctx context.Context, addr int, novelty protocol.Novelty) error {
	snap, ok := p.Registry.ByAddress(addr)
	if !ok {
		return &ferrors.ProgrammerError{Invariant: "novelty from unconfigured address", Cause: fmt.Errorf("addr=%d", addr)}
	}

	p.Bus.Publish(events.TopicNoveltyReceived, events.NoveltyReceived{
		ModuleID:   snap.Config.ModuleID,
		Address:    addr,
		Identifier: novelty.Identifier,
	})

	if snap.Config.RequiresTicketValidation {
		return p.handleTicketModule(ctx, snap, novelty)
	}
	return p.handleIdentifierModule(ctx, snap, novelty)
}

func (p *Processor) handleIdentifierModule(ctx context.Context, snap registry.Snapshot, novelty protocol.Novelty) error {
	now := p.now()

	decision, personID := p.decide(ctx, snap, novelty.Identifier, now)
	direction := directionFor(snap.Config)

	if decision.Allowed {
		movementID := p.IDs.MovementID(now)
		kind := policy.KindPedestrian
		if snap.Config.Type == registry.ModuleBarrier {
			kind = policy.KindVehicular
		}
		err := p.Store.CreateMovement(ctx, persistence.Movement{
			MovementID: movementID,
			PersonID:   personID,
			ModuleID:   snap.Config.ModuleID,
			Direction:  direction,
			Kind:       kind,
			Instant:    now,
			Allowed:    true,
		})
		if err != nil {
			decision = policy.Decision{Allowed: false, Reason: "persistence"}
			slog.Error("failed to persist movement", "module_id", snap.Config.ModuleID, "error", err)
		} else if moduleActsOnIdentification(snap.Config.Type) {
			p.Registry.PushPending(snap.Config.Address, registry.PendingCommand{
				Op:    "K1",
				Frame: protocol.EncodeContinue(snap.Config.Address, ""),
			})
		}
	}

	if !decision.Allowed {
		slog.Warn("access denied", "module_id", snap.Config.ModuleID, "reason", decision.Reason)
	}

	p.publishMovement(snap.Config.ModuleID, events.MovementDetected{
		Identifier: novelty.Identifier,
		ModuleID:   snap.Config.ModuleID,
		PersonID:   personID,
		Allowed:    decision.Allowed,
		Reason:     decision.Reason,
	})
	return nil
}

// publishMovement publishes a movement_detected event and, if Metrics is
// set, counts it against fieldctl_movements_total.
func (p *Processor) publishMovement(moduleID int, payload events.MovementDetected) {
	p.Bus.Publish(events.TopicMovementDetected, payload)
	if p.Metrics != nil {
		p.Metrics.RecordMovement(fmt.Sprintf("%d", moduleID), payload.Allowed)
	}
}

// decide resolves identifier→person and runs the policy chain, returning
// the decision and the resolved person id (0 if resolution itself
// failed).
func (p *Processor) decide(ctx context.Context, snap registry.Snapshot, identifier string, now time.Time) (policy.Decision, int64) {
	id, ok, err := p.Store.GetIdentifierByNumber(ctx, identifier)
	if err != nil {
		slog.Error("identifier lookup failed", "error", err)
		return policy.Decision{Allowed: false, Reason: "persistence"}, 0
	}
	if !ok {
		return policy.Decision{Allowed: false, Reason: "unknown identifier"}, 0
	}

	person, ok, err := p.Store.GetPersonForIdentifier(ctx, id.PersonID)
	if err != nil {
		slog.Error("person lookup failed", "error", err)
		return policy.Decision{Allowed: false, Reason: "persistence"}, id.PersonID
	}
	if !ok {
		return policy.Decision{Allowed: false, Reason: "unassigned identifier"}, id.PersonID
	}

	lookback := p.Policy.AntipassbackWindow
	if p.Policy.MinStayWindow > lookback {
		lookback = p.Policy.MinStayWindow
	}
	last, hasLast, err := p.Store.LastMovementForPerson(ctx, person.PersonID, now.Add(-lookback))
	if err != nil {
		slog.Error("last movement lookup failed", "error", err)
		return policy.Decision{Allowed: false, Reason: "persistence"}, person.PersonID
	}

	var lastPtr *policy.Movement
	withinAntipassback := false
	if hasLast {
		lastPtr = &last
		withinAntipassback = !last.Instant.Before(now.Add(-p.Policy.AntipassbackWindow))
	}

	module := policy.ModuleLink{
		ModuleID:     snap.Config.ModuleID,
		Direction:    directionFor(snap.Config),
		PeerModuleID: peerFor(snap.Config),
	}
	return policy.Evaluate(p.Policy, module, person, lastPtr, withinAntipassback, now, p.Rule), person.PersonID
}

func (p *Processor) handleTicketModule(ctx context.Context, snap registry.Snapshot, novelty protocol.Novelty) error {
	now := p.now()
	direction := directionFor(snap.Config)

	if direction == policy.DirectionEntry {
		number, err := p.allocateTicketNumber(ctx)
		if err != nil {
			slog.Error("failed to allocate ticket number", "error", err)
			p.publishMovement(snap.Config.ModuleID, events.MovementDetected{
				Identifier: novelty.Identifier, ModuleID: snap.Config.ModuleID, Allowed: false, Reason: "persistence",
			})
			return nil
		}
		ticket := policy.IssueTicket(p.IDs.TicketID(now), number, snap.Config.ModuleID, now)
		if err := p.Store.InsertActiveTicket(ctx, ticket); err != nil {
			slog.Error("failed to insert active ticket", "error", err)
			p.publishMovement(snap.Config.ModuleID, events.MovementDetected{
				Identifier: novelty.Identifier, ModuleID: snap.Config.ModuleID, Allowed: false, Reason: "persistence",
			})
			return nil
		}
		p.ActiveTickets[number] = ticket
		p.Registry.PushPending(snap.Config.Address, registry.PendingCommand{
			Op:    "K1",
			Frame: protocol.EncodeContinue(snap.Config.Address, ""),
		})
		p.publishMovement(snap.Config.ModuleID, events.MovementDetected{
			Identifier: novelty.Identifier, ModuleID: snap.Config.ModuleID, Allowed: true, TicketNumber: number,
		})
		return nil
	}

	number := novelty.Identifier
	result, ok := policy.ValidateTicket(p.ActiveTickets, number, now)
	if !ok {
		// The in-memory active set is empty after a restart; the persisted
		// active set is the source of record, so fall through to it.
		stored, found, err := p.Store.FindActiveTicketByNumber(ctx, number)
		if err != nil {
			slog.Error("active ticket lookup failed", "error", err)
			p.publishMovement(snap.Config.ModuleID, events.MovementDetected{
				Identifier: number, ModuleID: snap.Config.ModuleID, Allowed: false, Reason: "persistence",
			})
			return nil
		}
		if !found {
			slog.Warn("access denied", "module_id", snap.Config.ModuleID, "reason", "unknown ticket")
			p.publishMovement(snap.Config.ModuleID, events.MovementDetected{
				Identifier: number, ModuleID: snap.Config.ModuleID, Allowed: false, Reason: "unknown ticket",
			})
			return nil
		}
		p.ActiveTickets[number] = stored
		result = policy.ValidationResult{Ticket: stored, Duration: now.Sub(stored.EntryInstant)}
	}
	slog.Info("ticket validated", "number", number, "duration_min", int(result.Duration.Minutes()))

	history, err := policy.CloseTicket(p.ActiveTickets, number, snap.Config.ModuleID, now)
	if err != nil {
		slog.Error("failed to close ticket", "error", err)
		return nil
	}
	if err := p.Store.MoveTicketToHistory(ctx, history); err != nil {
		slog.Error("failed to persist ticket close", "error", err)
	}

	p.Registry.PushPending(snap.Config.Address, registry.PendingCommand{
		Op:    "K1",
		Frame: protocol.EncodeContinue(snap.Config.Address, ""),
	})
	p.publishMovement(snap.Config.ModuleID, events.MovementDetected{
		Identifier: number, ModuleID: snap.Config.ModuleID, Allowed: true, TicketNumber: number,
	})
	return nil
}

// allocateTicketNumber hands out the next printed ticket number, seeded on
// first use from max(active.number, history.number)+1 so numbering survives
// restarts without a dedicated sequence table.
func (p *Processor) allocateTicketNumber(ctx context.Context) (string, error) {
	if p.nextTicketNumber == 0 {
		highest, err := p.Store.MaxTicketNumber(ctx)
		if err != nil {
			return "", err
		}
		p.nextTicketNumber = highest + 1
	}
	n := p.nextTicketNumber
	p.nextTicketNumber++
	return strconv.FormatInt(n, 10), nil
}

func directionFor(c registry.Config) policy.Direction {
	if c.PeerExitModuleID != nil {
		return policy.DirectionEntry
	}
	if c.PeerEntryModuleID != nil {
		return policy.DirectionExit
	}
	return policy.DirectionEntry
}

func peerFor(c registry.Config) *int {
	if c.PeerExitModuleID != nil {
		return c.PeerExitModuleID
	}
	return c.PeerEntryModuleID
}

func moduleActsOnIdentification(t registry.ModuleType) bool {
	return t == registry.ModuleCardReader || t == registry.ModuleBarrier
}
