// Package scheduler implements the Polling Scheduler: the single
// cooperative task that round-robins the RS-485 bus, routes responses,
// runs the per-module retry and bus-level recovery machinery, and
// dispatches decoded novelties to the Event Processor. Grounded in
// spec.md §4.3/§4.4 and the original system's serial_scheduler.py.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wpcfield/fieldctl/internal/circuitbreaker"
	"github.com/wpcfield/fieldctl/internal/events"
	"github.com/wpcfield/fieldctl/internal/ferrors"
	"github.com/wpcfield/fieldctl/internal/metrics"
	"github.com/wpcfield/fieldctl/internal/protocol"
	"github.com/wpcfield/fieldctl/internal/registry"
	"github.com/wpcfield/fieldctl/internal/serialport"
)

// NoveltyHandler is the Event Processor's entry point, invoked
// synchronously from the scheduler task whenever a novelty is decoded.
// Implementations must not perform unbounded or blocking work.
type NoveltyHandler interface {
	HandleNovelty(ctx context.Context, addr int, novelty protocol.Novelty) error
}

// Config holds the scheduler's timing and retry knobs, per spec.md §6.
type Config struct {
	PollingInterval   time.Duration
	MaxRetriesDefault int // used only if a module's own MaxRetries is 0
	BusErrorThreshold int // default 10
}

// DefaultConfig returns spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{
		PollingInterval:   100 * time.Millisecond,
		MaxRetriesDefault: 3,
		BusErrorThreshold: 10,
	}
}

// immediateCommand is one operator/test-injected frame bypassing the
// round-robin, per §4.4.3.
type immediateCommand struct {
	addr  int
	frame []byte
}

// Scheduler owns the cooperative polling loop. Exactly one goroutine
// should call Run; SendCommand and Stop are the only thread-safe surfaces
// meant to be called from other goroutines, per spec.md §5.
type Scheduler struct {
	Link     serialport.Link
	Registry *registry.Registry
	Bus      events.Bus
	Events   NoveltyHandler
	Breaker  *circuitbreaker.CircuitBreaker
	Cfg      Config
	Metrics  *metrics.Metrics

	mu                sync.Mutex
	immediateCommands []immediateCommand
	cursor            int
	portReopenCount   int
	stop              chan struct{}
	stopped           chan struct{}
}

// New builds a Scheduler. reg must already be warm-started (Registry.Load
// called) before Run is invoked.
func New(link serialport.Link, reg *registry.Registry, bus events.Bus, handler NoveltyHandler, cfg Config) *Scheduler {
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("bus", cfg.BusErrorThreshold, 30*time.Second))
	return &Scheduler{
		Link:     link,
		Registry: reg,
		Bus:      bus,
		Events:   handler,
		Breaker:  breaker,
		Cfg:      cfg,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// PortReopenCount reports how many times the bus-level recovery action
// has fired, a diagnostic spec.md names explicitly.
func (s *Scheduler) PortReopenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.portReopenCount
}

// SendCommand implements spec.md §4.4.3. immediate=true queues frame for
// the scheduler goroutine to transmit, with no response expected, ahead of
// its next round-robin tick; a transmit failure is logged, not returned.
// immediate=false enqueues onto addr's
// pending queue for its next turn. Safe to call from any goroutine.
func (s *Scheduler) SendCommand(addr int, frame []byte, immediate bool) error {
	if !immediate {
		ok := s.Registry.PushPending(addr, registry.PendingCommand{Op: "custom", Frame: frame})
		if !ok {
			return &ferrors.ProgrammerError{Invariant: "send_command to unconfigured address", Cause: fmt.Errorf("addr=%d", addr)}
		}
		return nil
	}
	s.mu.Lock()
	s.immediateCommands = append(s.immediateCommands, immediateCommand{addr: addr, frame: frame})
	s.mu.Unlock()
	return nil
}

// Stop requests the scheduler to exit between ticks, per spec.md's
// "responds to a global stop flag only between ticks" cancellation model.
// It blocks until Run has actually returned.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.stopped
}

// Run drives the cooperative loop until ctx is canceled or Stop is
// called. It never returns early because of a single module's failure;
// only ctx cancellation or Stop ends it.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.stopped)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		default:
		}

		s.drainImmediateCommands()

		if s.Registry.Len() > 0 {
			s.tick(ctx)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case <-time.After(s.Cfg.PollingInterval):
		}
	}
}

// drainImmediateCommands flushes operator-injected immediate commands
// inside the scheduler's own critical section, ahead of the next
// round-robin tick.
func (s *Scheduler) drainImmediateCommands() {
	s.mu.Lock()
	pending := s.immediateCommands
	s.immediateCommands = nil
	s.mu.Unlock()

	for _, cmd := range pending {
		if _, err := s.Link.Poll(cmd.frame, 0, false); err != nil {
			slog.Warn("immediate command failed", "addr", cmd.addr, "error", err)
		}
	}
}

// tick performs exactly one round-robin step: pick the next module, pick
// its next command, poll the bus, and route the result.
func (s *Scheduler) tick(ctx context.Context) {
	addr, ok := s.nextAddress()
	if !ok {
		return
	}
	snap, ok := s.Registry.ByAddress(addr)
	if !ok {
		return
	}

	op, frame := s.nextCommandFor(addr, snap)
	timeout := time.Duration(protocol.CommandReadTimeoutMs(op)) * time.Millisecond

	s.Registry.Mutate(addr, func(rt *registry.Runtime) {
		rt.LastCommandSent = op
	})

	start := time.Now()
	reply, err := s.Link.Poll(frame, timeout, true)
	if err != nil {
		s.recordRoundMetric(start, false)
		s.onFailure(ctx, addr, snap, err)
		s.recordModuleCounts()
		return
	}

	parsed, err := protocol.ValidateAndParse(reply, addr)
	if err != nil {
		s.recordRoundMetric(start, false)
		s.onFailure(ctx, addr, snap, err)
		s.recordModuleCounts()
		return
	}

	s.recordRoundMetric(start, true)
	s.onSuccess(ctx, addr, snap, parsed)
	s.recordModuleCounts()
}

func (s *Scheduler) recordRoundMetric(start time.Time, success bool) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.RecordBusRound(time.Since(start).Seconds(), success)
}

// recordModuleCounts refreshes the online/offline/error gauges from a
// fresh registry snapshot, once per tick.
func (s *Scheduler) recordModuleCounts() {
	if s.Metrics == nil {
		return
	}
	var online, offline, errored int
	for _, snap := range s.Registry.Snapshot() {
		switch snap.State {
		case registry.StateOnline:
			online++
		case registry.StateError:
			errored++
		default:
			offline++
		}
	}
	s.Metrics.SetModuleCounts(online, offline, errored)
}

// nextAddress implements polling_order/module_id wraparound and advances
// the internal cursor by one, per tick.
func (s *Scheduler) nextAddress() (int, bool) {
	s.mu.Lock()
	idx := s.cursor
	s.cursor++
	s.mu.Unlock()
	return s.Registry.AddressAt(idx)
}

// nextCommandFor pops a queued command if one exists, else synthesizes a
// status poll, per §4.3's pending-queue semantics.
func (s *Scheduler) nextCommandFor(addr int, snap registry.Snapshot) (op string, frame []byte) {
	var cmd registry.PendingCommand
	var hasCmd bool
	s.Registry.Mutate(addr, func(rt *registry.Runtime) {
		cmd, hasCmd = rt.PopPending()
	})
	if hasCmd {
		slog.Debug("dequeued pending command", "addr", addr, "correlation_id", cmd.ID, "op", opFromFrame(cmd.Frame))
		return opFromFrame(cmd.Frame), cmd.Frame
	}
	return "S0", protocol.EncodeReadStatus(addr)
}

// opFromFrame extracts the 2-byte opcode from an already-encoded frame,
// for read-timeout selection on replayed pending commands.
func opFromFrame(frame []byte) string {
	if len(frame) < 5 {
		return ""
	}
	return string(frame[3:5])
}

// onSuccess routes a validated reply per §4.4.1: status polls decode into
// registry state and, when the novelty bit is set or the reply is S6, a
// novelty dispatched to the event
// processor; acks just confirm; anything else is a protocol violation and
// is routed through the same failure path as a bus timeout.
func (s *Scheduler) onSuccess(ctx context.Context, addr int, snap registry.Snapshot, frame *protocol.Frame) {
	switch frame.Op {
	case "S0", "S6":
		s.handleStatusReply(ctx, addr, snap, frame)
	case "K1", "K0", "O1":
		s.markOnline(addr, snap)
	default:
		s.onFailure(ctx, addr, snap, &ferrors.ProtocolViolation{Addr: addr, Op: frame.Op})
		return
	}
	s.Breaker.RecordSuccess()
}

func (s *Scheduler) handleStatusReply(ctx context.Context, addr int, snap registry.Snapshot, frame *protocol.Frame) {
	status := protocol.ParseStatusPayload(frame.Payload)

	wasOnline := snap.State == registry.StateOnline
	barrier := registry.BarrierClosed
	if status.BarrierOpen {
		barrier = registry.BarrierOpen
	}
	sensor := registry.SensorFree
	if status.SensorOccupied {
		sensor = registry.SensorOccupied
	}
	s.Registry.Mutate(addr, func(rt *registry.Runtime) {
		rt.State = registry.StateOnline
		rt.RetryCount = 0
		rt.ConsecutiveErr = 0
		rt.LastCommunication = time.Now()
		rt.BarrierState = barrier
		rt.SensorState = sensor
	})
	if !wasOnline {
		s.publishStateChange(snap, registry.StateOnline)
	}
	if snap.BarrierState != barrier {
		s.publishFieldChange(snap, "barrier", snap.BarrierState.String(), barrier.String())
	}
	if snap.SensorState != sensor {
		s.publishFieldChange(snap, "sensor", snap.SensorState.String(), sensor.String())
	}

	if !(status.HasNovelty || frame.Op == "S6") || len(frame.Payload) == 0 {
		return
	}

	novelty, ok := protocol.ParseNovelty(frame.Payload[1:])
	if !ok {
		slog.Warn("novelty flag set but payload too short", "addr", addr)
		return
	}

	s.Registry.PushPending(addr, registry.PendingCommand{
		Op:    "O1",
		Frame: protocol.EncodeOkDownloadNovelty(addr),
	})

	if s.Events == nil {
		return
	}
	if err := s.Events.HandleNovelty(ctx, addr, novelty); err != nil {
		slog.Error("event processor failed to handle novelty", "addr", addr, "error", err)
	}
}

func (s *Scheduler) markOnline(addr int, snap registry.Snapshot) {
	s.Registry.Mutate(addr, func(rt *registry.Runtime) {
		rt.State = registry.StateOnline
		rt.RetryCount = 0
		rt.ConsecutiveErr = 0
		rt.LastCommunication = time.Now()
	})
	if snap.State != registry.StateOnline {
		s.publishStateChange(snap, registry.StateOnline)
	}
}

// onFailure implements the per-module retry ladder and the bus-level
// recovery action of §4.4.2. A module transitions to error, and clears its
// pending queue so stale actuations do not replay after reconnection, only
// once its own retry budget (snap.Config.MaxRetries, defaulting to
// Cfg.MaxRetriesDefault) is exhausted. Independently of that, every failed
// round is reported to the bus-wide breaker, which counts consecutive
// failures while closed; the round that trips it reopens the link. For the
// breaker's 30s open timeout after a trip, failed rounds are not counted;
// after it the breaker is half-open, where the next failed round trips it
// and reopens the link again and a successful round closes it.
func (s *Scheduler) onFailure(ctx context.Context, addr int, snap registry.Snapshot, cause error) {
	maxRetries := snap.Config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.Cfg.MaxRetriesDefault
	}

	var transitionedToError bool
	s.Registry.Mutate(addr, func(rt *registry.Runtime) {
		rt.RetryCount++
		rt.ConsecutiveErr++
		if rt.State != registry.StateError && rt.RetryCount >= maxRetries {
			rt.State = registry.StateError
			rt.RetryCount = 0
			rt.ClearPending()
			transitionedToError = true
		}
	})
	if s.Metrics != nil {
		s.Metrics.RecordRetry(fmt.Sprintf("%d", snap.Config.ModuleID))
	}
	if transitionedToError {
		slog.Error("module exceeded retry budget, transitioning to error", "addr", addr, "module_id", snap.Config.ModuleID, "cause", cause)
		s.publishStateChange(snap, registry.StateError)
	}

	s.Bus.Publish(events.TopicCommunicationError, events.CommunicationError{
		ModuleID: snap.Config.ModuleID,
		Address:  addr,
		Op:       snap.LastCommandSent,
		Message:  cause.Error(),
	})

	if tripped := s.Breaker.RecordFailure(); tripped {
		s.mu.Lock()
		s.portReopenCount++
		s.mu.Unlock()
		if s.Metrics != nil {
			s.Metrics.RecordReopen()
		}
		slog.Error("bus error threshold exceeded, reopening serial link")
		if err := s.Link.Reopen(); err != nil {
			slog.Error("failed to reopen serial link", "error", err)
		}
	}
}

func (s *Scheduler) publishStateChange(snap registry.Snapshot, to registry.State) {
	s.publishFieldChange(snap, "state", snap.State.String(), to.String())
}

func (s *Scheduler) publishFieldChange(snap registry.Snapshot, field, from, to string) {
	s.Bus.Publish(events.TopicModuleStateChanged, events.ModuleStateChanged{
		ModuleID: snap.Config.ModuleID,
		Address:  snap.Config.Address,
		Field:    field,
		Old:      from,
		New:      to,
	})
}
