// Package registry holds per-module configuration and runtime state for
// every hardware module on the bus. Configuration is immutable once loaded;
// runtime state is mutated only by the scheduler and the event processor,
// and is read elsewhere only via Snapshot.
package registry

import "time"

// ModuleType is the tagged variant replacing the original's dynamic
// dispatch on module type.
type ModuleType int

const (
	ModuleUnknown ModuleType = iota
	ModuleBarrier
	ModuleTurnstile
	ModuleDoor
	ModuleCardReader
	ModuleTicketDispenser
)

func (t ModuleType) String() string {
	switch t {
	case ModuleBarrier:
		return "barrier"
	case ModuleTurnstile:
		return "turnstile"
	case ModuleDoor:
		return "door"
	case ModuleCardReader:
		return "card_reader"
	case ModuleTicketDispenser:
		return "ticket_dispenser"
	default:
		return "unknown"
	}
}

// Capabilities describes what a module type supports, replacing dynamic
// dispatch with a lookup table.
type Capabilities struct {
	HasBarrier      bool
	HasSensors      bool
	SupportsTickets bool
	Bidirectional   bool
}

// CapabilitiesFor returns the capability table for t.
func CapabilitiesFor(t ModuleType) Capabilities {
	switch t {
	case ModuleBarrier:
		return Capabilities{HasBarrier: true, HasSensors: true, SupportsTickets: true}
	case ModuleTurnstile:
		return Capabilities{HasSensors: true, Bidirectional: true}
	case ModuleDoor:
		return Capabilities{HasSensors: true, Bidirectional: true}
	case ModuleCardReader:
		return Capabilities{}
	case ModuleTicketDispenser:
		return Capabilities{SupportsTickets: true}
	default:
		return Capabilities{}
	}
}

// State is a module's high-level operational state.
type State int

const (
	StateOffline State = iota
	StateOnline
	StateError
	StateInitializing
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateError:
		return "error"
	case StateInitializing:
		return "initializing"
	default:
		return "offline"
	}
}

// BarrierState is the physical state of a barrier-capable module.
type BarrierState int

const (
	BarrierUnknown BarrierState = iota
	BarrierClosed
	BarrierOpen
	BarrierMovingUp
	BarrierMovingDown
	BarrierBlocked
)

func (b BarrierState) String() string {
	switch b {
	case BarrierClosed:
		return "closed"
	case BarrierOpen:
		return "open"
	case BarrierMovingUp:
		return "moving_up"
	case BarrierMovingDown:
		return "moving_down"
	case BarrierBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// SensorState is the state of a module's presence sensor.
type SensorState int

const (
	SensorUnknown SensorState = iota
	SensorFree
	SensorOccupied
)

func (s SensorState) String() string {
	switch s {
	case SensorFree:
		return "free"
	case SensorOccupied:
		return "occupied"
	default:
		return "unknown"
	}
}

// Config is immutable after load: everything needed to identify and poll a
// module and to route access decisions through it.
type Config struct {
	ModuleID                int
	Address                 int
	Name                    string
	Type                    ModuleType
	PollingOrder            int
	PulseDurationMs         int
	RequiresTicketValidation bool
	PeerEntryModuleID       *int
	PeerExitModuleID        *int
	MaxRetries              int
}

// PendingCommand is one encoded frame queued for a module's next turn.
type PendingCommand struct {
	ID     string // correlation id, e.g. a uuid, for diagnostics/dedup logging
	Op     string
	Frame  []byte
}

// Runtime is the mutable state of one module, touched only by the
// scheduler and the event processor.
type Runtime struct {
	Config Config

	State          State
	BarrierState   BarrierState
	SensorState    SensorState
	RetryCount     int
	ConsecutiveErr int

	LastCommunication time.Time
	LastCommandSent   string

	pending []PendingCommand
}

// Snapshot is a read-only, deep-copied view of one module's state, safe to
// hand to observers without holding the registry lock.
type Snapshot struct {
	Config            Config
	State             State
	BarrierState      BarrierState
	SensorState       SensorState
	RetryCount        int
	ConsecutiveErr    int
	LastCommunication time.Time
	LastCommandSent   string
	PendingCount      int
}
