package registry

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry indexes modules by address (primary) and module id (secondary).
// Reads take a consistent snapshot; writes are serialized and only ever
// invoked from the scheduler task.
type Registry struct {
	mu         sync.RWMutex
	byAddress  map[int]*Runtime
	byModuleID map[int]*Runtime
	order      []int // addresses, sorted by PollingOrder then ModuleID
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{
		byAddress:  make(map[int]*Runtime),
		byModuleID: make(map[int]*Runtime),
	}
}

// Load replaces the registry's contents with the given configurations. It
// is intended for the Supervisor's warm-start step, before the scheduler
// begins polling. Returns an error if two modules share an address.
func (r *Registry) Load(configs []Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byAddress := make(map[int]*Runtime, len(configs))
	byModuleID := make(map[int]*Runtime, len(configs))
	for _, c := range configs {
		if _, exists := byAddress[c.Address]; exists {
			return fmt.Errorf("duplicate module address: %d", c.Address)
		}
		rt := &Runtime{Config: c, State: StateInitializing}
		byAddress[c.Address] = rt
		byModuleID[c.ModuleID] = rt
	}

	order := make([]int, 0, len(byAddress))
	for addr := range byAddress {
		order = append(order, addr)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := byAddress[order[i]], byAddress[order[j]]
		if a.Config.PollingOrder != b.Config.PollingOrder {
			return a.Config.PollingOrder < b.Config.PollingOrder
		}
		return a.Config.ModuleID < b.Config.ModuleID
	})

	r.byAddress = byAddress
	r.byModuleID = byModuleID
	r.order = order
	return nil
}

// Len returns the number of configured modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// AddressAt returns the address at position i in polling order, wrapping
// around: i is taken modulo Len().
func (r *Registry) AddressAt(i int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return 0, false
	}
	return r.order[i%len(r.order)], true
}

// ByAddress returns a snapshot of one module's state.
func (r *Registry) ByAddress(addr int) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.byAddress[addr]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(rt), true
}

// ByModuleID returns a snapshot of one module's state, keyed by ModuleID.
func (r *Registry) ByModuleID(id int) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.byModuleID[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(rt), true
}

// Snapshot returns a consistent, deep-copied view of every module, in
// polling order.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, snapshotOf(r.byAddress[addr]))
	}
	return out
}

func snapshotOf(rt *Runtime) Snapshot {
	return Snapshot{
		Config:            rt.Config,
		State:             rt.State,
		BarrierState:      rt.BarrierState,
		SensorState:       rt.SensorState,
		RetryCount:        rt.RetryCount,
		ConsecutiveErr:    rt.ConsecutiveErr,
		LastCommunication: rt.LastCommunication,
		LastCommandSent:   rt.LastCommandSent,
		PendingCount:      len(rt.pending),
	}
}

// PushPending enqueues an encoded command frame onto addr's queue,
// deduplicated by exact frame content. Returns false if addr is not
// configured.
func (r *Registry) PushPending(addr int, cmd PendingCommand) bool {
	return r.Mutate(addr, func(rt *Runtime) {
		rt.PushPending(cmd)
	})
}

// Mutate runs fn against the live runtime state for addr under the write
// lock. It is the only way scheduler/event-processor code may change
// module state. Returns false if addr is not configured.
func (r *Registry) Mutate(addr int, fn func(*Runtime)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.byAddress[addr]
	if !ok {
		return false
	}
	fn(rt)
	return true
}

// PushPending enqueues an encoded frame for addr, deduplicating by exact
// byte content against anything already queued. If cmd.ID is unset, a
// correlation id is minted so diagnostics/dedup logging can track this
// command across the queue without re-parsing the frame bytes.
func (rt *Runtime) PushPending(cmd PendingCommand) {
	for _, existing := range rt.pending {
		if bytes.Equal(existing.Frame, cmd.Frame) {
			return
		}
	}
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	rt.pending = append(rt.pending, cmd)
}

// PopPending removes and returns the oldest pending command, or false if
// none is queued.
func (rt *Runtime) PopPending() (PendingCommand, bool) {
	if len(rt.pending) == 0 {
		return PendingCommand{}, false
	}
	cmd := rt.pending[0]
	rt.pending = rt.pending[1:]
	return cmd, true
}

// ClearPending drops every queued command, used when a module transitions
// to error so stale actuations do not replay after reconnection.
func (rt *Runtime) ClearPending() {
	rt.pending = nil
}
