// Package ferrors defines the typed error taxonomy used across the field
// controller: transient bus errors, configuration errors, persistence
// errors, protocol violations and programmer errors. Each is a distinct
// type so callers can errors.As/errors.Is instead of string-matching.
package ferrors

import "fmt"

// TransientBusError covers timeouts, framing problems and checksum
// mismatches on the RS-485 bus. It is always recoverable by re-poll and,
// past a threshold, by a port reopen.
type TransientBusError struct {
	Op    string
	Addr  int
	Cause error
}

func (e *TransientBusError) Error() string {
	return fmt.Sprintf("transient bus error: addr=%d op=%s: %v", e.Addr, e.Op, e.Cause)
}

func (e *TransientBusError) Unwrap() error { return e.Cause }

// ConfigError marks a fatal configuration problem detected at startup.
type ConfigError struct {
	Field string
	Cause error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %v", e.Field, e.Cause)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// PersistenceError wraps a transaction or query failure from the
// persistence layer. For movement/ticket creation it surfaces as a deny
// with reason "persistence"; for registry warm-start it is fatal.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %s: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// ProtocolViolation is a well-formed frame carrying an unknown or
// unexpected opcode. Treated as a transient bus error for retry purposes,
// but logged separately so operators can spot firmware mismatches.
type ProtocolViolation struct {
	Addr int
	Op   string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: addr=%d unexpected op=%q", e.Addr, e.Op)
}

// ProgrammerError marks a violated invariant detected at runtime, e.g. a
// novelty or command for an unconfigured address. It is returned to the
// caller, which logs it; no module's state is changed because of it and
// the controller itself never aborts.
type ProgrammerError struct {
	Invariant string
	Cause     error
}

func (e *ProgrammerError) Error() string {
	return fmt.Sprintf("programmer error: %s: %v", e.Invariant, e.Cause)
}

func (e *ProgrammerError) Unwrap() error { return e.Cause }
