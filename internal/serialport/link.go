// Package serialport owns the RS-485 port: half-duplex framed send/receive
// with configurable transmitter key-up/key-down delays, per-request read
// timeouts and whole-port reopen, grounded in the original system's
// serial_link.py.
package serialport

import (
	"errors"
	"time"

	"github.com/wpcfield/fieldctl/internal/ferrors"
)

// Parity selects the UART parity mode.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// Config describes one RS-485 port: name, baud, framing and the
// key-up/key-down timing spec.md requires around every transmission.
type Config struct {
	PortName string
	BaudRate int
	Parity   Parity
	DataBits int // 5..8
	StopBits int // 1 or 2

	// RTSEnableDelay is how long to wait after raising RTS before writing,
	// giving the transceiver time to switch to transmit.
	RTSEnableDelay time.Duration
	// RTSDisableDelay is how long to wait after the last byte is drained
	// before lowering RTS, so the last bit reaches the bus before the
	// transceiver switches back to receive.
	RTSDisableDelay time.Duration

	// HardwareRS485 indicates the adapter performs direction control in
	// hardware; when true RTS is configured once at Open and never
	// toggled per frame.
	HardwareRS485 bool
}

// Validate checks the structural constraints spec.md places on serial
// configuration, independent of whether the port can actually be opened.
func (c Config) Validate() error {
	if c.PortName == "" {
		return &ferrors.ConfigError{Field: "serial.port", Cause: errors.New("must not be empty")}
	}
	if c.BaudRate <= 0 {
		return &ferrors.ConfigError{Field: "serial.baud", Cause: errors.New("must be positive")}
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return &ferrors.ConfigError{Field: "serial.data_bits", Cause: errors.New("must be 5..8")}
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return &ferrors.ConfigError{Field: "serial.stop_bits", Cause: errors.New("must be 1 or 2")}
	}
	return nil
}

// Link is the Serial Link contract: own one RS-485 port, expose
// open/close/reopen and an atomic, mutex-serialized poll. Implementations
// must make poll safe to call from exactly one caller at a time; the
// scheduler is that caller.
type Link interface {
	Open() error
	Close() error
	Reopen() error
	IsOpen() bool

	// Poll performs one half-duplex transaction: transmit frame, and if
	// expectResponse, read until ETX plus two checksum bytes are observed
	// or readTimeout elapses. Returns whatever bytes were read even on a
	// timeout, so callers can distinguish "nothing at all" from "a
	// partial, truncated reply".
	Poll(frame []byte, readTimeout time.Duration, expectResponse bool) ([]byte, error)
}
