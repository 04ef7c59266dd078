package serialport

import (
	"fmt"
	"sync"
	"time"

	"github.com/wpcfield/fieldctl/internal/ferrors"
)

// FakeLink is a deterministic in-memory Link for scheduler and event
// processor tests: each call to Poll consumes one scripted response (or
// simulates a timeout) instead of touching real hardware.
type FakeLink struct {
	mu       sync.Mutex
	open     bool
	reopens  int
	sent     [][]byte
	handler  func(frame []byte) (resp []byte, timeout bool)
	onReopen func() error
}

// NewFakeLink builds a fake link that answers every Poll using handler.
// A nil handler causes every call to time out, which is the useful
// default for bus-failure scenarios.
func NewFakeLink(handler func(frame []byte) (resp []byte, timeout bool)) *FakeLink {
	return &FakeLink{handler: handler}
}

func (f *FakeLink) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = true
	return nil
}

func (f *FakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

// Reopen increments Reopens() and, if SetReopenFailure was called, can be made
// to fail like a real port that refuses to come back.
func (f *FakeLink) Reopen() error {
	f.mu.Lock()
	f.reopens++
	hook := f.onReopen
	f.mu.Unlock()
	if hook != nil {
		if err := hook(); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	return nil
}

func (f *FakeLink) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// Reopens reports how many times Reopen has been called, for asserting
// the scheduler's bus-recovery behavior.
func (f *FakeLink) Reopens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reopens
}

// SentFrames returns every frame handed to Poll, in order.
func (f *FakeLink) SentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// SetHandler replaces the response function, letting a test change
// behavior partway through a scenario (e.g. simulate a port recovering).
func (f *FakeLink) SetHandler(handler func(frame []byte) (resp []byte, timeout bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

// SetReopenFailure makes the next n Reopen calls fail, modeling a port
// that does not immediately come back after being closed and reopened.
func (f *FakeLink) SetReopenFailure(n int) {
	remaining := n
	f.mu.Lock()
	f.onReopen = func() error {
		if remaining <= 0 {
			return nil
		}
		remaining--
		return &ferrors.TransientBusError{Op: "reopen", Cause: fmt.Errorf("port busy")}
	}
	f.mu.Unlock()
}

func (f *FakeLink) Poll(frame []byte, _ time.Duration, expectResponse bool) ([]byte, error) {
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return nil, &ferrors.TransientBusError{Op: "poll", Cause: fmt.Errorf("port not open")}
	}
	f.sent = append(f.sent, append([]byte(nil), frame...))
	handler := f.handler
	f.mu.Unlock()

	if !expectResponse {
		return nil, nil
	}
	if handler == nil {
		return nil, &ferrors.TransientBusError{Op: "read", Cause: fmt.Errorf("read timeout")}
	}
	resp, timeout := handler(frame)
	if timeout {
		return resp, &ferrors.TransientBusError{Op: "read", Cause: fmt.Errorf("read timeout")}
	}
	return resp, nil
}
