package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpcfield/fieldctl/internal/events"
	"github.com/wpcfield/fieldctl/internal/protocol"
	"github.com/wpcfield/fieldctl/internal/registry"
	"github.com/wpcfield/fieldctl/internal/serialport"
)

type recordingHandler struct {
	mu    sync.Mutex
	calls []protocol.Novelty
}

func (r *recordingHandler) HandleNovelty(_ context.Context, _ int, n protocol.Novelty) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, n)
	return nil
}

func (r *recordingHandler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func statusFrame(addr int, novelty bool, identifier string) []byte {
	b0 := byte(0x01) // barrier open
	if novelty {
		b0 |= 0x80
	}
	payload := []byte{b0}
	if novelty {
		payload = append(payload, []byte(identifier)...)
	}
	return rawFrame(addr, "S0", payload)
}

// rawFrame builds a well-formed frame by hand, mirroring the protocol
// package's own encodeFrame, to avoid importing its unexported helpers.
func rawFrame(addr int, op string, payload []byte) []byte {
	body := []byte{protocol.STX}
	body = append(body, []byte(fmt.Sprintf("%02d", addr))...)
	body = append(body, []byte(op)...)
	body = append(body, payload...)
	body = append(body, protocol.ETX)
	cs := protocol.Checksum(body)
	body = append(body, []byte(cs)...)
	return body
}

func newFixture(t *testing.T) (*Scheduler, *registry.Registry, *serialport.FakeLink, *recordingHandler) {
	t.Helper()
	return newFixtureWithThreshold(t, 10)
}

func newFixtureWithThreshold(t *testing.T, busErrorThreshold int) (*Scheduler, *registry.Registry, *serialport.FakeLink, *recordingHandler) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Load([]registry.Config{
		{ModuleID: 1, Address: 5, Name: "gate", Type: registry.ModuleCardReader, MaxRetries: 3},
	}))
	link := serialport.NewFakeLink(nil)
	require.NoError(t, link.Open())
	bus := events.NewLocalBus()
	handler := &recordingHandler{}
	cfg := DefaultConfig()
	cfg.PollingInterval = time.Millisecond
	cfg.BusErrorThreshold = busErrorThreshold
	s := New(link, reg, bus, handler, cfg)
	return s, reg, link, handler
}

func TestScheduler_NoveltyBitDispatchesToEventProcessor(t *testing.T) {
	s, _, link, handler := newFixture(t)
	link.SetHandler(func(frame []byte) ([]byte, bool) {
		return statusFrame(5, true, "00000001"), false
	})

	s.tick(context.Background())

	assert.Equal(t, 1, handler.count())
}

func TestScheduler_NoveltyEnqueuesDownloadAck(t *testing.T) {
	s, reg, link, _ := newFixture(t)
	link.SetHandler(func(frame []byte) ([]byte, bool) {
		return statusFrame(5, true, "00000001"), false
	})

	s.tick(context.Background())

	snap, ok := reg.ByAddress(5)
	require.True(t, ok)
	assert.Equal(t, 1, snap.PendingCount)

	link.SetHandler(func(frame []byte) ([]byte, bool) {
		return rawFrame(5, "O1", nil), false
	})
	s.tick(context.Background())

	sent := link.SentFrames()
	require.Len(t, sent, 2)
	assert.Equal(t, protocol.EncodeOkDownloadNovelty(5), sent[1])
}

func TestScheduler_StatusChangePublishesBarrierAndSensorEvents(t *testing.T) {
	s, _, link, _ := newFixture(t)
	link.SetHandler(func(frame []byte) ([]byte, bool) {
		return statusFrame(5, false, ""), false
	})

	byField := map[string]events.ModuleStateChanged{}
	s.Bus.Subscribe(events.TopicModuleStateChanged, func(payload any) {
		c := payload.(events.ModuleStateChanged)
		byField[c.Field] = c
	})

	s.tick(context.Background())

	require.Contains(t, byField, "state")
	assert.Equal(t, "online", byField["state"].New)
	require.Contains(t, byField, "barrier")
	assert.Equal(t, "open", byField["barrier"].New)
	require.Contains(t, byField, "sensor")
	assert.Equal(t, "free", byField["sensor"].New)

	// Steady state: no further events while nothing changes.
	byField = map[string]events.ModuleStateChanged{}
	s.tick(context.Background())
	assert.Empty(t, byField)
}

func TestScheduler_RetryEscalatesToErrorThenRecoversOnSuccess(t *testing.T) {
	s, reg, link, _ := newFixture(t)
	link.SetHandler(func(frame []byte) ([]byte, bool) { return nil, true }) // always times out

	var changes []events.ModuleStateChanged
	s.Bus.Subscribe(events.TopicModuleStateChanged, func(payload any) {
		c := payload.(events.ModuleStateChanged)
		if c.Field == "state" {
			changes = append(changes, c)
		}
	})

	for i := 0; i < 3; i++ {
		s.tick(context.Background())
	}

	snap, ok := reg.ByAddress(5)
	require.True(t, ok)
	assert.Equal(t, registry.StateError, snap.State)
	require.Len(t, changes, 1)
	assert.Equal(t, "error", changes[0].New)

	link.SetHandler(func(frame []byte) ([]byte, bool) {
		return statusFrame(5, false, ""), false
	})
	s.tick(context.Background())

	snap, ok = reg.ByAddress(5)
	require.True(t, ok)
	assert.Equal(t, registry.StateOnline, snap.State)
	require.Len(t, changes, 2)
	assert.Equal(t, "online", changes[1].New)
}

func TestScheduler_BusErrorThresholdReopensLink(t *testing.T) {
	s, _, link, _ := newFixtureWithThreshold(t, 3)

	link.SetHandler(func(frame []byte) ([]byte, bool) { return nil, true })

	for i := 0; i < 3; i++ {
		s.tick(context.Background())
	}

	assert.Equal(t, 1, link.Reopens())
	assert.Equal(t, 1, s.PortReopenCount())
}

func TestScheduler_SendCommandImmediateBypassesQueue(t *testing.T) {
	s, reg, link, _ := newFixture(t)
	link.SetHandler(func(frame []byte) ([]byte, bool) { return statusFrame(5, false, ""), false })

	frame := protocol.EncodeStop(5)
	require.NoError(t, s.SendCommand(5, frame, true))
	s.drainImmediateCommands()

	assert.Len(t, link.SentFrames(), 1)
	snap, ok := reg.ByAddress(5)
	require.True(t, ok)
	assert.Zero(t, snap.PendingCount)
}

func TestScheduler_SendCommandQueuedRunsOnNextTick(t *testing.T) {
	s, _, link, _ := newFixture(t)
	link.SetHandler(func(frame []byte) ([]byte, bool) { return statusFrame(5, false, ""), false })

	frame := protocol.EncodeStop(5)
	require.NoError(t, s.SendCommand(5, frame, false))

	s.tick(context.Background())

	sent := link.SentFrames()
	require.Len(t, sent, 1)
	assert.Equal(t, frame, sent[0])
}
