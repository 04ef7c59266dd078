package eventproc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpcfield/fieldctl/internal/events"
	"github.com/wpcfield/fieldctl/internal/idgen"
	"github.com/wpcfield/fieldctl/internal/persistence"
	"github.com/wpcfield/fieldctl/internal/persistence/memstore"
	"github.com/wpcfield/fieldctl/internal/policy"
	"github.com/wpcfield/fieldctl/internal/protocol"
	"github.com/wpcfield/fieldctl/internal/registry"
)

func newFixture(t *testing.T, cfg registry.Config) (*Processor, *memstore.Store, *events.LocalBus) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Load([]registry.Config{cfg}))

	store := memstore.New()
	bus := events.NewLocalBus()
	gen := idgen.New(time.Date(2007, 6, 1, 0, 0, 0, 0, time.UTC))

	p := New(store, bus, reg, gen)
	p.Now = func() time.Time { return time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC) }
	return p, store, bus
}

func TestHandleNovelty_UnknownIdentifierDenies(t *testing.T) {
	p, store, bus := newFixture(t, registry.Config{ModuleID: 1, Address: 5, Name: "gate", Type: registry.ModuleCardReader})

	var captured events.MovementDetected
	bus.Subscribe(events.TopicMovementDetected, func(payload any) { captured = payload.(events.MovementDetected) })

	require.NoError(t, p.HandleNovelty(context.Background(), 5, protocol.Novelty{Identifier: "00000001"}))

	assert.False(t, captured.Allowed)
	assert.Equal(t, "unknown identifier", captured.Reason)
	assert.Empty(t, store.Movements())
}

func TestHandleNovelty_AllowsKnownIdentifierAndPersistsMovement(t *testing.T) {
	p, store, bus := newFixture(t, registry.Config{ModuleID: 1, Address: 5, Name: "gate", Type: registry.ModuleCardReader})
	store.PutIdentifier("00000001", 99)
	store.PutPerson(policy.Person{PersonID: 99})

	var captured events.MovementDetected
	bus.Subscribe(events.TopicMovementDetected, func(payload any) { captured = payload.(events.MovementDetected) })

	require.NoError(t, p.HandleNovelty(context.Background(), 5, protocol.Novelty{Identifier: "00000001"}))

	assert.True(t, captured.Allowed)
	require.Len(t, store.Movements(), 1)
	assert.Equal(t, int64(99), store.Movements()[0].PersonID)
}

func TestHandleNovelty_ExpiredPersonDenies(t *testing.T) {
	p, store, bus := newFixture(t, registry.Config{ModuleID: 1, Address: 5, Name: "gate", Type: registry.ModuleCardReader})
	expired := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	store.PutIdentifier("00000001", 99)
	store.PutPerson(policy.Person{PersonID: 99, To: &expired})

	var captured events.MovementDetected
	bus.Subscribe(events.TopicMovementDetected, func(payload any) { captured = payload.(events.MovementDetected) })

	require.NoError(t, p.HandleNovelty(context.Background(), 5, protocol.Novelty{Identifier: "00000001"}))

	assert.False(t, captured.Allowed)
	assert.Equal(t, "expired", captured.Reason)
}

func TestHandleNovelty_AntipassbackDeniesRepeatEntry(t *testing.T) {
	peer := 2
	p, store, bus := newFixture(t, registry.Config{
		ModuleID: 1, Address: 5, Name: "gateA", Type: registry.ModuleCardReader,
		PeerExitModuleID: &peer,
	})
	store.PutIdentifier("00000001", 99)
	store.PutPerson(policy.Person{PersonID: 99})
	require.NoError(t, store.CreateMovement(context.Background(), persistence.Movement{
		MovementID: 1,
		PersonID:   99,
		ModuleID:   1,
		Direction:  policy.DirectionEntry,
		Instant:    p.now().Add(-time.Hour),
		Allowed:    true,
	}))

	var captured events.MovementDetected
	bus.Subscribe(events.TopicMovementDetected, func(payload any) { captured = payload.(events.MovementDetected) })

	require.NoError(t, p.HandleNovelty(context.Background(), 5, protocol.Novelty{Identifier: "00000001"}))

	assert.False(t, captured.Allowed)
	assert.Equal(t, "anti-passback", captured.Reason)
}

func TestHandleNovelty_TicketModuleIssuesOnEntry(t *testing.T) {
	exit := 2
	p, store, bus := newFixture(t, registry.Config{
		ModuleID: 1, Address: 5, Name: "dispenser", Type: registry.ModuleTicketDispenser,
		RequiresTicketValidation: true, PeerExitModuleID: &exit,
	})

	var captured events.MovementDetected
	bus.Subscribe(events.TopicMovementDetected, func(payload any) { captured = payload.(events.MovementDetected) })

	require.NoError(t, p.HandleNovelty(context.Background(), 5, protocol.Novelty{}))

	assert.True(t, captured.Allowed)
	assert.Equal(t, "1", captured.TicketNumber)
	_, ok, err := store.FindActiveTicketByNumber(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Numbers keep counting up within the same run.
	require.NoError(t, p.HandleNovelty(context.Background(), 5, protocol.Novelty{}))
	assert.Equal(t, "2", captured.TicketNumber)
}

func TestHandleNovelty_TicketCloseMovesToHistoryAndInvalidatesNumber(t *testing.T) {
	entry := 1
	p, store, bus := newFixture(t, registry.Config{
		ModuleID: 2, Address: 6, Name: "exit", Type: registry.ModuleBarrier,
		RequiresTicketValidation: true, PeerEntryModuleID: &entry,
	})
	issued := policy.IssueTicket(42, "7", entry, p.now().Add(-90*time.Minute))
	require.NoError(t, store.InsertActiveTicket(context.Background(), issued))
	p.ActiveTickets["7"] = issued

	var captured events.MovementDetected
	bus.Subscribe(events.TopicMovementDetected, func(payload any) { captured = payload.(events.MovementDetected) })

	require.NoError(t, p.HandleNovelty(context.Background(), 6, protocol.Novelty{Identifier: "7"}))
	assert.True(t, captured.Allowed)

	_, ok, err := store.FindActiveTicketByNumber(context.Background(), "7")
	require.NoError(t, err)
	assert.False(t, ok)

	// A closed number no longer validates.
	require.NoError(t, p.HandleNovelty(context.Background(), 6, protocol.Novelty{Identifier: "7"}))
	assert.False(t, captured.Allowed)
	assert.Equal(t, "unknown ticket", captured.Reason)
}

func TestHandleNovelty_TicketExitRecoversFromPersistedActiveSet(t *testing.T) {
	entry := 1
	p, store, bus := newFixture(t, registry.Config{
		ModuleID: 2, Address: 6, Name: "exit", Type: registry.ModuleBarrier,
		RequiresTicketValidation: true, PeerEntryModuleID: &entry,
	})
	// Ticket exists only in the store, as after a controller restart.
	issued := policy.IssueTicket(42, "9", entry, p.now().Add(-time.Hour))
	require.NoError(t, store.InsertActiveTicket(context.Background(), issued))

	var captured events.MovementDetected
	bus.Subscribe(events.TopicMovementDetected, func(payload any) { captured = payload.(events.MovementDetected) })

	require.NoError(t, p.HandleNovelty(context.Background(), 6, protocol.Novelty{Identifier: "9"}))
	assert.True(t, captured.Allowed)

	_, ok, err := store.FindActiveTicketByNumber(context.Background(), "9")
	require.NoError(t, err)
	assert.False(t, ok)
}
