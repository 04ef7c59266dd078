package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpcfield/fieldctl/internal/persistence"
	"github.com/wpcfield/fieldctl/internal/policy"
	"github.com/wpcfield/fieldctl/internal/registry"
)

func TestStore_IdentifierAndPersonResolution(t *testing.T) {
	s := New()
	s.PutIdentifier("0012345678", 42)
	s.PutPerson(policy.Person{PersonID: 42})

	ctx := context.Background()
	id, ok, err := s.GetIdentifierByNumber(ctx, "0012345678")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), id.PersonID)

	p, ok, err := s.GetPersonForIdentifier(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), p.PersonID)

	_, ok, err = s.GetIdentifierByNumber(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_LastMovementForPerson_MostRecentWithinWindow(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.CreateMovement(ctx, persistence.Movement{PersonID: 1, ModuleID: 1, Instant: now.Add(-3 * time.Hour)}))
	require.NoError(t, s.CreateMovement(ctx, persistence.Movement{PersonID: 1, ModuleID: 2, Instant: now.Add(-1 * time.Hour)}))

	m, ok, err := s.LastMovementForPerson(ctx, 1, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, m.ModuleID)

	_, ok, err = s.LastMovementForPerson(ctx, 1, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_TicketLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	tk := policy.IssueTicket(1, "A-001", 3, now)
	require.NoError(t, s.InsertActiveTicket(ctx, tk))

	found, ok, err := s.FindActiveTicketByNumber(ctx, "A-001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tk.TicketID, found.TicketID)

	history, err := policy.CloseTicket(map[string]policy.Ticket{"A-001": found}, "A-001", 4, now.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.MoveTicketToHistory(ctx, history))

	_, ok, err = s.FindActiveTicketByNumber(ctx, "A-001")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_MaxTicketNumber_SpansActiveAndHistory(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	highest, err := s.MaxTicketNumber(ctx)
	require.NoError(t, err)
	assert.Zero(t, highest)

	require.NoError(t, s.InsertActiveTicket(ctx, policy.IssueTicket(1, "3", 1, now)))
	closed := policy.IssueTicket(2, "7", 1, now)
	history, err := policy.CloseTicket(map[string]policy.Ticket{"7": closed}, "7", 2, now.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.MoveTicketToHistory(ctx, history))

	highest, err = s.MaxTicketNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), highest)
}

func TestStore_LoadModulesForPolling_OrdersByPollingOrderThenID(t *testing.T) {
	s := New()
	s.PutModules([]registry.Config{
		{ModuleID: 2, Address: 2, Name: "b", PollingOrder: 1},
		{ModuleID: 1, Address: 1, Name: "a", PollingOrder: 1},
		{ModuleID: 3, Address: 3, Name: "c", PollingOrder: 0},
	})

	modules, err := s.LoadModulesForPolling(context.Background())
	require.NoError(t, err)
	require.Len(t, modules, 3)
	assert.Equal(t, 3, modules[0].ModuleID)
	assert.Equal(t, 1, modules[1].ModuleID)
	assert.Equal(t, 2, modules[2].ModuleID)
}

func TestStore_HealthCheck_ReflectsSetHealthy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.HealthCheck(ctx))

	s.SetHealthy(false)
	assert.Error(t, s.HealthCheck(ctx))
	assert.Error(t, s.CreateMovement(ctx, persistence.Movement{}))
}
