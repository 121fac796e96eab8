package degradation_test

import (
	"context"
	"testing"
	"time"

	"TradeArena/internal/broadcast"
	"TradeArena/internal/coord"
	"TradeArena/internal/degradation"
	"TradeArena/internal/resilience"
	"TradeArena/internal/room"
	"TradeArena/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	backend *coord.MemoryStore
	breaker *resilience.CircuitBreaker
	rooms   *room.Manager
	events  *testutil.Broadcaster
	freeze  *degradation.FreezeController
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := coord.NewMemoryStore()
	breaker := resilience.NewCircuitBreaker(resilience.Config{
		Name:             resilience.Coordination,
		FailureThreshold: 1,
		Cooldown:         time.Hour,
	})
	rooms := room.NewManager(room.NewResilientStore(backend, breaker, zerolog.Nop()), zerolog.Nop())
	events := &testutil.Broadcaster{}
	return &fixture{
		backend: backend,
		breaker: breaker,
		rooms:   rooms,
		events:  events,
		freeze:  degradation.NewFreezeController(rooms, events, nil, zerolog.Nop()),
	}
}

func (f *fixture) activeRoom(t *testing.T, matchID string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.rooms.CreateRoom(ctx, matchID, "alice")
	require.NoError(t, err)
	_, err = f.rooms.JoinRoom(ctx, matchID, "bob")
	require.NoError(t, err)
	require.NoError(t, f.rooms.StartGame(ctx, matchID))
}

func TestFreeze_Idempotent(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.freeze.Freeze("m1", "maintenance"))
	assert.False(t, f.freeze.Freeze("m1", "again"))
	assert.True(t, f.freeze.IsFrozen("m1"))

	info, ok := f.freeze.Info("m1")
	require.True(t, ok)
	assert.Equal(t, "maintenance", info.Reason)
	assert.False(t, info.FrozenAt.IsZero())

	assert.True(t, f.freeze.Unfreeze("m1"))
	assert.False(t, f.freeze.Unfreeze("m1"))
	assert.False(t, f.freeze.IsFrozen("m1"))

	assert.Equal(t, 1, f.events.Count(broadcast.EventSystemPause))
	assert.Equal(t, 1, f.events.Count(broadcast.EventSystemResume))
}

func TestFreezeAll_OnlyActiveAndStartingRooms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activeRoom(t, "active")

	_, err := f.rooms.CreateRoom(ctx, "starting", "carol")
	require.NoError(t, err)
	_, err = f.rooms.JoinRoom(ctx, "starting", "dave")
	require.NoError(t, err)

	_, err = f.rooms.CreateRoom(ctx, "waiting", "erin")
	require.NoError(t, err)

	assert.Equal(t, 2, f.freeze.FreezeAll(ctx, "FROZEN"))
	assert.Equal(t, []string{"active", "starting"}, f.freeze.Frozen())

	assert.Equal(t, 2, f.freeze.UnfreezeAll(ctx))
	assert.Empty(t, f.freeze.Frozen())
}

func TestFreezeController_FollowsSystemState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activeRoom(t, "m1")

	m := degradation.NewManager(nil, zerolog.Nop())
	m.Subscribe(f.freeze.OnTransition)

	m.SetCoordinationHealthy(ctx, false)
	assert.False(t, f.freeze.IsFrozen("m1"), "coordination outage alone keeps matches running")

	m.SetDatabaseHealthy(ctx, false)
	assert.True(t, f.freeze.IsFrozen("m1"))

	m.SetDatabaseHealthy(ctx, true)
	m.SetCoordinationHealthy(ctx, true)
	require.Equal(t, degradation.StateRecovering, m.State())
	assert.True(t, f.freeze.IsFrozen("m1"), "still frozen until recovery completes")

	m.CompleteRecovery(ctx, degradation.Result{})
	assert.False(t, f.freeze.IsFrozen("m1"))
}
