package room_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"TradeArena/internal/coord"
	"TradeArena/internal/errs"
	"TradeArena/internal/resilience"
	"TradeArena/internal/room"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*room.Manager, *coord.MemoryStore, *resilience.CircuitBreaker) {
	t.Helper()
	backend := coord.NewMemoryStore()
	breaker := resilience.NewCircuitBreaker(resilience.Config{
		Name:             resilience.Coordination,
		FailureThreshold: 3,
		Cooldown:         time.Hour,
	})
	store := room.NewResilientStore(backend, breaker, zerolog.Nop())
	return room.NewManager(store, zerolog.Nop()), backend, breaker
}

func TestCreateRoom_Idempotent(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	created, err := m.CreateRoom(ctx, "m1", "alice")
	require.NoError(t, err)
	assert.True(t, created)

	for i := 0; i < 3; i++ {
		created, err = m.CreateRoom(ctx, "m1", "bob")
		require.NoError(t, err)
		assert.False(t, created)
	}

	rec, err := m.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.CreatorID)
	assert.Equal(t, room.PhaseWaiting, rec.Phase)
	assert.Equal(t, []string{"alice"}, rec.Connected)

	rooms, err := m.ListRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

func TestJoinRoom_SecondJoinIsRejectedAsFull(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	_, err := m.CreateRoom(ctx, "m1", "alice")
	require.NoError(t, err)

	n, err := m.JoinRoom(ctx, "m1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	phase, err := m.Phase(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, room.PhaseStarting, phase)

	_, err = m.JoinRoom(ctx, "m1", "carol")
	assert.ErrorIs(t, err, room.ErrRoomFull)
	assert.True(t, errs.IsKind(err, errs.KindConflict))

	full, err := m.IsFull(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, full)
}

func TestJoinRoom_RejoinIsNotDoubleCounted(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)
	_, err := m.CreateRoom(ctx, "m1", "alice")
	require.NoError(t, err)

	n, err := m.JoinRoom(ctx, "m1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJoinRoom_Missing(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.JoinRoom(context.Background(), "nope", "bob")
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
}

func TestJoinRoom_ConcurrentJoinersOneWins(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)
	_, err := m.CreateRoom(ctx, "m1", "alice")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		losers  int
	)
	for _, p := range []string{"bob", "carol", "dave", "erin"} {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			_, err := m.JoinRoom(ctx, "m1", p)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
				return
			}
			if errors.Is(err, room.ErrRoomFull) {
				losers++
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, 3, losers)
	n, err := m.PlayerCount(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEndGame_DeletesSharedKeysOnce(t *testing.T) {
	ctx := context.Background()
	m, backend, _ := newManager(t)
	_, err := m.CreateRoom(ctx, "m1", "alice")
	require.NoError(t, err)
	_, err = m.MarkReady(ctx, "m1")
	require.NoError(t, err)

	ended, err := m.EndGame(ctx, "m1", false)
	require.NoError(t, err)
	assert.True(t, ended)

	ended, err = m.EndGame(ctx, "m1", false)
	require.NoError(t, err)
	assert.False(t, ended)

	assert.Empty(t, backend.Keys())
}

func TestUnregisterSession_KeepsPlayerWhileAnotherSessionRemains(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)
	_, err := m.CreateRoom(ctx, "m1", "alice")
	require.NoError(t, err)

	require.NoError(t, m.RegisterSession(ctx, "s1", "bob", "m1"))
	require.NoError(t, m.RegisterSession(ctx, "s2", "bob", "m1"))
	assert.EqualValues(t, 2, m.SessionCount("m1", "bob"))

	require.NoError(t, m.UnregisterSession(ctx, "s1"))
	connected, err := m.ConnectedPlayers(ctx, "m1")
	require.NoError(t, err)
	assert.Contains(t, connected, "bob")

	require.NoError(t, m.UnregisterSession(ctx, "s2"))
	connected, err = m.ConnectedPlayers(ctx, "m1")
	require.NoError(t, err)
	assert.NotContains(t, connected, "bob")

	disconnected, err := m.DisconnectedPlayers(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, disconnected)

	// Reconnecting clears the disconnected marker.
	require.NoError(t, m.RegisterSession(ctx, "s3", "bob", "m1"))
	disconnected, err = m.DisconnectedPlayers(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, disconnected)
}

func TestMarkReady_ResetsAtCapacity(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)
	_, err := m.CreateRoom(ctx, "m1", "alice")
	require.NoError(t, err)

	n, err := m.MarkReady(ctx, "m1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	ready, err := m.ReadyCount(ctx, "m1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, ready)

	n, err = m.MarkReady(ctx, "m1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	ready, err = m.ReadyCount(ctx, "m1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, ready)
}

func TestReads_FallBackToShadowWhenStoreIsDown(t *testing.T) {
	ctx := context.Background()
	m, backend, breaker := newManager(t)
	_, err := m.CreateRoom(ctx, "m1", "alice")
	require.NoError(t, err)

	backend.Fail(coord.ErrUnavailable)

	phase, err := m.Phase(ctx, "m1")
	require.NoError(t, err, "transient errors are absorbed")
	assert.Equal(t, room.PhaseWaiting, phase)

	// Writes land in the shadow only.
	n, err := m.JoinRoom(ctx, "m1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	created, err := m.CreateRoom(ctx, "m2", "carol")
	require.NoError(t, err)
	assert.True(t, created)

	assert.Equal(t, resilience.StateOpen, breaker.State())
	assert.ElementsMatch(t, []string{"m1", "m2"}, m.ShadowOnlyMatches())

	// While OPEN the backend is not touched at all.
	calls := backend.Calls()
	_, err = m.Snapshot(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, calls, backend.Calls())
}

func TestRestoreFromShadow_PublishesMissingRoom(t *testing.T) {
	ctx := context.Background()
	m, backend, breaker := newManager(t)

	backend.Fail(coord.ErrUnavailable)
	_, err := m.CreateRoom(ctx, "m1", "alice")
	require.NoError(t, err)

	backend.Fail(nil)
	breaker.Reset()

	created, err := m.RestoreFromShadow(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, m.ShadowOnlyMatches())

	rec, err := m.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.CreatorID)

	rooms, err := m.ListRooms(ctx, room.PhaseWaiting)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

type stopper struct{ stopped bool }

func (s *stopper) Stop() { s.stopped = true }

func TestClockHandles(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)
	_, err := m.CreateRoom(ctx, "m1", "alice")
	require.NoError(t, err)

	h1, h2 := &stopper{}, &stopper{}
	assert.True(t, m.InstallClock("m1", h1))
	assert.False(t, m.InstallClock("m1", h2))

	got, ok := m.Clock("m1")
	require.True(t, ok)
	assert.Same(t, h1, got)

	_, err = m.EndGame(ctx, "m1", true)
	require.NoError(t, err)
	assert.True(t, h1.stopped)
	_, ok = m.Clock("m1")
	assert.False(t, ok)
}

// contended loses every compare-and-swap once enabled, as a NATS bucket does
// when the retry budget runs out under heavy write contention.
type contended struct {
	*coord.MemoryStore
	on bool
}

func (c *contended) Mutate(ctx context.Context, key string, fn coord.MutateFunc) ([]byte, error) {
	if c.on {
		return nil, coord.ErrConflict
	}
	return c.MemoryStore.Mutate(ctx, key, fn)
}

func TestJoinRoom_ConflictIsNotAbsorbedByShadow(t *testing.T) {
	ctx := context.Background()
	backend := &contended{MemoryStore: coord.NewMemoryStore()}
	breaker := resilience.NewCircuitBreaker(resilience.Config{Name: resilience.Coordination, FailureThreshold: 3, Cooldown: time.Hour})
	m := room.NewManager(room.NewResilientStore(backend, breaker, zerolog.Nop()), zerolog.Nop())

	_, err := m.CreateRoom(ctx, "m1", "alice")
	require.NoError(t, err)

	backend.on = true
	n, err := m.JoinRoom(ctx, "m1", "bob")
	require.ErrorIs(t, err, coord.ErrConflict)
	assert.Zero(t, n)
	assert.Empty(t, m.ShadowOnlyMatches(), "no local-only seat")

	backend.on = false
	players, err := m.ConnectedPlayers(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, players)

	assert.Equal(t, resilience.StateClosed, breaker.State())
	assert.Zero(t, breaker.Stats().Failures, "the store answered")
}
