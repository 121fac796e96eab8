package degradation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"TradeArena/internal/broadcast"
	"TradeArena/internal/coord"
	"TradeArena/internal/degradation"
	"TradeArena/internal/persistence"
	"TradeArena/internal/room"
	"TradeArena/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeMatch(id string) persistence.Match {
	return persistence.Match{ID: id, Symbol: "BTC", Status: persistence.StatusActive, CreatorID: "alice", OpponentID: "bob"}
}

func TestReconcile_ShadowAndActivePasses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	db := testutil.NewMatchStore()

	// Rooms created while the shared store is down land in the shadow only.
	f.backend.Fail(coord.ErrUnavailable)
	_, err := f.rooms.CreateRoom(ctx, "m-live", "alice")
	require.NoError(t, err)
	_, err = f.rooms.CreateRoom(ctx, "m-dead", "carol")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"m-live", "m-dead"}, f.rooms.ShadowOnlyMatches())

	f.backend.Fail(nil)
	f.breaker.Reset()

	db.PutMatch(activeMatch("m-live"))
	dead := activeMatch("m-dead")
	dead.Status = persistence.StatusFinished
	db.PutMatch(dead)
	db.PutMatch(activeMatch("m-orphan"))

	mgr := degradation.NewManager(nil, zerolog.Nop())
	r := degradation.NewReconciler(f.rooms, db, f.freeze, mgr, degradation.ReconcilerConfig{}, nil, zerolog.Nop())

	res := r.Reconcile(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Reconciled)
	assert.Empty(t, f.rooms.ShadowOnlyMatches())

	ok, err := f.rooms.ExistsShared(ctx, "m-live")
	require.NoError(t, err)
	assert.True(t, ok, "live match restored to the shared store")

	ok, err = f.rooms.ExistsShared(ctx, "m-dead")
	require.NoError(t, err)
	assert.False(t, ok, "finished match not restored")

	rec, err := f.rooms.Get(ctx, "m-orphan")
	require.NoError(t, err)
	assert.Equal(t, room.PhaseActive, rec.Phase)
	assert.ElementsMatch(t, []string{"alice", "bob"}, rec.Connected)
}

func TestReconcile_SharedCopyWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	db := testutil.NewMatchStore()

	f.backend.Fail(coord.ErrUnavailable)
	_, err := f.rooms.CreateRoom(ctx, "m1", "alice")
	require.NoError(t, err)
	f.backend.Fail(nil)
	f.breaker.Reset()

	// Another instance created the room meanwhile.
	_, err = f.backend.CreateIfAbsent(ctx, coord.RoomKey("m1"), []byte(`{"match_id":"m1","creator_id":"zed","phase":"WAITING"}`))
	require.NoError(t, err)

	r := degradation.NewReconciler(f.rooms, db, f.freeze, degradation.NewManager(nil, zerolog.Nop()),
		degradation.ReconcilerConfig{}, nil, zerolog.Nop())
	res := r.Reconcile(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Reconciled)

	rec, err := f.rooms.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "zed", rec.CreatorID)
}

func TestReconciler_RecoveryUnfreezesMatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.activeRoom(t, "m1")
	db := testutil.NewMatchStore()
	db.PutMatch(activeMatch("m1"))

	mgr := degradation.NewManager(nil, zerolog.Nop())
	r := degradation.NewReconciler(f.rooms, db, f.freeze, mgr, degradation.ReconcilerConfig{}, nil, zerolog.Nop())
	mgr.Subscribe(f.freeze.OnTransition)
	mgr.Subscribe(r.OnTransition)

	mgr.SetDatabaseHealthy(ctx, false)
	require.True(t, f.freeze.IsFrozen("m1"))

	mgr.SetDatabaseHealthy(ctx, true)
	r.Wait()

	assert.Equal(t, degradation.StateNormal, mgr.State())
	assert.False(t, f.freeze.IsFrozen("m1"))
	assert.Equal(t, 1, f.events.Count(broadcast.EventSystemResume))
}

func TestReconciler_RetriesWhileRecovering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	db := testutil.NewMatchStore()
	db.Fail(persistence.ErrUnavailable)

	mgr := degradation.NewManager(nil, zerolog.Nop())
	r := degradation.NewReconciler(f.rooms, db, f.freeze, mgr,
		degradation.ReconcilerConfig{RetryDelay: 10 * time.Millisecond}, nil, zerolog.Nop())
	mgr.Subscribe(r.OnTransition)

	mgr.SetCoordinationHealthy(ctx, false)
	mgr.SetCoordinationHealthy(ctx, true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, degradation.StateRecovering, mgr.State(), "failed passes keep the system recovering")

	db.Fail(nil)
	assert.Eventually(t, func() bool {
		return mgr.State() == degradation.StateNormal
	}, 2*time.Second, 10*time.Millisecond)
}

type blockingSource struct {
	release chan struct{}
}

func (b *blockingSource) GetMatch(context.Context, string) (*persistence.Match, error) {
	return nil, persistence.ErrMatchNotFound
}

func (b *blockingSource) ListActive(ctx context.Context) ([]persistence.Match, error) {
	select {
	case <-b.release:
		return nil, nil
	case <-ctx.Done():
		return nil, errors.New("cancelled")
	}
}

func TestReconciler_TriggerIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := &blockingSource{release: make(chan struct{})}
	mgr := degradation.NewManager(nil, zerolog.Nop())
	r := degradation.NewReconciler(f.rooms, src, f.freeze, mgr, degradation.ReconcilerConfig{}, nil, zerolog.Nop())

	assert.True(t, r.Trigger(ctx))
	assert.False(t, r.Trigger(ctx))
	assert.False(t, r.Trigger(ctx))

	close(src.release)
	r.Wait()
	assert.True(t, r.Trigger(ctx), "a new pass may start once the previous one finished")
	r.Wait()
}
