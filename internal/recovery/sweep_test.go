package recovery_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"TradeArena/internal/coord"
	"TradeArena/internal/persistence"
	"TradeArena/internal/pricefeed"
	"TradeArena/internal/recovery"
	"TradeArena/internal/resilience"
	"TradeArena/internal/room"
	"TradeArena/internal/scheduler"
	"TradeArena/internal/state"
	"TradeArena/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type instance struct {
	rooms  *room.Manager
	ledger *state.Ledger
	sched  *scheduler.Scheduler
	sweep  *recovery.Sweep
}

func newInstance(t *testing.T, backend coord.Store, db *testutil.MatchStore, id string) *instance {
	t.Helper()
	breaker := resilience.NewCircuitBreaker(resilience.Config{Name: resilience.Coordination, FailureThreshold: 3, Cooldown: time.Hour})
	rooms := room.NewManager(room.NewResilientStore(backend, breaker, zerolog.Nop()), zerolog.Nop())
	ledger := state.NewLedger(100)
	feed := pricefeed.NewService(db)
	sched := scheduler.New(scheduler.Config{InstanceID: id, TickInterval: time.Hour, OwnershipTTL: time.Minute}, scheduler.Deps{
		Rooms:       rooms,
		Matches:     db,
		Feed:        feed,
		Ledger:      ledger,
		Broadcaster: &testutil.Broadcaster{},
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(sched.Close)
	return &instance{
		rooms:  rooms,
		ledger: ledger,
		sched:  sched,
		sweep:  recovery.NewSweep(rooms, db, feed, ledger, sched, 0, zerolog.Nop()),
	}
}

func seedDB(t *testing.T) *testutil.MatchStore {
	t.Helper()
	db := testutil.NewMatchStore()
	db.AddBars("BTC", 100, 110, 120)
	db.PutMatch(persistence.Match{
		ID: "m1", Symbol: "BTC", Status: persistence.StatusActive,
		CreatorID: "alice", OpponentID: "bob",
		StartingCash: decimal.NewFromInt(1000), CurrentIndex: 1, TotalBars: 3,
	})
	require.NoError(t, db.InsertTrades(context.Background(), []persistence.Trade{{
		ID: "t1", MatchID: "m1", PlayerID: "alice", Side: "BUY", Symbol: "BTC",
		Quantity: decimal.NewFromInt(5), Price: decimal.NewFromInt(100), ExecutedAt: time.Now(),
	}}))
	return db
}

func TestSweep_RestoresRoomLedgerAndClock(t *testing.T) {
	ctx := context.Background()
	db := seedDB(t)
	inst := newInstance(t, coord.NewMemoryStore(), db, "instance-a")

	rep, err := inst.sweep.Once(ctx)
	require.NoError(t, err)
	assert.Equal(t, recovery.Report{Matches: 1, RoomsCreated: 1, Replayed: 1, TradesReplayed: 1, ClocksStarted: 1}, rep)

	snap, err := inst.rooms.Snapshot(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, room.PhaseActive, snap.Phase)
	assert.ElementsMatch(t, []string{"alice", "bob"}, snap.Connected)

	alice, ok := inst.ledger.Get("m1", "alice")
	require.True(t, ok)
	assert.True(t, alice.Cash.Equal(decimal.NewFromInt(500)))
	assert.True(t, alice.Equity().Equal(decimal.NewFromInt(1050)), "marked at the current bar")
	_, ok = inst.ledger.Get("m1", "bob")
	assert.True(t, ok)
	assert.True(t, inst.sched.IsRunning("m1"))

	rep, err = inst.sweep.Once(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Matches, "running matches are left alone")
}

func TestSweep_KeepsExistingSnapshot(t *testing.T) {
	ctx := context.Background()
	db := seedDB(t)
	inst := newInstance(t, coord.NewMemoryStore(), db, "instance-a")

	for _, p := range []string{"alice", "bob"} {
		_, err := inst.ledger.Initialize("m1", p, decimal.NewFromInt(1000))
		require.NoError(t, err)
	}

	rep, err := inst.sweep.Once(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Replayed)
	alice, _ := inst.ledger.Get("m1", "alice")
	assert.True(t, alice.Cash.Equal(decimal.NewFromInt(1000)), "trade log not replayed over a live snapshot")
}

func TestSweep_ConcurrentInstancesStartOneClock(t *testing.T) {
	ctx := context.Background()
	db := seedDB(t)
	backend := coord.NewMemoryStore()
	a := newInstance(t, backend, db, "instance-a")
	b := newInstance(t, backend, db, "instance-b")

	var wg sync.WaitGroup
	for _, inst := range []*instance{a, b} {
		wg.Add(1)
		go func(inst *instance) {
			defer wg.Done()
			_, err := inst.sweep.Once(ctx)
			assert.NoError(t, err)
		}(inst)
	}
	wg.Wait()

	require.True(t, a.sched.IsRunning("m1") != b.sched.IsRunning("m1"))
	owner, loser := a, b
	if b.sched.IsRunning("m1") {
		owner, loser = b, a
	}
	assert.Len(t, owner.ledger.Players("m1"), 2)
	assert.Empty(t, loser.ledger.Players("m1"), "loser keeps no stale ledger copy")
}

func TestSweep_SkipsMatchOwnedElsewhere(t *testing.T) {
	ctx := context.Background()
	db := seedDB(t)
	backend := coord.NewMemoryStore()
	ok, err := coord.ClaimOrRefresh(ctx, backend, coord.OwnerKey("m1"), "instance-z", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	inst := newInstance(t, backend, db, "instance-a")
	rep, err := inst.sweep.Once(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, rep.ClocksStarted)
	assert.Empty(t, inst.ledger.Players("m1"))

	exists, err := inst.rooms.Exists(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, exists, "room is restored regardless of ownership")
}

func TestSweep_DropsLedgerOfMatchOwnedElsewhere(t *testing.T) {
	ctx := context.Background()
	db := seedDB(t)
	backend := coord.NewMemoryStore()
	inst := newInstance(t, backend, db, "instance-a")
	for _, p := range []string{"alice", "bob"} {
		_, err := inst.ledger.Initialize("m1", p, decimal.NewFromInt(1000))
		require.NoError(t, err)
	}
	ok, err := coord.ClaimOrRefresh(ctx, backend, coord.OwnerKey("m1"), "instance-z", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rep, err := inst.sweep.Once(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Empty(t, inst.ledger.Players("m1"), "a copy from an earlier ownership is stale")
	assert.False(t, inst.sched.IsRunning("m1"))
}

func TestSweep_ReadoptsOwnLiveLease(t *testing.T) {
	ctx := context.Background()
	db := seedDB(t)
	backend := coord.NewMemoryStore()
	ok, err := coord.ClaimOrRefresh(ctx, backend, coord.OwnerKey("m1"), "instance-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	inst := newInstance(t, backend, db, "instance-a")
	rep, err := inst.sweep.Once(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.ClocksStarted)
	assert.True(t, inst.sched.IsRunning("m1"))
}

func TestSweep_CoordinationDownStartsNoClock(t *testing.T) {
	ctx := context.Background()
	db := seedDB(t)
	backend := coord.NewMemoryStore()
	inst := newInstance(t, backend, db, "instance-a")
	backend.Fail(coord.ErrUnavailable)

	_, _ = inst.sweep.Once(ctx)
	assert.False(t, inst.sched.IsRunning("m1"))
}
