package persistence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"TradeArena/internal/persistence"
	"TradeArena/internal/resilience"
	"TradeArena/internal/testutil"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntegrationStore(t *testing.T) *persistence.Store {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)
	return persistence.NewStore(db, resilience.NewCircuitBreaker(resilience.DefaultConfig(resilience.Database)))
}

func seedMatch(t *testing.T, s *persistence.Store, totalBars int) *persistence.Match {
	t.Helper()
	m := &persistence.Match{
		ID:           uuid.NewString(),
		Symbol:       "BTCUSD",
		Status:       persistence.StatusWaiting,
		Mode:         "casual",
		CreatorID:    "alice",
		StartingCash: decimal.NewFromInt(10000),
		TotalBars:    totalBars,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.CreateMatch(context.Background(), m))
	return m
}

func TestStore_JoinIfOpen_FirstWriterWins(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	m := seedMatch(t, s, 10)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int64
	)
	for _, p := range []string{"bob", "carol", "dave"} {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			n, err := s.JoinIfOpen(ctx, m.ID, p)
			assert.NoError(t, err)
			mu.Lock()
			wins += n
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins)

	n, err := s.JoinIfOpen(ctx, m.ID, "alice")
	require.NoError(t, err)
	assert.Zero(t, n, "creator cannot join own match")
}

func TestStore_AdvanceIndex_GuardedStep(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	m := seedMatch(t, s, 3)
	_, err := s.JoinIfOpen(ctx, m.ID, "bob")
	require.NoError(t, err)
	ok, err := s.ActivateMatch(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, ok)

	adv, err := s.AdvanceIndex(ctx, m.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, persistence.Advance{Index: 1, Advanced: true}, adv)

	adv, err = s.AdvanceIndex(ctx, m.ID, 0)
	require.NoError(t, err)
	assert.False(t, adv.Advanced, "stale tick does not advance twice")

	_, err = s.AdvanceIndex(ctx, m.ID, 1)
	require.NoError(t, err)
	adv, err = s.AdvanceIndex(ctx, m.ID, 2)
	require.NoError(t, err)
	assert.True(t, adv.Exhausted)
}

func TestStore_FinishMatch_Once(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	m := seedMatch(t, s, 3)
	_, err := s.JoinIfOpen(ctx, m.ID, "bob")
	require.NoError(t, err)
	_, err = s.ActivateMatch(ctx, m.ID)
	require.NoError(t, err)

	req := persistence.FinishRequest{
		MatchID: m.ID, Status: persistence.StatusFinished, WinnerID: "alice", Reason: "completed",
		Results: []persistence.PlayerResult{
			{PlayerID: "alice", FinalEquity: decimal.NewFromInt(11000), IsWinner: true},
			{PlayerID: "bob", FinalEquity: decimal.NewFromInt(9000)},
		},
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		finished int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.FinishMatch(ctx, req)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				finished++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, finished)

	results, err := s.Results(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestStore_TradesRoundTrip(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	m := seedMatch(t, s, 3)

	tr := persistence.Trade{
		ID: uuid.NewString(), MatchID: m.ID, PlayerID: "alice", Side: "BUY", Symbol: "BTCUSD",
		Quantity: decimal.NewFromInt(2), Price: decimal.NewFromInt(100), ExecutedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InsertTrades(ctx, []persistence.Trade{tr, tr}))

	exists, err := s.TradeExists(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	trades, err := s.TradesForPlayer(ctx, m.ID, "alice")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Quantity.Equal(decimal.NewFromInt(2)))
}
