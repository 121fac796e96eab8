package state_test

import (
	"sync"
	"testing"

	"TradeArena/internal/errs"
	"TradeArena/internal/state"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestInitialize_IsIdempotent(t *testing.T) {
	l := state.NewLedger(10)

	s1, err := l.Initialize("m1", "alice", d("10000"))
	require.NoError(t, err)
	s2, err := l.Initialize("m1", "alice", d("5"))
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.EqualValues(t, 1, l.Count())
	assert.True(t, s1.PeakEquity.Equal(d("10000")))
}

func TestInitialize_CapacityBounded(t *testing.T) {
	l := state.NewLedger(2)

	_, err := l.Initialize("m1", "alice", d("100"))
	require.NoError(t, err)
	_, err = l.Initialize("m1", "bob", d("100"))
	require.NoError(t, err)

	_, err = l.Initialize("m2", "carol", d("100"))
	assert.ErrorIs(t, err, state.ErrLedgerFull)
	assert.True(t, errs.IsKind(err, errs.KindExhausted))

	assert.Equal(t, 2, l.Evict("m1"))
	_, err = l.Initialize("m2", "carol", d("100"))
	assert.NoError(t, err)
}

func TestApplyTrade_CopyOnWrite(t *testing.T) {
	l := state.NewLedger(10)
	before, err := l.Initialize("m1", "alice", d("1000"))
	require.NoError(t, err)

	after, err := l.ApplyTrade("m1", "alice", state.SideBuy, "BTC", d("2"), d("100"))
	require.NoError(t, err)

	assert.True(t, before.Cash.Equal(d("1000")), "previous snapshot is untouched")
	assert.Empty(t, before.Longs)
	assert.True(t, after.Cash.Equal(d("800")))
	assert.True(t, after.Longs["BTC"].Equal(d("2")))
	assert.Equal(t, before.Version+1, after.Version)

	got, ok := l.Get("m1", "alice")
	require.True(t, ok)
	assert.Same(t, after, got)
}

func TestApplyTrade_BuySell(t *testing.T) {
	l := state.NewLedger(10)
	_, err := l.Initialize("m1", "alice", d("1000"))
	require.NoError(t, err)

	_, err = l.ApplyTrade("m1", "alice", state.SideBuy, "BTC", d("4"), d("100"))
	require.NoError(t, err)
	s, err := l.ApplyTrade("m1", "alice", state.SideBuy, "BTC", d("4"), d("120"))
	require.NoError(t, err)
	assert.True(t, s.AvgLongEntry["BTC"].Equal(d("110")))
	assert.True(t, s.Cash.Equal(d("120")))

	s, err = l.ApplyTrade("m1", "alice", state.SideSell, "BTC", d("8"), d("130"))
	require.NoError(t, err)
	assert.True(t, s.Cash.Equal(d("1160")))
	assert.NotContains(t, s.Longs, "BTC")
	assert.Equal(t, 3, s.TotalTrades)
	assert.Equal(t, 1, s.ProfitableTrades)
}

func TestApplyTrade_ShortCover(t *testing.T) {
	l := state.NewLedger(10)
	_, err := l.Initialize("m1", "bob", d("1000"))
	require.NoError(t, err)

	s, err := l.ApplyTrade("m1", "bob", state.SideShort, "ETH", d("2"), d("50"))
	require.NoError(t, err)
	assert.True(t, s.Cash.Equal(d("1100")))
	s, err = l.ApplyTrade("m1", "bob", state.SideShort, "ETH", d("2"), d("70"))
	require.NoError(t, err)
	assert.True(t, s.AvgShortEntry["ETH"].Equal(d("60")))

	s, err = l.ApplyTrade("m1", "bob", state.SideCover, "ETH", d("4"), d("55"))
	require.NoError(t, err)
	assert.True(t, s.Cash.Equal(d("1020")))
	assert.NotContains(t, s.Shorts, "ETH")
	assert.Equal(t, 1, s.ProfitableTrades, "cover below average short entry is profitable")
}

func TestApplyTrade_Rejections(t *testing.T) {
	l := state.NewLedger(10)
	_, err := l.Initialize("m1", "alice", d("100"))
	require.NoError(t, err)

	_, err = l.ApplyTrade("m1", "alice", state.SideBuy, "BTC", d("2"), d("100"))
	assert.ErrorIs(t, err, state.ErrInsufficientFunds)

	_, err = l.ApplyTrade("m1", "alice", state.SideSell, "BTC", d("1"), d("100"))
	assert.ErrorIs(t, err, state.ErrInsufficientShares)

	_, err = l.ApplyTrade("m1", "alice", state.SideCover, "BTC", d("1"), d("100"))
	assert.ErrorIs(t, err, state.ErrInsufficientShares)

	_, err = l.ApplyTrade("m1", "alice", state.SideBuy, "BTC", d("0"), d("100"))
	assert.ErrorIs(t, err, errs.ErrInvalidQuantity)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	_, err = l.ApplyTrade("m1", "alice", state.Side("HODL"), "BTC", d("1"), d("1"))
	assert.ErrorIs(t, err, errs.ErrInvalidSide)

	_, err = l.ApplyTrade("m1", "nobody", state.SideBuy, "BTC", d("1"), d("1"))
	assert.ErrorIs(t, err, state.ErrNoPosition)

	s, _ := l.Get("m1", "alice")
	assert.EqualValues(t, 1, s.Version, "rejected trades publish nothing")
}

func TestEquityInvariant_PeakAndDrawdownMonotonic(t *testing.T) {
	l := state.NewLedger(10)
	_, err := l.Initialize("m1", "alice", d("1000"))
	require.NoError(t, err)

	type step struct {
		side  state.Side
		qty   string
		price string
	}
	steps := []step{
		{state.SideBuy, "3", "100"},
		{"", "", "130"},
		{state.SideShort, "2", "130"},
		{"", "", "90"},
		{state.SideSell, "1", "90"},
		{"", "", "150"},
		{state.SideCover, "2", "150"},
		{"", "", "80"},
	}

	prevPeak, prevDD := d("0"), d("0")
	for i, st := range steps {
		var s *state.PositionSnapshot
		if st.side == "" {
			s, err = l.UpdateMarkPrice("m1", "alice", "BTC", d(st.price))
		} else {
			s, err = l.ApplyTrade("m1", "alice", st.side, "BTC", d(st.qty), d(st.price))
		}
		require.NoError(t, err, "step %d", i)

		mark := d(st.price)
		want := s.Cash.Add(s.Longs["BTC"].Mul(mark)).Sub(s.Shorts["BTC"].Mul(mark))
		assert.True(t, want.Equal(s.Equity()), "step %d: equity %s != %s", i, s.Equity(), want)
		assert.True(t, want.Equal(state.Equity(s, map[string]decimal.Decimal{"BTC": mark})))

		assert.True(t, s.PeakEquity.GreaterThanOrEqual(prevPeak), "step %d: peak decreased", i)
		assert.True(t, s.MaxDrawdown.GreaterThanOrEqual(prevDD), "step %d: drawdown decreased", i)
		assert.True(t, s.MaxDrawdown.LessThanOrEqual(decimal.NewFromInt(1)))
		prevPeak, prevDD = s.PeakEquity, s.MaxDrawdown
	}
	assert.True(t, prevDD.IsPositive())
}

func TestMarkMatch_UpdatesEveryPlayer(t *testing.T) {
	l := state.NewLedger(10)
	for _, p := range []string{"alice", "bob"} {
		_, err := l.Initialize("m1", p, d("1000"))
		require.NoError(t, err)
		_, err = l.ApplyTrade("m1", p, state.SideBuy, "BTC", d("1"), d("100"))
		require.NoError(t, err)
	}

	snaps := l.MarkMatch("m1", "BTC", d("200"))
	require.Len(t, snaps, 2)
	for _, s := range snaps {
		assert.True(t, s.Equity().Equal(d("1100")))
	}
}

func TestMarkMatch_DrawdownCappedWhenEquityNegative(t *testing.T) {
	l := state.NewLedger(10)
	_, err := l.Initialize("m1", "bob", d("1000"))
	require.NoError(t, err)
	_, err = l.ApplyTrade("m1", "bob", state.SideShort, "BTC", d("10"), d("100"))
	require.NoError(t, err)

	snaps := l.MarkMatch("m1", "BTC", d("250"))
	require.Len(t, snaps, 1)
	s := snaps[0]
	assert.True(t, s.Equity().Equal(d("-500")))
	assert.True(t, s.MaxDrawdown.Equal(d("1")), "got %s", s.MaxDrawdown)

	scores := state.Rank([]*state.PositionSnapshot{s})
	require.Len(t, scores, 1)
	assert.True(t, scores[0].MaxDrawdown.LessThanOrEqual(d("1")))
}

func TestConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	l := state.NewLedger(10)
	_, err := l.Initialize("m1", "alice", d("1000000"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s, ok := l.Get("m1", "alice")
				if !ok {
					continue
				}
				// cash + qty·price is constant while every buy happens at the mark.
				if !s.Equity().Equal(d("1000000")) {
					t.Errorf("torn snapshot at version %d", s.Version)
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		_, err := l.ApplyTrade("m1", "alice", state.SideBuy, "BTC", d("1"), d("10"))
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	s, _ := l.Get("m1", "alice")
	assert.Equal(t, 200, s.TotalTrades)
}
