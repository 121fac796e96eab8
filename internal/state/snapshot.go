package state

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the trade type a player submits.
type Side string

const (
	SideBuy   Side = "BUY"
	SideSell  Side = "SELL"
	SideShort Side = "SHORT"
	SideCover Side = "COVER"
)

func (s Side) Valid() bool {
	switch s {
	case SideBuy, SideSell, SideShort, SideCover:
		return true
	}
	return false
}

// PositionSnapshot is an immutable view of one player's position in one
// match. A published snapshot is never modified; every change produces a new
// value. Callers must treat the maps as read-only.
type PositionSnapshot struct {
	MatchID  string `json:"match_id"`
	PlayerID string `json:"player_id"`

	Cash          decimal.Decimal            `json:"cash"`
	Longs         map[string]decimal.Decimal `json:"longs"`
	Shorts        map[string]decimal.Decimal `json:"shorts"`
	AvgLongEntry  map[string]decimal.Decimal `json:"avg_long_entry"`
	AvgShortEntry map[string]decimal.Decimal `json:"avg_short_entry"`
	Marks         map[string]decimal.Decimal `json:"marks"`

	StartingCash decimal.Decimal `json:"starting_cash"`
	PeakEquity   decimal.Decimal `json:"peak_equity"`
	MaxDrawdown  decimal.Decimal `json:"max_drawdown"` // fraction 0..1

	TotalTrades      int `json:"total_trades"`
	ProfitableTrades int `json:"profitable_trades"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Equity returns cash + Σ long·mark − Σ short·mark using the snapshot's own
// last known marks.
func (s *PositionSnapshot) Equity() decimal.Decimal {
	return Equity(s, s.Marks)
}

// Equity values snap at the given marks. Symbols missing from marks fall back
// to the snapshot's last known mark.
func Equity(snap *PositionSnapshot, marks map[string]decimal.Decimal) decimal.Decimal {
	equity := snap.Cash
	for sym, qty := range snap.Longs {
		equity = equity.Add(qty.Mul(markFor(snap, marks, sym)))
	}
	for sym, qty := range snap.Shorts {
		equity = equity.Sub(qty.Mul(markFor(snap, marks, sym)))
	}
	return equity
}

// Accuracy is the share of trades that closed at a profit.
func (s *PositionSnapshot) Accuracy() decimal.Decimal {
	if s.TotalTrades == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.ProfitableTrades)).Div(decimal.NewFromInt(int64(s.TotalTrades)))
}

// ReturnPct is the percentage change of equity against starting cash.
func (s *PositionSnapshot) ReturnPct() decimal.Decimal {
	if s.StartingCash.IsZero() {
		return decimal.Zero
	}
	return s.Equity().Sub(s.StartingCash).Div(s.StartingCash).Mul(decimal.NewFromInt(100))
}

func markFor(snap *PositionSnapshot, marks map[string]decimal.Decimal, sym string) decimal.Decimal {
	if p, ok := marks[sym]; ok {
		return p
	}
	return snap.Marks[sym]
}

// clone returns a deep copy that the caller may mutate before publishing.
func (s *PositionSnapshot) clone() *PositionSnapshot {
	next := *s
	next.Longs = cloneMap(s.Longs)
	next.Shorts = cloneMap(s.Shorts)
	next.AvgLongEntry = cloneMap(s.AvgLongEntry)
	next.AvgShortEntry = cloneMap(s.AvgShortEntry)
	next.Marks = cloneMap(s.Marks)
	return &next
}

var one = decimal.NewFromInt(1)

// refresh recomputes peak equity and max drawdown. Both only ever grow.
// Drawdown is capped at 1: an open short can push equity below zero, and
// losing more than the peak still counts as losing all of it.
func (s *PositionSnapshot) refresh() {
	equity := s.Equity()
	if equity.GreaterThan(s.PeakEquity) {
		s.PeakEquity = equity
	}
	if s.PeakEquity.IsPositive() {
		dd := decimal.Min(s.PeakEquity.Sub(equity).Div(s.PeakEquity), one)
		if dd.GreaterThan(s.MaxDrawdown) {
			s.MaxDrawdown = dd
		}
	}
}

func cloneMap(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
