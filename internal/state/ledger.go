// Package state keeps the authoritative per-player position of every live
// match as copy-on-write snapshots.
package state

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"TradeArena/internal/errs"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds  = errs.New(errs.KindConflict, "insufficient_funds", "insufficient funds")
	ErrInsufficientShares = errs.New(errs.KindConflict, "insufficient_shares", "insufficient shares")
	ErrLedgerFull         = errs.New(errs.KindExhausted, "ledger_full", "position ledger at capacity, try later")
	ErrNoPosition         = errs.New(errs.KindConflict, "no_position", "no position for player in match")
)

// DefaultCapacity bounds the number of outstanding snapshots.
const DefaultCapacity = 10000

// Ledger stores the latest snapshot per (match, player). Reads are single
// lock-free lookups; writers build a new snapshot and publish it with a
// CompareAndSwap on the map entry.
type Ledger struct {
	matches  sync.Map // matchID -> *sync.Map (playerID -> *PositionSnapshot)
	count    atomic.Int64
	capacity int64
	now      func() time.Time
}

func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{capacity: int64(capacity), now: time.Now}
}

// Initialize seeds a player's starting cash. An existing position is kept as
// is. Fails with ErrLedgerFull once capacity is reached.
func (l *Ledger) Initialize(matchID, playerID string, cash decimal.Decimal) (*PositionSnapshot, error) {
	book := l.book(matchID)
	if cur, ok := book.Load(playerID); ok {
		return cur.(*PositionSnapshot), nil
	}

	if l.count.Add(1) > l.capacity {
		l.count.Add(-1)
		return nil, ErrLedgerFull
	}

	snap := &PositionSnapshot{
		MatchID:       matchID,
		PlayerID:      playerID,
		Cash:          cash,
		Longs:         map[string]decimal.Decimal{},
		Shorts:        map[string]decimal.Decimal{},
		AvgLongEntry:  map[string]decimal.Decimal{},
		AvgShortEntry: map[string]decimal.Decimal{},
		Marks:         map[string]decimal.Decimal{},
		StartingCash:  cash,
		PeakEquity:    cash,
		MaxDrawdown:   decimal.Zero,
		Version:       1,
		UpdatedAt:     l.now().UTC(),
	}
	if cur, loaded := book.LoadOrStore(playerID, snap); loaded {
		l.count.Add(-1)
		return cur.(*PositionSnapshot), nil
	}
	return snap, nil
}

// Get returns the current snapshot.
func (l *Ledger) Get(matchID, playerID string) (*PositionSnapshot, bool) {
	v, ok := l.matches.Load(matchID)
	if !ok {
		return nil, false
	}
	snap, ok := v.(*sync.Map).Load(playerID)
	if !ok {
		return nil, false
	}
	return snap.(*PositionSnapshot), true
}

// Players returns every snapshot of a match.
func (l *Ledger) Players(matchID string) []*PositionSnapshot {
	v, ok := l.matches.Load(matchID)
	if !ok {
		return nil
	}
	var out []*PositionSnapshot
	v.(*sync.Map).Range(func(_, s any) bool {
		out = append(out, s.(*PositionSnapshot))
		return true
	})
	return out
}

// Count returns the number of outstanding snapshots.
func (l *Ledger) Count() int64 {
	return l.count.Load()
}

// ApplyTrade publishes the snapshot that results from one trade. The
// previous snapshot is never touched.
func (l *Ledger) ApplyTrade(matchID, playerID string, side Side, symbol string, qty, price decimal.Decimal) (*PositionSnapshot, error) {
	if !side.Valid() {
		return nil, errs.ErrInvalidSide
	}
	if !qty.IsPositive() {
		return nil, errs.ErrInvalidQuantity
	}
	if !price.IsPositive() {
		return nil, errs.Validation("invalid_price", "price must be positive")
	}

	return l.update(matchID, playerID, func(next *PositionSnapshot) error {
		if err := applyTrade(next, side, symbol, qty, price); err != nil {
			return err
		}
		next.Marks[symbol] = price
		next.TotalTrades++
		return nil
	})
}

// UpdateMarkPrice marks one player to market without a trade.
func (l *Ledger) UpdateMarkPrice(matchID, playerID, symbol string, price decimal.Decimal) (*PositionSnapshot, error) {
	return l.update(matchID, playerID, func(next *PositionSnapshot) error {
		next.Marks[symbol] = price
		return nil
	})
}

// MarkMatch marks every player of a match to market.
func (l *Ledger) MarkMatch(matchID, symbol string, price decimal.Decimal) []*PositionSnapshot {
	var out []*PositionSnapshot
	for _, s := range l.Players(matchID) {
		next, err := l.UpdateMarkPrice(matchID, s.PlayerID, symbol, price)
		if err == nil {
			out = append(out, next)
		}
	}
	return out
}

// Evict drops every snapshot of a match and returns how many were removed.
func (l *Ledger) Evict(matchID string) int {
	v, ok := l.matches.LoadAndDelete(matchID)
	if !ok {
		return 0
	}
	n := 0
	v.(*sync.Map).Range(func(_, _ any) bool {
		n++
		return true
	})
	l.count.Add(int64(-n))
	return n
}

func (l *Ledger) book(matchID string) *sync.Map {
	if v, ok := l.matches.Load(matchID); ok {
		return v.(*sync.Map)
	}
	v, _ := l.matches.LoadOrStore(matchID, &sync.Map{})
	return v.(*sync.Map)
}

// update runs the copy / mutate / compare-and-swap loop.
func (l *Ledger) update(matchID, playerID string, mutate func(*PositionSnapshot) error) (*PositionSnapshot, error) {
	v, ok := l.matches.Load(matchID)
	if !ok {
		return nil, ErrNoPosition
	}
	book := v.(*sync.Map)
	for {
		cur, ok := book.Load(playerID)
		if !ok {
			return nil, ErrNoPosition
		}
		prev := cur.(*PositionSnapshot)
		next := prev.clone()
		if err := mutate(next); err != nil {
			return nil, err
		}
		next.refresh()
		next.Version = prev.Version + 1
		next.UpdatedAt = l.now().UTC()
		if book.CompareAndSwap(playerID, prev, next) {
			return next, nil
		}
	}
}

func applyTrade(s *PositionSnapshot, side Side, symbol string, qty, price decimal.Decimal) error {
	notional := qty.Mul(price)
	switch side {
	case SideBuy:
		if s.Cash.LessThan(notional) {
			return ErrInsufficientFunds
		}
		held := s.Longs[symbol]
		s.AvgLongEntry[symbol] = weightedAverage(s.AvgLongEntry[symbol], held, price, qty)
		s.Longs[symbol] = held.Add(qty)
		s.Cash = s.Cash.Sub(notional)

	case SideSell:
		held := s.Longs[symbol]
		if held.LessThan(qty) {
			return ErrInsufficientShares
		}
		if price.GreaterThan(s.AvgLongEntry[symbol]) {
			s.ProfitableTrades++
		}
		s.Cash = s.Cash.Add(notional)
		setOrDelete(s.Longs, s.AvgLongEntry, symbol, held.Sub(qty))

	case SideShort:
		held := s.Shorts[symbol]
		s.AvgShortEntry[symbol] = weightedAverage(s.AvgShortEntry[symbol], held, price, qty)
		s.Shorts[symbol] = held.Add(qty)
		s.Cash = s.Cash.Add(notional)

	case SideCover:
		held := s.Shorts[symbol]
		if held.LessThan(qty) {
			return ErrInsufficientShares
		}
		if s.Cash.LessThan(notional) {
			return ErrInsufficientFunds
		}
		if price.LessThan(s.AvgShortEntry[symbol]) {
			s.ProfitableTrades++
		}
		s.Cash = s.Cash.Sub(notional)
		setOrDelete(s.Shorts, s.AvgShortEntry, symbol, held.Sub(qty))

	default:
		return fmt.Errorf("apply trade: %w", errs.ErrInvalidSide)
	}
	return nil
}

func weightedAverage(avg, held, price, qty decimal.Decimal) decimal.Decimal {
	total := held.Add(qty)
	return avg.Mul(held).Add(price.Mul(qty)).Div(total)
}

func setOrDelete(qtys, avgs map[string]decimal.Decimal, symbol string, remaining decimal.Decimal) {
	if remaining.IsZero() {
		delete(qtys, symbol)
		delete(avgs, symbol)
		return
	}
	qtys[symbol] = remaining
}
