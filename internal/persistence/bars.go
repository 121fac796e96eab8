package persistence

import (
	"context"
	"database/sql"
	"errors"
	"math/rand/v2"

	"TradeArena/internal/errs"
)

// ErrNotEnoughBars means the symbol has fewer bars than a match needs.
var ErrNotEnoughBars = errs.New(errs.KindValidation, "not_enough_bars", "not enough price history for symbol")

// Bars returns count bars of symbol starting at seq start, in order.
func (s *Store) Bars(ctx context.Context, symbol string, start, count int) ([]Bar, error) {
	var out []Bar
	err := s.guard(ctx, "load bars", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT symbol, seq, ts, open, high, low, close, volume
			FROM arena.price_bars
			WHERE symbol = $1 AND seq >= $2 AND seq < $3
			ORDER BY seq`, symbol, start, start+count)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = make([]Bar, 0, count)
		for rows.Next() {
			var b Bar
			if err := rows.Scan(&b.Symbol, &b.Seq, &b.Time, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
				return err
			}
			out = append(out, b)
		}
		return rows.Err()
	})
	return out, err
}

// Symbols lists every symbol with price history.
func (s *Store) Symbols(ctx context.Context) ([]string, error) {
	var out []string
	err := s.guard(ctx, "list symbols", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM arena.price_bars ORDER BY symbol`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var sym string
			if err := rows.Scan(&sym); err != nil {
				return err
			}
			out = append(out, sym)
		}
		return rows.Err()
	})
	return out, err
}

// PickWindow chooses a random start seq so that [start, start+count) lies
// within the symbol's history.
func (s *Store) PickWindow(ctx context.Context, symbol string, count int) (int, error) {
	var lo, hi sql.NullInt64
	err := s.guard(ctx, "bar range", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`SELECT MIN(seq), MAX(seq) FROM arena.price_bars WHERE symbol = $1`, symbol,
		).Scan(&lo, &hi)
	})
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if !lo.Valid || int(hi.Int64-lo.Int64+1) < count {
		return 0, ErrNotEnoughBars
	}
	span := int(hi.Int64-lo.Int64+1) - count
	return int(lo.Int64) + rand.IntN(span+1), nil
}
