package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const tradeColumns = 9

// InsertTrades writes a batch of trades with one multi-row INSERT. Replayed
// rows are ignored, so retries are idempotent.
func (s *Store) InsertTrades(ctx context.Context, trades []Trade) error {
	if len(trades) == 0 {
		return nil
	}
	return s.guard(ctx, "insert trades", func(ctx context.Context) error {
		return insertTrades(ctx, s.db, trades)
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTrades(ctx context.Context, db execer, trades []Trade) error {
	query := `INSERT INTO arena.trades
		(id, match_id, player_id, side, symbol, quantity, price, bar_index, executed_at)
		VALUES `

	values := make([]string, 0, len(trades))
	args := make([]any, 0, len(trades)*tradeColumns)
	for i, t := range trades {
		values = append(values, placeholders(i*tradeColumns, tradeColumns))
		args = append(args,
			t.ID, t.MatchID, t.PlayerID, t.Side, t.Symbol,
			t.Quantity, t.Price, t.BarIndex, t.ExecutedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (id) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// TradesForPlayer returns a player's trades in execution order; crash
// recovery replays them into the position ledger.
func (s *Store) TradesForPlayer(ctx context.Context, matchID, playerID string) ([]Trade, error) {
	var out []Trade
	err := s.guard(ctx, "player trades", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, match_id, player_id, side, symbol, quantity, price, bar_index, executed_at
			FROM arena.trades
			WHERE match_id = $1 AND player_id = $2
			ORDER BY executed_at, id`, matchID, playerID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t Trade
			if err := rows.Scan(&t.ID, &t.MatchID, &t.PlayerID, &t.Side, &t.Symbol,
				&t.Quantity, &t.Price, &t.BarIndex, &t.ExecutedAt); err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

// TradeExists is the second dedup tier behind the in-memory LRU.
func (s *Store) TradeExists(ctx context.Context, tradeID string) (bool, error) {
	var exists int
	err := s.guard(ctx, "trade exists", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`SELECT 1 FROM arena.trades WHERE id = $1 LIMIT 1`, tradeID,
		).Scan(&exists)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentTradeIDs returns up to limit trade ids, oldest first, executed
// within the window. Used to warm the command dedup cache on start.
func (s *Store) RecentTradeIDs(ctx context.Context, window time.Duration, limit int) ([]string, error) {
	var ids []string
	err := s.guard(ctx, "recent trade ids", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id FROM (
				SELECT id, executed_at FROM arena.trades
				WHERE executed_at > now() - make_interval(secs => $1)
				ORDER BY executed_at DESC
				LIMIT $2
			) recent ORDER BY executed_at`, window.Seconds(), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
