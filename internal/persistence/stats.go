package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"
)

// StatsDelta is one finished match folded into a player's aggregate.
type StatsDelta struct {
	PlayerID  string
	Won       bool
	Draw      bool
	Trades    int
	ReturnPct decimal.Decimal
}

// UpsertPlayerStats folds delta into arena.player_stats.
func (s *Store) UpsertPlayerStats(ctx context.Context, d StatsDelta) error {
	win, loss, draw := 0, 0, 0
	switch {
	case d.Draw:
		draw = 1
	case d.Won:
		win = 1
	default:
		loss = 1
	}
	return s.guard(ctx, "upsert stats", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO arena.player_stats
				(player_id, matches_played, wins, losses, draws, total_trades, best_return_pct, updated_at)
			VALUES ($1, 1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (player_id) DO UPDATE SET
				matches_played  = arena.player_stats.matches_played + 1,
				wins            = arena.player_stats.wins + EXCLUDED.wins,
				losses          = arena.player_stats.losses + EXCLUDED.losses,
				draws           = arena.player_stats.draws + EXCLUDED.draws,
				total_trades    = arena.player_stats.total_trades + EXCLUDED.total_trades,
				best_return_pct = GREATEST(arena.player_stats.best_return_pct, EXCLUDED.best_return_pct),
				updated_at      = NOW()`,
			d.PlayerID, win, loss, draw, d.Trades, d.ReturnPct,
		)
		return err
	})
}

// PlayerStats reads the aggregate of one player.
func (s *Store) PlayerStats(ctx context.Context, playerID string) (*PlayerStats, error) {
	var ps PlayerStats
	var best decimal.NullDecimal
	err := s.guard(ctx, "get stats", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT player_id, matches_played, wins, losses, draws, total_trades, best_return_pct, updated_at
			FROM arena.player_stats WHERE player_id = $1`, playerID,
		).Scan(&ps.PlayerID, &ps.MatchesPlayed, &ps.Wins, &ps.Losses, &ps.Draws,
			&ps.TotalTrades, &best, &ps.UpdatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return &PlayerStats{PlayerID: playerID}, nil
	}
	if err != nil {
		return nil, err
	}
	ps.BestReturnPct = nullDecimal(best)
	return &ps, nil
}
