// Package projection folds finished matches into the per-player aggregate
// tables. Projections are eventually consistent and can be rebuilt from
// arena.match_results at any time.
package projection

import (
	"context"
	"database/sql"
	"fmt"

	"TradeArena/internal/observability"
	"TradeArena/internal/persistence"

	"github.com/rs/zerolog"
)

// MatchOutcome is what the projector needs from a finished match.
type MatchOutcome struct {
	MatchID string
	Results []persistence.PlayerResult
	Draw    bool
}

// StatsWriter is the aggregate sink.
type StatsWriter interface {
	UpsertPlayerStats(ctx context.Context, d persistence.StatsDelta) error
}

// StatsProjector updates player_stats from finished matches. Publish never
// blocks: when the channel is full the outcome is dropped, and a rebuild
// recovers it later.
type StatsProjector struct {
	writer  StatsWriter
	input   chan MatchOutcome
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewStatsProjector(writer StatsWriter, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *StatsProjector {
	if buffer <= 0 {
		buffer = 256
	}
	return &StatsProjector{
		writer:  writer,
		input:   make(chan MatchOutcome, buffer),
		metrics: metrics,
		logger:  logger,
	}
}

// Publish queues an outcome. Returns false when it was dropped.
func (p *StatsProjector) Publish(o MatchOutcome) bool {
	select {
	case p.input <- o:
		return true
	default:
		p.logger.Warn().Str("match_id", o.MatchID).Msg("stats projection queue full, dropping outcome")
		p.count("dropped")
		return false
	}
}

// Run consumes outcomes until ctx is done, then drains what is queued.
func (p *StatsProjector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		case o := <-p.input:
			p.process(ctx, o)
		}
	}
}

func (p *StatsProjector) drain() {
	ctx := context.Background()
	for {
		select {
		case o := <-p.input:
			p.process(ctx, o)
		default:
			return
		}
	}
}

func (p *StatsProjector) process(ctx context.Context, o MatchOutcome) {
	for _, r := range o.Results {
		d := persistence.StatsDelta{
			PlayerID:  r.PlayerID,
			Won:       r.IsWinner,
			Draw:      o.Draw,
			Trades:    r.TotalTrades,
			ReturnPct: r.ReturnPct,
		}
		if err := p.writer.UpsertPlayerStats(ctx, d); err != nil {
			// Eventually consistent: RebuildStats repairs missed updates.
			p.logger.Warn().Err(err).Str("match_id", o.MatchID).Str("player_id", r.PlayerID).
				Msg("stats projection update failed")
			p.count("error")
			continue
		}
		p.count("ok")
	}
}

func (p *StatsProjector) count(result string) {
	if p.metrics != nil {
		p.metrics.ProjectionUpdates.WithLabelValues(result).Inc()
	}
}

// RebuildStats recomputes arena.player_stats from arena.match_results.
func RebuildStats(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE arena.player_stats`); err != nil {
		return fmt.Errorf("truncate player_stats: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO arena.player_stats
			(player_id, matches_played, wins, losses, draws, total_trades, best_return_pct, updated_at)
		SELECT
			r.player_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE r.is_winner),
			COUNT(*) FILTER (WHERE NOT r.is_winner AND m.winner_id IS NOT NULL),
			COUNT(*) FILTER (WHERE m.winner_id IS NULL),
			SUM(r.total_trades),
			MAX(r.return_pct),
			NOW()
		FROM arena.match_results r
		JOIN arena.matches m ON m.id = r.match_id
		GROUP BY r.player_id`)
	if err != nil {
		return fmt.Errorf("rebuild player_stats: %w", err)
	}

	return tx.Commit()
}
