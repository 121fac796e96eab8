package persistence

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"TradeArena/internal/errs"
	"TradeArena/internal/resilience"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var (
	ErrUnavailable   = errs.New(errs.KindTransient, "database_unavailable", "database unavailable")
	ErrMatchNotFound = errs.New(errs.KindConflict, "match_not_found", "match not found")
)

const defaultCallTimeout = 3 * time.Second

// Store is the Postgres match/trade persistence service. Every call goes
// through the database circuit breaker; connectivity failures trip it and
// surface as ErrUnavailable, query-level errors do not.
type Store struct {
	db      *sql.DB
	breaker *resilience.CircuitBreaker
	timeout time.Duration
}

func NewStore(db *sql.DB, breaker *resilience.CircuitBreaker) *Store {
	return &Store{db: db, breaker: breaker, timeout: defaultCallTimeout}
}

// DB returns the underlying handle (migrations, workers).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping probes the database without going through the breaker; the health
// monitor owns that bookkeeping.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

const matchColumns = `id, symbol, status, mode, creator_id, COALESCE(opponent_id, ''),
	starting_cash, start_index, current_index, total_bars, COALESCE(winner_id, ''),
	COALESCE(end_reason, ''), COALESCE(rematch_of, ''), created_at, started_at, finished_at`

// CreateMatch inserts a new WAITING (or pre-paired ACTIVE) match row.
func (s *Store) CreateMatch(ctx context.Context, m *Match) error {
	return s.guard(ctx, "create match", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO arena.matches
				(id, symbol, status, mode, creator_id, opponent_id, starting_cash,
				 start_index, current_index, total_bars, rematch_of, created_at, started_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, NULLIF($11, ''), $12, $13)`,
			m.ID, m.Symbol, m.Status, m.Mode, m.CreatorID, m.OpponentID, m.StartingCash,
			m.StartIndex, m.CurrentIndex, m.TotalBars, m.RematchOf, m.CreatedAt, m.StartedAt,
		)
		return err
	})
}

// GetMatch reads one match row.
func (s *Store) GetMatch(ctx context.Context, matchID string) (*Match, error) {
	var m *Match
	err := s.guard(ctx, "get match", func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM arena.matches WHERE id = $1`, matchID)
		var err error
		m, err = scanMatch(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMatchNotFound
	}
	return m, err
}

// IsMatchActive reports whether the match row is ACTIVE.
func (s *Store) IsMatchActive(ctx context.Context, matchID string) (bool, error) {
	m, err := s.GetMatch(ctx, matchID)
	if errors.Is(err, ErrMatchNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Status == StatusActive, nil
}

// ListByStatus returns every match in one of the given statuses.
func (s *Store) ListByStatus(ctx context.Context, statuses ...MatchStatus) ([]Match, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	var out []Match
	err := s.guard(ctx, "list matches", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+matchColumns+` FROM arena.matches WHERE status = ANY($1) ORDER BY created_at`,
			pq.Array(names),
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMatch(rows)
			if err != nil {
				return err
			}
			out = append(out, *m)
		}
		return rows.Err()
	})
	return out, err
}

// ListActive returns every ACTIVE match.
func (s *Store) ListActive(ctx context.Context) ([]Match, error) {
	return s.ListByStatus(ctx, StatusActive)
}

// JoinIfOpen seats playerID as the opponent when the seat is still free.
// Returns 1 on success and 0 when the match is taken, full or not WAITING.
func (s *Store) JoinIfOpen(ctx context.Context, matchID, playerID string) (int64, error) {
	var n int64
	err := s.guard(ctx, "join match", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE arena.matches SET opponent_id = $2
			WHERE id = $1 AND status = 'WAITING' AND opponent_id IS NULL AND creator_id <> $2`,
			matchID, playerID,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ActivateMatch moves a seated WAITING match to ACTIVE. Returns false when
// another caller already did.
func (s *Store) ActivateMatch(ctx context.Context, matchID string) (bool, error) {
	var n int64
	err := s.guard(ctx, "activate match", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE arena.matches SET status = 'ACTIVE', started_at = NOW()
			WHERE id = $1 AND status = 'WAITING' AND opponent_id IS NOT NULL`,
			matchID,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n == 1, err
}

// AdvanceIndex steps the price index of an ACTIVE match from `from` to
// from+1 under a row lock. A concurrent tick that already advanced past
// `from` leaves the row untouched (Advanced=false).
func (s *Store) AdvanceIndex(ctx context.Context, matchID string, from int) (Advance, error) {
	var out Advance
	err := s.guard(ctx, "advance index", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var (
				status  MatchStatus
				current int
				total   int
			)
			err := tx.QueryRowContext(ctx,
				`SELECT status, current_index, total_bars FROM arena.matches WHERE id = $1 FOR UPDATE`,
				matchID,
			).Scan(&status, &current, &total)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrMatchNotFound
			}
			if err != nil {
				return err
			}
			if status != StatusActive {
				return errs.ErrMatchNotActive
			}
			out.Index = current
			if current != from {
				return nil
			}
			if current+1 >= total {
				out.Exhausted = true
				return nil
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE arena.matches SET current_index = $2 WHERE id = $1`, matchID, current+1,
			); err != nil {
				return err
			}
			out.Index = current + 1
			out.Advanced = true
			return nil
		})
	})
	return out, err
}

// FinishMatch locks the match row, and if it is not yet terminal writes the
// terminal status and per-player results. Returns false when a concurrent
// finisher (auto-finish vs forfeit) got there first.
func (s *Store) FinishMatch(ctx context.Context, req FinishRequest) (bool, error) {
	finished := false
	err := s.guard(ctx, "finish match", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var status MatchStatus
			err := tx.QueryRowContext(ctx,
				`SELECT status FROM arena.matches WHERE id = $1 FOR UPDATE`, req.MatchID,
			).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrMatchNotFound
			}
			if err != nil {
				return err
			}
			if status.IsTerminal() {
				return nil
			}

			if _, err := tx.ExecContext(ctx, `
				UPDATE arena.matches
				SET status = $2, winner_id = NULLIF($3, ''), end_reason = $4, finished_at = NOW()
				WHERE id = $1`,
				req.MatchID, req.Status, req.WinnerID, req.Reason,
			); err != nil {
				return err
			}

			for _, r := range req.Results {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO arena.match_results
						(match_id, player_id, final_equity, return_pct, max_drawdown, accuracy,
						 hybrid_score, total_trades, profitable_trades, is_winner)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
					ON CONFLICT (match_id, player_id) DO NOTHING`,
					req.MatchID, r.PlayerID, r.FinalEquity, r.ReturnPct, r.MaxDrawdown, r.Accuracy,
					r.HybridScore, r.TotalTrades, r.ProfitableTrades, r.IsWinner,
				); err != nil {
					return fmt.Errorf("insert result %s: %w", r.PlayerID, err)
				}
			}
			finished = true
			return nil
		})
	})
	return finished, err
}

// Results returns the stored per-player results of a finished match.
func (s *Store) Results(ctx context.Context, matchID string) ([]PlayerResult, error) {
	var out []PlayerResult
	err := s.guard(ctx, "match results", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT match_id, player_id, final_equity, return_pct, max_drawdown, accuracy,
				hybrid_score, total_trades, profitable_trades, is_winner
			FROM arena.match_results WHERE match_id = $1 ORDER BY player_id`, matchID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r PlayerResult
			if err := rows.Scan(&r.MatchID, &r.PlayerID, &r.FinalEquity, &r.ReturnPct, &r.MaxDrawdown,
				&r.Accuracy, &r.HybridScore, &r.TotalTrades, &r.ProfitableTrades, &r.IsWinner); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatch(row rowScanner) (*Match, error) {
	var (
		m        Match
		started  sql.NullTime
		finished sql.NullTime
	)
	err := row.Scan(&m.ID, &m.Symbol, &m.Status, &m.Mode, &m.CreatorID, &m.OpponentID,
		&m.StartingCash, &m.StartIndex, &m.CurrentIndex, &m.TotalBars, &m.WinnerID,
		&m.EndReason, &m.RematchOf, &m.CreatedAt, &started, &finished)
	if err != nil {
		return nil, err
	}
	if started.Valid {
		m.StartedAt = &started.Time
	}
	if finished.Valid {
		m.FinishedAt = &finished.Time
	}
	return &m, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// guard runs fn behind the database breaker with a call timeout.
func (s *Store) guard(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if s.breaker != nil && !s.breaker.IsCallPermitted() {
		return ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := fn(ctx)
	if isConnectivity(err) {
		if s.breaker != nil {
			s.breaker.RecordFailure()
		}
		return &errs.Error{Kind: errs.KindTransient, Code: ErrUnavailable.Code, Msg: op, Err: err}
	}
	if s.breaker != nil {
		s.breaker.RecordSuccess()
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		var classified *errs.Error
		if errors.As(err, &classified) {
			return err
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return err
}

func isConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08 is connection exception, 57P0x is operator intervention.
		return pqErr.Code.Class() == "08" || pqErr.Code == "57P01" || pqErr.Code == "57P03"
	}
	return false
}

// nullDecimal is a helper for optional numeric columns.
func nullDecimal(d decimal.NullDecimal) decimal.Decimal {
	if d.Valid {
		return d.Decimal
	}
	return decimal.Zero
}
