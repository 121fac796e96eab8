package persistence

import (
	"context"
	"database/sql"
	"errors"
	"math"
)

const (
	DefaultRating = 1000
	eloK          = 32.0
)

// Rating returns a player's skill rating, DefaultRating when unrated.
func (s *Store) Rating(ctx context.Context, playerID string) (int, error) {
	rating := DefaultRating
	err := s.guard(ctx, "get rating", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`SELECT rating FROM arena.player_ratings WHERE player_id = $1`, playerID,
		).Scan(&rating)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultRating, nil
	}
	return rating, err
}

// ApplyRatings updates both players' ratings for one result inside a single
// transaction. draw ignores the winner/loser order.
func (s *Store) ApplyRatings(ctx context.Context, winnerID, loserID string, draw bool) (int, int, error) {
	var newWinner, newLoser int
	err := s.guard(ctx, "apply ratings", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			rw, err := lockRating(ctx, tx, winnerID)
			if err != nil {
				return err
			}
			rl, err := lockRating(ctx, tx, loserID)
			if err != nil {
				return err
			}
			newWinner, newLoser = EloUpdate(rw, rl, draw)
			for _, u := range []struct {
				id     string
				rating int
			}{{winnerID, newWinner}, {loserID, newLoser}} {
				if _, err := tx.ExecContext(ctx, `
					UPDATE arena.player_ratings
					SET rating = $2, games = games + 1, updated_at = NOW()
					WHERE player_id = $1`, u.id, u.rating); err != nil {
					return err
				}
			}
			return nil
		})
	})
	return newWinner, newLoser, err
}

func lockRating(ctx context.Context, tx *sql.Tx, playerID string) (int, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO arena.player_ratings (player_id, rating) VALUES ($1, $2)
		ON CONFLICT (player_id) DO NOTHING`, playerID, DefaultRating); err != nil {
		return 0, err
	}
	var r int
	err := tx.QueryRowContext(ctx,
		`SELECT rating FROM arena.player_ratings WHERE player_id = $1 FOR UPDATE`, playerID,
	).Scan(&r)
	return r, err
}

// EloUpdate returns the new ratings of a (winner, loser) pair.
func EloUpdate(winner, loser int, draw bool) (int, int) {
	expW := 1 / (1 + math.Pow(10, float64(loser-winner)/400))
	expL := 1 - expW
	scoreW, scoreL := 1.0, 0.0
	if draw {
		scoreW, scoreL = 0.5, 0.5
	}
	return winner + int(math.Round(eloK*(scoreW-expW))),
		loser + int(math.Round(eloK*(scoreL-expL)))
}
