package scheduler

import (
	"context"
	"fmt"

	"TradeArena/internal/broadcast"
	"TradeArena/internal/persistence"
	"TradeArena/internal/pricefeed"
	"TradeArena/internal/projection"
	"TradeArena/internal/state"
)

// End describes how a match ends.
type End struct {
	Reason    string
	Abandoned bool
	// ForfeitBy names the player who gave up; the opponent wins.
	ForfeitBy string
}

// Finished is the payload of a match-finished event.
type Finished struct {
	MatchID  string                  `json:"match_id"`
	Status   persistence.MatchStatus `json:"status"`
	WinnerID string                  `json:"winner_id,omitempty"`
	Reason   string                  `json:"reason"`
	Scores   []state.Score           `json:"scores"`
}

// AutoFinish ends a match whose price feed is exhausted.
func (s *Scheduler) AutoFinish(ctx context.Context, matchID string) (bool, error) {
	return s.EndMatch(ctx, matchID, End{Reason: "completed"})
}

// EndMatch marks both players to market, scores them, and writes the result
// under the match row lock. Only the caller whose write lands reports true
// and runs the follow-ups; a racing end or auto-finish is a quiet no-op.
func (s *Scheduler) EndMatch(ctx context.Context, matchID string, end End) (bool, error) {
	log := s.Logger.With().Str("match_id", matchID).Str("reason", end.Reason).Logger()

	m, err := s.Matches.GetMatch(ctx, matchID)
	if err != nil {
		return false, fmt.Errorf("load match %s: %w", matchID, err)
	}
	if m.Status.IsTerminal() {
		s.cleanup(ctx, matchID, m.Status == persistence.StatusAbandoned)
		return false, nil
	}

	bar, _, err := s.Feed.Current(ctx, matchID)
	switch {
	case err == nil:
		s.Ledger.MarkMatch(matchID, m.Symbol, bar.Close)
	case pricefeed.IsExhausted(err):
	default:
		log.Warn().Err(err).Msg("final price unavailable, scoring at last marks")
	}

	scores := state.Rank(s.Ledger.Players(matchID))
	winner := state.Winner(scores)
	if end.ForfeitBy != "" {
		winner = m.Opponent(end.ForfeitBy)
	}
	status := persistence.StatusFinished
	if end.Abandoned {
		status = persistence.StatusAbandoned
	}

	req := persistence.FinishRequest{
		MatchID:  matchID,
		Status:   status,
		WinnerID: winner,
		Reason:   end.Reason,
		Results:  results(matchID, scores, winner, s.Ledger),
	}
	finished, err := s.Matches.FinishMatch(ctx, req)
	if err != nil {
		return false, fmt.Errorf("finish match %s: %w", matchID, err)
	}
	if !finished {
		log.Debug().Msg("match already finished elsewhere")
		s.cleanup(ctx, matchID, end.Abandoned)
		return false, nil
	}

	if !end.Abandoned {
		s.rate(ctx, m, winner)
	}
	if s.Stats != nil && len(req.Results) > 0 {
		s.Stats.Publish(projection.MatchOutcome{MatchID: matchID, Results: req.Results, Draw: winner == ""})
	}
	s.Broadcaster.ToMatch(matchID, broadcast.EventMatchFinished, Finished{
		MatchID: matchID, Status: status, WinnerID: winner, Reason: end.Reason, Scores: scores,
	})
	if s.Metrics != nil {
		s.Metrics.MatchesFinished.WithLabelValues(end.Reason).Inc()
	}
	log.Info().Str("winner_id", winner).Str("status", string(status)).Msg("match finished")

	s.cleanup(ctx, matchID, end.Abandoned)
	return true, nil
}

// rate applies the rating update for a two-player result.
func (s *Scheduler) rate(ctx context.Context, m *persistence.Match, winner string) {
	if m.OpponentID == "" {
		return
	}
	var err error
	if winner == "" {
		_, _, err = s.Matches.ApplyRatings(ctx, m.CreatorID, m.OpponentID, true)
	} else {
		_, _, err = s.Matches.ApplyRatings(ctx, winner, m.Opponent(winner), false)
	}
	if err != nil {
		s.Logger.Warn().Err(err).Str("match_id", m.ID).Msg("rating update failed")
	}
}

// cleanup releases every per-match resource. Safe to repeat.
func (s *Scheduler) cleanup(ctx context.Context, matchID string, abandoned bool) {
	if h, ok := s.Rooms.Clock(matchID); ok {
		h.Stop()
	}
	if _, err := s.Rooms.EndGame(ctx, matchID, abandoned); err != nil {
		s.Logger.Warn().Err(err).Str("match_id", matchID).Msg("end room failed")
	}
	s.Ledger.Evict(matchID)
	s.Feed.Forget(matchID)
}

func results(matchID string, scores []state.Score, winner string, ledger *state.Ledger) []persistence.PlayerResult {
	out := make([]persistence.PlayerResult, 0, len(scores))
	for _, sc := range scores {
		profitable := 0
		if snap, ok := ledger.Get(matchID, sc.PlayerID); ok {
			profitable = snap.ProfitableTrades
		}
		out = append(out, persistence.PlayerResult{
			MatchID:          matchID,
			PlayerID:         sc.PlayerID,
			FinalEquity:      sc.FinalEquity,
			ReturnPct:        sc.ReturnPct,
			MaxDrawdown:      sc.MaxDrawdown,
			Accuracy:         sc.Accuracy,
			HybridScore:      sc.Hybrid,
			TotalTrades:      sc.TotalTrades,
			ProfitableTrades: profitable,
			IsWinner:         sc.PlayerID == winner,
		})
	}
	return out
}
