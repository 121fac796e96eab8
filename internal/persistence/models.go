package persistence

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchStatus is the persisted lifecycle of a match row.
type MatchStatus string

const (
	StatusWaiting   MatchStatus = "WAITING"
	StatusActive    MatchStatus = "ACTIVE"
	StatusFinished  MatchStatus = "FINISHED"
	StatusAbandoned MatchStatus = "ABANDONED"
)

func (s MatchStatus) IsTerminal() bool {
	return s == StatusFinished || s == StatusAbandoned
}

// Match is one row of arena.matches. CurrentIndex is relative to StartIndex
// and ranges over [0, TotalBars).
type Match struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Status       MatchStatus     `json:"status"`
	Mode         string          `json:"mode"`
	CreatorID    string          `json:"creator_id"`
	OpponentID   string          `json:"opponent_id,omitempty"`
	StartingCash decimal.Decimal `json:"starting_cash"`
	StartIndex   int             `json:"start_index"`
	CurrentIndex int             `json:"current_index"`
	TotalBars    int             `json:"total_bars"`
	WinnerID     string          `json:"winner_id,omitempty"`
	EndReason    string          `json:"end_reason,omitempty"`
	RematchOf    string          `json:"rematch_of,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Players returns the participants known so far.
func (m *Match) Players() []string {
	if m.OpponentID == "" {
		return []string{m.CreatorID}
	}
	return []string{m.CreatorID, m.OpponentID}
}

// IsParticipant reports whether playerID plays in this match.
func (m *Match) IsParticipant(playerID string) bool {
	return playerID != "" && (m.CreatorID == playerID || m.OpponentID == playerID)
}

// Opponent returns the other participant.
func (m *Match) Opponent(playerID string) string {
	if m.CreatorID == playerID {
		return m.OpponentID
	}
	return m.CreatorID
}

// Trade is one row of arena.trades.
type Trade struct {
	ID         string          `json:"id"`
	MatchID    string          `json:"match_id"`
	PlayerID   string          `json:"player_id"`
	Side       string          `json:"side"`
	Symbol     string          `json:"symbol"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	BarIndex   int             `json:"bar_index"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// Bar is one OHLCV price bar of arena.price_bars.
type Bar struct {
	Symbol string          `json:"symbol"`
	Seq    int             `json:"seq"`
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// PlayerResult is one row of arena.match_results.
type PlayerResult struct {
	MatchID          string          `json:"match_id"`
	PlayerID         string          `json:"player_id"`
	FinalEquity      decimal.Decimal `json:"final_equity"`
	ReturnPct        decimal.Decimal `json:"return_pct"`
	MaxDrawdown      decimal.Decimal `json:"max_drawdown"`
	Accuracy         decimal.Decimal `json:"accuracy"`
	HybridScore      decimal.Decimal `json:"hybrid_score"`
	TotalTrades      int             `json:"total_trades"`
	ProfitableTrades int             `json:"profitable_trades"`
	IsWinner         bool            `json:"is_winner"`
}

// FinishRequest carries everything written when a match ends.
type FinishRequest struct {
	MatchID  string
	Status   MatchStatus
	WinnerID string
	Reason   string
	Results  []PlayerResult
}

// Advance is the outcome of one guarded price index step.
type Advance struct {
	Index     int
	Advanced  bool
	Exhausted bool
}

// PlayerStats is one row of arena.player_stats.
type PlayerStats struct {
	PlayerID      string          `json:"player_id"`
	MatchesPlayed int             `json:"matches_played"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
	Draws         int             `json:"draws"`
	TotalTrades   int             `json:"total_trades"`
	BestReturnPct decimal.Decimal `json:"best_return_pct"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
