package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"TradeArena/internal/errs"
	"TradeArena/internal/match"
	"TradeArena/internal/state"

	"github.com/shopspring/decimal"
)

// Kind names an inbound command type.
type Kind string

const (
	KindTrade      Kind = "trade"
	KindQueueJoin  Kind = "queue.join"
	KindQueueLeave Kind = "queue.leave"
)

// QueueJoin asks to enter matchmaking. A nil Rating means the stored rating.
type QueueJoin struct {
	PlayerID string
	Rating   *int
}

// QueueLeave asks to leave matchmaking.
type QueueLeave struct {
	PlayerID string
}

// --- JSON wire formats ---
// Field names use snake_case to match the client gateway.

type tradeJSON struct {
	CommandID string          `json:"command_id"`
	MatchID   string          `json:"match_id"`
	PlayerID  string          `json:"player_id"`
	Side      string          `json:"side"`
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type queueJSON struct {
	PlayerID string `json:"player_id"`
	Rating   *int   `json:"rating,omitempty"`
}

// ParseTrade converts a trade command into a match.TradeRequest. Sides are
// case-insensitive. Malformed payloads are validation errors; business
// checks happen in the match service.
func ParseTrade(data []byte) (match.TradeRequest, error) {
	var j tradeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return match.TradeRequest{}, malformed(KindTrade, err)
	}
	if j.CommandID == "" {
		return match.TradeRequest{}, errs.Validation("missing_command_id", "command_id is required")
	}
	if j.MatchID == "" || j.PlayerID == "" {
		return match.TradeRequest{}, errs.Validation("missing_field", "match_id and player_id are required")
	}
	side := state.Side(strings.ToUpper(strings.TrimSpace(j.Side)))
	if !side.Valid() {
		return match.TradeRequest{}, errs.ErrInvalidSide
	}
	return match.TradeRequest{
		ID:       j.CommandID,
		MatchID:  j.MatchID,
		PlayerID: j.PlayerID,
		Side:     side,
		Symbol:   strings.ToUpper(strings.TrimSpace(j.Symbol)),
		Quantity: j.Quantity,
	}, nil
}

func ParseQueueJoin(data []byte) (QueueJoin, error) {
	var j queueJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return QueueJoin{}, malformed(KindQueueJoin, err)
	}
	if j.PlayerID == "" {
		return QueueJoin{}, errs.Validation("missing_field", "player_id is required")
	}
	if j.Rating != nil && *j.Rating < 0 {
		return QueueJoin{}, errs.Validation("invalid_rating", "rating must not be negative")
	}
	return QueueJoin{PlayerID: j.PlayerID, Rating: j.Rating}, nil
}

func ParseQueueLeave(data []byte) (QueueLeave, error) {
	var j queueJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return QueueLeave{}, malformed(KindQueueLeave, err)
	}
	if j.PlayerID == "" {
		return QueueLeave{}, errs.Validation("missing_field", "player_id is required")
	}
	return QueueLeave{PlayerID: j.PlayerID}, nil
}

func malformed(kind Kind, err error) error {
	return &errs.Error{Kind: errs.KindValidation, Code: "malformed_command", Msg: fmt.Sprintf("parse %s command", kind), Err: err}
}
