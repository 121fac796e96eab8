package state

import (
	"sort"

	"github.com/shopspring/decimal"
)

var (
	drawdownWeight = decimal.NewFromFloat(0.5)
	accuracyWeight = decimal.NewFromInt(10)
	hundred        = decimal.NewFromInt(100)
)

// Score is one player's standing at match end.
type Score struct {
	PlayerID    string          `json:"player_id"`
	FinalEquity decimal.Decimal `json:"final_equity"`
	ReturnPct   decimal.Decimal `json:"return_pct"`
	MaxDrawdown decimal.Decimal `json:"max_drawdown"`
	Accuracy    decimal.Decimal `json:"accuracy"`
	TotalTrades int             `json:"total_trades"`
	Hybrid      decimal.Decimal `json:"hybrid_score"`
}

// HybridScore ranks a finished position by more than raw profit:
//
//	returnPct − maxDrawdown·100·0.5 + accuracy·10
//
// so a player who drew down half their peak pays 25 points, and a perfect
// hit rate earns 10.
func HybridScore(s *PositionSnapshot) Score {
	ret := s.ReturnPct()
	acc := s.Accuracy()
	hybrid := ret.
		Sub(s.MaxDrawdown.Mul(hundred).Mul(drawdownWeight)).
		Add(acc.Mul(accuracyWeight))
	return Score{
		PlayerID:    s.PlayerID,
		FinalEquity: s.Equity(),
		ReturnPct:   ret.Round(4),
		MaxDrawdown: s.MaxDrawdown.Round(4),
		Accuracy:    acc.Round(4),
		TotalTrades: s.TotalTrades,
		Hybrid:      hybrid.Round(4),
	}
}

// Rank scores every snapshot and orders them best first. Ties on the hybrid
// score fall back to final equity, then player id.
func Rank(snaps []*PositionSnapshot) []Score {
	out := make([]Score, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, HybridScore(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Hybrid.Cmp(out[j].Hybrid); c != 0 {
			return c > 0
		}
		if c := out[i].FinalEquity.Cmp(out[j].FinalEquity); c != 0 {
			return c > 0
		}
		return out[i].PlayerID < out[j].PlayerID
	})
	return out
}

// Winner returns the winning player id, or "" for a draw. Two players are
// drawn when both their hybrid scores and final equities are equal.
func Winner(ranked []Score) string {
	switch len(ranked) {
	case 0:
		return ""
	case 1:
		return ranked[0].PlayerID
	}
	if ranked[0].Hybrid.Equal(ranked[1].Hybrid) && ranked[0].FinalEquity.Equal(ranked[1].FinalEquity) {
		return ""
	}
	return ranked[0].PlayerID
}
