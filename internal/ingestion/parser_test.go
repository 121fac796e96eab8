package ingestion_test

import (
	"testing"

	"TradeArena/internal/errs"
	"TradeArena/internal/ingestion"
	"TradeArena/internal/state"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrade(t *testing.T) {
	req, err := ingestion.ParseTrade([]byte(`{
		"command_id": "c-1",
		"match_id": "m1",
		"player_id": "alice",
		"side": " short ",
		"symbol": "btcusdt",
		"quantity": "0.25"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "c-1", req.ID)
	assert.Equal(t, "m1", req.MatchID)
	assert.Equal(t, "alice", req.PlayerID)
	assert.Equal(t, state.SideShort, req.Side)
	assert.Equal(t, "BTCUSDT", req.Symbol)
	assert.True(t, req.Quantity.Equal(decimal.RequireFromString("0.25")))
}

func TestParseTrade_NumericQuantity(t *testing.T) {
	req, err := ingestion.ParseTrade([]byte(`{"command_id":"c","match_id":"m","player_id":"p","side":"BUY","quantity":3}`))
	require.NoError(t, err)
	assert.True(t, req.Quantity.Equal(decimal.NewFromInt(3)))
	assert.Empty(t, req.Symbol, "empty symbol defaults to the match symbol later")
}

func TestParseTrade_Rejections(t *testing.T) {
	cases := []struct {
		name string
		body string
		code string
	}{
		{"not json", `{`, "malformed_command"},
		{"bad quantity", `{"command_id":"c","match_id":"m","player_id":"p","side":"BUY","quantity":"abc"}`, "malformed_command"},
		{"no command id", `{"match_id":"m","player_id":"p","side":"BUY","quantity":1}`, "missing_command_id"},
		{"no match", `{"command_id":"c","player_id":"p","side":"BUY","quantity":1}`, "missing_field"},
		{"bad side", `{"command_id":"c","match_id":"m","player_id":"p","side":"HOLD","quantity":1}`, errs.ErrInvalidSide.Code},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseTrade([]byte(tc.body))
			require.Error(t, err)
			assert.Equal(t, tc.code, errs.CodeOf(err))
			assert.True(t, errs.IsKind(err, errs.KindValidation))
		})
	}
}

func TestParseQueueJoin(t *testing.T) {
	cmd, err := ingestion.ParseQueueJoin([]byte(`{"player_id":"alice"}`))
	require.NoError(t, err)
	assert.Equal(t, "alice", cmd.PlayerID)
	assert.Nil(t, cmd.Rating)

	cmd, err = ingestion.ParseQueueJoin([]byte(`{"player_id":"bob","rating":1240}`))
	require.NoError(t, err)
	require.NotNil(t, cmd.Rating)
	assert.Equal(t, 1240, *cmd.Rating)

	_, err = ingestion.ParseQueueJoin([]byte(`{"player_id":"bob","rating":-1}`))
	assert.Equal(t, "invalid_rating", errs.CodeOf(err))

	_, err = ingestion.ParseQueueJoin([]byte(`{}`))
	assert.Equal(t, "missing_field", errs.CodeOf(err))
}

func TestParseQueueLeave(t *testing.T) {
	cmd, err := ingestion.ParseQueueLeave([]byte(`{"player_id":"alice"}`))
	require.NoError(t, err)
	assert.Equal(t, "alice", cmd.PlayerID)

	_, err = ingestion.ParseQueueLeave([]byte(`[]`))
	assert.Equal(t, "malformed_command", errs.CodeOf(err))
}

func TestKindOf(t *testing.T) {
	k, ok := ingestion.KindOf("arena.cmd.trade.m1")
	assert.True(t, ok)
	assert.Equal(t, ingestion.KindTrade, k)

	k, ok = ingestion.KindOf("arena.cmd.queue.leave.alice")
	assert.True(t, ok)
	assert.Equal(t, ingestion.KindQueueLeave, k)

	_, ok = ingestion.KindOf("arena.cmd.chat.m1")
	assert.False(t, ok)
}
