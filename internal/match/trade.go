package match

import (
	"context"
	"errors"
	"fmt"

	"TradeArena/internal/broadcast"
	"TradeArena/internal/errs"
	"TradeArena/internal/persistence"
	"TradeArena/internal/state"
	"TradeArena/internal/workpool"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrBusy rejects an asynchronous submission when the trade pool is full.
var ErrBusy = errs.New(errs.KindExhausted, "trades_busy", "too many pending trades, try later")

// TradeRequest is one order from a player.
type TradeRequest struct {
	// ID identifies the command; a fresh id is generated when empty.
	ID       string          `json:"trade_id"`
	MatchID  string          `json:"match_id"`
	PlayerID string          `json:"player_id"`
	Side     state.Side      `json:"side"`
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Confirmation is the payload of a trade-confirmation event.
type Confirmation struct {
	Trade    persistence.Trade       `json:"trade"`
	Equity   decimal.Decimal         `json:"equity"`
	Position *state.PositionSnapshot `json:"position"`
}

// TradeError is the payload of a trade-error event.
type TradeError struct {
	TradeID string `json:"trade_id,omitempty"`
	MatchID string `json:"match_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmitTrade validates and executes a trade at the current bar close. The
// ledger is authoritative; the trade log write happens afterwards and is
// retried by the worker. The player gets a trade-confirmation or trade-error
// event either way.
func (s *Service) SubmitTrade(ctx context.Context, req TradeRequest) (*Confirmation, error) {
	conf, err := s.execute(ctx, req)
	if err != nil {
		s.count(errs.CodeOf(err))
		s.Broadcaster.ToPlayer(req.PlayerID, broadcast.EventTradeError, TradeError{
			TradeID: req.ID, MatchID: req.MatchID, Code: errs.CodeOf(err), Message: err.Error(),
		})
		return nil, err
	}
	s.count("accepted")
	s.Broadcaster.ToPlayer(req.PlayerID, broadcast.EventTradeConfirmation, conf)
	return conf, nil
}

// SubmitAsync queues a trade on the trade pool. The outcome is delivered
// only as an event.
func (s *Service) SubmitAsync(req TradeRequest) error {
	if s.Trades == nil {
		return errors.New("match: no trade pool configured")
	}
	err := s.Trades.Submit(func(ctx context.Context) {
		_, _ = s.SubmitTrade(ctx, req)
	})
	if errors.Is(err, workpool.ErrQueueFull) {
		s.count(ErrBusy.Code)
		return ErrBusy
	}
	return err
}

func (s *Service) execute(ctx context.Context, req TradeRequest) (*Confirmation, error) {
	if !req.Side.Valid() {
		return nil, errs.ErrInvalidSide
	}
	if !req.Quantity.IsPositive() {
		return nil, errs.ErrInvalidQuantity
	}
	if s.Freeze != nil && s.Freeze.IsFrozen(req.MatchID) {
		return nil, errs.ErrSystemPaused
	}

	m, err := s.Matches.GetMatch(ctx, req.MatchID)
	if errors.Is(err, persistence.ErrMatchNotFound) {
		return nil, errs.ErrMatchNotActive
	}
	if err != nil {
		return nil, err
	}
	if !m.IsParticipant(req.PlayerID) {
		return nil, errs.ErrNotParticipant
	}
	if m.Status != persistence.StatusActive {
		return nil, errs.ErrMatchNotActive
	}
	symbol := req.Symbol
	if symbol == "" {
		symbol = m.Symbol
	}
	if symbol != m.Symbol {
		return nil, errs.ErrUnknownSymbol
	}

	bar, err := s.Feed.BarAt(ctx, m.ID, m.CurrentIndex)
	if err != nil {
		return nil, fmt.Errorf("current price for %s: %w", m.ID, err)
	}

	snap, err := s.Ledger.ApplyTrade(m.ID, req.PlayerID, req.Side, symbol, req.Quantity, bar.Close)
	if err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	trade := persistence.Trade{
		ID:         id,
		MatchID:    m.ID,
		PlayerID:   req.PlayerID,
		Side:       string(req.Side),
		Symbol:     symbol,
		Quantity:   req.Quantity,
		Price:      bar.Close,
		BarIndex:   m.CurrentIndex,
		ExecutedAt: s.now().UTC(),
	}
	if err := s.TradeLog.Enqueue(ctx, trade); err != nil {
		// Accepted by the ledger; only the history row is missing.
		s.Logger.Error().Err(err).Str("match_id", m.ID).Str("trade_id", id).Msg("trade log enqueue failed")
	}

	s.Logger.Debug().Str("match_id", m.ID).Str("player_id", req.PlayerID).Str("side", string(req.Side)).
		Str("qty", req.Quantity.String()).Str("price", bar.Close.String()).Msg("trade executed")
	return &Confirmation{Trade: trade, Equity: snap.Equity(), Position: snap}, nil
}

func (s *Service) count(result string) {
	if s.Metrics != nil {
		s.Metrics.TradesSubmitted.WithLabelValues(result).Inc()
	}
}
