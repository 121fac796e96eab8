// Package match is the match lifecycle service: creation, joining, trading,
// forfeits and rematches. It composes the room state, the position ledger,
// the scheduler and persistence; none of those know about each other's
// callers.
package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TradeArena/internal/broadcast"
	"TradeArena/internal/errs"
	"TradeArena/internal/observability"
	"TradeArena/internal/persistence"
	"TradeArena/internal/pricefeed"
	"TradeArena/internal/room"
	"TradeArena/internal/scheduler"
	"TradeArena/internal/state"
	"TradeArena/internal/workpool"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	ModeCasual  = "casual"
	ModeRanked  = "ranked"
	ModeRematch = "rematch"
)

// Store is the persistence the service needs.
type Store interface {
	CreateMatch(ctx context.Context, m *persistence.Match) error
	GetMatch(ctx context.Context, matchID string) (*persistence.Match, error)
	JoinIfOpen(ctx context.Context, matchID, playerID string) (int64, error)
	ActivateMatch(ctx context.Context, matchID string) (bool, error)
	PickWindow(ctx context.Context, symbol string, count int) (int, error)
}

// Clock starts and ends match clocks. Implemented by scheduler.Scheduler.
type Clock interface {
	StartProgression(ctx context.Context, matchID string) (bool, error)
	EndMatch(ctx context.Context, matchID string, end scheduler.End) (bool, error)
}

type FreezeChecker interface {
	IsFrozen(matchID string) bool
}

// TradeLog receives accepted trades for the durable trade log.
type TradeLog interface {
	Enqueue(ctx context.Context, t persistence.Trade) error
}

type Config struct {
	DefaultSymbol string
	StartingCash  decimal.Decimal
	TotalBars     int
}

func DefaultConfig() Config {
	return Config{DefaultSymbol: "BTCUSDT", StartingCash: decimal.NewFromInt(10000), TotalBars: 60}
}

type Deps struct {
	Rooms       *room.Manager
	Matches     Store
	Feed        pricefeed.Feed
	Ledger      *state.Ledger
	Clock       Clock
	Freeze      FreezeChecker
	TradeLog    TradeLog
	Broadcaster broadcast.Broadcaster
	// Trades runs asynchronous submissions. Optional.
	Trades  *workpool.Pool
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

type Service struct {
	cfg Config
	Deps
	now func() time.Time
}

func NewService(cfg Config, deps Deps) *Service {
	def := DefaultConfig()
	if cfg.DefaultSymbol == "" {
		cfg.DefaultSymbol = def.DefaultSymbol
	}
	if !cfg.StartingCash.IsPositive() {
		cfg.StartingCash = def.StartingCash
	}
	if cfg.TotalBars <= 1 {
		cfg.TotalBars = def.TotalBars
	}
	return &Service{cfg: cfg, Deps: deps, now: time.Now}
}

// Started is the payload of a match-started event.
type Started struct {
	MatchID      string          `json:"match_id"`
	Symbol       string          `json:"symbol"`
	Players      []string        `json:"players"`
	StartingCash decimal.Decimal `json:"starting_cash"`
	TotalBars    int             `json:"total_bars"`
	FirstBar     persistence.Bar `json:"first_bar"`
}

// RematchOffer is the payload of a rematch-offered event.
type RematchOffer struct {
	MatchID     string `json:"match_id"`
	PreviousID  string `json:"previous_match_id"`
	RequesterID string `json:"requester_id"`
}

// CreateMatch opens a WAITING match for creatorID on symbol (the default
// symbol when empty) and creates its room.
func (s *Service) CreateMatch(ctx context.Context, creatorID, symbol string) (*persistence.Match, error) {
	return s.create(ctx, creatorID, symbol, ModeCasual, "")
}

// CreatePairedMatch creates a match for two players paired by matchmaking
// and starts it at once.
func (s *Service) CreatePairedMatch(ctx context.Context, playerA, playerB string) (string, error) {
	m, err := s.create(ctx, playerA, "", ModeRanked, "")
	if err != nil {
		return "", err
	}
	if _, err := s.JoinMatch(ctx, m.ID, playerB); err != nil {
		s.abandonPairing(ctx, m.ID)
		return "", fmt.Errorf("seat %s in %s: %w", playerB, m.ID, err)
	}
	return m.ID, nil
}

// abandonPairing ends a paired match that never started, so neither player
// is left holding an open match they did not ask for.
func (s *Service) abandonPairing(ctx context.Context, matchID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.Clock.EndMatch(ctx, matchID, scheduler.End{Reason: "pairing_failed", Abandoned: true}); err != nil {
		s.Logger.Error().Err(err).Str("match_id", matchID).Msg("abandon unstarted paired match failed")
	}
}

func (s *Service) create(ctx context.Context, creatorID, symbol, mode, rematchOf string) (*persistence.Match, error) {
	if creatorID == "" {
		return nil, errs.Validation("invalid_player", "player id is required")
	}
	if symbol == "" {
		symbol = s.cfg.DefaultSymbol
	}
	start, err := s.Matches.PickWindow(ctx, symbol, s.cfg.TotalBars)
	if err != nil {
		return nil, fmt.Errorf("pick price window for %s: %w", symbol, err)
	}

	m := &persistence.Match{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		Status:       persistence.StatusWaiting,
		Mode:         mode,
		CreatorID:    creatorID,
		StartingCash: s.cfg.StartingCash,
		StartIndex:   start,
		TotalBars:    s.cfg.TotalBars,
		RematchOf:    rematchOf,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.Matches.CreateMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("create match: %w", err)
	}
	if _, err := s.Rooms.CreateRoom(ctx, m.ID, creatorID); err != nil {
		return nil, err
	}
	s.Logger.Info().Str("match_id", m.ID).Str("creator_id", creatorID).Str("symbol", symbol).
		Str("mode", mode).Msg("match created")
	return m, nil
}

// JoinMatch seats playerID as the opponent. The database join-if-open step
// decides the race; the winner starts the match. A participant joining again
// gets the match back unchanged.
func (s *Service) JoinMatch(ctx context.Context, matchID, playerID string) (*persistence.Match, error) {
	if playerID == "" {
		return nil, errs.Validation("invalid_player", "player id is required")
	}
	m, err := s.Matches.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.IsParticipant(playerID) {
		return m, nil
	}
	if m.RematchOf != "" {
		if err := s.checkRematchJoin(ctx, m, playerID); err != nil {
			return nil, err
		}
	}

	n, err := s.Matches.JoinIfOpen(ctx, matchID, playerID)
	if err != nil {
		return nil, fmt.Errorf("join match %s: %w", matchID, err)
	}
	if n == 0 {
		return nil, errs.ErrMatchNotOpen
	}

	count, err := s.Rooms.JoinRoom(ctx, matchID, playerID)
	if errors.Is(err, room.ErrRoomNotFound) {
		if _, err := s.Rooms.CreateRoom(ctx, matchID, m.CreatorID); err != nil {
			return nil, err
		}
		count, err = s.Rooms.JoinRoom(ctx, matchID, playerID)
	}
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w", matchID, err)
	}
	s.Broadcaster.ToMatch(matchID, broadcast.EventPlayerJoined, map[string]any{"match_id": matchID, "player_id": playerID})

	m.OpponentID = playerID
	if count >= room.Capacity {
		if err := s.start(ctx, m); err != nil {
			return nil, err
		}
		m.Status = persistence.StatusActive
	}
	return m, nil
}

// start activates a match with both players seated: ledger positions first,
// so a full ledger leaves the match WAITING, then the row, the room and the
// clock.
func (s *Service) start(ctx context.Context, m *persistence.Match) error {
	log := s.Logger.With().Str("match_id", m.ID).Logger()

	for _, p := range m.Players() {
		if _, err := s.Ledger.Initialize(m.ID, p, m.StartingCash); err != nil {
			s.Ledger.Evict(m.ID)
			return err
		}
	}
	if s.Metrics != nil {
		s.Metrics.LedgerSnapshots.Set(float64(s.Ledger.Count()))
	}

	if _, err := s.Matches.ActivateMatch(ctx, m.ID); err != nil {
		s.Ledger.Evict(m.ID)
		if s.Metrics != nil {
			s.Metrics.LedgerSnapshots.Set(float64(s.Ledger.Count()))
		}
		return fmt.Errorf("activate match %s: %w", m.ID, err)
	}
	if err := s.Rooms.StartGame(ctx, m.ID); err != nil {
		log.Warn().Err(err).Msg("start room failed")
	}
	if _, err := s.Clock.StartProgression(ctx, m.ID); err != nil {
		// Recovery or another instance picks the clock up.
		log.Warn().Err(err).Msg("start clock failed")
	}

	started := Started{
		MatchID: m.ID, Symbol: m.Symbol, Players: m.Players(),
		StartingCash: m.StartingCash, TotalBars: m.TotalBars,
	}
	if bar, err := s.Feed.BarAt(ctx, m.ID, 0); err == nil {
		started.FirstBar = bar
	}
	s.Broadcaster.ToMatch(m.ID, broadcast.EventMatchStarted, started)
	log.Info().Strs("players", m.Players()).Msg("match started")
	return nil
}

// Rematch opens a new match against the previous opponent. Only that
// opponent may join it.
func (s *Service) Rematch(ctx context.Context, prevMatchID, requesterID string) (*persistence.Match, error) {
	prev, err := s.Matches.GetMatch(ctx, prevMatchID)
	if err != nil {
		return nil, err
	}
	if !prev.IsParticipant(requesterID) {
		return nil, errs.ErrNotParticipant
	}
	if !prev.Status.IsTerminal() {
		return nil, errs.Conflict("match_in_progress", "match %s has not ended", prevMatchID)
	}
	opponent := prev.Opponent(requesterID)
	if opponent == "" {
		return nil, errs.Conflict("no_opponent", "match %s had no opponent", prevMatchID)
	}

	m, err := s.create(ctx, requesterID, prev.Symbol, ModeRematch, prev.ID)
	if err != nil {
		return nil, err
	}
	s.Broadcaster.ToPlayer(opponent, broadcast.EventRematchOffered, RematchOffer{
		MatchID: m.ID, PreviousID: prev.ID, RequesterID: requesterID,
	})
	return m, nil
}

func (s *Service) checkRematchJoin(ctx context.Context, m *persistence.Match, playerID string) error {
	prev, err := s.Matches.GetMatch(ctx, m.RematchOf)
	if err != nil {
		return fmt.Errorf("load previous match %s: %w", m.RematchOf, err)
	}
	if prev.Opponent(m.CreatorID) != playerID {
		return errs.Conflict("rematch_reserved", "rematch %s is reserved for the previous opponent", m.ID)
	}
	return nil
}

// Forfeit ends an ACTIVE match in the opponent's favour. The creator of a
// match still WAITING for an opponent cancels it instead.
func (s *Service) Forfeit(ctx context.Context, matchID, playerID string) (bool, error) {
	m, err := s.Matches.GetMatch(ctx, matchID)
	if err != nil {
		return false, err
	}
	if !m.IsParticipant(playerID) {
		return false, errs.ErrNotParticipant
	}
	switch m.Status {
	case persistence.StatusActive:
		return s.Clock.EndMatch(ctx, matchID, scheduler.End{Reason: "forfeit", ForfeitBy: playerID})
	case persistence.StatusWaiting:
		return s.Clock.EndMatch(ctx, matchID, scheduler.End{Reason: "cancelled", Abandoned: true})
	default:
		return false, nil
	}
}

// Scoreboard ranks the players of a live match by hybrid score.
func (s *Service) Scoreboard(matchID string) []state.Score {
	return state.Rank(s.Ledger.Players(matchID))
}

// Position returns a player's current snapshot.
func (s *Service) Position(matchID, playerID string) (*state.PositionSnapshot, bool) {
	return s.Ledger.Get(matchID, playerID)
}
