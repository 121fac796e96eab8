// Package recovery restores live matches after a process start. Every step
// is idempotent, so any number of instances may sweep at the same time.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TradeArena/internal/coord"
	"TradeArena/internal/persistence"
	"TradeArena/internal/pricefeed"
	"TradeArena/internal/room"
	"TradeArena/internal/state"

	"github.com/rs/zerolog"
)

// Store is the persistence the sweep reads.
type Store interface {
	ListActive(ctx context.Context) ([]persistence.Match, error)
	TradesForPlayer(ctx context.Context, matchID, playerID string) ([]persistence.Trade, error)
}

// Clock starts a match clock. Implemented by scheduler.Scheduler.
type Clock interface {
	StartProgression(ctx context.Context, matchID string) (bool, error)
	IsRunning(matchID string) bool
	InstanceID() string
}

// Report summarises one sweep.
type Report struct {
	Matches        int
	RoomsCreated   int
	Replayed       int
	TradesReplayed int
	ClocksStarted  int
	Skipped        int
	Failed         int
}

// Sweep re-seats every database-ACTIVE match: room, ledger and clock.
type Sweep struct {
	rooms    *room.Manager
	matches  Store
	feed     pricefeed.Feed
	ledger   *state.Ledger
	clock    Clock
	interval time.Duration
	logger   zerolog.Logger
}

// NewSweep builds a sweep. A positive interval makes Run repeat the sweep,
// which adopts matches whose owner died after its lease expired.
func NewSweep(rooms *room.Manager, matches Store, feed pricefeed.Feed, ledger *state.Ledger, clock Clock, interval time.Duration, logger zerolog.Logger) *Sweep {
	return &Sweep{
		rooms:    rooms,
		matches:  matches,
		feed:     feed,
		ledger:   ledger,
		clock:    clock,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps once, then every interval until ctx is done.
func (s *Sweep) Run(ctx context.Context) error {
	if _, err := s.Once(ctx); err != nil {
		s.logger.Error().Err(err).Msg("startup recovery sweep failed")
	}
	if s.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Once(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("recovery sweep failed")
			}
		}
	}
}

// Once runs a single sweep. A failure on one match is logged and counted;
// the sweep moves on.
func (s *Sweep) Once(ctx context.Context) (Report, error) {
	active, err := s.matches.ListActive(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list active matches: %w", err)
	}

	var rep Report
	for i := range active {
		m := &active[i]
		if s.clock.IsRunning(m.ID) {
			continue
		}
		rep.Matches++
		if err := s.recoverMatch(ctx, m, &rep); err != nil {
			rep.Failed++
			s.logger.Error().Err(err).Str("match_id", m.ID).Msg("match recovery failed")
		}
	}
	if rep.Matches > 0 {
		s.logger.Info().Int("matches", rep.Matches).Int("rooms_created", rep.RoomsCreated).
			Int("replayed", rep.Replayed).Int("clocks_started", rep.ClocksStarted).
			Int("skipped", rep.Skipped).Int("failed", rep.Failed).Msg("recovery sweep done")
	}
	return rep, nil
}

func (s *Sweep) recoverMatch(ctx context.Context, m *persistence.Match, rep *Report) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	created, err := s.ensureRoom(ctx, m)
	if err != nil {
		return err
	}
	if created {
		rep.RoomsCreated++
	}

	// The clock owner holds the authoritative ledger; a live lease elsewhere
	// means there is nothing to seed here, and any local copy is stale. The
	// lease is read from the shared store only; a shadow copy cannot show
	// another instance's claim.
	holder, err := coord.LeaseHolder(ctx, s.rooms.Store().Shared(), coord.OwnerKey(m.ID))
	if err != nil {
		return fmt.Errorf("read clock owner: %w", err)
	}
	if holder != "" && holder != s.clock.InstanceID() {
		if n := s.ledger.Evict(m.ID); n > 0 {
			s.logger.Info().Str("match_id", m.ID).Str("owner", holder).Int("snapshots", n).Msg("dropped ledger of match owned elsewhere")
		}
		rep.Skipped++
		return nil
	}

	replayed, n, err := s.seedLedger(ctx, m)
	if err != nil {
		return err
	}
	if replayed {
		rep.Replayed++
		rep.TradesReplayed += n
	}

	started, err := s.clock.StartProgression(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("start clock: %w", err)
	}
	if !started {
		// Another instance won the claim and keeps its own ledger.
		if replayed {
			s.ledger.Evict(m.ID)
		}
		rep.Skipped++
		return nil
	}
	rep.ClocksStarted++
	return nil
}

func (s *Sweep) ensureRoom(ctx context.Context, m *persistence.Match) (bool, error) {
	created, err := s.rooms.CreateRoom(ctx, m.ID, m.CreatorID)
	if err != nil {
		return false, fmt.Errorf("create room: %w", err)
	}
	if m.OpponentID != "" {
		if _, err := s.rooms.JoinRoom(ctx, m.ID, m.OpponentID); err != nil && !errors.Is(err, room.ErrRoomFull) {
			return created, fmt.Errorf("join room: %w", err)
		}
	}
	if err := s.rooms.StartGame(ctx, m.ID); err != nil {
		return created, fmt.Errorf("start room: %w", err)
	}
	return created, nil
}

// seedLedger replays the trade log of every player without a snapshot, then
// marks the match at its current bar. Replay only seeds the ledger; from
// here on the ledger is authoritative.
func (s *Sweep) seedLedger(ctx context.Context, m *persistence.Match) (bool, int, error) {
	replayed := false
	total := 0
	for _, p := range m.Players() {
		if _, ok := s.ledger.Get(m.ID, p); ok {
			continue
		}
		if _, err := s.ledger.Initialize(m.ID, p, m.StartingCash); err != nil {
			return replayed, total, fmt.Errorf("seed %s: %w", p, err)
		}
		trades, err := s.matches.TradesForPlayer(ctx, m.ID, p)
		if err != nil {
			s.ledger.Evict(m.ID)
			return false, 0, fmt.Errorf("load trades of %s: %w", p, err)
		}
		for _, t := range trades {
			if _, err := s.ledger.ApplyTrade(m.ID, p, state.Side(t.Side), t.Symbol, t.Quantity, t.Price); err != nil {
				s.logger.Warn().Err(err).Str("match_id", m.ID).Str("trade_id", t.ID).Msg("skipping unreplayable trade")
				continue
			}
			total++
		}
		replayed = true
	}

	if replayed {
		if bar, _, err := s.feed.Current(ctx, m.ID); err == nil {
			s.ledger.MarkMatch(m.ID, m.Symbol, bar.Close)
		}
	}
	return replayed, total, nil
}
