// Package scheduler drives the price clock of every live match. Exactly one
// instance in the fleet ticks a given match: starting a clock first claims a
// TTL lease in the shared coordination store, and every tick refreshes it.
// Leases never go through the shadow cache; with the shared store down no
// new clock starts, and a running one stops when its lease runs out.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"TradeArena/internal/broadcast"
	"TradeArena/internal/coord"
	"TradeArena/internal/observability"
	"TradeArena/internal/persistence"
	"TradeArena/internal/pricefeed"
	"TradeArena/internal/projection"
	"TradeArena/internal/room"
	"TradeArena/internal/state"

	"github.com/rs/zerolog"
)

// MatchStore is the persistence the scheduler needs.
type MatchStore interface {
	GetMatch(ctx context.Context, matchID string) (*persistence.Match, error)
	FinishMatch(ctx context.Context, req persistence.FinishRequest) (bool, error)
	ApplyRatings(ctx context.Context, winnerID, loserID string, draw bool) (int, int, error)
}

// FreezeChecker reports whether a match is paused.
type FreezeChecker interface {
	IsFrozen(matchID string) bool
}

// OutcomeSink receives finished matches for the stats projection.
type OutcomeSink interface {
	Publish(o projection.MatchOutcome) bool
}

// Config tunes a Scheduler.
type Config struct {
	InstanceID   string
	TickInterval time.Duration
	// OwnershipTTL must outlive a few ticks so one slow tick does not hand
	// the match to another instance.
	OwnershipTTL time.Duration
}

// DefaultConfig returns the production cadence.
func DefaultConfig(instanceID string) Config {
	return Config{InstanceID: instanceID, TickInterval: 5 * time.Second, OwnershipTTL: 15 * time.Second}
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Rooms       *room.Manager
	Matches     MatchStore
	Feed        pricefeed.Feed
	Ledger      *state.Ledger
	Freeze      FreezeChecker
	Broadcaster broadcast.Broadcaster
	Stats       OutcomeSink
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

// Scheduler runs one clock goroutine per owned match.
type Scheduler struct {
	cfg Config
	Deps
	store coord.Store

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, deps Deps) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.OwnershipTTL <= 0 {
		cfg.OwnershipTTL = 3 * cfg.TickInterval
	}
	root, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		Deps:   deps,
		store:  deps.Rooms.Store().Shared(),
		root:   root,
		cancel: cancel,
	}
}

// PriceUpdate is the payload of a price-update event.
type PriceUpdate struct {
	MatchID string          `json:"match_id"`
	Index   int             `json:"index"`
	Total   int             `json:"total"`
	Bar     persistence.Bar `json:"bar"`
}

// clock is the local handle of a running match clock. Stop cancels future
// ticks; a tick already running finishes.
type clock struct {
	matchID string
	ctx     context.Context
	cancel  context.CancelFunc

	// leaseUntil is a lower bound on the expiry of the last lease written.
	// Only the clock goroutine touches it after start.
	leaseUntil time.Time
}

func (c *clock) Stop() { c.cancel() }

// StartProgression claims ownership of matchID and starts its clock. Returns
// false without error when this instance already runs it or another
// instance owns it.
func (s *Scheduler) StartProgression(ctx context.Context, matchID string) (bool, error) {
	if s.IsRunning(matchID) {
		return false, nil
	}
	claimedAt := time.Now()
	owned, err := coord.ClaimOrRefresh(ctx, s.store, coord.OwnerKey(matchID), s.cfg.InstanceID, s.cfg.OwnershipTTL)
	if err != nil {
		// Ownership cannot be proven without the shared store.
		return false, fmt.Errorf("claim clock %s: %w", matchID, err)
	}
	if !owned {
		if s.Metrics != nil {
			s.Metrics.OwnershipRefused.Inc()
		}
		s.Logger.Debug().Str("match_id", matchID).Msg("clock owned by another instance")
		return false, nil
	}

	c := &clock{matchID: matchID, leaseUntil: claimedAt.Add(s.cfg.OwnershipTTL)}
	c.ctx, c.cancel = context.WithCancel(s.root)
	if !s.Rooms.InstallClock(matchID, c) {
		c.cancel()
		return false, nil
	}

	s.wg.Add(1)
	go s.run(c)
	if s.Metrics != nil {
		s.Metrics.SchedulerActive.Inc()
	}
	s.Logger.Info().Str("match_id", matchID).Dur("interval", s.cfg.TickInterval).Msg("match clock started")
	return true, nil
}

// StopProgression stops the local clock and gives up ownership.
func (s *Scheduler) StopProgression(ctx context.Context, matchID string) bool {
	h, ok := s.Rooms.Clock(matchID)
	if !ok {
		return false
	}
	h.Stop()
	s.Rooms.ClearClock(matchID, h)
	if err := coord.Release(ctx, s.store, coord.OwnerKey(matchID), s.cfg.InstanceID); err != nil {
		s.Logger.Warn().Err(err).Str("match_id", matchID).Msg("release clock ownership failed")
	}
	return true
}

// InstanceID is the owner name this scheduler writes into clock leases.
func (s *Scheduler) InstanceID() string {
	return s.cfg.InstanceID
}

func (s *Scheduler) IsRunning(matchID string) bool {
	_, ok := s.Rooms.Clock(matchID)
	return ok
}

// Close stops every clock and waits for running ticks to finish.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) run(c *clock) {
	defer s.wg.Done()
	defer func() {
		s.Rooms.ClearClock(c.matchID, c)
		if s.Metrics != nil {
			s.Metrics.SchedulerActive.Dec()
		}
	}()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if stop := s.safeTick(c); stop {
				c.cancel()
				return
			}
		}
	}
}

// safeTick contains panics at the tick boundary; the clock keeps running.
func (s *Scheduler) safeTick(c *clock) (stop bool) {
	matchID := c.matchID
	start := time.Now()
	result := "advanced"
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error().Str("match_id", matchID).Str("panic", fmt.Sprint(r)).Msg("match tick panicked")
			result, stop = "panic", false
		}
		if s.Metrics != nil {
			s.Metrics.SchedulerTicks.WithLabelValues(result).Inc()
			s.Metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	// Ticks are not interrupted by a stop request; they are bounded by the
	// tick interval instead.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.root), s.cfg.TickInterval)
	defer cancel()

	result, stop = s.tick(ctx, c)
	return stop
}

func (s *Scheduler) tick(ctx context.Context, c *clock) (string, bool) {
	matchID := c.matchID
	log := s.Logger.With().Str("match_id", matchID).Logger()

	// The lease is refreshed on frozen ticks too, so a long freeze does not
	// hand the match to another instance.
	now := time.Now()
	owned, err := coord.ClaimOrRefresh(ctx, s.store, coord.OwnerKey(matchID), s.cfg.InstanceID, s.cfg.OwnershipTTL)
	switch {
	case err != nil:
		// A tick must finish before the lease can lapse.
		if now.Add(s.cfg.TickInterval).After(c.leaseUntil) {
			log.Warn().Err(err).Time("lease_until", c.leaseUntil).Msg("clock lease ran out while unrefreshable, stopping")
			return "lease_expired", true
		}
		log.Warn().Err(err).Time("lease_until", c.leaseUntil).Msg("refresh clock ownership failed")
	case !owned:
		log.Warn().Msg("clock ownership lost, stopping")
		// The new owner seeds its own ledger; this copy stops being current.
		s.Ledger.Evict(matchID)
		return "lost_ownership", true
	default:
		c.leaseUntil = now.Add(s.cfg.OwnershipTTL)
	}

	if s.Freeze != nil && s.Freeze.IsFrozen(matchID) {
		return "frozen", false
	}

	m, err := s.Matches.GetMatch(ctx, matchID)
	if errors.Is(err, persistence.ErrMatchNotFound) {
		s.release(ctx, matchID)
		return "inactive", true
	}
	if err != nil {
		log.Warn().Err(err).Msg("load match failed")
		return "error", false
	}
	if m.Status != persistence.StatusActive {
		log.Info().Str("status", string(m.Status)).Msg("match no longer active, stopping clock")
		s.release(ctx, matchID)
		return "inactive", true
	}

	step, err := s.Feed.Advance(ctx, matchID, m.CurrentIndex)
	if pricefeed.IsExhausted(err) {
		if _, err := s.AutoFinish(ctx, matchID); err != nil {
			log.Error().Err(err).Msg("auto-finish failed")
			return "error", false
		}
		return "finished", true
	}
	if err != nil {
		log.Warn().Err(err).Msg("advance price feed failed")
		return "error", false
	}
	if !step.Advanced {
		return "stale", false
	}

	snaps := s.Ledger.MarkMatch(matchID, m.Symbol, step.Bar.Close)
	s.Broadcaster.ToMatch(matchID, broadcast.EventPriceUpdate, PriceUpdate{
		MatchID: matchID, Index: step.Index, Total: m.TotalBars, Bar: step.Bar,
	})
	s.Broadcaster.ToMatch(matchID, broadcast.EventScoreboard, state.Rank(snaps))
	return "advanced", false
}

func (s *Scheduler) release(ctx context.Context, matchID string) {
	if err := coord.Release(ctx, s.store, coord.OwnerKey(matchID), s.cfg.InstanceID); err != nil {
		s.Logger.Warn().Err(err).Str("match_id", matchID).Msg("release clock ownership failed")
	}
}
