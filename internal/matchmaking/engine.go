// Package matchmaking pairs queued players by rating. Tickets live in a
// rating-ordered B-tree; a player's nearest neighbours are candidates once
// the gap is inside both tickets' acceptance windows, and windows widen the
// longer a player waits.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"TradeArena/internal/broadcast"
	"TradeArena/internal/coord"
	"TradeArena/internal/errs"
	"TradeArena/internal/observability"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrAlreadyQueued = errs.New(errs.KindConflict, "already_queued", "player is already queued")

// Sink creates the match for a claimed pair.
type Sink interface {
	CreatePairedMatch(ctx context.Context, playerA, playerB string) (string, error)
}

// Config tunes the window schedule and housekeeping cadence.
type Config struct {
	InitialWindow  int
	ExpandedWindow int
	// Windows widen to ExpandedWindow after FirstExpansion and become
	// unbounded after SecondExpansion.
	FirstExpansion  time.Duration
	SecondExpansion time.Duration
	MaxWait         time.Duration

	ExpansionInterval time.Duration
	CleanupInterval   time.Duration

	LockTTL  time.Duration
	LockWait time.Duration

	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		InitialWindow:     100,
		ExpandedWindow:    200,
		FirstExpansion:    20 * time.Second,
		SecondExpansion:   40 * time.Second,
		MaxWait:           120 * time.Second,
		ExpansionInterval: 10 * time.Second,
		CleanupInterval:   30 * time.Second,
		LockTTL:           5 * time.Second,
		LockWait:          500 * time.Millisecond,
	}
}

// Window returns the rating gap a ticket accepts after waiting for waited.
func (c Config) Window(waited time.Duration) int {
	switch {
	case waited < c.FirstExpansion:
		return c.InitialWindow
	case waited < c.SecondExpansion:
		return c.ExpandedWindow
	default:
		return Unbounded
	}
}

// Engine is the per-instance matchmaking queue. The pair claim is guarded by
// a lock in the coordination store, so engines on different instances
// sharing a queue feed never both claim the same two tickets.
type Engine struct {
	cfg         Config
	store       coord.Store
	sink        Sink
	broadcaster broadcast.Broadcaster
	metrics     *observability.Metrics
	logger      zerolog.Logger

	mu    sync.Mutex
	tree  *btree.BTreeG[*Ticket]
	index map[string]*Ticket
}

func NewEngine(cfg Config, store coord.Store, sink Sink, broadcaster broadcast.Broadcaster, metrics *observability.Metrics, logger zerolog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.InitialWindow <= 0 {
		cfg.InitialWindow = def.InitialWindow
	}
	if cfg.ExpandedWindow <= 0 {
		cfg.ExpandedWindow = def.ExpandedWindow
	}
	if cfg.FirstExpansion <= 0 {
		cfg.FirstExpansion = def.FirstExpansion
	}
	if cfg.SecondExpansion <= 0 {
		cfg.SecondExpansion = def.SecondExpansion
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.ExpansionInterval <= 0 {
		cfg.ExpansionInterval = def.ExpansionInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = def.LockWait
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg:         cfg,
		store:       store,
		sink:        sink,
		broadcaster: broadcaster,
		metrics:     metrics,
		logger:      logger,
		tree:        btree.NewG[*Ticket](16, lessTicket),
		index:       make(map[string]*Ticket),
	}
}

// Enqueue queues a player and tries to pair them at once. A non-nil Pairing
// means the call itself created the match; nil means the player waits.
func (e *Engine) Enqueue(ctx context.Context, playerID string, rating int) (*Pairing, error) {
	if playerID == "" {
		return nil, errs.Validation("invalid_player", "player id is required")
	}

	t := &Ticket{PlayerID: playerID, Rating: rating, EnqueuedAt: e.cfg.Now(), Window: e.cfg.InitialWindow}

	e.mu.Lock()
	if _, ok := e.index[playerID]; ok {
		e.mu.Unlock()
		return nil, ErrAlreadyQueued
	}
	e.insertLocked(t)
	e.mu.Unlock()

	e.logger.Debug().Str("player_id", playerID).Int("rating", rating).Msg("player queued")

	p, err := e.tryPair(ctx, t)
	if err != nil {
		// The tickets were re-queued; the player keeps waiting.
		e.logger.Warn().Err(err).Str("player_id", playerID).Msg("instant pairing failed")
		return nil, nil
	}
	return p, nil
}

// Cancel removes a queued player. Returns false when the ticket is gone,
// for example because a concurrent pairing already claimed it.
func (e *Engine) Cancel(playerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.index[playerID]
	if !ok {
		return false
	}
	e.removeLocked(t)
	return true
}

func (e *Engine) QueueSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.index)
}

// Position returns the 1-based place of a player in arrival order.
func (e *Engine) Position(playerID string) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.index[playerID]
	if !ok {
		return 0, false
	}
	pos := 1
	for _, o := range e.index {
		if o.EnqueuedAt.Before(t.EnqueuedAt) || (o.EnqueuedAt.Equal(t.EnqueuedAt) && o.PlayerID < t.PlayerID) {
			pos++
		}
	}
	return pos, true
}

// Tickets returns a rating-ordered copy of the queue with current windows.
func (e *Engine) Tickets() []Ticket {
	now := e.cfg.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Ticket, 0, e.tree.Len())
	e.tree.Ascend(func(t *Ticket) bool {
		c := *t
		c.Window = e.cfg.Window(now.Sub(t.EnqueuedAt))
		out = append(out, c)
		return true
	})
	return out
}

// ExpansionSweep retries pairing for every ticket whose window has grown
// past the initial one. Returns the number of pairings made.
func (e *Engine) ExpansionSweep(ctx context.Context) int {
	now := e.cfg.Now()
	e.mu.Lock()
	var widened []*Ticket
	for _, t := range e.index {
		waited := now.Sub(t.EnqueuedAt)
		if waited >= e.cfg.MaxWait {
			continue
		}
		w := e.cfg.Window(waited)
		t.Window = w
		if w != e.cfg.InitialWindow {
			widened = append(widened, t)
		}
	}
	e.mu.Unlock()

	// Longest waiting first.
	sort.Slice(widened, func(i, j int) bool { return lessByArrival(widened[i], widened[j]) })

	paired := 0
	for _, t := range widened {
		if ctx.Err() != nil {
			break
		}
		p, err := e.tryPair(ctx, t)
		if err != nil {
			e.logger.Warn().Err(err).Str("player_id", t.PlayerID).Msg("expansion pairing failed")
			continue
		}
		if p != nil {
			paired++
		}
	}
	return paired
}

// CleanupSweep evicts tickets that waited longer than MaxWait and tells each
// player their search expired. Returns the number evicted.
func (e *Engine) CleanupSweep(ctx context.Context) int {
	now := e.cfg.Now()
	e.mu.Lock()
	var expired []*Ticket
	for _, t := range e.index {
		if now.Sub(t.EnqueuedAt) >= e.cfg.MaxWait {
			expired = append(expired, t)
		}
	}
	for _, t := range expired {
		e.removeLocked(t)
	}
	e.mu.Unlock()

	for _, t := range expired {
		waited := now.Sub(t.EnqueuedAt)
		e.broadcaster.ToPlayer(t.PlayerID, broadcast.EventMatchExpired, Expired{
			PlayerID: t.PlayerID, WaitedSeconds: int(waited.Seconds()),
		})
		if e.metrics != nil {
			e.metrics.QueueExpired.Inc()
		}
		e.logger.Info().Str("player_id", t.PlayerID).Dur("waited", waited).Msg("matchmaking search expired")
	}
	return len(expired)
}

// Run drives both sweeps until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	expand := time.NewTicker(e.cfg.ExpansionInterval)
	defer expand.Stop()
	cleanup := time.NewTicker(e.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-expand.C:
			e.sweep("expansion", func() { e.ExpansionSweep(ctx) })
		case <-cleanup.C:
			e.sweep("cleanup", func() { e.CleanupSweep(ctx) })
		}
	}
}

func (e *Engine) sweep(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("sweep", name).Str("panic", fmt.Sprint(r)).Msg("matchmaking sweep panicked")
		}
	}()
	fn()
}

// tryPair picks the closest mutually acceptable neighbour of t, claims both
// tickets under the pair lock, and creates the match outside it.
func (e *Engine) tryPair(ctx context.Context, t *Ticket) (*Pairing, error) {
	now := e.cfg.Now()

	e.mu.Lock()
	if e.index[t.PlayerID] != t {
		e.mu.Unlock()
		return nil, nil
	}
	other := e.candidateLocked(t, now)
	e.mu.Unlock()
	if other == nil {
		return nil, nil
	}

	unlock, ok, err := coord.TryLock(ctx, e.store, coord.PairLockKey(t.PlayerID, other.PlayerID), uuid.NewString(), e.cfg.LockTTL, e.cfg.LockWait)
	if err != nil {
		return nil, fmt.Errorf("pair lock: %w", err)
	}
	if !ok {
		if e.metrics != nil {
			e.metrics.PairLockContended.Inc()
		}
		return nil, nil
	}

	e.mu.Lock()
	claimed := e.index[t.PlayerID] == t && e.index[other.PlayerID] == other
	if claimed {
		e.removeLocked(t)
		e.removeLocked(other)
	}
	e.mu.Unlock()
	unlock()
	if !claimed {
		return nil, nil
	}

	a, b := t, other
	if lessByArrival(b, a) {
		a, b = b, a
	}
	matchID, err := e.sink.CreatePairedMatch(ctx, a.PlayerID, b.PlayerID)
	if err != nil {
		e.rollback(a, b)
		return nil, fmt.Errorf("create match for %s vs %s: %w", a.PlayerID, b.PlayerID, err)
	}

	p := &Pairing{MatchID: matchID, PlayerA: *a, PlayerB: *b, Gap: gap(a, b), PairedAt: now}
	if e.metrics != nil {
		e.metrics.Pairings.Inc()
		e.metrics.QueueWait.Observe(now.Sub(a.EnqueuedAt).Seconds())
		e.metrics.QueueWait.Observe(now.Sub(b.EnqueuedAt).Seconds())
	}
	e.broadcaster.ToPlayer(a.PlayerID, broadcast.EventMatchFound, p)
	e.broadcaster.ToPlayer(b.PlayerID, broadcast.EventMatchFound, p)
	e.logger.Info().Str("match_id", matchID).Str("player_a", a.PlayerID).Str("player_b", b.PlayerID).
		Int("gap", p.Gap).Msg("players paired")
	return p, nil
}

// candidateLocked returns the nearer of t's two rating neighbours that both
// sides accept, or nil.
func (e *Engine) candidateLocked(t *Ticket, now time.Time) *Ticket {
	window := e.cfg.Window(now.Sub(t.EnqueuedAt))
	t.Window = window

	var lower, higher *Ticket
	e.tree.DescendLessOrEqual(t, func(o *Ticket) bool {
		if o == t || e.expired(o, now) {
			return true
		}
		lower = o
		return false
	})
	e.tree.AscendGreaterOrEqual(t, func(o *Ticket) bool {
		if o == t || e.expired(o, now) {
			return true
		}
		higher = o
		return false
	})

	var best *Ticket
	for _, o := range []*Ticket{lower, higher} {
		if o == nil {
			continue
		}
		g := gap(t, o)
		if !accepts(window, g) || !accepts(e.cfg.Window(now.Sub(o.EnqueuedAt)), g) {
			continue
		}
		if best == nil || g < gap(t, best) {
			best = o
		}
	}
	return best
}

func (e *Engine) expired(t *Ticket, now time.Time) bool {
	return now.Sub(t.EnqueuedAt) >= e.cfg.MaxWait
}

// rollback re-queues both tickets with their original enqueue times. A
// player who queued again in the meantime keeps the newer ticket.
func (e *Engine) rollback(tickets ...*Ticket) {
	e.mu.Lock()
	for _, t := range tickets {
		if _, ok := e.index[t.PlayerID]; !ok {
			e.insertLocked(t)
		}
	}
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.PairRollbacks.Inc()
	}
}

func (e *Engine) insertLocked(t *Ticket) {
	e.tree.ReplaceOrInsert(t)
	e.index[t.PlayerID] = t
	e.gauge()
}

func (e *Engine) removeLocked(t *Ticket) {
	e.tree.Delete(t)
	delete(e.index, t.PlayerID)
	e.gauge()
}

func (e *Engine) gauge() {
	if e.metrics != nil {
		e.metrics.QueueSize.Set(float64(len(e.index)))
	}
}

func lessByArrival(a, b *Ticket) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.PlayerID < b.PlayerID
}

// IsAlreadyQueued reports whether err is ErrAlreadyQueued.
func IsAlreadyQueued(err error) bool {
	return errors.Is(err, ErrAlreadyQueued)
}
