package degradation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"TradeArena/internal/coord"
	"TradeArena/internal/observability"
	"TradeArena/internal/persistence"
	"TradeArena/internal/room"

	"github.com/rs/zerolog"
)

// MatchSource is the database ground truth the reconciler consults.
type MatchSource interface {
	GetMatch(ctx context.Context, matchID string) (*persistence.Match, error)
	ListActive(ctx context.Context) ([]persistence.Match, error)
}

// ReconcilerConfig tunes a Reconciler.
type ReconcilerConfig struct {
	// RetryDelay is how long to wait before re-running a failed pass while
	// the system is still RECOVERING.
	RetryDelay time.Duration
	// PassTimeout bounds a single pass.
	PassTimeout time.Duration
}

// Reconciler repairs drift between the shadow cache, the shared store and
// the database after an outage. At most one pass runs at a time.
type Reconciler struct {
	rooms   *room.Manager
	matches MatchSource
	freeze  *FreezeController
	manager *Manager
	cfg     ReconcilerConfig

	running atomic.Bool
	wg      sync.WaitGroup

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewReconciler(rooms *room.Manager, matches MatchSource, freeze *FreezeController, manager *Manager,
	cfg ReconcilerConfig, metrics *observability.Metrics, logger zerolog.Logger) *Reconciler {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = time.Minute
	}
	return &Reconciler{
		rooms:   rooms,
		matches: matches,
		freeze:  freeze,
		manager: manager,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// OnTransition is the degradation listener that starts a pass on entering
// RECOVERING.
func (r *Reconciler) OnTransition(ctx context.Context, _, to SystemState) {
	if to == StateRecovering {
		r.Trigger(ctx)
	}
}

// Trigger starts a pass in the background. It returns false without doing
// anything when a pass is already running.
func (r *Reconciler) Trigger(ctx context.Context) bool {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Debug().Msg("reconciliation already running")
		return false
	}
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res := r.runOnce(ctx)
		r.manager.CompleteRecovery(ctx, res)
		if res.Err != nil && r.manager.State() == StateRecovering {
			time.AfterFunc(r.cfg.RetryDelay, func() {
				if r.manager.State() == StateRecovering {
					r.Trigger(ctx)
				}
			})
		}
	}()
	return true
}

// Wait blocks until the running pass, if any, has reported.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) runOnce(ctx context.Context) (res Result) {
	defer r.running.Store(false)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Str("panic", fmt.Sprint(p)).Msg("reconciliation panicked")
			res.Err = fmt.Errorf("reconciliation panicked: %v", p)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PassTimeout)
	defer cancel()
	return r.Reconcile(ctx)
}

// Reconcile runs both passes synchronously.
func (r *Reconciler) Reconcile(ctx context.Context) Result {
	start := time.Now()
	n1, err1 := r.reconcileShadow(ctx)
	n2, err2 := r.reconcileActive(ctx)
	res := Result{Reconciled: n1 + n2, Duration: time.Since(start), Err: errors.Join(err1, err2)}

	if r.metrics != nil {
		outcome := "ok"
		if res.Err != nil {
			outcome = "fail"
		}
		r.metrics.ReconcileRuns.WithLabelValues(outcome).Inc()
		r.metrics.ReconcileDuration.Observe(res.Duration.Seconds())
		r.metrics.ReconciledItems.Add(float64(res.Reconciled))
	}
	r.logger.Info().Int("reconciled", res.Reconciled).Dur("duration", res.Duration).
		AnErr("error", res.Err).Msg("reconciliation pass finished")
	return res
}

// reconcileShadow resolves every room written only to the local shadow copy.
func (r *Reconciler) reconcileShadow(ctx context.Context) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, id := range r.rooms.ShadowOnlyMatches() {
		log := r.logger.With().Str("match_id", id).Logger()

		shared, err := r.rooms.ExistsShared(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("check room %s: %w", id, err))
			continue
		}
		_, hasValue := r.rooms.Store().ShadowValue(coord.RoomKey(id))

		if shared && hasValue {
			r.rooms.DiscardShadow(id)
			log.Debug().Msg("shadow room superseded by shared store")
			n++
			continue
		}

		m, err := r.matches.GetMatch(ctx, id)
		live := err == nil && !m.Status.IsTerminal()
		if err != nil && !errors.Is(err, persistence.ErrMatchNotFound) {
			errs = append(errs, fmt.Errorf("load match %s: %w", id, err))
			continue
		}

		switch {
		case live && hasValue:
			if _, err := r.rooms.RestoreFromShadow(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("restore room %s: %w", id, err))
				continue
			}
			log.Info().Msg("room restored from shadow")
		case shared && !live:
			// Ended while the store was down; finish the delete.
			abandoned := m != nil && m.Status == persistence.StatusAbandoned
			if _, err := r.rooms.EndGame(ctx, id, abandoned); err != nil {
				errs = append(errs, fmt.Errorf("end room %s: %w", id, err))
				continue
			}
			log.Info().Msg("stale shared room removed")
		default:
			log.Info().Bool("live", live).Msg("shadow room discarded")
		}
		r.rooms.DiscardShadow(id)
		n++
	}
	return n, errors.Join(errs...)
}

// reconcileActive makes sure every database-ACTIVE match has a shared room
// and resumes frozen ones once the system is NORMAL.
func (r *Reconciler) reconcileActive(ctx context.Context) (int, error) {
	active, err := r.matches.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active matches: %w", err)
	}

	var (
		n    int
		errs []error
	)
	for _, m := range active {
		exists, err := r.rooms.ExistsShared(ctx, m.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("check room %s: %w", m.ID, err))
			continue
		}
		if !exists {
			if err := r.recreate(ctx, m); err != nil {
				errs = append(errs, err)
				continue
			}
			r.logger.Info().Str("match_id", m.ID).Msg("room re-created for active match")
			n++
		}
		if r.freeze.IsFrozen(m.ID) && r.manager.State() == StateNormal {
			r.freeze.Unfreeze(m.ID)
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (r *Reconciler) recreate(ctx context.Context, m persistence.Match) error {
	if _, err := r.rooms.CreateRoom(ctx, m.ID, m.CreatorID); err != nil {
		return fmt.Errorf("re-create room %s: %w", m.ID, err)
	}
	if m.OpponentID != "" {
		if _, err := r.rooms.JoinRoom(ctx, m.ID, m.OpponentID); err != nil {
			return fmt.Errorf("re-join room %s: %w", m.ID, err)
		}
	}
	if err := r.rooms.StartGame(ctx, m.ID); err != nil {
		return fmt.Errorf("re-start room %s: %w", m.ID, err)
	}
	return nil
}
