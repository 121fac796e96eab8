package degradation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"TradeArena/internal/observability"

	"github.com/rs/zerolog"
)

// Listener observes a committed transition. Listeners run synchronously on
// the goroutine that caused the transition and must not block for long.
type Listener func(ctx context.Context, from, to SystemState)

// Result is what a reconciliation pass reports back.
type Result struct {
	Reconciled int
	Duration   time.Duration
	Err        error
}

// Manager owns the system state. Every transition is a compare-and-set from
// the state the caller observed, so two health flips racing each other never
// apply the same transition twice.
type Manager struct {
	state        atomic.Int32
	coordination atomic.Bool
	database     atomic.Bool
	listeners    atomic.Pointer[[]Listener]

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewManager starts in NORMAL with both dependencies assumed healthy.
func NewManager(metrics *observability.Metrics, logger zerolog.Logger) *Manager {
	m := &Manager{metrics: metrics, logger: logger}
	m.coordination.Store(true)
	m.database.Store(true)
	m.listeners.Store(&[]Listener{})
	if metrics != nil {
		metrics.SystemState.Set(float64(StateNormal))
	}
	return m
}

// Subscribe registers l for every future transition.
func (m *Manager) Subscribe(l Listener) {
	for {
		cur := m.listeners.Load()
		next := make([]Listener, len(*cur), len(*cur)+1)
		copy(next, *cur)
		next = append(next, l)
		if m.listeners.CompareAndSwap(cur, &next) {
			return
		}
	}
}

func (m *Manager) State() SystemState {
	return SystemState(m.state.Load())
}

func (m *Manager) CoordinationHealthy() bool { return m.coordination.Load() }
func (m *Manager) DatabaseHealthy() bool     { return m.database.Load() }

// SetCoordinationHealthy records the coordination store's health.
func (m *Manager) SetCoordinationHealthy(ctx context.Context, healthy bool) {
	if m.coordination.Swap(healthy) == healthy {
		return
	}
	m.logger.Info().Bool("healthy", healthy).Msg("coordination store health changed")
	m.evaluate(ctx, healthy)
}

// SetDatabaseHealthy records the database's health.
func (m *Manager) SetDatabaseHealthy(ctx context.Context, healthy bool) {
	if m.database.Swap(healthy) == healthy {
		return
	}
	m.logger.Info().Bool("healthy", healthy).Msg("database health changed")
	m.evaluate(ctx, healthy)
}

// evaluate recomputes the state after a flag flip. A dependency coming back
// while the system is degraded lands in RECOVERING, never straight in NORMAL.
func (m *Manager) evaluate(ctx context.Context, recovered bool) {
	for {
		cur := m.State()
		target := Derive(m.coordination.Load(), m.database.Load())
		if recovered && cur != StateNormal {
			target = StateRecovering
		}
		if target == cur {
			return
		}
		if m.transition(ctx, cur, target) {
			return
		}
	}
}

// CompleteRecovery is called by the reconciler when a pass finishes. On
// success the state is recomputed from the health flags. A failed pass keeps
// the system in RECOVERING unless a dependency has gone down again meanwhile.
func (m *Manager) CompleteRecovery(ctx context.Context, res Result) {
	for {
		cur := m.State()
		if cur != StateRecovering {
			return
		}
		target := Derive(m.coordination.Load(), m.database.Load())
		if res.Err != nil {
			m.logger.Warn().Err(res.Err).Int("reconciled", res.Reconciled).
				Dur("duration", res.Duration).Msg("reconciliation failed")
			if target == StateNormal {
				return
			}
		}
		if m.transition(ctx, cur, target) {
			m.logger.Info().Int("reconciled", res.Reconciled).Dur("duration", res.Duration).
				Str("state", target.String()).Msg("recovery complete")
			return
		}
	}
}

func (m *Manager) transition(ctx context.Context, from, to SystemState) bool {
	if !m.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	m.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("system state transition")
	if m.metrics != nil {
		m.metrics.SystemState.Set(float64(to))
		m.metrics.StateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	}
	for _, l := range *m.listeners.Load() {
		m.notify(ctx, l, from, to)
	}
	return true
}

func (m *Manager) notify(ctx context.Context, l Listener, from, to SystemState) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("panic", fmt.Sprint(r)).Str("from", from.String()).
				Str("to", to.String()).Msg("state listener panicked")
		}
	}()
	l(ctx, from, to)
}
