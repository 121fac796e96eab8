package degradation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"TradeArena/internal/observability"
	"TradeArena/internal/resilience"

	"github.com/rs/zerolog"
)

var errBreakerOpen = errors.New("circuit breaker open")

// Probe checks one dependency.
type Probe func(ctx context.Context) error

// MonitorConfig configures one dependency monitor.
type MonitorConfig struct {
	Name     string
	Probe    Probe
	Breaker  *resilience.CircuitBreaker
	Interval time.Duration
	Timeout  time.Duration

	// OnChange is called when the dependency flips between healthy and
	// unhealthy.
	OnChange func(ctx context.Context, healthy bool)
}

// Monitor probes a dependency on a fixed interval through the dependency's
// circuit breaker. The dependency is unhealthy while the breaker is OPEN and
// healthy again after the first probe that succeeds.
type Monitor struct {
	cfg     MonitorConfig
	healthy atomic.Bool
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewMonitor(cfg MonitorConfig, metrics *observability.Metrics, logger zerolog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	m := &Monitor{cfg: cfg, metrics: metrics, logger: logger.With().Str("dependency", cfg.Name).Logger()}
	m.healthy.Store(true)
	return m
}

func (m *Monitor) Healthy() bool {
	return m.healthy.Load()
}

// Run probes immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.Interval).Msg("health monitor started")
	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health monitor stopped")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and reports the resulting health.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.probe(ctx)

	healthy := err == nil
	if err != nil && !errors.Is(err, errBreakerOpen) {
		healthy = m.cfg.Breaker.State() != resilience.StateOpen
	}
	if m.metrics != nil {
		result := "ok"
		if err != nil {
			result = "fail"
		}
		m.metrics.HealthProbes.WithLabelValues(m.cfg.Name, result).Inc()
	}

	if m.healthy.Swap(healthy) != healthy {
		ev := m.logger.Info()
		if !healthy {
			ev = m.logger.Warn().Err(err)
		}
		ev.Bool("healthy", healthy).Msg("dependency health changed")
		if m.cfg.OnChange != nil {
			m.cfg.OnChange(ctx, healthy)
		}
	}
	return healthy
}

func (m *Monitor) probe(ctx context.Context) (err error) {
	if !m.cfg.Breaker.IsCallPermitted() {
		return errBreakerOpen
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
		if err != nil {
			m.cfg.Breaker.RecordFailure()
		} else {
			m.cfg.Breaker.RecordSuccess()
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	return m.cfg.Probe(ctx)
}
