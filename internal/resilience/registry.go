package resilience

import (
	"sort"
	"sync"
	"time"

	"TradeArena/internal/observability"

	"github.com/rs/zerolog"
)

// Well-known dependency names.
const (
	Coordination = "coordination"
	Database     = "database"
)

// Registry hands out one breaker per dependency name. It is constructed
// explicitly and injected; there is no process-wide instance.
type Registry struct {
	defaults Config
	breakers sync.Map // name -> *CircuitBreaker
}

// NewRegistry creates a registry whose breakers inherit defaults (the Name
// field is ignored).
func NewRegistry(defaults Config) *Registry {
	return &Registry{defaults: defaults}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	if cb, ok := r.breakers.Load(name); ok {
		return cb.(*CircuitBreaker)
	}
	cfg := r.defaults
	cfg.Name = name
	cb, _ := r.breakers.LoadOrStore(name, NewCircuitBreaker(cfg))
	return cb.(*CircuitBreaker)
}

// Register installs a breaker with a dedicated config, replacing any default
// one created earlier.
func (r *Registry) Register(cfg Config) *CircuitBreaker {
	if cfg.Now == nil {
		cfg.Now = r.defaults.Now
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = r.defaults.OnStateChange
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = r.defaults.Cooldown
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = r.defaults.FailureThreshold
	}
	cb := NewCircuitBreaker(cfg)
	r.breakers.Store(cfg.Name, cb)
	return cb
}

// Snapshot returns stats for every breaker, sorted by name.
func (r *Registry) Snapshot() []Stats {
	var out []Stats
	r.breakers.Range(func(_, v any) bool {
		out = append(out, v.(*CircuitBreaker).Stats())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefaultRegistryConfig is used when the caller has no configured values.
func DefaultRegistryConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// StateChangeHook returns an OnStateChange callback that records breaker
// transitions as metrics and log lines. metrics may be nil.
func StateChangeHook(metrics *observability.Metrics, logger zerolog.Logger) func(name string, from, to State) {
	return func(name string, from, to State) {
		if metrics != nil {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
		}
		ev := logger.Info()
		if to == StateOpen {
			ev = logger.Warn()
		}
		ev.Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
	}
}
