package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the arena runtime. Every
// component accepts a nil *Metrics and skips recording.
type Metrics struct {
	// --- Resilience ---
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	SystemState        prometheus.Gauge
	StateTransitions   *prometheus.CounterVec
	HealthProbes       *prometheus.CounterVec
	ReconcileRuns      *prometheus.CounterVec
	ReconcileDuration  prometheus.Histogram
	ReconciledItems    prometheus.Counter
	FrozenMatches      prometheus.Gauge

	// --- Scheduler ---
	SchedulerTicks   *prometheus.CounterVec
	SchedulerActive  prometheus.Gauge
	TickDuration     prometheus.Histogram
	MatchesFinished  *prometheus.CounterVec
	OwnershipRefused prometheus.Counter

	// --- Matchmaking ---
	QueueSize         prometheus.Gauge
	Pairings          prometheus.Counter
	QueueExpired      prometheus.Counter
	QueueWait         prometheus.Histogram
	PairLockContended prometheus.Counter
	PairRollbacks     prometheus.Counter

	// --- Trades & ledger ---
	TradesSubmitted *prometheus.CounterVec
	LedgerSnapshots prometheus.Gauge

	// --- Worker pools & broadcast ---
	PoolQueueDepth *prometheus.GaugeVec
	PoolDropped    *prometheus.CounterVec
	PoolPanics     *prometheus.CounterVec
	BroadcastsSent *prometheus.CounterVec

	// --- Persistence ---
	PersistTradesWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec

	// --- Ingestion ---
	CommandsReceived      *prometheus.CounterVec
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter

	// --- Projections ---
	ProjectionUpdates *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry() so repeated construction never collides.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		// Resilience
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arena_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		}, []string{"name"}),

		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		}, []string{"name", "to"}),

		SystemState: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_system_state",
			Help: "System state (0=normal, 1=degraded_coordination, 2=degraded_db, 3=frozen, 4=recovering)",
		}),

		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_system_state_transitions_total",
			Help: "Degradation state machine transitions",
		}, []string{"from", "to"}),

		HealthProbes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_health_probes_total",
			Help: "Dependency health probes by outcome",
		}, []string{"dependency", "result"}),

		ReconcileRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_reconcile_runs_total",
			Help: "Reconciliation passes by outcome",
		}, []string{"result"}),

		ReconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_reconcile_duration_seconds",
			Help:    "Reconciliation pass duration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		ReconciledItems: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_reconciled_items_total",
			Help: "Rooms repaired or discarded by reconciliation",
		}),

		FrozenMatches: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_frozen_matches",
			Help: "Matches currently frozen on this instance",
		}),

		// Scheduler
		SchedulerTicks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_scheduler_ticks_total",
			Help: "Match clock ticks by outcome",
		}, []string{"result"}),

		SchedulerActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_scheduler_active_clocks",
			Help: "Match clocks driven by this instance",
		}),

		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_scheduler_tick_duration_seconds",
			Help:    "Duration of one match clock tick",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		MatchesFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_matches_finished_total",
			Help: "Matches finished by reason",
		}, []string{"reason"}),

		OwnershipRefused: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_scheduler_ownership_refused_total",
			Help: "Clock starts skipped because another instance owns the match",
		}),

		// Matchmaking
		QueueSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_matchmaking_queue_size",
			Help: "Tickets waiting in the local matchmaking queue",
		}),

		Pairings: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_matchmaking_pairings_total",
			Help: "Successful pairings",
		}),

		QueueExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_matchmaking_expired_total",
			Help: "Tickets evicted after the maximum queue time",
		}),

		QueueWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_matchmaking_wait_seconds",
			Help:    "Time from enqueue to pairing",
			Buckets: []float64{0.1, 1, 5, 10, 20, 40, 60, 90, 120},
		}),

		PairLockContended: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_matchmaking_pair_lock_contended_total",
			Help: "Pair claims abandoned because the pair lock was held",
		}),

		PairRollbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_matchmaking_pair_rollbacks_total",
			Help: "Pairings rolled back after match creation failed",
		}),

		// Trades & ledger
		TradesSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_trades_submitted_total",
			Help: "Trade submissions by outcome",
		}, []string{"result"}),

		LedgerSnapshots: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_ledger_snapshots",
			Help: "Outstanding position snapshots",
		}),

		// Worker pools & broadcast
		PoolQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arena_pool_queue_depth",
			Help: "Jobs waiting in a bounded worker pool",
		}, []string{"pool"}),

		PoolDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_pool_dropped_total",
			Help: "Jobs rejected because the pool queue was full",
		}, []string{"pool"}),

		PoolPanics: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_pool_panics_total",
			Help: "Jobs that panicked and were recovered",
		}, []string{"pool"}),

		BroadcastsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_broadcasts_sent_total",
			Help: "Events pushed to clients",
		}, []string{"event"}),

		// Persistence
		PersistTradesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_persist_trades_written_total",
			Help: "Trade rows written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_persist_batch_size",
			Help:    "Trades per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		// Ingestion
		CommandsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_commands_received_total",
			Help: "Inbound commands by type and outcome",
		}, []string{"command", "result"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_idempotency_duplicates_total",
			Help: "Duplicate commands caught (lru/postgres)",
		}, []string{"command", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_dedup_lru_size",
			Help: "Entries in the command dedup LRU",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_dedup_lru_evictions_total",
			Help: "Entries evicted from the command dedup LRU",
		}),

		// Projections
		ProjectionUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_projection_updates_total",
			Help: "Player stats projection updates by outcome",
		}, []string{"result"}),
	}
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func GaugeFunc(reg prometheus.Registerer, name, help string, fn func() float64) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
}
