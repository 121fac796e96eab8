package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"TradeArena/internal/broadcast"
	"TradeArena/internal/config"
	"TradeArena/internal/coord"
	"TradeArena/internal/degradation"
	"TradeArena/internal/ingestion"
	"TradeArena/internal/match"
	"TradeArena/internal/matchmaking"
	"TradeArena/internal/observability"
	"TradeArena/internal/persistence"
	"TradeArena/internal/pricefeed"
	"TradeArena/internal/projection"
	"TradeArena/internal/recovery"
	"TradeArena/internal/resilience"
	"TradeArena/internal/room"
	"TradeArena/internal/scheduler"
	"TradeArena/internal/server"
	"TradeArena/internal/state"
	"TradeArena/internal/workpool"
	"TradeArena/migrations"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: TradeArena starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}
	logger := observability.NewLoggerTo(os.Stdout, "arena", observability.ParseLogLevel(cfg.LogLevel)).
		With().Str("instance", cfg.InstanceID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	breakers := resilience.NewRegistry(resilience.Config{
		FailureThreshold: cfg.Breakers.FailureThreshold,
		Cooldown:         cfg.Breakers.Cooldown,
		OnStateChange:    resilience.StateChangeHook(metrics, logger.With().Str("component", "breaker").Logger()),
	})
	coordBreaker := breakers.Get(resilience.Coordination)
	dbBreaker := breakers.Get(resilience.Database)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	if err := persistence.NewMigrator(db, migrations.FS, logger.With().Str("component", "migrator").Logger()).Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	store := persistence.NewStore(db, dbBreaker)

	// --- NATS ---
	nc, js, err := coord.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	kv, err := coord.NewNATSStore(ctx, js, coord.NATSStoreConfig{Bucket: cfg.KVBucket})
	if err != nil {
		log.Fatalf("FATAL: coordination store: %v", err)
	}
	if err := broadcast.EnsureEventStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure event stream: %v", err)
	}
	if err := ingestion.EnsureCommandStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure command stream: %v", err)
	}

	// --- Runtime ---
	broadcastPool := workpool.New("broadcast", cfg.Pools.BroadcastWorkers, cfg.Pools.BroadcastQueue, metrics, logger)
	tradePool := workpool.New("trades", cfg.Pools.TradeWorkers, cfg.Pools.TradeQueue, metrics, logger)
	broadcaster := broadcast.NewNATSBroadcaster(nc, broadcastPool, metrics, logger.With().Str("component", "broadcast").Logger())

	rooms := room.NewManager(room.NewResilientStore(kv, coordBreaker, logger.With().Str("component", "room").Logger()), logger)
	feed := pricefeed.NewService(store)
	ledger := state.NewLedger(cfg.Match.LedgerCapacity)

	manager := degradation.NewManager(metrics, logger.With().Str("component", "degradation").Logger())
	freeze := degradation.NewFreezeController(rooms, broadcaster, metrics, logger)
	reconciler := degradation.NewReconciler(rooms, store, freeze, manager,
		degradation.ReconcilerConfig{RetryDelay: cfg.Recovery.RetryDelay}, metrics,
		logger.With().Str("component", "reconciler").Logger())
	manager.Subscribe(freeze.OnTransition)
	manager.Subscribe(reconciler.OnTransition)

	tradeLog := persistence.NewTradeLogWorker(store, cfg.Persist.QueueSize, cfg.Persist.BatchSize, cfg.Persist.FlushInterval,
		metrics, logger.With().Str("component", "trade_log").Logger())
	projector := projection.NewStatsProjector(store, 256, metrics, logger.With().Str("component", "stats").Logger())

	sched := scheduler.New(scheduler.Config{
		InstanceID:   cfg.InstanceID,
		TickInterval: cfg.Match.TickInterval,
		OwnershipTTL: cfg.Match.OwnershipTTL,
	}, scheduler.Deps{
		Rooms:       rooms,
		Matches:     store,
		Feed:        feed,
		Ledger:      ledger,
		Freeze:      freeze,
		Broadcaster: broadcaster,
		Stats:       projector,
		Metrics:     metrics,
		Logger:      logger.With().Str("component", "scheduler").Logger(),
	})
	defer sched.Close()

	matches := match.NewService(match.Config{
		DefaultSymbol: cfg.Match.DefaultSymbol,
		StartingCash:  cfg.Match.StartingCash,
		TotalBars:     cfg.Match.TotalBars,
	}, match.Deps{
		Rooms:       rooms,
		Matches:     store,
		Feed:        feed,
		Ledger:      ledger,
		Clock:       sched,
		Freeze:      freeze,
		TradeLog:    tradeLog,
		Broadcaster: broadcaster,
		Trades:      tradePool,
		Metrics:     metrics,
		Logger:      logger.With().Str("component", "match").Logger(),
	})

	mmCfg := matchmaking.DefaultConfig()
	mmCfg.InitialWindow = cfg.Matchmaking.InitialWindow
	mmCfg.ExpandedWindow = cfg.Matchmaking.ExpandedWindow
	mmCfg.FirstExpansion = cfg.Matchmaking.FirstExpansion
	mmCfg.SecondExpansion = cfg.Matchmaking.SecondExpansion
	mmCfg.MaxWait = cfg.Matchmaking.MaxWait
	engine := matchmaking.NewEngine(mmCfg, kv, matches, broadcaster, metrics, logger.With().Str("component", "matchmaking").Logger())
	leadership := coord.NewLeadership(kv, coord.MatchmakerKey, cfg.InstanceID, cfg.Recovery.LeaderTTL, logger)

	sweep := recovery.NewSweep(rooms, store, feed, ledger, sched, cfg.Recovery.SweepInterval,
		logger.With().Str("component", "recovery").Logger())

	// --- Ingestion ---
	dedup := ingestion.NewDedup(cfg.Pools.DedupCapacity, store, metrics, logger)
	if ids, err := store.RecentTradeIDs(ctx, time.Hour, cfg.Pools.DedupCapacity); err != nil {
		logger.Warn().Err(err).Msg("dedup warm-up skipped")
	} else {
		dedup.Warm(ids)
		logger.Info().Int("keys", len(ids)).Msg("dedup cache warmed")
	}
	dispatcher := &ingestion.Dispatcher{
		Trades:  matches,
		Owner:   sched,
		Queue:   engine,
		Leader:  leadership,
		Ratings: store,
		Dedup:   dedup,
		Metrics: metrics,
		Logger:  logger.With().Str("component", "ingestion").Logger(),
	}
	subscriber := ingestion.NewNATSSubscriber(js, dispatcher, tradePool, ingestion.DefaultSubscriberConfig(), logger)

	// --- Admin surface ---
	srv, err := server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		State:    manager,
		Breakers: breakers,
		Rooms:    rooms,
		Ledger:   ledger,
		Freeze:   freeze,
		Queue:    engine,
		Health:   healthChecker,
		Logger:   logger.With().Str("component", "server").Logger(),
	})
	if err != nil {
		log.Fatalf("FATAL: admin server: %v", err)
	}
	manager.Subscribe(srv.OnTransition)
	healthChecker.SetSystemState(manager.State().String())

	coordMonitor := degradation.NewMonitor(degradation.MonitorConfig{
		Name:     resilience.Coordination,
		Probe:    kv.Ping,
		Breaker:  coordBreaker,
		Interval: cfg.Breakers.ProbeInterval,
		Timeout:  cfg.Breakers.ProbeTimeout,
		OnChange: manager.SetCoordinationHealthy,
	}, metrics, logger)
	dbMonitor := degradation.NewMonitor(degradation.MonitorConfig{
		Name:     resilience.Database,
		Probe:    store.Ping,
		Breaker:  dbBreaker,
		Interval: cfg.Breakers.ProbeInterval,
		Timeout:  cfg.Breakers.ProbeTimeout,
		OnChange: manager.SetDatabaseHealthy,
	}, metrics, logger)

	// --- Start goroutines ---
	g, gctx := errgroup.WithContext(ctx)
	broadcastPool.Start(gctx)
	tradePool.Start(gctx)

	g.Go(func() error { coordMonitor.Run(gctx); return nil })
	g.Go(func() error { dbMonitor.Run(gctx); return nil })
	g.Go(func() error { return quiet(tradeLog.Run(gctx)) })
	g.Go(func() error { return quiet(projector.Run(gctx)) })
	g.Go(func() error { return quiet(leadership.Run(gctx)) })
	g.Go(func() error { return quiet(engine.Run(gctx)) })
	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTPGateway(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr) })

	// Re-seat live matches before taking commands.
	if rep, err := sweep.Once(gctx); err != nil {
		logger.Error().Err(err).Msg("startup recovery sweep failed")
	} else {
		logger.Info().Int("matches", rep.Matches).Int("clocks_started", rep.ClocksStarted).Msg("startup recovery done")
	}
	g.Go(func() error { return quiet(sweep.Run(gctx)) })

	if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatalf("FATAL: nats subscribe: %v", err)
	}

	healthChecker.SetReady(true)
	log.Printf("INFO: TradeArena ready (instance=%s, grpc=%s, http=%s, metrics=%s)",
		cfg.InstanceID, cfg.GRPCAddr, cfg.HTTPAddr, cfg.MetricsAddr)

	// --- Wait for shutdown signal ---
	<-gctx.Done()
	log.Println("INFO: shutting down...")
	healthChecker.SetReady(false)
	subscriber.Stop()

	if err := g.Wait(); err != nil {
		log.Printf("ERROR: goroutine failed: %v", err)
	}
	reconciler.Wait()
	sched.Close()
	tradePool.Stop()
	broadcastPool.Stop()
	if err := nc.Drain(); err != nil {
		log.Printf("WARN: nats drain: %v", err)
	}
	log.Println("INFO: TradeArena shutdown complete")
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	log.Printf("INFO: Metrics server listening on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// quiet turns a shutdown cancellation into a clean exit.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
