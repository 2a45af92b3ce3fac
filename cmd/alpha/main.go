package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/kalshi-alpha/internal/api"
	"github.com/rickgao/kalshi-alpha/internal/auth"
	"github.com/rickgao/kalshi-alpha/internal/bus"
	"github.com/rickgao/kalshi-alpha/internal/config"
	"github.com/rickgao/kalshi-alpha/internal/database"
	"github.com/rickgao/kalshi-alpha/internal/discovery"
	"github.com/rickgao/kalshi-alpha/internal/gapfill"
	"github.com/rickgao/kalshi-alpha/internal/ingest"
	"github.com/rickgao/kalshi-alpha/internal/monitor"
	"github.com/rickgao/kalshi-alpha/internal/signals"
	"github.com/rickgao/kalshi-alpha/internal/state"
	"github.com/rickgao/kalshi-alpha/internal/version"
	"github.com/rickgao/kalshi-alpha/internal/writer"
)

// services a single process can run. "all" runs everything in one
// process for development; production runs one service per process.
var knownServices = []string{"ingest", "scanner", "writers", "signals", "aggregator", "monitor", "backfill", "all"}

func main() {
	service := flag.String("service", "all", "service to run: ingest|scanner|writers|signals|aggregator|monitor|backfill|all")
	configPath := flag.String("config", "", "optional YAML config file; environment overrides")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting alpha pipeline",
		"service", *service,
		"version", version.Version,
		"commit", version.Commit,
	)

	if !validService(*service) {
		logger.Error("unknown service", "service", *service, "known", knownServices)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *service, cfg, logger); err != nil && ctx.Err() == nil {
		logger.Error("pipeline failed", "error", err)
		os.Exit(1)
	}
	logger.Info("pipeline stopped")
}

func validService(s string) bool {
	for _, known := range knownServices {
		if s == known {
			return true
		}
	}
	return false
}

// app holds the shared resources a process builds once and injects
// into every service it runs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	rdb    *redis.Client
	store  *state.Store
	pub    *bus.Publisher

	db     *pgxpool.Pool
	signer *auth.Signer
	rest   *api.Client

	// set when ingest runs in this process, so the scanner can push
	// subscription changes directly
	subs *discovery.SubscriptionManager
}

func run(ctx context.Context, service string, cfg *config.Config, logger *slog.Logger) error {
	rdb, err := bus.NewClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	a := &app{
		cfg:    cfg,
		logger: logger,
		rdb:    rdb,
		store:  state.NewStore(rdb, logger),
		pub:    bus.NewPublisher(rdb, logger),
	}

	if needsDB(service) {
		a.db, err = database.Connect(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer a.db.Close()
	}

	if needsREST(service) {
		a.signer, err = auth.NewSigner(cfg.API.KeyID, cfg.API.PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("load signing key: %w", err)
		}
		a.rest = api.NewClient(cfg.API.BaseURL, a.signer,
			api.WithLogger(logger),
			api.WithTimeout(cfg.API.Timeout),
			api.WithRetries(cfg.API.MaxRetries, time.Second),
		)
	}

	if service == "backfill" {
		return runBackfill(ctx, a)
	}

	g, ctx := errgroup.WithContext(ctx)

	if service == "ingest" || service == "all" {
		runIngest(ctx, g, a)
	}
	if service == "scanner" || service == "all" {
		runScanner(ctx, g, a)
	}
	if service == "writers" || service == "all" {
		runWriters(ctx, g, a)
	}
	if service == "signals" || service == "all" {
		runSignals(ctx, g, a)
	}
	if service == "aggregator" || service == "all" {
		runAggregator(ctx, g, a)
	}
	if service == "monitor" || service == "all" {
		runMonitor(ctx, g, a)
	}

	return g.Wait()
}

func needsDB(service string) bool {
	switch service {
	case "scanner", "writers", "signals", "monitor", "backfill", "ingest", "all":
		return true
	}
	return false
}

func needsREST(service string) bool {
	switch service {
	case "ingest", "scanner", "backfill", "all":
		return true
	}
	return false
}

func runIngest(ctx context.Context, g *errgroup.Group, a *app) {
	mgr := ingest.NewManager(ingest.ManagerConfig{
		WSURL:             a.cfg.API.WSURL,
		PingInterval:      a.cfg.Tuning.WSPingInterval,
		PongTimeout:       a.cfg.Tuning.WSPongTimeout,
		ReconnectMaxDelay: a.cfg.Tuning.WSReconnectMaxDelay,
	}, a.signer, a.pub, a.store, a.logger)

	subs := discovery.NewSubscriptionManager(mgr, a.db, a.cfg.Tuning.MarketScanInterval, a.logger)
	subs.Initialize()
	a.subs = subs

	g.Go(func() error { return mgr.Run(ctx) })
	g.Go(func() error { return subs.Run(ctx) })
}

func runScanner(ctx context.Context, g *errgroup.Group, a *app) {
	scanner := discovery.NewScanner(a.rest, a.db, a.store, a.cfg.Tuning.MarketScanInterval, a.logger)
	if a.subs != nil {
		scanner.OnChange(a.subs.OnScan)
	}
	mapper := discovery.NewSeriesMapper(a.db, a.store, a.logger)

	g.Go(func() error { return scanner.Run(ctx) })
	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.Tuning.MarketScanInterval)
		defer ticker.Stop()
		for {
			if err := mapper.BuildGraph(ctx); err != nil {
				a.logger.Error("graph rebuild failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
}

func runWriters(ctx context.Context, g *errgroup.Group, a *app) {
	batch := int64(a.cfg.Tuning.TradeWriterBatchSize)

	writers := []interface{ Run(context.Context) error }{
		writer.NewTradeWriter(a.db, a.rdb, batch, a.logger),
		writer.NewTickerWriter(a.db, a.rdb, a.logger),
		writer.NewOrderbookWriter(a.db, a.rdb, a.store, a.cfg.Tuning.OrderbookSnapshotInterval, a.logger),
		writer.NewLifecycleWriter(a.db, a.rdb, a.logger),
		writer.NewSignalWriter(a.db, a.rdb, a.logger),
		writer.NewCompositeWriter(a.db, a.rdb, a.logger),
		writer.NewRegimeWriter(a.db, a.rdb, a.logger),
	}
	for _, w := range writers {
		g.Go(func() error { return w.Run(ctx) })
	}
}

func runSignals(ctx context.Context, g *errgroup.Group, a *app) {
	graph := discovery.NewSeriesMapper(a.db, a.store, a.logger)

	processors := []signals.Processor{
		signals.NewFlowToxicity(signals.DefaultFlowToxicityConfig(), a.logger),
		signals.NewOIDivergence(signals.DefaultOIDivergenceConfig(), a.logger),
		signals.NewRegimeDetector(signals.DefaultRegimeConfig(), a.store, a.logger),
		signals.NewCrossMarket(signals.DefaultCrossMarketConfig(), graph, a.rdb, a.logger),
		signals.NewLifecycleAlpha(signals.DefaultLifecycleConfig(), graph, a.logger),
	}
	for _, proc := range processors {
		runner := signals.NewRunner(a.rdb, a.pub, proc, a.logger)
		g.Go(func() error { return runner.Run(ctx) })
	}
}

func runAggregator(ctx context.Context, g *errgroup.Group, a *app) {
	agg := signals.NewAggregator(signals.DefaultAggregatorConfig(), a.rdb, a.pub, a.store, a.logger)
	g.Go(func() error { return agg.Run(ctx) })
}

func runMonitor(ctx context.Context, g *errgroup.Group, a *app) {
	alerts := monitor.NewAlertDispatcher(a.pub, a.cfg.Monitoring.AlertCooldown, a.logger)
	health := monitor.NewHealthMonitor(a.rdb, a.db, a.store, alerts, a.cfg.Monitoring.HealthCheckInterval, a.logger)
	prices := monitor.NewPriceSnapshotService(a.db, a.store, 0, a.logger)

	g.Go(func() error { return health.Run(ctx) })
	g.Go(func() error { return prices.Run(ctx) })
}

// runBackfill is a one-shot job: detect gaps over the lookback horizon,
// repair them, and exit.
func runBackfill(ctx context.Context, a *app) error {
	detector := gapfill.NewDetector(a.db, a.logger)
	gaps, err := detector.CheckAllActiveMarkets(ctx, 0)
	if err != nil {
		return fmt.Errorf("gap detection: %w", err)
	}
	if len(gaps) == 0 {
		a.logger.Info("no gaps detected")
		return nil
	}

	backfiller := gapfill.NewBackfiller(a.rest, a.db, a.logger)
	results := backfiller.BackfillGaps(ctx, gaps)

	total := 0
	for _, n := range results {
		total += n
	}
	a.logger.Info("backfill finished", "markets", len(results), "records", total)
	return nil
}
