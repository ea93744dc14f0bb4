package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PariLedger/internal/config"
	"PariLedger/internal/core"
	"PariLedger/internal/ledger"
	"PariLedger/internal/market"
	"PariLedger/internal/observability"
	"PariLedger/internal/persistence"
	"PariLedger/internal/replication"
	"PariLedger/internal/server"
	"PariLedger/internal/store"
	"PariLedger/internal/store/memory"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("PARI_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	log := observability.NewLoggerWithLevel("pariledger", observability.ParseLogLevel(cfg.LogLevel)).
		With().Str("instance", cfg.Instance).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("PariLedger stopped")
	}
	log.Info().Msg("PariLedger shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().Str("storage", cfg.Storage.Driver).Msg("PariLedger starting")

	metrics := observability.NewMetrics(nil)
	health := observability.NewHealthChecker()
	clock := core.NewMonotonicClock()

	// --- Ledger store ---
	st, db, dialect, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		health.AddProbe("database", db.PingContext)
	}

	// --- Inbound dedup: LRU in front of the processed_notices table ---
	var noticeLog *persistence.NoticeLog
	var dedup *core.IdempotencyChecker
	if db != nil {
		noticeLog = persistence.NewNoticeLog(db, dialect)
		dedup = core.NewIdempotencyChecker(cfg.Ledger.DedupCapacity, noticeLog, metrics)
		keys, err := noticeLog.RecentKeys(ctx, cfg.Ledger.DedupCapacity)
		if err != nil {
			log.Warn().Err(err).Msg("could not warm dedup cache")
		} else if len(keys) > 0 {
			dedup.Warm(keys)
			log.Info().Int("keys", len(keys)).Msg("dedup cache warmed")
		}
	} else {
		dedup = core.NewIdempotencyChecker(cfg.Ledger.DedupCapacity, nil, metrics)
	}

	// --- Sync transports ---
	transports, subscribers, closeSync, err := connectSync(ctx, cfg, health, log)
	if err != nil {
		return err
	}
	defer closeSync()

	outbox := replication.NewOutbox(replication.OutboxConfig{
		Origin:     cfg.Instance,
		Capacity:   cfg.Ledger.OutboxCapacity,
		Backoff:    cfg.Ledger.PublishBackoff,
		MaxBackoff: cfg.Ledger.PublishMaxBackoff,
	}, clock, metrics, log, transports...)

	opts := []core.Option{
		core.WithMetrics(metrics),
		core.WithLogger(log.With().Str("component", "controller").Logger()),
	}
	if len(transports) > 0 {
		opts = append(opts, core.WithNotifier(outbox))
	}
	ctrl := core.NewController(st, opts...)

	if err := ensureInitialized(ctx, ctrl, cfg.Ledger.FeeRateBps, log); err != nil {
		return err
	}
	if err := verifyLedger(ctx, ctrl, log); err != nil {
		return err
	}

	runner := core.NewRunner(ctrl, cfg.Ledger.CommandQueue, dedup)
	inbound := replication.NewInbound(runner, cfg.Instance, metrics, log)

	srv, err := server.New(server.Config{
		GRPCAddr:        cfg.Server.GRPCAddr,
		HTTPAddr:        cfg.Server.HTTPAddr,
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, server.Deps{
		Controller: ctrl,
		Runner:     runner,
		Clock:      clock,
		Health:     health,
		Metrics:    metrics,
		Log:        log,
	})
	if err != nil {
		return err
	}

	// --- Goroutines ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return runner.Run(gctx) })

	if len(transports) > 0 {
		g.Go(func() error { return outbox.Run(gctx) })
	}
	for _, sub := range subscribers {
		sub := sub
		g.Go(func() error { return sub(gctx, inbound) })
	}

	if cfg.Server.GRPCAddr != "" {
		g.Go(func() error { return srv.ServeGRPC(gctx) })
	}
	if cfg.Server.HTTPAddr != "" {
		g.Go(func() error { return srv.ServeHTTP(gctx) })
	}
	if cfg.Server.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr, log) })
	}
	g.Go(func() error {
		return maintain(gctx, ctrl, noticeLog, cfg.Ledger.AuditInterval, cfg.Ledger.NoticeRetention, log)
	})

	srv.SetServing(true)
	log.Info().
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Int("transports", len(transports)).
		Msg("PariLedger ready")

	err = g.Wait()
	srv.SetServing(false)
	if n := outbox.Pending(); n > 0 {
		log.Warn().Int("pending", n).Msg("notices not published before shutdown")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, *sql.DB, persistence.Dialect, error) {
	if cfg.Storage.Driver == "memory" {
		log.Warn().Msg("using in-memory store; state is lost on exit")
		return memory.New(), nil, persistence.Dialect{}, nil
	}

	dialect, err := persistence.DialectFor(cfg.Storage.Driver)
	if err != nil {
		return nil, nil, dialect, err
	}
	db, err := persistence.OpenDB(ctx, dialect, cfg.Storage.DSN)
	if err != nil {
		return nil, nil, dialect, err
	}
	log.Info().Str("driver", dialect.Name).Msg("database connected")

	if cfg.Storage.MigrateOnStart {
		m := persistence.NewMigrator(db, dialect, persistence.EmbeddedMigrations(), log.With().Str("component", "migrator").Logger())
		if err := m.Up(ctx); err != nil {
			db.Close()
			return nil, nil, dialect, fmt.Errorf("run migrations: %w", err)
		}
	}
	return persistence.NewSQLStore(db, dialect), db, dialect, nil
}

// subscriber feeds one transport's inbound stream into inbound until ctx ends.
type subscriber func(ctx context.Context, inbound *replication.Inbound) error

func connectSync(ctx context.Context, cfg *config.Config, health *observability.HealthChecker, log zerolog.Logger) ([]replication.Transport, []subscriber, func(), error) {
	var (
		transports []replication.Transport
		subs       []subscriber
		closers    []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.NATS.Enabled {
		natsLog := log.With().Str("component", "nats").Logger()
		nc, js, err := replication.ConnectNATS(cfg.NATS.URL, natsLog)
		if err != nil {
			return nil, nil, closeAll, err
		}
		closers = append(closers, nc.Close)

		streamCfg := replication.DefaultStreamConfig(cfg.Instance)
		streamCfg.Stream = cfg.NATS.Stream
		streamCfg.SubjectPrefix = cfg.NATS.Subject
		if err := replication.EnsureStream(ctx, js, streamCfg); err != nil {
			closeAll()
			return nil, nil, func() {}, err
		}

		health.AddProbe("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		})
		transports = append(transports, replication.NewNATSTransport(js, streamCfg.SubjectPrefix))
		subs = append(subs, func(ctx context.Context, inbound *replication.Inbound) error {
			sub := replication.NewNATSSubscriber(js, inbound, streamCfg, natsLog)
			if err := sub.Subscribe(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			sub.Stop()
			return nil
		})
		log.Info().Str("url", cfg.NATS.URL).Str("stream", streamCfg.Stream).Msg("NATS sync enabled")
	}

	if cfg.Redis.Enabled {
		redisCfg := replication.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			Stream:   cfg.Redis.Stream,
		}
		rdb, err := replication.NewRedisClient(ctx, redisCfg)
		if err != nil {
			closeAll()
			return nil, nil, func() {}, err
		}
		closers = append(closers, func() { _ = rdb.Close() })

		health.AddProbe("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		transports = append(transports, replication.NewRedisTransport(rdb, redisCfg))
		redisLog := log.With().Str("component", "redis").Logger()
		subs = append(subs, func(ctx context.Context, inbound *replication.Inbound) error {
			err := replication.NewRedisSubscriber(rdb, inbound, redisCfg, redisLog).Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		log.Info().Str("addr", cfg.Redis.Addr).Str("channel", cfg.Redis.Channel).Msg("Redis sync enabled")
	}

	return transports, subs, closeAll, nil
}

// ensureInitialized initializes an empty ledger. An existing fee rate wins
// over config, since it is immutable once set.
func ensureInitialized(ctx context.Context, ctrl *core.Controller, feeRateBps int, log zerolog.Logger) error {
	err := ctrl.Initialize(ctx, uint16(feeRateBps))
	switch {
	case err == nil:
		log.Info().Int("fee_rate_bps", feeRateBps).Msg("ledger initialized")
		return nil
	case errors.Is(err, market.ErrAlreadyInitialized):
		st, err := ctrl.Stats(ctx)
		if err != nil {
			return err
		}
		if int(st.FeeRateBps) != feeRateBps {
			log.Warn().Uint16("stored", st.FeeRateBps).Int("configured", feeRateBps).Msg("configured fee rate ignored")
		}
		return nil
	default:
		return fmt.Errorf("initialize ledger: %w", err)
	}
}

// verifyLedger audits the stored ledger before serving. Index drift is
// repaired by a rebuild; any other violation refuses to start.
func verifyLedger(ctx context.Context, ctrl *core.Controller, log zerolog.Logger) error {
	report, err := ctrl.Audit(ctx)
	if err != nil {
		return fmt.Errorf("startup audit: %w", err)
	}
	if report.OK() {
		log.Info().Int("markets", report.Markets).Int("bets", report.Bets).Str("digest", report.Digest).Msg("ledger verified")
		return nil
	}

	for _, v := range report.Violations {
		if v.Check != ledger.CheckIndices {
			return report.Err()
		}
	}
	log.Warn().Int("violations", len(report.Violations)).Msg("index drift found, rebuilding")
	if _, err := ctrl.RebuildIndices(ctx); err != nil {
		return fmt.Errorf("rebuild indices: %w", err)
	}
	report, err = ctrl.Audit(ctx)
	if err != nil {
		return fmt.Errorf("startup audit: %w", err)
	}
	return report.Err()
}

// pruneEvery is how often processed notice records past retention are dropped.
const pruneEvery = time.Hour

// maintain schedules the periodic audit and the processed-notice prune until
// ctx ends.
func maintain(ctx context.Context, ctrl *core.Controller, noticeLog *persistence.NoticeLog, every, retention time.Duration, log zerolog.Logger) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if every > 0 {
		if _, err := c.AddFunc("@every "+every.String(), func() {
			// Violations are logged and counted by the controller.
			if _, err := ctrl.Audit(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("periodic audit failed")
			}
		}); err != nil {
			return fmt.Errorf("schedule audit: %w", err)
		}
	}

	if noticeLog != nil && retention > 0 {
		if _, err := c.AddFunc("@every "+pruneEvery.String(), func() {
			n, err := noticeLog.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				log.Warn().Err(err).Msg("prune processed notices")
			} else if n > 0 {
				log.Info().Int64("pruned", n).Msg("processed notices pruned")
			}
		}); err != nil {
			return fmt.Errorf("schedule prune: %w", err)
		}
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
