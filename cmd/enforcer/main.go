// The enforcer turns session lifecycle events from the packet gateway into
// firewall rules on the enforcement device: it tracks active data sessions,
// resolves parental-control policies, and installs, migrates, and removes
// per-app block rules through the rule facade.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ashmanpan/perental-controle-demo/internal/config"
	"github.com/ashmanpan/perental-controle-demo/internal/consumer"
	"github.com/ashmanpan/perental-controle-demo/internal/dispatch"
	"github.com/ashmanpan/perental-controle-demo/internal/enforce"
	"github.com/ashmanpan/perental-controle-demo/internal/facade"
	"github.com/ashmanpan/perental-controle-demo/internal/handler"
	"github.com/ashmanpan/perental-controle-demo/internal/natsclient"
	"github.com/ashmanpan/perental-controle-demo/internal/policy"
	db "github.com/ashmanpan/perental-controle-demo/internal/repository/db"
	"github.com/ashmanpan/perental-controle-demo/internal/sessionindex"
	"github.com/ashmanpan/perental-controle-demo/internal/telemetry"
)

const serviceName = "parental-control-enforcer"

// sweepInterval is how often the in-memory index is scanned for sessions
// idle past SESSION_TTL.
const sweepInterval = time.Minute

func main() {
	// ── Configuration ──────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := config.ApplyVaultSecrets(cfg); err != nil {
		logger.Fatal("failed to load secrets from Vault", zap.Error(err))
	}

	// ── OpenTelemetry ──────────────────────────────────────────────────────
	if cfg.OTLPAddr != "" {
		tp, err := telemetry.InitTracer(context.Background(), serviceName, cfg.OTLPAddr)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), serviceName, cfg.OTLPAddr)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
		logger.Info("OTel initialized", zap.String("endpoint", cfg.OTLPAddr))
	}

	// ── Database ───────────────────────────────────────────────────────────
	poolCfg, err := pgxpool.ParseConfig(cfg.PGURL)
	if err != nil {
		logger.Fatal("failed to parse PG_URL", zap.Error(err))
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	store := db.NewStore(pool)
	logger.Info("connected to database (OTel-instrumented)")

	// ── NATS JetStream ─────────────────────────────────────────────────────
	credsFile := ""
	if cfg.Event.Security == config.SecuritySASLSSL {
		credsFile = cfg.Event.Credentials
	}
	natsClient, err := natsclient.NewClient(cfg.Event.Addr, credsFile, logger)
	if err != nil {
		logger.Fatal("NATS initialization failed", zap.Error(err))
	}
	defer natsClient.Close()

	if err := natsClient.ProvisionStreams(); err != nil {
		logger.Fatal("NATS stream provisioning failed", zap.Error(err))
	}

	// ── Session index (+ optional Redis replica) ───────────────────────────
	indexOpts := []sessionindex.Option{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		replica := sessionindex.NewRedisReplica(rdb, cfg.Index.SessionTTL)
		if err := replica.Ping(context.Background()); err != nil {
			// The replica is observability, not correctness.
			logger.Warn("Redis replica unreachable at startup", zap.Error(err))
		}
		defer rdb.Close()
		indexOpts = append(indexOpts, sessionindex.WithReplica(replica))
		logger.Info("session index Redis replica enabled", zap.String("addr", cfg.RedisAddr))
	}
	index := sessionindex.New(cfg.Index.Shards, cfg.Index.SessionTTL, logger, indexOpts...)

	// ── Pipeline ───────────────────────────────────────────────────────────
	resolver := policy.NewResolver(store, cfg.PolicyCacheTTL, logger)
	facadeClient := facade.NewClient(cfg.Facade.URL, cfg.Facade.Timeout, logger)
	if err := facadeClient.Health(context.Background()); err != nil {
		// The facade may come up after us; enforcement retries cover the gap.
		logger.Warn("rule facade unreachable at startup", zap.Error(err))
	}
	executor := enforce.NewExecutor(store, facadeClient, cfg.Facade.MaxInFlight, logger)

	dispatcher := dispatch.New(executor, dispatch.Options{
		Workers:             cfg.Dispatch.Workers,
		QueueCap:            cfg.Dispatch.QueueCap,
		MaxRetries:          cfg.Facade.MaxRetries,
		BackpressureTimeout: cfg.Dispatch.BackpressureTimeout,
		OnFatal: func(err error) {
			logger.Fatal("unrecoverable enforcement failure, halting", zap.Error(err))
		},
	}, logger)
	dispatcher.Start()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	sessionConsumer := consumer.NewSessionConsumer(
		natsClient, index, resolver, dispatcher,
		cfg.Event.Topic, cfg.Event.ConsumerGroup, logger,
	)
	if err := sessionConsumer.Start(bgCtx); err != nil {
		logger.Fatal("failed to start session consumer", zap.Error(err))
	}
	go sessionConsumer.RunSweeper(bgCtx, sweepInterval)

	reconciler := enforce.NewReconciler(
		store, facadeClient,
		cfg.Reconcile.Interval, cfg.Reconcile.Staleness, int32(cfg.Reconcile.Batch),
		logger,
	)
	go reconciler.Run(bgCtx)
	go logStats(bgCtx, index, dispatcher, sessionConsumer, logger)

	// ── HTTP server ────────────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	probe := &readiness{db: store, nats: natsClient}
	handler.New(index, resolver, dispatcher, sessionConsumer, store, probe, logger).Register(e)

	go func() {
		logger.Info("enforcer HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────
	// Order matters: stop pulling events first, then drain in-flight
	// enforcement, then close the HTTP surface. Unacknowledged events are
	// redelivered to the next instance.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	bgCancel()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := dispatcher.Shutdown(drainCtx); err != nil {
		logger.Error("dispatcher drain incomplete", zap.Error(err))
	}
	if err := e.Shutdown(drainCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("enforcer shut down cleanly")
}

// readiness gates /readyz on both stores the pipeline cannot run without.
type readiness struct {
	db   *db.Store
	nats *natsclient.Client
}

func (r *readiness) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	if !r.nats.Conn.IsConnected() {
		return fmt.Errorf("event source disconnected")
	}
	return nil
}

// logStats emits one pipeline counter line per minute, mirroring what
// GET /api/v1/stats reports.
func logStats(ctx context.Context, ix *sessionindex.Index, d *dispatch.Dispatcher, c *consumer.SessionConsumer, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queued, inflight, subs := d.Stats()
			snap := c.Snapshot()
			logger.Info("pipeline stats",
				zap.Int("active_sessions", ix.Len()),
				zap.Int("queued_tasks", queued),
				zap.Int("inflight_tasks", inflight),
				zap.Int("queued_subscribers", subs),
				zap.Uint64("events_processed", snap.Processed),
				zap.Uint64("events_poisoned", snap.Poisoned),
				zap.Uint64("events_requeued", snap.Requeued),
			)
		}
	}
}

// newLogger builds the production zap logger at the configured level.
func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	switch level {
	case "DEBUG":
		lvl = zapcore.DebugLevel
	case "WARN":
		lvl = zapcore.WarnLevel
	case "ERROR":
		lvl = zapcore.ErrorLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	return logger
}
