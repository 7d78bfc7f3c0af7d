// Package main is the entry point for the notification-worker — the
// consumer that turns subscription match events into persisted user
// notifications and fans them out to email and realtime channels.
//
// Dependencies:
//   - Postgres: notifications (RLS-protected), users, subscriptions
//   - NATS: consumes subscriptions.matches, publishes notifications.* and
//     realtime events, emits SYSTEM_EVENTS.digest.* ticks
//   - Redis (optional): dedup fast path
package main

import (
	"context"
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

	"github.com/lexwatch/notification-worker/internal/config"
	"github.com/lexwatch/notification-worker/internal/consumer"
	"github.com/lexwatch/notification-worker/internal/dedup"
	"github.com/lexwatch/notification-worker/internal/dispatcher"
	"github.com/lexwatch/notification-worker/internal/handler"
	"github.com/lexwatch/notification-worker/internal/natsclient"
	"github.com/lexwatch/notification-worker/internal/processor"
	db "github.com/lexwatch/notification-worker/internal/repository/db"
	"github.com/lexwatch/notification-worker/internal/scheduler"
	"github.com/lexwatch/notification-worker/internal/status"
	"github.com/lexwatch/notification-worker/internal/telemetry"
)

func main() {
	// ── Structured Logger ──────────────────────────────────────────────────
	logger, _ := newLogger(os.Getenv("LOG_LEVEL"))
	defer logger.Sync()

	// ── Configuration ──────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration invalid", zap.Error(err))
	}

	// ── Vault Secret Overlay (optional) ────────────────────────────────────
	if vaultAddr := os.Getenv("VAULT_ADDR"); vaultAddr != "" {
		secretPath := os.Getenv("VAULT_SECRET_PATH")
		if secretPath == "" {
			secretPath = "secret/data/lexwatch/notification-worker"
		}
		sm, err := config.NewSecretManager(vaultAddr, os.Getenv("VAULT_TOKEN"))
		if err != nil {
			logger.Fatal("Vault connection failed", zap.Error(err))
		}
		if err := cfg.ApplyVault(sm, secretPath); err != nil {
			logger.Fatal("failed to load secrets", zap.Error(err))
		}
		logger.Info("Vault secrets applied", zap.String("path", secretPath))
	}

	// ── OpenTelemetry ──────────────────────────────────────────────────────
	if otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), handler.ServiceName, otelEndpoint)
		if err != nil {
			logger.Error("OTel tracer init failed", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", otelEndpoint))
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), handler.ServiceName, otelEndpoint)
		if err != nil {
			logger.Error("OTel meter init failed", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}

	monitor := status.NewMonitor()

	// ── Postgres ───────────────────────────────────────────────────────────
	poolCfg, err := pgxpool.ParseConfig(cfg.PGURL)
	if err != nil {
		logger.Fatal("bad PG_URL", zap.Error(err))
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		logger.Fatal("Postgres connection failed", zap.Error(err))
	}
	defer pool.Close()

	store := db.NewStore(pool, logger)
	if err := store.Ping(context.Background()); err != nil {
		logger.Warn("Postgres not reachable yet, starting degraded", zap.Error(err))
		monitor.RecordError("database", err.Error())
	} else {
		monitor.SetDBActive(true)
		logger.Info("Postgres connected")
	}

	// ── Redis dedup fast path (optional) ───────────────────────────────────
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("Redis not reachable, dedup falls back to Postgres", zap.Error(err))
		} else {
			logger.Info("Redis connected", zap.String("addr", cfg.RedisAddr))
		}
	}

	// ── NATS JetStream ─────────────────────────────────────────────────────
	natsClient, err := natsclient.NewClient(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("NATS connection failed", zap.Error(err))
	}
	defer natsClient.Close()

	if err := natsClient.ProvisionStreams(); err != nil {
		logger.Fatal("NATS stream provisioning failed", zap.Error(err))
	}
	monitor.SetBrokerActive(true)
	logger.Info("NATS JetStream ready")

	// ── Pipeline ───────────────────────────────────────────────────────────
	registry := processor.NewRegistry(
		processor.NewBOEProcessor(logger),
		processor.NewRealEstateProcessor(logger),
	)
	gate := dedup.NewGate(rdb, store, cfg.DedupWindow, logger)
	emailDsp := dispatcher.NewEmailDispatcher(natsClient, store,
		cfg.EmailImmediateSubject, cfg.EmailDailySubject, logger)
	realtimeDsp := dispatcher.NewRealtimeDispatcher(natsClient, cfg.RealtimeSubjectPrefix, logger)
	pipeline := consumer.NewPipeline(registry, store, gate, emailDsp, realtimeDsp, logger)
	metrics := consumer.NewMetrics()

	// ── Ingestion Consumer ─────────────────────────────────────────────────
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	ingest := consumer.NewConsumer(natsClient, pipeline, metrics, monitor, consumer.Options{
		Subject:        cfg.MatchSubject,
		Durable:        cfg.SubscriptionDurable,
		DLQSubject:     cfg.DLQSubject,
		MessageTimeout: cfg.MessageTimeout,
	}, logger)
	if err := ingest.Start(consumerCtx); err != nil {
		logger.Fatal("ingestion consumer start failed", zap.Error(err))
	}

	// ── Digest Scheduler ───────────────────────────────────────────────────
	digestScheduler := scheduler.NewDigestScheduler(natsClient, logger)
	if err := digestScheduler.Start(); err != nil {
		logger.Fatal("digest scheduler start failed", zap.Error(err))
	}

	// ── HTTP Server ────────────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware(handler.ServiceName))
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

	handler.RegisterRoutes(e, handler.Deps{
		Monitor:      monitor,
		Metrics:      metrics,
		Registry:     registry,
		MatchSubject: cfg.MatchSubject,
		DLQSubject:   cfg.DLQSubject,
		StartedAt:    time.Now(),
	})

	go func() {
		logger.Info("notification-worker listening", zap.String("port", cfg.Port))
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful Shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	if drained := ingest.Stop(cfg.ShutdownGrace); !drained {
		logger.Warn("in-flight messages did not drain, broker will redeliver")
	}
	digestScheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("notification-worker shut down cleanly")
}

// newLogger builds a production zap logger honouring LOG_LEVEL.
func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		if parsed, err := zap.ParseAtomicLevel(level); err == nil {
			cfg.Level = parsed
		}
	}
	return cfg.Build()
}
