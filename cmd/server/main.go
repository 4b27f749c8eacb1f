// Package main is the entry point for the crewflow workflow engine server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fleetyard/crewflow/internal/access"
	"github.com/fleetyard/crewflow/internal/config"
	"github.com/fleetyard/crewflow/internal/dispatch"
	"github.com/fleetyard/crewflow/internal/engine"
	"github.com/fleetyard/crewflow/internal/instance"
	"github.com/fleetyard/crewflow/internal/observability"
	"github.com/fleetyard/crewflow/internal/progress"
	"github.com/fleetyard/crewflow/internal/review"
	"github.com/fleetyard/crewflow/internal/sideeffect"
	"github.com/fleetyard/crewflow/internal/store"
	"github.com/fleetyard/crewflow/internal/template"
	"github.com/fleetyard/crewflow/internal/transport"
	"github.com/fleetyard/crewflow/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "crewflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Persistence.
	st, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	idemStore, idemChecker, idemCloser := buildIdempotencyStore(cfg.Idempotency, logger)

	// Outbound side effect clients. Each is optional; a nil client disables
	// the corresponding side effect.
	var documents model.DocumentService
	if c := sideeffect.NewDocumentClient(cfg.Services.Documents); c != nil {
		documents = c
	}
	var notifier model.NotificationService
	if c := sideeffect.NewNotificationClient(cfg.Services.Notifications); c != nil {
		notifier = c
	}
	var files model.FileStorage
	if c := sideeffect.NewFileClient(cfg.Services.Files); c != nil {
		files = c
	}

	// Core services.
	dispatcher := dispatch.New(st, documents, notifier, cfg.Dispatch, logger, metrics)
	eng := engine.New(st, dispatcher, logger, metrics)
	resolver := access.NewResolver(st, cfg.Access.Cache.TTL, metrics)

	instances := instance.NewManager(st, resolver, logger, metrics)
	tracker := progress.NewTracker(st, eng, resolver, files,
		idemStore, cfg.Idempotency.Store.DefaultTTL, logger, metrics)
	reviews := review.NewService(st, eng, resolver, notifier, logger, metrics)
	templates := template.NewService(st, resolver, logger)

	// HTTP transport.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{
		Store:            st,
		IdempotencyStore: idemChecker,
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Readiness:    readiness,
		Instances:    instances,
		Tracker:      tracker,
		Reviews:      reviews,
		Templates:    templates,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background dispatch resumer picks up instances whose completion side
	// effects were interrupted by a crash.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go dispatcher.Run(bgCtx)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store_driver", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if storeCloser != nil {
		storeCloser()
	}
	if idemCloser != nil {
		idemCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStore creates the workflow store based on config.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory workflow store")
		return store.NewMemoryStore(), nil, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxConns)
		poolCfg.MinConns = int32(cfg.MinConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("store: connect: %w", err)
		}

		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		return store.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns the store, its health checker for readiness probes, and an
// optional closer. All are nil when idempotency is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (progress.IdempotencyStore, observability.HealthChecker, func()) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			logger.Warn("redis address not configured, using in-memory idempotency store",
				zap.String("addr_env", cfg.Store.AddrEnv))
			mem := progress.NewMemoryIdempotencyStore()
			return mem, mem, nil
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		rs := progress.NewRedisIdempotencyStore(client)
		return rs, rs, func() { client.Close() }
	default:
		logger.Info("using in-memory idempotency store")
		mem := progress.NewMemoryIdempotencyStore()
		return mem, mem, nil
	}
}
