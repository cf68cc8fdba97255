package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vendorsales/backend/internal/cache"
	"vendorsales/backend/internal/config"
	"vendorsales/backend/internal/httpapi"
	"vendorsales/backend/internal/logger"
	"vendorsales/backend/internal/reconcile"
	"vendorsales/backend/internal/report"
	"vendorsales/backend/internal/service"
	"vendorsales/backend/internal/store"
	"vendorsales/backend/internal/store/memory"
	pgstore "vendorsales/backend/internal/store/postgres"
	"vendorsales/backend/internal/store/remote"
	"vendorsales/backend/internal/tally"
)

type app struct {
	handler    http.Handler
	reconciler *reconcile.Reconciler
	closers    []func() error
}

type backend struct {
	ledger  store.Ledger
	catalog store.Catalog
	users   store.UserStore
	name    string
	closers []func() error
}

func main() {
	cfg := config.Load()

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Development: cfg.LogDevelopment})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	ctx := logger.WithLogger(context.Background(), log)

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalw("invalid security configuration", "error", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	application, err := buildApp(startCtx, cfg, log)
	cancel()
	if err != nil {
		log.Fatalw("startup failed", "error", err)
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           application.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, stopRetrier := context.WithCancel(ctx)
	go application.reconciler.Run(logger.WithLogger(runCtx, log.WithComponent("reconcile")), cfg.ReconcileInterval())

	go func() {
		log.Infow("vendor sales backend listening", "addr", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server error", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopRetrier()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown error", "error", err)
	}

	if pending := application.reconciler.Pending(); len(pending) > 0 {
		log.Warnw("stopping with unreconciled stock updates", "count", len(pending))
	}

	for _, closeFn := range application.closers {
		if err := closeFn(); err != nil {
			log.Warnw("close error", "error", err)
		}
	}

	log.Infow("server stopped")
}

// buildApp wires the stores, tally, reconciler, service and HTTP API.
func buildApp(ctx context.Context, cfg config.Config, log *logger.Logger) (*app, error) {
	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	log.Infow("repository selected", "backend", be.name)

	closers := be.closers
	mirror := cache.TallyMirror(cache.NoopTallyMirror{})
	if cfg.RedisAddr != "" {
		redisMirror := cache.NewRedisTallyMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisMirror.Ping(ctx); err != nil {
			log.Warnw("redis unavailable, tally mirror disabled", "error", err)
			_ = redisMirror.Close()
		} else {
			mirror = redisMirror
			closers = append(closers, redisMirror.Close)
			log.Infow("tally mirror: redis", "addr", cfg.RedisAddr)
		}
	}

	loc, err := cfg.ReportLocation()
	if err != nil {
		log.Warnw("report timezone fallback to UTC", "error", err)
	}

	tallies := tally.New(mirror, cfg.TallyMaxAge())
	reconciler := reconcile.New(be.ledger, be.catalog, tallies)
	log.Infow("reconciler ready", "atomic", reconciler.Atomic())

	svc := service.New(be.ledger, be.catalog, tallies, reconciler, report.New(loc))
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), be.users)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, log)

	return &app{handler: api.Handler(), reconciler: reconciler, closers: closers}, nil
}

// openBackend picks postgres when DATABASE_URL is set, a remote instance when
// LEDGER_URL is set, and the seeded in-memory store otherwise.
func openBackend(ctx context.Context, cfg config.Config, log *logger.Logger) (backend, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return backend{}, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return backend{}, fmt.Errorf("ensure schema: %w", err)
		}
		return backend{ledger: pg, catalog: pg, users: pg, name: "postgres", closers: []func() error{pg.Close}}, nil
	case cfg.LedgerURL != "":
		if cfg.LedgerToken == "" {
			log.Warnw("LEDGER_URL set without LEDGER_TOKEN, remote calls will be unauthenticated")
		}
		client := remote.New(remote.Config{BaseURL: cfg.LedgerURL, Token: cfg.LedgerToken, Retries: 2})
		return backend{ledger: client, catalog: client, users: memory.NewAccounts(), name: "remote"}, nil
	default:
		repo := memory.NewSeeded()
		return backend{ledger: repo, catalog: repo, users: repo, name: "memory"}, nil
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.DatabaseURL != "" && cfg.LedgerURL != "" {
		return fmt.Errorf("DATABASE_URL and LEDGER_URL are mutually exclusive")
	}
	return nil
}
