package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/enroll/internal/auth"
	"github.com/JonMunkholm/enroll/internal/config"
	"github.com/JonMunkholm/enroll/internal/frappe"
	"github.com/JonMunkholm/enroll/internal/history"
	"github.com/JonMunkholm/enroll/internal/importer"
	_ "github.com/JonMunkholm/enroll/internal/importer/entities" // Register all entities
	"github.com/JonMunkholm/enroll/internal/logging"
	"github.com/JonMunkholm/enroll/internal/metrics"
	"github.com/JonMunkholm/enroll/internal/reference"
	"github.com/JonMunkholm/enroll/internal/web"
)

func main() {
	// Load .env files and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, nil)
	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"frappe_url", cfg.Frappe.URL,
		"submit_max_concurrent", cfg.Submit.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
		"history_enabled", cfg.Database.HistoryEnabled(),
	)
	slog.Debug("effective configuration", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := frappe.New(frappe.Config{
		BaseURL:   cfg.Frappe.URL,
		Timeout:   cfg.Frappe.Timeout,
		APIKey:    cfg.Frappe.APIKey,
		APISecret: cfg.Frappe.APISecret,
	}, logger.With("component", "frappe"))
	if err != nil {
		slog.Error("failed to create school client", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	deps := web.Deps{
		Reference: reference.New(client, cfg.Frappe.ReferenceTTL, nil),
		Fees:      client,
		Resolver:  auth.NewResolver(client, cfg.Auth.RoleCacheTTL, logger.With("component", "auth")),
		Metrics:   m,
	}

	managerCfg := importer.ManagerConfig{
		TTL:          cfg.Import.SessionTTL,
		EditDebounce: cfg.Import.EditDebounce,
		EditTimeout:  cfg.Submit.EditTimeout,
		RowDelay:     cfg.Submit.RowDelay,
		Observer:     m,
		Logger:       logger.With("component", "importer"),
	}

	// Run history is optional
	var pool *pgxpool.Pool
	if cfg.Database.HistoryEnabled() {
		pool, err = connect(ctx, cfg.Database)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		store := history.NewStore(pool)
		if cfg.Database.Migrate {
			if err := store.Migrate(ctx); err != nil {
				slog.Error("failed to migrate history schema", "error", err)
				os.Exit(1)
			}
		}
		managerCfg.Recorder = store
		deps.History = store
		deps.DB = pool
	}

	limiter := importer.NewSubmitLimiter(cfg.Submit.MaxConcurrent, cfg.Submit.MaxWaitTime)
	orch := importer.NewOrchestrator(client, logger.With("component", "submit"))
	manager := importer.NewManager(orch, limiter, managerCfg)
	deps.Manager = manager

	m.Gauge("import_sessions_active", "Open import sessions.", func() float64 {
		return float64(manager.Count())
	})
	m.Gauge("submissions_active", "Submission runs holding a slot.", func() float64 {
		return float64(limiter.ActiveCount())
	})

	slog.Info("entities registered", "count", importer.EntityCount())

	// Background sweeps
	go manager.RunJanitor(ctx, cfg.Import.JanitorInterval)
	go sweepRoles(ctx, deps.Resolver, cfg.Auth.RoleCacheTTL)

	server := web.NewServer(cfg, deps)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Server.Addr())
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
	}

	slog.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Wait for running submissions to finish (with timeout)
	if st := limiter.Status(); st.Active > 0 {
		slog.Info("waiting for submissions to complete", "active", st.Active)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Warn("submissions did not complete in time", "error", err)
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
}

// connect opens the history pool with the configured bounds.
func connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	}
	return pool, nil
}

// sweepRoles drops expired role cache entries until ctx is done.
func sweepRoles(ctx context.Context, res *auth.Resolver, every time.Duration) {
	if every <= 0 {
		every = auth.DefaultRoleTTL
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := res.Sweep(); n > 0 {
				slog.Debug("expired role cache entries removed", "count", n)
			}
		}
	}
}
