// Package app provides the main application struct for centralized
// dependency management and lifecycle control of the usage service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"omniusage/config"
	"omniusage/internal/cache"
	"omniusage/internal/ledger"
	"omniusage/internal/pricing"
	"omniusage/internal/server"
	"omniusage/internal/storage"
)

// App wires the storage, repository, cache, service, and HTTP server
// together and owns their shutdown order.
type App struct {
	config  *config.Config
	store   storage.Storage
	repo    ledger.Repository
	cache   ledger.SummaryCache
	service *ledger.Service
	server  *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// New creates an App with all dependencies initialized. The caller must
// call Shutdown to release resources.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	app := &App{config: cfg}

	table := pricing.DefaultTable()
	if cfg.Pricing.Path != "" {
		var err error
		table, err = pricing.Load(cfg.Pricing.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to load pricing tables: %w", err)
		}
		slog.Info("pricing tables loaded", "path", cfg.Pricing.Path)
	}

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.store = store

	repo, err := ledger.NewRepository(ctx, store)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize ledger repository: %w", err), app.closeStore())
	}
	app.repo = repo

	summaryCache, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize summary cache: %w", err), app.repo.Close(), app.closeStore())
	}
	app.cache = summaryCache

	service, err := ledger.NewService(repo, table, summaryCache, cfg.Pricing.DefaultTier)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize ledger service: %w", err), app.closeCache(), app.repo.Close(), app.closeStore())
	}
	app.service = service

	app.logStartupInfo()

	app.server = server.New(service, table, &server.Config{
		Auth:            cfg.Server.Auth,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		BodySizeLimit:   cfg.Server.BodySizeLimit,
	})

	return app, nil
}

// Service returns the ledger service, for tests and embedding.
func (a *App) Service() *ledger.Service { return a.service }

// Server returns the HTTP server.
func (a *App) Server() *server.Server { return a.server }

// Start starts the HTTP server on the given address. Blocks until the
// server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown tears down components in dependency order: HTTP server first
// (stop accepting requests), then the summary cache, the ledger
// repository, and finally the storage connection. Idempotent; repeated
// calls are no-ops. Attempts every step and returns a joined error.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if err := a.closeCache(); err != nil {
		slog.Error("summary cache close error", "error", err)
		errs = append(errs, fmt.Errorf("cache close: %w", err))
	}

	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			slog.Error("ledger repository close error", "error", err)
			errs = append(errs, fmt.Errorf("repository close: %w", err))
		}
	}

	if err := a.closeStore(); err != nil {
		slog.Error("storage close error", "error", err)
		errs = append(errs, fmt.Errorf("storage close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

func (a *App) closeCache() error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Close()
}

// logStartupInfo logs the effective configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.Auth.MasterKey == "" && len(cfg.Server.Auth.APIKeys) == 0 && !cfg.Server.Auth.AllowAnonymous {
		slog.Warn("no master key, api keys, or anonymous access configured - every request will be rejected",
			"recommendation", "set OMNIUSAGE_MASTER_KEY or configure api keys")
	} else if cfg.Server.Auth.MasterKey != "" {
		slog.Info("authentication enabled", "mode", "master_key", "api_keys", len(cfg.Server.Auth.APIKeys))
	}

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	storageType := cfg.Storage.Type
	if a.store == nil {
		storageType = storage.TypeMemory
	}
	slog.Info("storage configured", "type", storageType)
	slog.Info("summary cache configured", "type", cfg.Cache.Type, "ttl", cfg.Cache.TTL)
}
