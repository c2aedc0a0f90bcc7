// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/starford/quire/internal/api"
	"github.com/starford/quire/internal/importer"
	"github.com/starford/quire/internal/maintenance"
	"github.com/starford/quire/internal/mcpserver"
	"github.com/starford/quire/internal/metrics"
	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/noteservice"
	"github.com/starford/quire/internal/schema"
	"github.com/starford/quire/internal/sse"
	"github.com/starford/quire/internal/storage"
	"github.com/starford/quire/internal/store"
)

// changeBuffer is how many change events the SSE forwarder may lag behind.
const changeBuffer = 256

// Run starts the HTTP server and background workers with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger := app.logger(os.Stdout)
	logger.Info("Configuration loaded",
		slog.String("version", app.version),
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("data_dir", cfg.Store.DataDir),
		slog.String("db_path", cfg.Store.DBPath()),
		slog.String("purge_mode", cfg.Retention.PurgeMode),
		slog.Bool("import_enabled", cfg.Import.Enabled),
		slog.String("log_level", cfg.App.LogLevel.String()))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	storeMetrics, err := metrics.NewStoreMetrics(registry)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// The schema is migrated in the background; until it is current every
	// store operation is refused and /health/ready reports 503.
	db, blobs, err := openStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	defer blobs.Close()

	stack := noteservice.NewStack(db, blobs, logger, stackConfig(cfg, storeMetrics))
	defer stack.Close()

	// SSE broker fed by the repository change feed.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()
	changes, cancelChanges := stack.Repo.Subscribe(changeBuffer)
	defer cancelChanges()

	apiRouter := api.NewRouter(stack.Service, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", readyHandler(db))
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)
	migrated := make(chan struct{})

	g.Go(func() error {
		if err := db.Migrate(gCtx); err != nil {
			// Keep serving so health checks and operators can see the failure.
			logger.Error("Schema migration failed; store operations are refused",
				slog.String("error", err.Error()))
			return nil
		}
		logger.Info("Schema ready", slog.Int("version", db.SchemaVersion()))
		close(migrated)
		return nil
	})

	g.Go(func() error {
		broker.Follow(gCtx, changes)
		return nil
	})

	g.Go(func() error {
		if !waitFor(gCtx, migrated) {
			return nil
		}
		return stack.Maintenance.Run(gCtx)
	})

	if cfg.Import.Enabled {
		im, err := importer.New(cfg.Import.Dir, stack.Repo, stack.Attachments, logger,
			importer.WithSettle(cfg.Import.Settle),
			importer.WithCallback(func(n models.Note, source string) {
				logger.Info("Imported note", slog.String("id", n.ID), slog.String("source", source))
			}))
		if err != nil {
			return fmt.Errorf("init importer: %w", err)
		}
		defer im.Close()
		g.Go(func() error {
			if !waitFor(gCtx, migrated) {
				return nil
			}
			return im.Run(gCtx)
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Close SSE streams first; Shutdown waits for open handlers.
		broker.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group's context so every worker stops after a signal.
var errShutdown = errors.New("shutdown requested")

// RunMCP serves the MCP tools on stdin/stdout. Logs go to stderr.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger := app.logger(os.Stderr)

	db, blobs, err := openStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	defer blobs.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	stack := noteservice.NewStack(db, blobs, logger, stackConfig(cfg, nil))
	defer stack.Close()

	logger.Info("MCP server starting on stdio", slog.String("db_path", cfg.Store.DBPath()))
	return mcpserver.New(stack.Service, app.version).ServeStdio()
}

// Migrate brings the store schema up to date and exits. The service does the
// same on startup; this lets operators run it ahead of a deploy.
func Migrate(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger := app.logger(os.Stdout)

	if err := os.MkdirAll(filepath.Dir(app.config.Store.DBPath()), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.New(app.config.Store.DBPath(), store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	logger.Info("Schema is current",
		slog.String("db_path", app.config.Store.DBPath()),
		slog.Int("version", db.SchemaVersion()))
	return nil
}

func newApplication(opts []Option) (*application, error) {
	app := &application{version: "dev"}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

// openStorage creates the data directories and opens the database without
// migrating it.
func openStorage(cfg *Config, logger *slog.Logger) (*store.DB, *storage.FS, error) {
	for _, dir := range []string{cfg.Store.BlobDir(), filepath.Dir(cfg.Store.DBPath())} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	blobs, err := storage.NewFS(cfg.Store.BlobDir())
	if err != nil {
		return nil, nil, fmt.Errorf("init storage: %w", err)
	}
	db, err := store.New(cfg.Store.DBPath(), store.WithLogger(logger))
	if err != nil {
		_ = blobs.Close()
		return nil, nil, fmt.Errorf("init store: %w", err)
	}
	return db, blobs, nil
}

func stackConfig(cfg *Config, m *metrics.StoreMetrics) noteservice.StackConfig {
	return noteservice.StackConfig{
		MaxAttachmentBytes: cfg.Attachments.MaxBytes,
		MaxImagePixels:     cfg.Attachments.MaxPixels,
		ThumbnailSize:      cfg.Attachments.ThumbnailSize,
		ThumbnailCacheTTL:  cfg.Attachments.CacheTTL,
		Maintenance: maintenance.Config{
			Interval:        cfg.Retention.MaintenanceInterval,
			GracePeriod:     cfg.Retention.GracePeriod,
			AutoPurge:       cfg.Retention.PurgeMode == PurgeModeAuto,
			OrphanRetention: cfg.Attachments.OrphanRetention,
			StrayRetention:  cfg.Attachments.StrayRetention,
		},
		Metrics: m,
	}
}

func readyHandler(db *store.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		state := db.SchemaState()
		if state != schema.Current {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, `{"status":%q}`, state.String())
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// waitFor blocks until ch is closed or ctx ends and reports which happened.
func waitFor(ctx context.Context, ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}
