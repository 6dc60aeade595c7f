// Command jobflow runs and administers the catalog job queue.
//
// Subcommands:
//
//	serve    HTTP API + embedded workers
//	worker   workers only
//	migrate  run pending database migrations and exit
//	enqueue, list, show, sweep, delete, purge, stats
//	         queue administration against the configured database
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sky93/jobflow"
	"github.com/sky93/jobflow/internal/api"
	"github.com/sky93/jobflow/internal/catalog"
	"github.com/sky93/jobflow/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:   "jobflow",
		Short: "jobflow: durable background jobs for the catalog service",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		enqueueCmd(),
		listCmd(),
		showCmd(),
		sweepCmd(),
		deleteCmd(),
		purgeCmd(),
		statsCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// app is everything a subcommand needs: configuration, logger, database,
// the job flow and the catalog service registered on it.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	flow     *jobflow.Flow
	catalog  *catalog.Service
	closeLog func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger, closeLog := cfg.SetupLogger()
	slog.SetDefault(logger)

	db, err := openDB(ctx, cfg)
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("database: %w", err)
	}
	if cfg.AutoMigrate {
		if err := jobflow.MigrateDSN(jobflow.Dialect(cfg.Dialect), cfg.DatabaseURL); err != nil {
			_ = db.Close()
			_ = closeLog()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	fc := cfg.Flow()
	fc.DB = db
	fc.Logger = logger
	fc.Links = []jobflow.Link{catalog.Link()}
	flow := jobflow.New(fc)

	svc := catalog.NewService(db, catalog.Options{
		DbName:      cfg.DBName,
		SiscomexURL: cfg.SiscomexURL,
		Client:      &http.Client{Timeout: cfg.SiscomexTimeout},
		ExportDir:   cfg.ExportDir,
		Logger:      logger,
	})
	if err := svc.Register(flow); err != nil {
		_ = db.Close()
		_ = closeLog()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, db: db, flow: flow, catalog: svc, closeLog: closeLog}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("close database", "error", err)
	}
	_ = a.closeLog()
}

// openDB opens and pings the database, retrying up to 10 times with linear
// backoff while the server is still starting.
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := jobflow.Open(jobflow.Dialect(cfg.Dialect), cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if jobflow.Dialect(cfg.Dialect) == jobflow.DialectMySQL {
		db.SetMaxOpenConns(cfg.DBMaxConns)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	var pingErr error
	for attempt := 1; attempt <= 10; attempt++ {
		if pingErr = db.PingContext(ctx); pingErr == nil {
			return db, nil
		}
		slog.Warn("database not ready, retrying", "attempt", attempt, "error", pingErr)
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	_ = db.Close()
	return nil, fmt.Errorf("database unreachable after 10 attempts: %w", pingErr)
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the embedded workers",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a.flow.StartWorkers(ctx)

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           api.NewServer(a.flow, a.catalog, a.logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("server started", "addr", a.cfg.ListenAddr, "workers", a.cfg.Workers)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		a.flow.Shutdown(a.cfg.ShutdownTimeout)
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop()
	}

	a.logger.Info("shutting down", "timeout", a.cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("graceful shutdown", "error", err)
	}
	if !a.flow.Shutdown(a.cfg.ShutdownTimeout) {
		return errors.New("workers did not stop before the shutdown timeout")
	}
	a.logger.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the workers only (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a.flow.StartWorkers(ctx)
	a.logger.Info("worker started", "workers", a.cfg.Workers)
	<-ctx.Done()

	a.logger.Info("shutting down", "timeout", a.cfg.ShutdownTimeout)
	if !a.flow.Shutdown(a.cfg.ShutdownTimeout) {
		return errors.New("workers did not stop before the shutdown timeout")
	}
	return nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			logger, closeLog := cfg.SetupLogger()
			defer closeLog() //nolint:errcheck

			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close() //nolint:errcheck

			logger.Info("running migrations", "dialect", cfg.Dialect)
			if err := jobflow.MigrateDSN(jobflow.Dialect(cfg.Dialect), cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info("migrations complete")
			return nil
		},
	}
}
