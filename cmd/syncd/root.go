package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/callivate/syncd/internal/api"
	"github.com/callivate/syncd/internal/config"
	"github.com/callivate/syncd/internal/engine"
	"github.com/callivate/syncd/internal/store"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "syncd",
	Short:        "syncd - offline-first sync and conflict resolution service",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(tokenCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	logger, closeLog := newLogger(cfg.Log, os.Stdout)
	defer closeLog()
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level, "file", cfg.Log.File)
	if cfg.DevMode {
		slog.Warn("dev mode enabled", "jwt_secret_default", cfg.Auth.JWTSecret == config.DevJWTSecret)
	}

	initTables()

	db, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "driver", db.Driver())

	eng := engine.New(db, cfg.EngineOptions())
	if err := eng.Start(ctx); err != nil {
		db.Close()
		return err
	}
	slog.Info("engine started",
		"poll_interval", cfg.Sync.PollInterval.Std().String(),
		"batch_size", cfg.Sync.BatchSize,
		"max_concurrent_batches", cfg.Sync.MaxConcurrentBatches,
	)

	verifier := api.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.Leeway.Std())
	router := api.NewRouter(api.NewHandler(eng, db, Version), verifier)
	slog.Info("router initialized")

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdown(srv, eng, db, cfg.Server.ShutdownTimeout.Std())
	slog.Info("shutdown complete")
	return nil
}

// stopper is the part of the engine shutdown needs.
type stopper interface {
	Stop()
}

// shutdown drains HTTP requests, then stops the engine workers, then
// closes the store.
func shutdown(srv *http.Server, eng stopper, db store.Store, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	eng.Stop()
	slog.Info("engine stopped")

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}
}

// openStore connects to the configured backend and applies migrations.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pg, err := store.NewPostgresStore(ctx, cfg.URL, store.PostgresOptions{
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime.Std(),
			MaxConnIdleTime: cfg.MaxConnIdleTime.Std(),
		})
		if err != nil {
			return nil, err
		}
		return pg, nil
	case config.DriverSQLite:
		lite, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return lite, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
