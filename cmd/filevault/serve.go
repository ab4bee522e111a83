package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/filevault/internal/api"
	"github.com/fruitsalade/filevault/internal/auth"
	"github.com/fruitsalade/filevault/internal/config"
	"github.com/fruitsalade/filevault/internal/files"
	"github.com/fruitsalade/filevault/internal/logging"
	"github.com/fruitsalade/filevault/internal/metadata/memory"
	"github.com/fruitsalade/filevault/internal/metadata/postgres"
	"github.com/fruitsalade/filevault/internal/metadata/sqlite"
	"github.com/fruitsalade/filevault/internal/metrics"
	"github.com/fruitsalade/filevault/internal/storage/factory"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

// loadConfig loads configuration and initializes structured logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return nil, fmt.Errorf("logging init error: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync()

	logging.Info("filevault server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("provider", cfg.Storage.Provider),
		zap.String("database", cfg.DatabaseDriver))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := factory.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage provider: %w", err)
	}

	svc := files.NewService(provider, store, cfg.Files)
	srv := api.NewServer(svc, auth.New(cfg.JWTSecret), cfg.MaxUploadSize)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLSEnabled() {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		if cfg.TLSEnabled() {
			logging.Info("server listening (TLS 1.3)",
				zap.String("addr", cfg.ListenAddr),
				zap.String("cert", cfg.TLSCertFile))
			serveErr <- httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
			return
		}
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	// Graceful shutdown
	logging.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("http shutdown", zap.Error(err))
	}
	metricsServer.Close()

	// Let abandoned batches finish reclaiming their objects.
	svc.Wait()
	logging.Info("shutdown complete")
	return nil
}

// openStore opens the configured metadata store. The returned func closes it.
func openStore(ctx context.Context, cfg *config.Config) (files.Store, func() error, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		logging.Info("connecting to PostgreSQL...")
		store, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}

		// Run migrations
		if dir := findMigrationsDir(); dir != "" {
			logging.Info("running migrations...", zap.String("dir", dir))
			if err := store.Migrate(dir); err != nil {
				store.Close()
				return nil, nil, fmt.Errorf("migration failed: %w", err)
			}
		}

		// Start periodic metrics update
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					store.UpdateConnectionMetrics()
				}
			}
		}()
		return store, store.Close, nil

	case config.DriverSQLite:
		logging.Info("opening SQLite database", zap.String("path", cfg.DatabaseURL))
		store, err := sqlite.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return store, store.Close, nil

	default:
		logging.Warn("using in-memory metadata store; records are lost on restart")
		return memory.New(), func() error { return nil }, nil
	}
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
		"../../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
