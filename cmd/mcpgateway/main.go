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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcpgateway-go/internal/cache"
	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/gateway"
	"mcpgateway-go/internal/httpapi"
	"mcpgateway-go/internal/logs"
	"mcpgateway-go/internal/oauth"
	"mcpgateway-go/internal/storage"
	"mcpgateway-go/internal/upstream"
)

var (
	configFile     string
	dataDir        string
	listen         string
	logLevel       string
	logToFile      bool
	logDir         string
	remoteOnly     bool
	idleDisconnect time.Duration
	poolInactivity time.Duration

	version = "v0.1.0" // Injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "mcpgateway",
		Short:   "Multi-tenant connection manager and gateway for MCP tool servers",
		Version: version,
		RunE:    runServer,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.mcpgateway)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "HTTP listen address")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "Enable logging to a rotated file in the data directory")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path")
	rootCmd.PersistentFlags().BoolVar(&remoteOnly, "remote-only", false, "Refuse stdio transports, allow only remote upstream servers")
	rootCmd.PersistentFlags().DurationVar(&idleDisconnect, "idle-disconnect", 0, "Disconnect idle upstream connections after this duration (0 = config default)")
	rootCmd.PersistentFlags().DurationVar(&poolInactivity, "pool-inactivity", 0, "Evict inactive tenant managers after this duration (0 = config default)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	// Flags win over file and environment.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if remoteOnly {
		cfg.RemoteOnly = true
	}
	if idleDisconnect > 0 {
		cfg.IdleDisconnect = idleDisconnect
	}
	if poolInactivity > 0 {
		cfg.PoolInactivity = poolInactivity
	}
	if cfg.Logging == nil {
		cfg.Logging = config.Default().Logging
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logToFile {
		cfg.Logging.EnableFile = true
	}
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	} else if cfg.Logging.LogDir == "" {
		cfg.Logging.LogDir = cfg.DataDir
	}
	return cfg, cfg.Validate()
}

func runServer(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logs.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting mcpgateway",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("remote_only", cfg.RemoteOnly))

	store, err := storage.NewManager(cfg.DataDir, logger.Sugar())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	cacheStore, err := cache.NewBoltStore(store.DB(), logger)
	if err != nil {
		return fmt.Errorf("failed to open cache store: %w", err)
	}
	defer cacheStore.Close()

	provider := oauth.NewProvider(store, logger)
	unified := cache.NewUnifiedCache(cacheStore, store, provider, cfg.ServerDataTTL, logger)

	pool := upstream.NewPool(unified, upstream.PoolOptions{
		Inactivity:     cfg.PoolInactivity,
		SweepInterval:  cfg.SweepInterval,
		RemoteOnly:     cfg.RemoteOnly,
		IdleDisconnect: cfg.IdleDisconnect,
		Logger:         logger,
	})

	gw := gateway.New(store, unified, pool, logger)
	api := httpapi.NewServer(gw, logger)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	gw.Shutdown(shutdownCtx)

	logger.Info("Shutdown complete")
	return nil
}
