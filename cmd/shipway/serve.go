package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shipway/internal/config"
	"shipway/internal/integration"
	"shipway/internal/ledger"
	"shipway/internal/mirror"
	"shipway/internal/pipeline"
	"shipway/internal/registry"
	"shipway/internal/rollback"
	"shipway/internal/server"
	"shipway/internal/store"
	"shipway/pkg/fileutil"
)

var (
	configFile string
	logFile    string
	dbPath     string
	host       string
	port       int
	testMode   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the deployment control plane",
	Long: `Start the HTTP server that receives webhook events and drives
deployments through the external build and deploy services.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", getEnvOrDefault("SHIPWAY_CONFIG_FILE", ""), "Path to shipway.yaml configuration file")
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("SHIPWAY_LOG_FILE", "./shipway.log"), "Path to log file")
	serveCmd.Flags().StringVar(&dbPath, "db", getEnvOrDefault("SHIPWAY_DB_PATH", ""), "Path to SQLite database (overrides config)")
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("SHIPWAY_HOST", ""), "Host to bind to (overrides config)")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("SHIPWAY_PORT", 0), "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", os.Getenv("SHIPWAY_SKIP_RATE_LIMITS") == "1", "Disable rate limiting")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg)

	logger, logFileHandle, err := setupLogging(logFile)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	logger.Info("Starting shipway", "version", version)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	trigger, engine, stores, err := buildComponents(cfg, db, logger)
	if err != nil {
		return err
	}

	srv := &server.Server{
		Trigger:       trigger,
		Rollback:      engine,
		Ledger:        stores.ledger,
		Integrations:  stores.integrations,
		Logger:        logger,
		Commits:       server.NewGitHubCommits(cfg.SourceToken),
		WebhookSecret: cfg.WebhookSecret,
		MainBranch:    cfg.MainBranch,
		TestMode:      testMode,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Host, cfg.Port)
	}()

	select {
	case err := <-errCh:
		logger.Error("Server failed", "error", err)
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down, waiting for in-flight deployments")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.PollTimeout()+time.Minute)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

type componentStores struct {
	ledger       *ledger.Store
	integrations *integration.Store
}

// buildComponents wires the stores, mirror, service clients, trigger,
// and rollback engine from configuration.
func buildComponents(cfg *config.Config, db *sql.DB, logger *slog.Logger) (*pipeline.Trigger, *rollback.Engine, *componentStores, error) {
	led, err := ledger.NewStore(db)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}
	integs, err := integration.NewStore(db)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize integrations: %w", err)
	}

	m := &mirror.Mirror{
		SourceToken: cfg.SourceToken,
		Endpoint:    cfg.Mirror.Endpoint,
		Username:    cfg.Mirror.Username,
		Password:    cfg.Mirror.Password,
		WorkRoot:    cfg.WorkRoot,
		Logger:      logger,
	}

	trigger := &pipeline.Trigger{
		Ledger:            led,
		Integrations:      integs,
		Mirror:            m,
		Build:             pipeline.NewBuildClient(cfg.Build.Endpoint, cfg.Build.Token),
		Deploy:            pipeline.NewDeployClient(cfg.Deploy.Endpoint, cfg.Deploy.Token),
		Pipelines:         pipeline.NewPipelineClient(cfg.Pipeline.Endpoint, cfg.Pipeline.Token),
		Locks:             pipeline.NewLockManager(),
		Logger:            logger,
		RegistryURL:       cfg.Registry.URL,
		BaseDomain:        cfg.BaseDomain,
		Replicas:          cfg.Replicas,
		UniqueImageSuffix: cfg.UniqueImageSuffix,
		PollInterval:      cfg.PollInterval(),
		PollTimeout:       cfg.PollTimeout(),
	}

	engine := &rollback.Engine{
		Ledger:       led,
		Integrations: integs,
		Deployer:     trigger,
		Registry: &registry.Client{
			BaseURL:  cfg.Registry.URL,
			Username: cfg.Registry.Username,
			Password: cfg.Registry.Password,
		},
		Freshness: cfg.Freshness(),
		Logger:    logger,
	}

	return trigger, engine, &componentStores{ledger: led, integrations: integs}, nil
}

// loadConfig resolves the configuration file, searching the default
// locations when no explicit path was given.
func loadConfig() (*config.Config, error) {
	path := configFile
	if path == "" {
		searchPaths := fileutil.DefaultConfigPaths("shipway.yaml")
		path = fileutil.SearchPathsOptional(searchPaths)
		if path == "" {
			fmt.Fprintf(os.Stderr, "Error: No configuration file found in default locations:\n")
			for _, p := range searchPaths {
				fmt.Fprintf(os.Stderr, "  - %s\n", p)
			}
			fmt.Fprintf(os.Stderr, "Use --config flag to specify a custom location\n")
			return nil, fmt.Errorf("configuration file not found")
		}
	}
	return config.Load(path)
}

func applyFlagOverrides(cfg *config.Config) {
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}
}

// setupLogging configures slog for file logging.
// Returns both the logger and the file handle (caller must close the file).
func setupLogging(logPath string) (*slog.Logger, *os.File, error) {
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	multiWriter := io.MultiWriter(os.Stdout, file)

	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	return slog.New(handler), file, nil
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
