package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/threadline/threadline/internal/logger"
	"github.com/threadline/threadline/pkg/config"
	"github.com/threadline/threadline/pkg/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the threadline server",
	Long: `Start the threadline server with the specified configuration.

The server runs in the foreground until interrupted; use a process supervisor
for background operation.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/threadline/config.yaml.

Examples:
  # Start with default config location
  threadline start

  # Start with custom config file
  threadline start --config /etc/threadline/config.yaml

  # Start with environment variable overrides
  THREADLINE_LOGGING_LEVEL=DEBUG threadline start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fmt.Println("Threadline - Discussion forum server")
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	logger.Info("Storage configured",
		"data_dir", cfg.Storage.DataDir,
		"credentials_file", cfg.Storage.CredentialsFile,
		"watch_credentials", cfg.Storage.WatchEnabled())

	if cfg.Metrics.Enabled {
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("Metrics collection disabled")
	}
	if cfg.API.IsEnabled() {
		logger.Info("API server enabled", "port", cfg.API.Port)
	} else {
		logger.Info("API server disabled")
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	// Start server in background
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		// Wait for server to shut down gracefully
		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", "error", err)
			return err
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", "error", err)
			return err
		}
		logger.Info("Server stopped")
	}

	return nil
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
