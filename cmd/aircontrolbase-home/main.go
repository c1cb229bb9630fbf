package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"aircontrolbase-go-home/internal/cloud"
	"aircontrolbase-go-home/internal/coordinator"
	"aircontrolbase-go-home/internal/store"
	"aircontrolbase-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var (
	cfgPath string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "aircontrolbase-home",
	Short: "AirControlBase cloud bridge for Home Assistant",
	Long: `Polls the AirControlBase cloud for all air conditioners of one account,
publishes them to Home Assistant over MQTT discovery, serves a web UI and
runs Lua automations. Without a subcommand the bridge is started.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file with credentials")

	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads and validates the config. Logs go to w once the config is known.
func setup(cmd *cobra.Command, w io.Writer) (*Config, *slog.Logger, error) {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	loadDotEnv(envFile, bootLogger)

	cfg, err := loadConfig(cfgPath, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, newLogger(cfg, w), nil
}

// newClient creates the vendor client for the configured account.
func newClient(cfg *Config, logger *slog.Logger) (*cloud.Client, error) {
	client, err := cloud.New(cfg.Account.Email, cfg.Account.Password, cfg.cloudOptions(logger)...)
	if err != nil {
		return nil, fmt.Errorf("create cloud client: %w", err)
	}
	return client, nil
}

// newCoordinator opens the store and wires a coordinator for cfg.
// The returned cleanup closes the store.
func newCoordinator(cfg *Config, logger *slog.Logger) (*coordinator.Coordinator, func(), error) {
	client, err := newClient(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	profiles, err := coordinator.LoadProfileDir(cfg.DevicesDir, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load device profiles: %w", err)
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(client, db, profiles, events, coordinator.Config{
		PollInterval: cfg.Poll.Interval,
	}, logger)
	return coord, func() { db.Close() }, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("aircontrolbase-home starting", "version", version, "account", cfg.Account.Email)

	coord, closeStore, err := newCoordinator(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(ctx); err != nil {
		cancel()
		coord.Stop()
		return fmt.Errorf("start coordinator: %w", err)
	}
	cancel()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer, err := web.NewServer(coord, logger, webOpts...)
	if err != nil {
		auto.Stop()
		coord.Stop()
		return fmt.Errorf("create web server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()

	logger.Info("goodbye")
	return nil
}
