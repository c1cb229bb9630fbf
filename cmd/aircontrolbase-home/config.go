package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"aircontrolbase-go-home/internal/cloud"
)

// Environment variables that override the account section.
const (
	envEmail    = "AIRCONTROLBASE_EMAIL"
	envPassword = "AIRCONTROLBASE_PASSWORD"
)

const minPollInterval = 10 * time.Second

type Config struct {
	Account struct {
		Email          string        `yaml:"email"`
		Password       string        `yaml:"password"`
		BaseURL        string        `yaml:"base_url"`
		AvoidRefreshMS *int          `yaml:"avoid_refresh_status_on_update_in_ms"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"account"`
	Poll struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"poll"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		ClientID        string `yaml:"client_id"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	DevicesDir string `yaml:"devices_dir"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Account.Email == "" {
		return fmt.Errorf("account.email is required (or set %s)", envEmail)
	}
	if c.Account.Password == "" {
		return fmt.Errorf("account.password is required (or set %s)", envPassword)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.Interval < minPollInterval {
		return fmt.Errorf("poll.interval must be at least %s, got %s", minPollInterval, c.Poll.Interval)
	}
	if c.Account.AvoidRefreshMS != nil && *c.Account.AvoidRefreshMS < 0 {
		return fmt.Errorf("account.avoid_refresh_status_on_update_in_ms must not be negative")
	}
	if c.Account.RequestTimeout < 0 {
		return fmt.Errorf("account.request_timeout must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// avoidRefreshWindow returns the quiet period after a control call. An
// explicit zero disables it.
func (c *Config) avoidRefreshWindow() time.Duration {
	if c.Account.AvoidRefreshMS == nil {
		return cloud.DefaultAvoidRefreshWindow
	}
	return time.Duration(*c.Account.AvoidRefreshMS) * time.Millisecond
}

// cloudOptions translates the account section into client options.
func (c *Config) cloudOptions(logger *slog.Logger) []cloud.Option {
	opts := []cloud.Option{
		cloud.WithAvoidRefreshWindow(c.avoidRefreshWindow()),
		cloud.WithLogger(logger),
	}
	if c.Account.BaseURL != "" {
		opts = append(opts, cloud.WithBaseURL(c.Account.BaseURL))
	}
	if c.Account.RequestTimeout > 0 {
		opts = append(opts, cloud.WithRequestTimeout(c.Account.RequestTimeout))
	}
	return opts
}

// loadDotEnv loads an optional .env file. A missing file is not an error.
func loadDotEnv(path string, logger *slog.Logger) {
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("no env file", "path", path)
			return
		}
		logger.Warn("load env file", "path", path, "err", err)
	}
}

// loadConfig reads the YAML config at path. When required is false a missing
// file yields the defaults, so credentials may come from the environment alone.
func loadConfig(path string, required bool) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if v := os.Getenv(envEmail); v != "" {
		cfg.Account.Email = v
	}
	if v := os.Getenv(envPassword); v != "" {
		cfg.Account.Password = v
	}

	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = 30 * time.Second
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "aircontrolbase-home.db"
	}
	if cfg.DevicesDir == "" {
		cfg.DevicesDir = "devices"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "aircontrolbase"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
