package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"aircontrolbase-go-home/internal/cloud"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearAccountEnv(t *testing.T) {
	t.Helper()
	t.Setenv(envEmail, "")
	t.Setenv(envPassword, "")
}

func TestLoadConfigDefaults(t *testing.T) {
	clearAccountEnv(t)
	path := writeConfig(t, "account:\n  email: a@b.c\n  password: pw\n")

	cfg, err := loadConfig(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Poll.Interval != 30*time.Second {
		t.Errorf("poll interval = %s", cfg.Poll.Interval)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" {
		t.Errorf("listen = %q", cfg.Web.Listen)
	}
	if cfg.MQTT.TopicPrefix != "aircontrolbase" || cfg.MQTT.DiscoveryPrefix != "homeassistant" {
		t.Errorf("mqtt prefixes = %q, %q", cfg.MQTT.TopicPrefix, cfg.MQTT.DiscoveryPrefix)
	}
	if cfg.DevicesDir != "devices" || cfg.ScriptsDir != "scripts" {
		t.Errorf("dirs = %q, %q", cfg.DevicesDir, cfg.ScriptsDir)
	}
	if got := cfg.avoidRefreshWindow(); got != cloud.DefaultAvoidRefreshWindow {
		t.Errorf("avoid window = %s", got)
	}
}

func TestLoadConfigFull(t *testing.T) {
	clearAccountEnv(t)
	path := writeConfig(t, `
account:
  email: a@b.c
  password: pw
  base_url: http://localhost:9999
  avoid_refresh_status_on_update_in_ms: 0
  request_timeout: 3s
poll:
  interval: 1m
mqtt:
  enabled: true
  broker: tcp://localhost:1883
  topic_prefix: acb
  discovery_prefix: ha
web:
  listen: ":9090"
  allowed_origins: ["http://ha.local:8123"]
log:
  level: debug
  format: json
`)

	cfg, err := loadConfig(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Poll.Interval != time.Minute {
		t.Errorf("poll interval = %s", cfg.Poll.Interval)
	}
	if cfg.Account.RequestTimeout != 3*time.Second {
		t.Errorf("request timeout = %s", cfg.Account.RequestTimeout)
	}
	if got := cfg.avoidRefreshWindow(); got != 0 {
		t.Errorf("explicit zero avoid window = %s", got)
	}
	if cfg.MQTT.TopicPrefix != "acb" || cfg.MQTT.DiscoveryPrefix != "ha" {
		t.Errorf("mqtt prefixes = %q, %q", cfg.MQTT.TopicPrefix, cfg.MQTT.DiscoveryPrefix)
	}
	if len(cfg.Web.AllowedOrigins) != 1 {
		t.Errorf("allowed origins = %v", cfg.Web.AllowedOrigins)
	}
	if n := len(cfg.cloudOptions(newLogger(cfg, &bytes.Buffer{}))); n != 4 {
		t.Errorf("cloud options = %d, want 4", n)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, "account:\n  email: file@b.c\n  password: filepw\n")
	t.Setenv(envEmail, "env@b.c")
	t.Setenv(envPassword, "envpw")

	cfg, err := loadConfig(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Account.Email != "env@b.c" || cfg.Account.Password != "envpw" {
		t.Errorf("account = %q / %q, want env values", cfg.Account.Email, cfg.Account.Password)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := loadConfig(path, true); err == nil {
		t.Error("expected error for missing required config")
	}

	t.Setenv(envEmail, "env@b.c")
	t.Setenv(envPassword, "envpw")
	cfg, err := loadConfig(path, false)
	if err != nil {
		t.Fatalf("optional config: %v", err)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("env-only config should validate: %v", err)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	clearAccountEnv(t)
	path := writeConfig(t, "account: [unclosed\n")
	if _, err := loadConfig(path, true); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearAccountEnv(t)
	os.Unsetenv(envEmail)
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte(envEmail+"=dotenv@b.c\n"), 0600); err != nil {
		t.Fatal(err)
	}

	var logs bytes.Buffer
	loadDotEnv(envPath, newLogger(&Config{}, &logs))
	if got := os.Getenv(envEmail); got != "dotenv@b.c" {
		t.Errorf("%s = %q after loading env file", envEmail, got)
	}

	// Missing files are silently ignored.
	loadDotEnv(filepath.Join(t.TempDir(), "nope.env"), newLogger(&Config{}, &logs))
	if strings.Contains(logs.String(), "WARN") {
		t.Errorf("missing env file logged a warning: %s", logs.String())
	}
}

func TestValidate(t *testing.T) {
	neg := -1
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing email", func(c *Config) { c.Account.Email = "" }, "account.email"},
		{"missing password", func(c *Config) { c.Account.Password = "" }, "account.password"},
		{"negative poll", func(c *Config) { c.Poll.Interval = -time.Second }, "must be positive"},
		{"short poll", func(c *Config) { c.Poll.Interval = 5 * time.Second }, "at least"},
		{"negative avoid window", func(c *Config) { c.Account.AvoidRefreshMS = &neg }, "must not be negative"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Account.Email = "a@b.c"
			cfg.Account.Password = "pw"
			cfg.Poll.Interval = 30 * time.Second
			tt.mutate(cfg)

			err := cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level     string
		debugShow bool
		infoShow  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := &Config{}
			cfg.Log.Level = tt.level
			logger := newLogger(cfg, &buf)
			logger.Debug("dbg-line")
			logger.Info("info-line")
			if got := strings.Contains(buf.String(), "dbg-line"); got != tt.debugShow {
				t.Errorf("debug shown = %v, want %v", got, tt.debugShow)
			}
			if got := strings.Contains(buf.String(), "info-line"); got != tt.infoShow {
				t.Errorf("info shown = %v, want %v", got, tt.infoShow)
			}
		})
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{}
	cfg.Log.Format = "json"
	newLogger(cfg, &buf).Info("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"k":"v"`) {
		t.Errorf("json log = %q", buf.String())
	}
}
