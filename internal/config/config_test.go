package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Scan.Timeout != 10*time.Second {
		t.Errorf("Scan.Timeout = %v, want 10s", cfg.Scan.Timeout)
	}
	if cfg.Connect.Timeout != 10*time.Second {
		t.Errorf("Connect.Timeout = %v, want 10s", cfg.Connect.Timeout)
	}
	if !cfg.Reconnect.OnLinkLoss {
		t.Error("Reconnect.OnLinkLoss should default to true")
	}
	if cfg.Reconnect.MaxBackoff != 30*time.Second {
		t.Errorf("Reconnect.MaxBackoff = %v, want 30s", cfg.Reconnect.MaxBackoff)
	}
	if cfg.Store.Backend != "file" {
		t.Errorf("Store.Backend = %q, want %q", cfg.Store.Backend, "file")
	}
	if cfg.Permission.Mode != "auto" {
		t.Errorf("Permission.Mode = %q, want %q", cfg.Permission.Mode, "auto")
	}
	if cfg.Metrics.Listen != "" {
		t.Errorf("Metrics.Listen = %q, want disabled", cfg.Metrics.Listen)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
bluetooth:
  adapter_id: hci1
scan:
  timeout: 5s
connect:
  timeout: 15s
reconnect:
  on_link_loss: false
  max_attempts: 2
  max_backoff: 1m
store:
  backend: sqlite
  path: /tmp/blelink.db
permission:
  mode: none
metrics:
  listen: 127.0.0.1:9464
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Bluetooth.AdapterID != "hci1" {
		t.Errorf("Bluetooth.AdapterID = %q, want %q", cfg.Bluetooth.AdapterID, "hci1")
	}
	if cfg.Scan.Timeout != 5*time.Second {
		t.Errorf("Scan.Timeout = %v, want 5s", cfg.Scan.Timeout)
	}
	if cfg.Connect.Timeout != 15*time.Second {
		t.Errorf("Connect.Timeout = %v, want 15s", cfg.Connect.Timeout)
	}
	if cfg.Reconnect.OnLinkLoss {
		t.Error("Reconnect.OnLinkLoss = true, want false")
	}
	if cfg.Reconnect.MaxAttempts != 2 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 2", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Reconnect.MaxBackoff != time.Minute {
		t.Errorf("Reconnect.MaxBackoff = %v, want 1m", cfg.Reconnect.MaxBackoff)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.Path != "/tmp/blelink.db" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Permission.Mode != "none" {
		t.Errorf("Permission.Mode = %q, want %q", cfg.Permission.Mode, "none")
	}
	if cfg.Metrics.Listen != "127.0.0.1:9464" {
		t.Errorf("Metrics.Listen = %q", cfg.Metrics.Listen)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("scan:\n  timeout: 3s\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scan.Timeout != 3*time.Second {
		t.Errorf("Scan.Timeout = %v, want 3s", cfg.Scan.Timeout)
	}
	if cfg.Connect.Timeout != 10*time.Second {
		t.Errorf("Connect.Timeout = %v, want default 10s", cfg.Connect.Timeout)
	}
	if cfg.Store.Backend != "file" {
		t.Errorf("Store.Backend = %q, want default", cfg.Store.Backend)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
store:
  path: ~/data/device.yaml
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "data/device.yaml")
	if cfg.Store.Path != expected {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadBadDuration(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("scan:\n  timeout: soon\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should reject an unparseable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: true,
		},
		{
			name:    "zero scan timeout",
			modify:  func(c *Config) { c.Scan.Timeout = 0 },
			wantErr: true,
		},
		{
			name:    "negative connect timeout",
			modify:  func(c *Config) { c.Connect.Timeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "reconnect without attempts",
			modify:  func(c *Config) { c.Reconnect.MaxAttempts = 0 },
			wantErr: true,
		},
		{
			name: "reconnect disabled ignores attempts",
			modify: func(c *Config) {
				c.Reconnect.OnLinkLoss = false
				c.Reconnect.MaxAttempts = 0
			},
			wantErr: false,
		},
		{
			name:    "sub-second backoff cap",
			modify:  func(c *Config) { c.Reconnect.MaxBackoff = 500 * time.Millisecond },
			wantErr: true,
		},
		{
			name:    "unknown store backend",
			modify:  func(c *Config) { c.Store.Backend = "redis" },
			wantErr: true,
		},
		{
			name:    "memory store",
			modify:  func(c *Config) { c.Store.Backend = "memory" },
			wantErr: false,
		},
		{
			name:    "invalid permission mode",
			modify:  func(c *Config) { c.Permission.Mode = "ask" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"BLELINK_LOG_LEVEL":      "DEBUG",
		"BLELINK_ADAPTER":        "hci2",
		"BLELINK_STORE_BACKEND":  "memory",
		"BLELINK_METRICS_LISTEN": ":9000",
		"BLELINK_SCAN_TIMEOUT":   "4s",
	}
	cfg := Default()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Bluetooth.AdapterID != "hci2" {
		t.Errorf("Bluetooth.AdapterID = %q", cfg.Bluetooth.AdapterID)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Store.Backend = %q", cfg.Store.Backend)
	}
	if cfg.Metrics.Listen != ":9000" {
		t.Errorf("Metrics.Listen = %q", cfg.Metrics.Listen)
	}
	if cfg.Scan.Timeout != 4*time.Second {
		t.Errorf("Scan.Timeout = %v", cfg.Scan.Timeout)
	}
	if cfg.Connect.Timeout != 10*time.Second {
		t.Errorf("unset variables must not change values, Connect.Timeout = %v", cfg.Connect.Timeout)
	}
}

func TestApplyEnvBadDuration(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) string {
		if k == "BLELINK_SCAN_TIMEOUT" {
			return "ten"
		}
		return ""
	})
	if err == nil {
		t.Error("ApplyEnv() should reject a bad duration")
	}
}

func TestStorePath(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	cfg := Default()
	if got, want := cfg.StorePath(), filepath.Join(tmpHome, ".local", "share", "blelink", "device.yaml"); got != want {
		t.Errorf("file StorePath() = %q, want %q", got, want)
	}

	cfg.Store.Backend = "sqlite"
	if got, want := cfg.StorePath(), filepath.Join(tmpHome, ".local", "share", "blelink", "device.db"); got != want {
		t.Errorf("sqlite StorePath() = %q, want %q", got, want)
	}

	cfg.Store.Path = "/var/lib/blelink/custom.db"
	if got := cfg.StorePath(); got != "/var/lib/blelink/custom.db" {
		t.Errorf("explicit StorePath() = %q", got)
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "blelink", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}

	if !strings.HasPrefix(string(data), "# blelink") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Scan.Timeout != 10*time.Second {
		t.Errorf("written config Scan.Timeout = %v, want 10s", cfg.Scan.Timeout)
	}
	if cfg.Store.Backend != "file" {
		t.Errorf("written config Store.Backend = %q, want %q", cfg.Store.Backend, "file")
	}

	// The written file must load back into a valid config.
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load(written) error = %v", err)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "blelink")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	// WriteDefault should return ("", nil) without overwriting
	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
