package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Bluetooth  BluetoothConfig  `yaml:"bluetooth"`
	Scan       ScanConfig       `yaml:"scan"`
	Connect    ConnectConfig    `yaml:"connect"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Store      StoreConfig      `yaml:"store"`
	Permission PermissionConfig `yaml:"permission"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// BluetoothConfig selects the local adapter.
type BluetoothConfig struct {
	AdapterID string `yaml:"adapter_id"` // BlueZ adapter name, e.g. "hci0"
}

// ScanConfig holds scan session settings.
type ScanConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// ConnectConfig holds connection settings.
type ConnectConfig struct {
	Timeout time.Duration `yaml:"timeout"` // covers connect and profile discovery
}

// ReconnectConfig controls retrying a device that dropped the link.
type ReconnectConfig struct {
	OnLinkLoss  bool          `yaml:"on_link_loss"`
	MaxAttempts int           `yaml:"max_attempts"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// StoreConfig selects where the remembered device id is kept.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "file", "sqlite" or "memory"
	Path    string `yaml:"path"`    // empty selects a per-backend default
}

// PermissionConfig controls the runtime permission check.
type PermissionConfig struct {
	Mode string `yaml:"mode"` // "auto" or "none"
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the endpoint
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blelink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultDataDir returns the directory the stores write to by default.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "blelink")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Bluetooth: BluetoothConfig{
			AdapterID: "hci0",
		},
		Scan: ScanConfig{
			Timeout: 10 * time.Second,
		},
		Connect: ConnectConfig{
			Timeout: 10 * time.Second,
		},
		Reconnect: ReconnectConfig{
			OnLinkLoss:  true,
			MaxAttempts: 5,
			MaxBackoff:  30 * time.Second,
		},
		Store: StoreConfig{
			Backend: "file",
		},
		Permission: PermissionConfig{
			Mode: "auto",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in store.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Store.Path = expandTilde(cfg.Store.Path)

	return cfg, nil
}

// ApplyEnv overrides file values with BLELINK_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("BLELINK_LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := getenv("BLELINK_ADAPTER"); v != "" {
		c.Bluetooth.AdapterID = v
	}
	if v := getenv("BLELINK_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := getenv("BLELINK_STORE_PATH"); v != "" {
		c.Store.Path = expandTilde(v)
	}
	if v := getenv("BLELINK_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if v := getenv("BLELINK_SCAN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BLELINK_SCAN_TIMEOUT: %w", err)
		}
		c.Scan.Timeout = d
	}
	return nil
}

// StorePath returns store.path, or the default file for the backend.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	switch c.Store.Backend {
	case "sqlite":
		return filepath.Join(DefaultDataDir(), "device.db")
	case "memory":
		return ""
	default:
		return filepath.Join(DefaultDataDir(), "device.yaml")
	}
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("scan.timeout must be > 0")
	}

	if c.Connect.Timeout <= 0 {
		return fmt.Errorf("connect.timeout must be > 0")
	}

	if c.Reconnect.OnLinkLoss {
		if c.Reconnect.MaxAttempts < 1 {
			return fmt.Errorf("reconnect.max_attempts must be >= 1 when reconnect.on_link_loss is set")
		}
		if c.Reconnect.MaxBackoff < time.Second {
			return fmt.Errorf("reconnect.max_backoff must be at least 1s, got %s", c.Reconnect.MaxBackoff)
		}
	}

	switch c.Store.Backend {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("store.backend must be \"file\", \"sqlite\" or \"memory\", got %q", c.Store.Backend)
	}

	switch c.Permission.Mode {
	case "auto", "none":
	default:
		return fmt.Errorf("permission.mode must be \"auto\" or \"none\", got %q", c.Permission.Mode)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# blelink configuration
# Durations use Go syntax (10s, 1m30s). Leave store.path empty for the default location.
`

// WriteDefault writes the default config to DefaultConfigPath. If the file
// already exists it is left untouched and ("", nil) is returned.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
