package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/chaz8081/blelink/internal/config"
)

var version = "dev"

// CLI is the command line definition.
type CLI struct {
	Config  string           `short:"c" help:"Path to config file (default: ~/.config/blelink/config.yaml)" env:"BLELINK_CONFIG"`
	EnvFile string           `name:"env-file" help:"Load environment variables from this file" default:".env"`
	Verbose bool             `short:"v" help:"Enable debug logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Run    RunCmd    `cmd:"" default:"1" help:"Reconnect to the remembered device or scan, then accept commands on stdin"`
	Scan   ScanCmd   `cmd:"" help:"Run one scan session and print the devices found"`
	Forget ForgetCmd `cmd:"" help:"Forget the remembered device"`
	Status StatusCmd `cmd:"" help:"Print the remembered device id"`
	Init   InitCmd   `cmd:"" help:"Write the default config file"`

	cfg *config.Config
}

// AfterApply loads configuration and sets up logging once flags are parsed.
func (c *CLI) AfterApply() error {
	if err := godotenv.Load(c.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", c.EnvFile, err)
	}
	if c.Config == "" {
		c.Config = os.Getenv("BLELINK_CONFIG")
	}

	cfg, err := loadConfig(c.Config)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	c.cfg = cfg

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("blelink"),
		kong.Description("Find, connect to and remember a single Bluetooth LE peripheral."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	// No config file, use defaults
	return config.Default(), nil
}
