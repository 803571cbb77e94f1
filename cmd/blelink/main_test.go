package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
)

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Scan.Timeout != 10*time.Second {
		t.Errorf("Scan.Timeout = %v, want default 10s", cfg.Scan.Timeout)
	}
}

func TestLoadConfigExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blelink.yaml")
	if err := os.WriteFile(path, []byte("scan:\n  timeout: 2s\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Scan.Timeout != 2*time.Second {
		t.Errorf("Scan.Timeout = %v, want 2s", cfg.Scan.Timeout)
	}
}

func TestCLIParse(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("BLELINK_STORE_BACKEND", "memory")

	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"})
	if err != nil {
		t.Fatalf("kong.New() error = %v", err)
	}
	ctx, err := parser.Parse([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env"), "scan", "--timeout", "3s"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if ctx.Command() != "scan" {
		t.Errorf("Command() = %q, want scan", ctx.Command())
	}
	if cli.Scan.Timeout != 3*time.Second {
		t.Errorf("Scan.Timeout = %v, want 3s", cli.Scan.Timeout)
	}
	if cli.cfg == nil || cli.cfg.Store.Backend != "memory" {
		t.Errorf("AfterApply should load config with env overrides, got %+v", cli.cfg)
	}
}
