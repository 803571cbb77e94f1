package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/blelink/internal/ble"
	"github.com/chaz8081/blelink/internal/config"
	"github.com/chaz8081/blelink/internal/console"
)

const shutdownTimeout = 5 * time.Second

// RunCmd runs the full lifecycle with an interactive console.
type RunCmd struct{}

func (r *RunCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var con *console.Console
	alert := func(msg string) {
		if con != nil {
			con.Alert(msg)
		}
	}
	s, err := newStack(cli.cfg, alert)
	if err != nil {
		return err
	}
	ctrl := s.controller(alert)
	con = console.New(ctrl, struct {
		*ble.Scanner
		*ble.Manager
	}{s.scanner, s.manager}, os.Stdin, os.Stdout)

	s.scanner.Subscribe(con.OnScan)
	s.manager.Subscribe(con.OnState)
	ctrl.Subscribe(con.OnPhase)
	s.serveMetrics(ctrl)

	printBanner(cli.cfg)
	if err := ctrl.Start(); err != nil {
		slog.Error("[Lifecycle] start failed", "error", err)
	}

	runErr := con.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ctrl.Close(shutdownCtx); err != nil {
		slog.Warn("shutdown", "error", err)
	}
	s.close(shutdownCtx)
	fmt.Println("Goodbye!")
	return runErr
}

// ScanCmd runs a single scan session.
type ScanCmd struct {
	Timeout time.Duration `help:"Override scan.timeout"`
}

func (c *ScanCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.Timeout > 0 {
		cli.cfg.Scan.Timeout = c.Timeout
	}
	s, err := newStack(cli.cfg, func(msg string) { fmt.Fprintln(os.Stderr, msg) })
	if err != nil {
		return err
	}
	defer s.close(context.Background())

	if !s.gate.RequestAccess(ctx) {
		return ble.ErrPermissionDenied
	}

	fmt.Printf("Scanning for %s...\n", cli.cfg.Scan.Timeout)
	devices, err := ble.ScanOnce(ctx, s.scanner)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No devices found")
		return nil
	}
	fmt.Println("Available Devices")
	for i, d := range devices {
		fmt.Printf("  %d. %-24s %s %4d dBm\n", i+1, d.Label(), d.ID, d.RSSI)
	}
	return nil
}

// ForgetCmd clears the remembered device.
type ForgetCmd struct{}

func (f *ForgetCmd) Run(cli *CLI) error {
	devices, err := openDevices(cli.cfg)
	if err != nil {
		return err
	}
	defer devices.Close()

	if err := devices.Forget(); err != nil {
		return err
	}
	fmt.Println("Remembered device cleared")
	return nil
}

// StatusCmd prints the remembered device.
type StatusCmd struct{}

func (s *StatusCmd) Run(cli *CLI) error {
	devices, err := openDevices(cli.cfg)
	if err != nil {
		return err
	}
	defer devices.Close()

	id, ok, err := devices.Load()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("No remembered device")
		return nil
	}
	fmt.Printf("Remembered device: %s\n", id)
	return nil
}

// InitCmd writes the default config file.
type InitCmd struct{}

func (i *InitCmd) Run(_ *CLI) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		return errors.New("config file already exists at " + config.DefaultConfigPath())
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== blelink ===")
	fmt.Printf("  Adapter:    %s\n", cfg.Bluetooth.AdapterID)
	fmt.Printf("  Scan:       %s\n", cfg.Scan.Timeout)
	fmt.Printf("  Connect:    %s\n", cfg.Connect.Timeout)
	fmt.Printf("  Store:      %s %s\n", cfg.Store.Backend, cfg.StorePath())
	fmt.Printf("  Permission: %s\n", cfg.Permission.Mode)
	if cfg.Metrics.Listen != "" {
		fmt.Printf("  Metrics:    %s/metrics\n", cfg.Metrics.Listen)
	}
	fmt.Println("===============")
}
