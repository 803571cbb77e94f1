package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/chaz8081/blelink/internal/ble"
	"github.com/chaz8081/blelink/internal/config"
	"github.com/chaz8081/blelink/internal/lifecycle"
	"github.com/chaz8081/blelink/internal/metrics"
	"github.com/chaz8081/blelink/internal/permission"
	"github.com/chaz8081/blelink/internal/store"
)

// stack is the wired set of components behind every command.
type stack struct {
	cfg     *config.Config
	devices *store.DeviceStore
	radio   *ble.TinyGoAdapter
	scanner *ble.Scanner
	manager *ble.Manager
	gate    *permission.Gate
	monitor *ble.Monitor

	recorder *metrics.Recorder
	server   *http.Server
}

// openDevices opens only the persistence layer.
func openDevices(cfg *config.Config) (*store.DeviceStore, error) {
	kv, err := store.Open(cfg.Store.Backend, cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Backend, err)
	}
	return store.NewDeviceStore(kv), nil
}

func newStack(cfg *config.Config, alert func(string)) (*stack, error) {
	devices, err := openDevices(cfg)
	if err != nil {
		return nil, err
	}

	radio := ble.NewTinyGoAdapter()
	scanner := ble.NewScanner(radio, cfg.Scan.Timeout)
	manager := ble.NewManager(radio, devices, scanner, ble.ManagerOptions{ConnectTimeout: cfg.Connect.Timeout})

	var requester permission.Requester
	if cfg.Permission.Mode == "auto" {
		requester = permission.SystemRequester(cfg.Bluetooth.AdapterID)
	}

	return &stack{
		cfg:     cfg,
		devices: devices,
		radio:   radio,
		scanner: scanner,
		manager: manager,
		gate:    permission.NewGate(requester, alert),
		monitor: ble.NewMonitor(ble.NewSystemPowerSource(cfg.Bluetooth.AdapterID, radio)),
	}, nil
}

// controller builds the lifecycle controller over the stack.
func (s *stack) controller(alert func(string)) *lifecycle.Controller {
	return lifecycle.New(s.monitor, s.gate, s.devices, s.scanner, s.manager, lifecycle.Options{
		ReconnectOnLinkLoss: s.cfg.Reconnect.OnLinkLoss,
		ReconnectAttempts:   s.cfg.Reconnect.MaxAttempts,
		BackoffBase:         time.Second,
		BackoffMax:          s.cfg.Reconnect.MaxBackoff,
		Alert:               alert,
	})
}

// serveMetrics starts the Prometheus endpoint when metrics.listen is set.
func (s *stack) serveMetrics(ctrl *lifecycle.Controller) {
	if s.cfg.Metrics.Listen == "" {
		return
	}
	reg := prom.NewRegistry()
	metrics.RegisterRuntime(reg)
	s.recorder = metrics.NewRecorder(reg)
	s.scanner.Subscribe(s.recorder.ObserveScan)
	s.manager.Subscribe(s.recorder.ObserveState)
	if ctrl != nil {
		ctrl.Subscribe(s.recorder.ObservePhase)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler(reg))
	s.server = &http.Server{Addr: s.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("[Metrics] listening", "addr", s.cfg.Metrics.Listen)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[Metrics] server failed", "error", err)
		}
	}()
}

func (s *stack) close(ctx context.Context) {
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	if err := s.devices.Close(); err != nil {
		slog.Warn("closing store", "error", err)
	}
}
