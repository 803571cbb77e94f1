// Package metrics exports the BLE lifecycle as Prometheus metrics. The
// Recorder is fed from the scanner, connection manager and controller event
// streams.
package metrics

import (
	"errors"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	promcollect "github.com/prometheus/client_golang/prometheus/collectors"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaz8081/blelink/internal/ble"
	"github.com/chaz8081/blelink/internal/lifecycle"
)

const namespace = "blelink"

var allPhases = []lifecycle.Phase{
	lifecycle.Idle, lifecycle.AwaitingPower, lifecycle.CheckingPermission, lifecycle.Reconnecting,
	lifecycle.Scanning, lifecycle.Ready, lifecycle.Halted, lifecycle.Closed,
}

// Recorder holds the Prometheus collectors. A nil *Recorder ignores every call.
type Recorder struct {
	scans           *prom.CounterVec
	devicesFound    prom.Counter
	lastScanDevices prom.Gauge
	connects        *prom.CounterVec
	disconnects     *prom.CounterVec
	linkLosses      prom.Counter
	connected       prom.Gauge
	phase           *prom.GaugeVec
}

// NewRecorder constructs the collectors and registers them on reg. A nil reg
// gets a fresh registry, which is handy in tests.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{
		scans: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "scan_sessions_total",
			Help:      "Finished scan sessions by result",
		}, []string{"result"}),
		devicesFound: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "devices_found_total",
			Help:      "New or changed devices reported by scan sessions",
		}),
		lastScanDevices: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "last_scan_devices",
			Help:      "Distinct devices seen by the most recent finished scan",
		}),
		connects: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connect attempts by result",
		}, []string{"result"}),
		disconnects: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Requested disconnects by result",
		}, []string{"result"}),
		linkLosses: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "link_losses_total",
			Help:      "Links dropped by the peripheral",
		}),
		connected: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while a peripheral is connected",
		}),
		phase: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycle_phase",
			Help:      "1 for the current lifecycle phase, 0 otherwise",
		}, []string{"phase"}),
	}
	reg.MustRegister(r.scans, r.devicesFound, r.lastScanDevices, r.connects, r.disconnects, r.linkLosses, r.connected, r.phase)
	for _, p := range allPhases {
		r.phase.WithLabelValues(p.String()).Set(0)
	}
	return r
}

// RegisterRuntime adds the Go runtime and process collectors to reg.
func RegisterRuntime(reg *prom.Registry) {
	reg.MustRegister(promcollect.NewGoCollector(), promcollect.NewProcessCollector(promcollect.ProcessCollectorOpts{}))
}

// ObserveScan records a scan event.
func (r *Recorder) ObserveScan(ev ble.ScanEvent) {
	if r == nil {
		return
	}
	switch ev.Kind {
	case ble.DeviceFound:
		r.devicesFound.Inc()
	case ble.ScanEnded:
		result := "completed"
		if ev.Err != nil {
			result = "failed"
		}
		r.scans.WithLabelValues(result).Inc()
		r.lastScanDevices.Set(float64(len(ev.Devices)))
	}
}

// ObserveState records a connection state transition.
func (r *Recorder) ObserveState(ev ble.StateEvent) {
	if r == nil {
		return
	}
	switch {
	case ev.Previous.Kind == ble.Connecting && ev.State.Kind == ble.Connected:
		r.connects.WithLabelValues("success").Inc()
	case ev.Previous.Kind == ble.Connecting && ev.State.Kind == ble.Disconnected:
		r.connects.WithLabelValues(connectResult(ev.Err)).Inc()
	case ev.Previous.Kind == ble.Disconnecting && ev.State.Kind == ble.Disconnected:
		result := "ok"
		if ev.Err != nil {
			result = "radio_fault"
		}
		r.disconnects.WithLabelValues(result).Inc()
	}
	if ev.LinkLost {
		r.linkLosses.Inc()
	}
	if ev.State.Kind == ble.Connected {
		r.connected.Set(1)
	} else {
		r.connected.Set(0)
	}
}

// ObservePhase records a lifecycle phase change.
func (r *Recorder) ObservePhase(ev lifecycle.PhaseEvent) {
	if r == nil {
		return
	}
	r.phase.WithLabelValues(ev.Previous.String()).Set(0)
	r.phase.WithLabelValues(ev.Phase.String()).Set(1)
}

func connectResult(err error) string {
	switch {
	case errors.Is(err, ble.ErrTimeout):
		return "timeout"
	case errors.Is(err, ble.ErrProfileDiscovery):
		return "profile_discovery"
	case errors.Is(err, ble.ErrUnreachable):
		return "unreachable"
	default:
		return "aborted"
	}
}

// HTTPHandler returns an http.Handler that serves the metrics in reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
