// Package permission gates radio use on the runtime capabilities the platform
// requires before scanning for or connecting to Bluetooth LE peripherals.
package permission

import (
	"context"
	"log/slog"
)

// Capability is a runtime permission the app needs.
type Capability string

const (
	LocateNearby Capability = "locate-nearby-devices"
	BLEScan      Capability = "ble-scan"
	BLEConnect   Capability = "ble-connect"
)

// Required lists every capability that must be granted before radio use.
var Required = []Capability{LocateNearby, BLEScan, BLEConnect}

// Requester asks the platform for capabilities and reports which were granted.
type Requester interface {
	RequestCapabilities(ctx context.Context, caps []Capability) (map[Capability]bool, error)
}

// Alert messages surfaced to the user.
const (
	AlertNotGranted    = "Permissions not granted"
	AlertRequestFailed = "Permissions request failed"
)

// Gate asks for all required capabilities at once.
type Gate struct {
	requester Requester
	alert     func(string)
}

// NewGate creates a Gate. A nil requester means the platform has no runtime
// permission model and every request is granted. alert may be nil.
func NewGate(requester Requester, alert func(string)) *Gate {
	return &Gate{requester: requester, alert: alert}
}

// RequestAccess returns true only if every required capability is granted.
// Denial and request failures return false and raise an alert.
func (g *Gate) RequestAccess(ctx context.Context) bool {
	if g.requester == nil {
		return true
	}

	granted, err := g.requester.RequestCapabilities(ctx, Required)
	if err != nil {
		slog.Error("[Permission] request failed", "error", err)
		g.raise(AlertRequestFailed)
		return false
	}
	for _, c := range Required {
		if !granted[c] {
			slog.Warn("[Permission] capability not granted", "capability", c)
			g.raise(AlertNotGranted)
			return false
		}
	}
	slog.Debug("[Permission] all capabilities granted")
	return true
}

func (g *Gate) raise(msg string) {
	if g.alert != nil {
		g.alert(msg)
	}
}

// Static grants a fixed answer. It backs the "none" permission mode, where
// no check is made, and is handy in tests.
type Static struct {
	Grant bool
	Err   error
}

func (s Static) RequestCapabilities(_ context.Context, caps []Capability) (map[Capability]bool, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	out := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		out[c] = s.Grant
	}
	return out, nil
}
