//go:build linux

package ble

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService = "org.bluez"
	adapterIface = "org.bluez.Adapter1"
	propsIface   = "org.freedesktop.DBus.Properties"
)

// BluezPowerSource reads Adapter1.Powered from BlueZ over the system bus and
// follows its PropertiesChanged signals.
type BluezPowerSource struct {
	path dbus.ObjectPath
}

// NewSystemPowerSource returns the platform power source. On Linux it watches
// the BlueZ adapter with the given id (e.g. "hci0"); the adapter argument is
// unused.
func NewSystemPowerSource(adapterID string, _ Adapter) PowerSource {
	if adapterID == "" {
		adapterID = "hci0"
	}
	return &BluezPowerSource{path: dbus.ObjectPath("/org/bluez/" + adapterID)}
}

func (p *BluezPowerSource) WatchPower(ctx context.Context) (<-chan PowerState, error) {
	// A private connection so closing it cannot disturb other bus users.
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect system bus: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(p.path),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ble: subscribe to %s: %w", p.path, err)
	}
	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)

	initial := PowerUnsupported
	var v dbus.Variant
	if err := conn.Object(bluezService, p.path).Call(propsIface+".Get", 0, adapterIface, "Powered").Store(&v); err != nil {
		slog.Warn("[BLE] adapter not found on BlueZ", "path", p.path, "error", err)
	} else if powered, ok := v.Value().(bool); ok {
		initial = poweredState(powered)
	}

	out := make(chan PowerState, 4)
	go func() {
		defer close(out)
		defer conn.Close()
		defer conn.RemoveSignal(signals)

		if !sendPower(ctx, out, initial) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				st, ok := powerFromSignal(sig)
				if !ok {
					continue
				}
				if !sendPower(ctx, out, st) {
					return
				}
			}
		}
	}()
	return out, nil
}

// powerFromSignal extracts Adapter1.Powered from a PropertiesChanged signal.
func powerFromSignal(sig *dbus.Signal) (PowerState, bool) {
	if sig == nil || sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
		return PowerUnknown, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != adapterIface {
		return PowerUnknown, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return PowerUnknown, false
	}
	v, ok := changed["Powered"]
	if !ok {
		return PowerUnknown, false
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return PowerUnknown, false
	}
	return poweredState(powered), true
}

func poweredState(powered bool) PowerState {
	if powered {
		return PowerOn
	}
	return PowerOff
}

func sendPower(ctx context.Context, out chan<- PowerState, st PowerState) bool {
	select {
	case out <- st:
		return true
	case <-ctx.Done():
		return false
	}
}
