//go:build linux

package permission

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService     = "org.bluez"
	adapterIface     = "org.bluez.Adapter1"
	propsIface       = "org.freedesktop.DBus.Properties"
	accessDeniedName = "org.freedesktop.DBus.Error.AccessDenied"
)

// BluezRequester checks the D-Bus policy that guards BlueZ. Linux has no
// per-capability prompt, so either the bus lets us talk to the adapter and
// every capability is granted, or access is denied for all of them.
type BluezRequester struct {
	adapterPath dbus.ObjectPath
}

// NewBluezRequester creates a requester for the adapter with the given id.
func NewBluezRequester(adapterID string) *BluezRequester {
	if adapterID == "" {
		adapterID = "hci0"
	}
	return &BluezRequester{adapterPath: dbus.ObjectPath("/org/bluez/" + adapterID)}
}

// SystemRequester returns the platform requester.
func SystemRequester(adapterID string) Requester {
	return NewBluezRequester(adapterID)
}

func (r *BluezRequester) RequestCapabilities(ctx context.Context, caps []Capability) (map[Capability]bool, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("permission: connect system bus: %w", err)
	}
	defer conn.Close()

	var names []string
	if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("permission: list bus names: %w", err)
	}
	if !slices.Contains(names, bluezService) {
		return nil, errors.New("permission: org.bluez not found on system bus, is bluetooth.service running?")
	}

	var v dbus.Variant
	err = conn.Object(bluezService, r.adapterPath).
		CallWithContext(ctx, propsIface+".Get", 0, adapterIface, "Powered").
		Store(&v)
	switch {
	case err == nil:
		return grantAll(caps, true), nil
	case isAccessDenied(err):
		return grantAll(caps, false), nil
	default:
		return nil, fmt.Errorf("permission: read adapter %s: %w", r.adapterPath, err)
	}
}

func isAccessDenied(err error) bool {
	var de dbus.Error
	if errors.As(err, &de) {
		return de.Name == accessDeniedName
	}
	var dep *dbus.Error
	if errors.As(err, &dep) {
		return dep.Name == accessDeniedName
	}
	return false
}

func grantAll(caps []Capability, granted bool) map[Capability]bool {
	out := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		out[c] = granted
	}
	return out
}
