// Package ble owns the lifecycle of a single BLE peripheral: adapter power
// observation, unfiltered time-bounded scanning with deduplication, and the
// one-connection-at-a-time connect/disconnect/forget state machine.
//
// The radio itself sits behind the Adapter, Connection and PowerSource
// interfaces so the state machine can be driven by mocks in tests.
package ble

import "context"

// Advertisement is a single advertising report delivered by the radio.
type Advertisement struct {
	ID   string // platform address (MAC on Linux, CoreBluetooth UUID on macOS)
	Name string
	RSSI int
	Raw  []byte
}

// Connection represents an active BLE link to a peripheral.
type Connection interface {
	// DiscoverProfile enumerates the peripheral's services and
	// characteristics. A link is not usable until this succeeds.
	DiscoverProfile(ctx context.Context) error
	// Disconnect terminates the link.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable initializes the BLE stack. Safe to call repeatedly.
	Enable() error
	// Scan listens for advertisements from every device, with no filter,
	// calling onAdvertisement for each report. It blocks until ctx is done
	// (returning nil) or the radio reports an error.
	Scan(ctx context.Context, onAdvertisement func(Advertisement)) error
	// Connect establishes a link to the device with the given id.
	Connect(ctx context.Context, id string) (Connection, error)
}

// PowerState is the adapter's radio power state.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerOn
	PowerOff
	PowerUnsupported
)

func (s PowerState) String() string {
	switch s {
	case PowerOn:
		return "PoweredOn"
	case PowerOff:
		return "PoweredOff"
	case PowerUnsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

// PowerSource streams adapter power states. The current state is sent first,
// followed by every change. The channel is closed once ctx is done.
type PowerSource interface {
	WatchPower(ctx context.Context) (<-chan PowerState, error)
}
