package lifecycle

import "errors"

// Phase is the stage of the app-level flow.
type Phase int

const (
	Idle Phase = iota
	AwaitingPower
	CheckingPermission
	Reconnecting
	Scanning
	Ready
	Halted
	Closed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case AwaitingPower:
		return "AwaitingPower"
	case CheckingPermission:
		return "CheckingPermission"
	case Reconnecting:
		return "Reconnecting"
	case Scanning:
		return "Scanning"
	case Ready:
		return "Ready"
	case Halted:
		return "Halted"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// PhaseEvent is published on every phase change.
type PhaseEvent struct {
	Phase    Phase
	Previous Phase
	Err      error
}

var (
	// ErrNotReady rejects user intents before the automatic flow has settled.
	ErrNotReady = errors.New("lifecycle: not ready")
	// ErrClosed rejects calls after Close.
	ErrClosed = errors.New("lifecycle: closed")
)

// User-visible alerts.
const (
	AlertUnavailable      = "Bluetooth is not enabled or supported"
	AlertConnectFailed    = "Failed to connect to device"
	AlertScanError        = "Device Scan Error"
	AlertStoreUnreadable  = "Failed to retrieve the connected device ID"
	AlertDisconnected     = "Disconnected from device"
	AlertDisconnectFailed = "Failed to disconnect from device"
)
