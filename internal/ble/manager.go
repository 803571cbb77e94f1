package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/blelink/internal/notify"
)

// DefaultConnectTimeout bounds a connect attempt including profile discovery.
const DefaultConnectTimeout = 10 * time.Second

var errLinkDropped = errors.New("link dropped during setup")

// ConnKind tags a ConnectionState.
type ConnKind int

const (
	Disconnected ConnKind = iota
	Connecting
	Connected
	Disconnecting
)

func (k ConnKind) String() string {
	switch k {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	default:
		return "Disconnected"
	}
}

// ConnectionState is Disconnected, Connecting(DeviceID), Connected(Device) or
// Disconnecting(DeviceID).
type ConnectionState struct {
	Kind     ConnKind
	DeviceID string
	Device   DeviceRecord // set only when Connected
}

func (s ConnectionState) String() string {
	if s.Kind == Disconnected {
		return s.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", s.Kind, s.DeviceID)
}

// StateEvent is published on every connection state transition.
type StateEvent struct {
	State    ConnectionState
	Previous ConnectionState
	Err      error // the failure that caused the transition, if any
	LinkLost bool  // the peripheral dropped the link on its own
}

// IDStore persists the id of the last connected device.
type IDStore interface {
	Save(id string) error
	Forget() error
}

// ManagerOptions configures the Manager.
type ManagerOptions struct {
	ConnectTimeout time.Duration
}

// DefaultManagerOptions returns sensible defaults.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{ConnectTimeout: DefaultConnectTimeout}
}

// Manager owns the single active connection.
type Manager struct {
	adapter Adapter
	store   IDStore
	scanner *Scanner // may be nil
	opts    ManagerOptions

	// mu guards the connection state, the live link and the in-flight connect.
	// Store writes also happen under mu so a forget cannot interleave with the
	// persist step of a connect.
	mu            sync.Mutex
	state         ConnectionState
	conn          Connection
	cancelConnect context.CancelFunc
	connectDone   chan struct{}

	events notify.Broadcaster[StateEvent]
}

// NewManager creates a Manager. scanner is stopped before every connect so the
// radio never scans and connects at the same time; it may be nil.
func NewManager(adapter Adapter, store IDStore, scanner *Scanner, opts ManagerOptions) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &Manager{
		adapter: adapter,
		store:   store,
		scanner: scanner,
		opts:    opts,
	}
}

// Subscribe registers fn for state transitions.
func (m *Manager) Subscribe(fn func(StateEvent)) (unsubscribe func()) {
	return m.events.Subscribe(fn)
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// setStateLocked records a transition. Caller must hold mu and call
// m.events.Flush after unlocking.
func (m *Manager) setStateLocked(next ConnectionState, err error, linkLost bool) {
	prev := m.state
	m.state = next
	m.events.Publish(StateEvent{State: next, Previous: prev, Err: err, LinkLost: linkLost})
}

// Connect links to the device, discovers its profile and persists its id.
// It is rejected with ErrBusy unless the manager is Disconnected. A failed
// attempt always returns the manager to Disconnected.
func (m *Manager) Connect(ctx context.Context, id string) (DeviceRecord, error) {
	if id == "" {
		return DeviceRecord{}, &ConnectError{Kind: ErrUnreachable, Err: errors.New("empty device id")}
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	m.mu.Lock()
	if m.state.Kind != Disconnected {
		cur := m.state
		m.mu.Unlock()
		slog.Debug("[BLE] connect rejected", "id", id, "state", cur)
		return DeviceRecord{}, &ConnectError{DeviceID: id, Kind: ErrBusy}
	}
	done := make(chan struct{})
	defer close(done)
	m.cancelConnect = cancel
	m.connectDone = done
	m.setStateLocked(ConnectionState{Kind: Connecting, DeviceID: id}, nil, false)
	m.mu.Unlock()
	m.events.Flush()

	if m.scanner != nil {
		m.scanner.Stop()
	}

	slog.Info("[BLE] connecting", "id", id)
	conn, err := m.dial(ctx, id)
	if err != nil {
		return DeviceRecord{}, m.failConnect(ctx, id, err)
	}

	rec := DeviceRecord{ID: id}
	if m.scanner != nil {
		if seen, ok := m.scanner.Lookup(id); ok {
			rec = seen
		}
	}

	// linkLost ignores drops until m.conn is set, so remember any that land
	// before then.
	var dropped atomic.Bool
	conn.OnDisconnect(func() {
		dropped.Store(true)
		m.linkLost(conn)
	})

	m.mu.Lock()
	if ctx.Err() != nil {
		// Forget or Close cancelled the attempt after the link came up.
		m.mu.Unlock()
		_ = conn.Disconnect()
		return DeviceRecord{}, m.failConnect(ctx, id, ctx.Err())
	}
	if dropped.Load() {
		m.mu.Unlock()
		return DeviceRecord{}, m.failConnect(ctx, id, &ConnectError{DeviceID: id, Kind: ErrUnreachable, Err: errLinkDropped})
	}
	m.conn = conn
	m.cancelConnect = nil
	m.connectDone = nil
	m.setStateLocked(ConnectionState{Kind: Connected, DeviceID: id, Device: rec}, nil, false)
	if err := m.store.Save(id); err != nil {
		slog.Error("[BLE] failed to persist device id", "id", id, "error", err)
	}
	m.mu.Unlock()
	m.events.Flush()

	slog.Info("[BLE] connected", "id", id, "name", rec.Name)
	return rec, nil
}

// dial connects and runs the mandatory profile discovery.
func (m *Manager) dial(ctx context.Context, id string) (Connection, error) {
	if err := m.adapter.Enable(); err != nil {
		return nil, &ConnectError{DeviceID: id, Kind: ErrUnreachable, Err: fmt.Errorf("%w: %w", ErrAdapterUnavailable, err)}
	}
	conn, err := m.adapter.Connect(ctx, id)
	if err != nil {
		kind := ErrUnreachable
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = ErrTimeout
		}
		return nil, &ConnectError{DeviceID: id, Kind: kind, Err: err}
	}
	if err := conn.DiscoverProfile(ctx); err != nil {
		_ = conn.Disconnect()
		return nil, &ConnectError{DeviceID: id, Kind: ErrProfileDiscovery, Err: err}
	}
	return conn, nil
}

func (m *Manager) failConnect(ctx context.Context, id string, err error) error {
	var cerr *ConnectError
	if !errors.As(err, &cerr) {
		kind := ErrUnreachable
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = ErrTimeout
		}
		cerr = &ConnectError{DeviceID: id, Kind: kind, Err: err}
	}

	m.mu.Lock()
	m.cancelConnect = nil
	m.connectDone = nil
	m.setStateLocked(ConnectionState{Kind: Disconnected}, cerr, false)
	m.mu.Unlock()
	m.events.Flush()

	slog.Warn("[BLE] connect failed", "id", id, "error", cerr)
	return cerr
}

// Disconnect closes the active link. The persisted id is kept so the device
// can be reconnected automatically later. It fails with ErrNotConnected unless
// the manager is Connected; a radio failure reports ErrRadioFault and still
// leaves the manager Disconnected.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Kind != Connected {
		m.mu.Unlock()
		return &DisconnectError{Kind: ErrNotConnected}
	}
	conn := m.conn
	id := m.state.DeviceID
	m.setStateLocked(ConnectionState{Kind: Disconnecting, DeviceID: id}, nil, false)
	m.mu.Unlock()
	m.events.Flush()

	err := runWithContext(ctx, conn.Disconnect)

	var derr *DisconnectError
	if err != nil {
		derr = &DisconnectError{DeviceID: id, Kind: ErrRadioFault, Err: err}
	}

	m.mu.Lock()
	m.conn = nil
	if derr != nil {
		m.setStateLocked(ConnectionState{Kind: Disconnected}, derr, false)
	} else {
		m.setStateLocked(ConnectionState{Kind: Disconnected}, nil, false)
	}
	m.mu.Unlock()
	m.events.Flush()

	if derr != nil {
		slog.Error("[BLE] disconnect failed", "id", id, "error", err)
		return derr
	}
	slog.Info("[BLE] disconnected", "id", id)
	return nil
}

// Forget disconnects if needed and deletes the persisted id. An in-flight
// connect is cancelled first. Forgetting twice is harmless.
func (m *Manager) Forget(ctx context.Context) error {
	m.abortConnect(ctx)

	if err := m.Disconnect(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
		slog.Warn("[BLE] disconnect during forget failed", "error", err)
	}

	m.mu.Lock()
	err := m.store.Forget()
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("ble: forget device: %w", err)
	}
	slog.Info("[BLE] forgot device")
	return nil
}

// Close cancels any in-flight connect and disconnects the active link.
// The persisted id is kept.
func (m *Manager) Close(ctx context.Context) error {
	m.abortConnect(ctx)
	if err := m.Disconnect(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// abortConnect cancels an in-flight connect and waits for it to settle.
func (m *Manager) abortConnect(ctx context.Context) {
	m.mu.Lock()
	cancel, done := m.cancelConnect, m.connectDone
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// linkLost handles a link drop the manager did not initiate.
func (m *Manager) linkLost(conn Connection) {
	m.mu.Lock()
	if m.conn != conn || m.state.Kind != Connected {
		m.mu.Unlock()
		return
	}
	id := m.state.DeviceID
	m.conn = nil
	m.setStateLocked(ConnectionState{Kind: Disconnected}, nil, true)
	m.mu.Unlock()
	m.events.Flush()

	slog.Warn("[BLE] link lost", "id", id)
}

// runWithContext runs fn but stops waiting for it once ctx is done.
func runWithContext(ctx context.Context, fn func() error) error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
