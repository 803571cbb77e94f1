package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/blelink/internal/notify"
)

// DefaultScanTimeout bounds every scan session.
const DefaultScanTimeout = 10 * time.Second

// ScanEventKind identifies a scan notification.
type ScanEventKind int

const (
	ScanStarted ScanEventKind = iota
	DeviceFound
	ScanEnded
)

// ScanEvent is published by the Scanner. Devices is always a snapshot of the
// session's discovered set in discovery order.
type ScanEvent struct {
	Kind      ScanEventKind
	SessionID string
	Device    DeviceRecord // the new or updated device, for DeviceFound
	Devices   []DeviceRecord
	Err       error // non-nil for a ScanEnded caused by a radio error
}

// Scanner runs scan sessions against an adapter, at most one at a time.
type Scanner struct {
	adapter Adapter
	timeout time.Duration

	// startMu serializes Start so two callers cannot both run a session.
	startMu sync.Mutex

	mu      sync.Mutex
	current *Session
	last    *Session

	events notify.Broadcaster[ScanEvent]
}

// NewScanner creates a Scanner. A non-positive timeout selects DefaultScanTimeout.
func NewScanner(adapter Adapter, timeout time.Duration) *Scanner {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	return &Scanner{adapter: adapter, timeout: timeout}
}

// Subscribe registers fn for scan notifications.
func (s *Scanner) Subscribe(fn func(ScanEvent)) (unsubscribe func()) {
	return s.events.Subscribe(fn)
}

// Session is a single time-bounded scan.
type Session struct {
	id      string
	scanner *Scanner
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	set DiscoveredSet
	err error
}

// Start stops any active session, then begins a new one with an empty
// discovered set. onFound (which may be nil) is called once for every new or
// changed device. The session stops itself after the scanner's timeout.
//
// onFound runs on the scan goroutine and must not call Start or Stop.
func (s *Scanner) Start(onFound func(DeviceRecord)) *Session {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	prev := s.current
	s.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	sess := &Session{
		id:      uuid.NewString(),
		scanner: s,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.current = sess
	s.last = sess
	s.events.Publish(ScanEvent{Kind: ScanStarted, SessionID: sess.id})
	s.mu.Unlock()
	s.events.Flush()

	slog.Info("[BLE] scan started", "session", sess.id, "timeout", s.timeout)
	go sess.run(onFound)
	return sess
}

// Stop stops the active session, if any.
func (s *Scanner) Stop() {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur != nil {
		cur.Stop()
	}
}

// Active returns the running session, or nil.
func (s *Scanner) Active() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Lookup finds a device in the most recent session's discovered set.
func (s *Scanner) Lookup(id string) (DeviceRecord, bool) {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last == nil {
		return DeviceRecord{}, false
	}
	last.mu.Lock()
	defer last.mu.Unlock()
	return last.set.Lookup(id)
}

// Devices returns the most recent session's discovered devices.
func (s *Scanner) Devices() []DeviceRecord {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last == nil {
		return nil
	}
	return last.Devices()
}

func (sess *Session) run(onFound func(DeviceRecord)) {
	defer close(sess.done)

	var err error
	if err = sess.scanner.adapter.Enable(); err != nil {
		err = fmt.Errorf("enable adapter: %w: %w", ErrAdapterUnavailable, err)
	} else {
		err = sess.scanner.adapter.Scan(sess.ctx, func(adv Advertisement) {
			sess.observe(adv, onFound)
		})
	}
	sess.finish(err)
}

func (sess *Session) observe(adv Advertisement, onFound func(DeviceRecord)) {
	if adv.ID == "" || sess.ctx.Err() != nil {
		return
	}

	sess.mu.Lock()
	rec, changed := sess.set.Observe(recordFromAdvertisement(adv))
	if changed {
		sess.scanner.events.Publish(ScanEvent{
			Kind:      DeviceFound,
			SessionID: sess.id,
			Device:    rec,
			Devices:   sess.set.Devices(),
		})
	}
	sess.mu.Unlock()

	if !changed {
		return
	}
	slog.Debug("[BLE] found device", "session", sess.id, "id", rec.ID, "name", rec.Name, "rssi", rec.RSSI)
	if onFound != nil {
		onFound(rec)
	}
	sess.scanner.events.Flush()
}

func (sess *Session) finish(err error) {
	expired := errors.Is(sess.ctx.Err(), context.DeadlineExceeded)
	if sess.ctx.Err() != nil && !errors.Is(err, ErrAdapterUnavailable) {
		// Cancellation makes the radio return; that is a normal stop.
		err = nil
	}
	if err != nil && !errors.Is(err, ErrAdapterUnavailable) {
		err = fmt.Errorf("%w: %w", ErrScan, err)
	}
	sess.cancel()

	s := sess.scanner
	s.mu.Lock()
	if s.current == sess {
		s.current = nil
	}
	sess.mu.Lock()
	sess.err = err
	devices := sess.set.Devices()
	sess.mu.Unlock()
	s.events.Publish(ScanEvent{Kind: ScanEnded, SessionID: sess.id, Devices: devices, Err: err})
	s.mu.Unlock()
	s.events.Flush()

	switch {
	case err != nil:
		slog.Error("[BLE] scan failed", "session", sess.id, "error", err)
	case expired:
		slog.Info("[BLE] scan window elapsed", "session", sess.id, "devices", len(devices))
	default:
		slog.Info("[BLE] scan stopped", "session", sess.id, "devices", len(devices))
	}
}

// ID returns the session's correlation id.
func (sess *Session) ID() string { return sess.id }

// Stop cancels the scan and its timeout, then waits for the radio to return.
// Stopping an already stopped session is a no-op.
func (sess *Session) Stop() {
	sess.cancel()
	<-sess.done
}

// Done is closed when the session has ended for any reason.
func (sess *Session) Done() <-chan struct{} { return sess.done }

// Err returns the radio error that ended the session, or nil. It is only
// meaningful after Done is closed.
func (sess *Session) Err() error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.err
}

// Devices returns a snapshot of the session's discovered devices.
func (sess *Session) Devices() []DeviceRecord {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.set.Devices()
}

// ScanOnce runs a full session and returns the devices found in it.
func ScanOnce(ctx context.Context, scanner *Scanner) ([]DeviceRecord, error) {
	sess := scanner.Start(nil)
	select {
	case <-sess.Done():
	case <-ctx.Done():
		sess.Stop()
	}
	if err := sess.Err(); err != nil {
		return nil, err
	}
	return sess.Devices(), nil
}
