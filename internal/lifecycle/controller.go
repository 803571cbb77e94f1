// Package lifecycle drives the app-level flow: wait for the adapter to power
// on, check permissions, reconnect to the remembered peripheral or scan for
// one, and route user intents to the scanner and connection manager.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/blelink/internal/ble"
	"github.com/chaz8081/blelink/internal/notify"
)

// AccessChecker grants or denies radio use.
type AccessChecker interface {
	RequestAccess(ctx context.Context) bool
}

// DeviceLoader reads the remembered device id.
type DeviceLoader interface {
	Load() (string, bool, error)
}

// Options configures the Controller.
type Options struct {
	ReconnectOnLinkLoss bool
	ReconnectAttempts   int           // attempts before falling back to a scan
	BackoffBase         time.Duration // delay before the second attempt
	BackoffMax          time.Duration // cap on the delay between attempts
	Alert               func(string)  // user-visible notices; may be nil
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ReconnectOnLinkLoss: true,
		ReconnectAttempts:   5,
		BackoffBase:         time.Second,
		BackoffMax:          30 * time.Second,
	}
}

// Controller sequences the BLE lifecycle.
type Controller struct {
	monitor *ble.Monitor
	access  AccessChecker
	store   DeviceLoader
	scanner *ble.Scanner
	manager *ble.Manager
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu               sync.Mutex
	phase            Phase
	settled          bool  // the automatic flow reached Scanning or Ready
	haltErr          error // cause of the last Halted transition
	sub              *ble.Subscription
	scan             *ble.Session
	cancelReconnect  context.CancelFunc
	reconnectDone    chan struct{}
	unsubscribeState func()

	events notify.Broadcaster[PhaseEvent]
}

// New creates a Controller. The manager must have been created over the same
// scanner.
func New(monitor *ble.Monitor, access AccessChecker, store DeviceLoader, scanner *ble.Scanner, manager *ble.Manager, opts Options) *Controller {
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		monitor: monitor,
		access:  access,
		store:   store,
		scanner: scanner,
		manager: manager,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Subscribe registers fn for phase changes.
func (c *Controller) Subscribe(fn func(PhaseEvent)) (unsubscribe func()) {
	return c.events.Subscribe(fn)
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Start subscribes to adapter power. The first powered-on edge releases the
// subscription and runs the automatic flow in the background.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.phase == Closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase != Idle {
		c.mu.Unlock()
		return errors.New("lifecycle: already started")
	}
	c.setPhaseLocked(AwaitingPower, nil)
	c.unsubscribeState = c.manager.Subscribe(c.onStateEvent)
	c.mu.Unlock()
	c.events.Flush()

	return c.observe()
}

// observe subscribes to the adapter's power state. The phase must already be
// AwaitingPower.
func (c *Controller) observe() error {
	sub, err := c.monitor.Observe(c.ctx, ble.PowerHandlers{
		OnPoweredOn:   c.onPoweredOn,
		OnUnavailable: c.onUnavailable,
		OneShot:       true,
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ble.ErrAdapterUnavailable, err)
		c.setPhase(Halted, err)
		c.raise(AlertUnavailable)
		return err
	}

	c.mu.Lock()
	if c.phase == Closed {
		c.mu.Unlock()
		sub.Stop()
		return ErrClosed
	}
	c.sub = sub
	c.mu.Unlock()
	return nil
}

func (c *Controller) onUnavailable(st ble.PowerState) {
	slog.Warn("[Lifecycle] adapter unavailable", "state", st)
	c.raise(AlertUnavailable)
}

func (c *Controller) onPoweredOn() {
	c.goTracked(func() {
		if err := c.runAutoFlow(c.ctx); err != nil {
			slog.Warn("[Lifecycle] automatic flow stopped", "error", err)
		}
	})
}

// runAutoFlow checks permission, then reconnects to the remembered device or
// scans.
func (c *Controller) runAutoFlow(ctx context.Context) error {
	if !c.setPhase(CheckingPermission, nil) {
		return ErrClosed
	}
	if !c.access.RequestAccess(ctx) {
		c.setPhase(Halted, ble.ErrPermissionDenied)
		return ble.ErrPermissionDenied
	}

	id, ok, err := c.store.Load()
	if err != nil {
		slog.Error("[Lifecycle] failed to read remembered device", "error", err)
		c.raise(AlertStoreUnreadable)
		ok = false
	}
	if ok {
		if !c.setPhase(Reconnecting, nil) {
			return ErrClosed
		}
		slog.Info("[Lifecycle] reconnecting to remembered device", "id", id)
		if _, err := c.manager.Connect(ctx, id); err == nil {
			c.setPhase(Ready, nil)
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		} else {
			slog.Warn("[Lifecycle] remembered device unreachable, scanning", "id", id, "error", err)
			c.raise(fmt.Sprintf("%s: %s", AlertConnectFailed, id))
		}
	}
	c.startScan()
	return nil
}

// startScan begins a fresh scan session and moves to Scanning. The session's
// end moves the phase to Ready.
func (c *Controller) startScan() {
	c.mu.Lock()
	if c.phase == Closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	sess := c.scanner.Start(nil)

	c.mu.Lock()
	if c.phase == Closed {
		c.mu.Unlock()
		sess.Stop()
		return
	}
	c.scan = sess
	c.setPhaseLocked(Scanning, nil)
	c.wg.Add(1)
	c.mu.Unlock()
	c.events.Flush()

	go func() {
		defer c.wg.Done()
		select {
		case <-sess.Done():
		case <-c.ctx.Done():
			return
		}
		if err := sess.Err(); err != nil {
			c.raise(AlertScanError)
		}
		c.mu.Lock()
		if c.scan == sess && c.phase == Scanning {
			c.setPhaseLocked(Ready, sess.Err())
		}
		c.mu.Unlock()
		c.events.Flush()
	}()
}

// onStateEvent reacts to link loss.
func (c *Controller) onStateEvent(ev ble.StateEvent) {
	if !ev.LinkLost {
		return
	}
	id := ev.Previous.DeviceID
	c.goTracked(func() {
		if c.opts.ReconnectOnLinkLoss && id != "" {
			c.reconnectLoop(id)
			return
		}
		c.startScan()
	})
}

// reconnectLoop retries the lost device with exponential backoff, then falls
// back to a scan. A user intent or Close cancels it.
func (c *Controller) reconnectLoop(id string) {
	c.mu.Lock()
	if c.phase == Closed || !c.settled || c.cancelReconnect != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	c.cancelReconnect = cancel
	c.reconnectDone = done
	c.setPhaseLocked(Reconnecting, nil)
	c.mu.Unlock()
	c.events.Flush()

	defer func() {
		cancel()
		c.mu.Lock()
		if c.reconnectDone == done {
			c.cancelReconnect = nil
			c.reconnectDone = nil
		}
		c.mu.Unlock()
		close(done)
	}()

	for attempt := 0; attempt < c.opts.ReconnectAttempts; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, c.opts.BackoffBase, c.opts.BackoffMax)
			slog.Info("[Lifecycle] reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		_, err := c.manager.Connect(ctx, id)
		if err == nil {
			slog.Info("[Lifecycle] reconnected", "id", id)
			c.setPhase(Ready, nil)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ble.ErrBusy) {
			// Something else owns the link now.
			c.setPhase(Ready, nil)
			return
		}
		slog.Warn("[Lifecycle] reconnect failed", "error", err, "attempt", attempt+1)
	}

	slog.Warn("[Lifecycle] giving up on lost device, scanning", "id", id)
	c.raise(fmt.Sprintf("%s: %s", AlertConnectFailed, id))
	c.startScan()
}

// stopReconnect cancels a running reconnect loop and waits for it to exit.
// The phase leaves Reconnecting so it never outlives the loop.
func (c *Controller) stopReconnect() {
	c.mu.Lock()
	cancel, done := c.cancelReconnect, c.reconnectDone
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	c.mu.Lock()
	if c.phase == Reconnecting {
		c.setPhaseLocked(Ready, nil)
	}
	c.mu.Unlock()
	c.events.Flush()
}

// backoffDelay returns the delay before retry n: base, 2*base, 4*base ...
// capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// checkIntent rejects user intents until the automatic flow has settled.
func (c *Controller) checkIntent() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.phase == Closed:
		return ErrClosed
	case !c.settled:
		return fmt.Errorf("%w: %s", ErrNotReady, c.phase)
	}
	return nil
}

// Refresh re-checks permission and starts a new scan, replacing any active
// one. After a permission halt it retries the whole automatic flow; after an
// adapter halt it waits for the adapter to power on again.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	halted := c.phase == Halted && !c.settled
	denied := halted && errors.Is(c.haltErr, ble.ErrPermissionDenied)
	if halted && !denied {
		c.setPhaseLocked(AwaitingPower, nil)
	}
	c.mu.Unlock()
	switch {
	case denied:
		slog.Info("[Lifecycle] retrying after permission halt")
		return c.runAutoFlow(ctx)
	case halted:
		c.events.Flush()
		slog.Info("[Lifecycle] waiting for adapter after halt")
		return c.observe()
	}

	if err := c.checkIntent(); err != nil {
		return err
	}
	c.stopReconnect()
	if !c.access.RequestAccess(ctx) {
		return ble.ErrPermissionDenied
	}
	c.startScan()
	return nil
}

// Connect connects to the selected device after re-checking permission.
func (c *Controller) Connect(ctx context.Context, id string) (ble.DeviceRecord, error) {
	if err := c.checkIntent(); err != nil {
		return ble.DeviceRecord{}, err
	}
	c.stopReconnect()
	if !c.access.RequestAccess(ctx) {
		return ble.DeviceRecord{}, ble.ErrPermissionDenied
	}

	rec, err := c.manager.Connect(ctx, id)
	if err != nil {
		if !errors.Is(err, ble.ErrBusy) {
			c.raise(fmt.Sprintf("%s: %s", AlertConnectFailed, id))
		}
		return ble.DeviceRecord{}, err
	}
	c.setPhase(Ready, nil)
	return rec, nil
}

// Disconnect drops the active link, keeps the remembered id and rescans.
func (c *Controller) Disconnect(ctx context.Context) error {
	if err := c.checkIntent(); err != nil {
		return err
	}
	c.stopReconnect()

	err := c.manager.Disconnect(ctx)
	switch {
	case errors.Is(err, ble.ErrNotConnected):
		return err
	case err != nil:
		c.raise(AlertDisconnectFailed)
	default:
		c.raise(AlertDisconnected)
	}
	c.startScan()
	return err
}

// Forget disconnects if needed, clears the remembered id and rescans.
func (c *Controller) Forget(ctx context.Context) error {
	if err := c.checkIntent(); err != nil {
		return err
	}
	c.stopReconnect()

	err := c.manager.Forget(ctx)
	c.startScan()
	return err
}

// Close stops the flow, the scan and the power subscription, disconnects the
// active link and waits for background work. The remembered id is kept.
// Closing twice is a no-op.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == Closed {
		c.mu.Unlock()
		return nil
	}
	c.setPhaseLocked(Closed, nil)
	sub, unsubscribe := c.sub, c.unsubscribeState
	c.mu.Unlock()
	c.events.Flush()

	c.cancel()
	if sub != nil {
		sub.Stop()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	c.wg.Wait()
	c.scanner.Stop()
	if err := c.manager.Close(ctx); err != nil {
		return fmt.Errorf("lifecycle: close: %w", err)
	}
	slog.Info("[Lifecycle] closed")
	return nil
}

// goTracked runs fn on a goroutine Close waits for. It is a no-op once closed.
func (c *Controller) goTracked(fn func()) {
	c.mu.Lock()
	if c.phase == Closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// setPhase records a transition and delivers it. It returns false once closed.
func (c *Controller) setPhase(p Phase, err error) bool {
	c.mu.Lock()
	ok := c.setPhaseLocked(p, err)
	c.mu.Unlock()
	c.events.Flush()
	return ok
}

func (c *Controller) setPhaseLocked(p Phase, err error) bool {
	if c.phase == Closed {
		return false
	}
	if p == Scanning || p == Ready {
		c.settled = true
	}
	if p == Halted {
		c.haltErr = err
	}
	prev := c.phase
	c.phase = p
	c.events.Publish(PhaseEvent{Phase: p, Previous: prev, Err: err})
	slog.Debug("[Lifecycle] phase", "from", prev, "to", p)
	return true
}

func (c *Controller) raise(msg string) {
	if c.opts.Alert != nil {
		c.opts.Alert(msg)
	}
}
