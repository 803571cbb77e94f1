package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/blelink/internal/ble"
	"github.com/chaz8081/blelink/internal/store"
)

var errUnreachable = errors.New("peripheral did not answer")

// fakeRadio is a ble.Adapter whose reachable peripherals are set per test.
type fakeRadio struct {
	mu        sync.Mutex
	adverts   []ble.Advertisement
	reachable map[string]bool
	scans     int
	connects  []string
	conns     []*fakeConn
}

func newFakeRadio(adverts ...ble.Advertisement) *fakeRadio {
	return &fakeRadio{adverts: adverts, reachable: make(map[string]bool)}
}

func (r *fakeRadio) Enable() error { return nil }

func (r *fakeRadio) Scan(ctx context.Context, fn func(ble.Advertisement)) error {
	r.mu.Lock()
	r.scans++
	adverts := append([]ble.Advertisement(nil), r.adverts...)
	r.mu.Unlock()
	for _, a := range adverts {
		fn(a)
	}
	<-ctx.Done()
	return nil
}

func (r *fakeRadio) Connect(_ context.Context, id string) (ble.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects = append(r.connects, id)
	if !r.reachable[id] {
		return nil, errUnreachable
	}
	c := &fakeConn{}
	r.conns = append(r.conns, c)
	return c, nil
}

// setAdverts replaces what later scans hear.
func (r *fakeRadio) setAdverts(adverts ...ble.Advertisement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adverts = adverts
}

func (r *fakeRadio) setReachable(id string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reachable[id] = ok
}

func (r *fakeRadio) scanCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scans
}

func (r *fakeRadio) connectAttempts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.connects...)
}

func (r *fakeRadio) latest() *fakeConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) == 0 {
		return nil
	}
	return r.conns[len(r.conns)-1]
}

type fakeConn struct {
	mu           sync.Mutex
	onDisconnect func()
	disconnects  int
}

func (c *fakeConn) DiscoverProfile(context.Context) error { return nil }

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}

func (c *fakeConn) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// drop simulates the peripheral going away.
func (c *fakeConn) drop() {
	c.mu.Lock()
	fn := c.onDisconnect
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// fakePower feeds power states to the monitor.
type fakePower struct {
	states chan ble.PowerState

	mu      sync.Mutex
	err     error // returned by WatchPower when set
	watches int
}

func newFakePower() *fakePower {
	return &fakePower{states: make(chan ble.PowerState, 16)}
}

func (p *fakePower) WatchPower(context.Context) (<-chan ble.PowerState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watches++
	if p.err != nil {
		return nil, p.err
	}
	return p.states, nil
}

func (p *fakePower) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakePower) watchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watches
}

// fakeAccess counts permission checks.
type fakeAccess struct {
	mu    sync.Mutex
	grant bool
	calls int
}

func (a *fakeAccess) RequestAccess(context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.grant
}

func (a *fakeAccess) set(grant bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.grant = grant
}

func (a *fakeAccess) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type recorder struct {
	mu     sync.Mutex
	phases []Phase
	alerts []string
}

func (r *recorder) phase(ev PhaseEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, ev.Phase)
}

func (r *recorder) alert(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, msg)
}

func (r *recorder) seenPhases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase(nil), r.phases...)
}

func (r *recorder) seenAlerts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.alerts...)
}

type harness struct {
	radio   *fakeRadio
	power   *fakePower
	access  *fakeAccess
	devices *store.DeviceStore
	scanner *ble.Scanner
	manager *ble.Manager
	ctrl    *Controller
	rec     *recorder
}

func newHarness(t *testing.T, radio *fakeRadio, opts Options) *harness {
	t.Helper()
	h := &harness{
		radio:   radio,
		power:   newFakePower(),
		access:  &fakeAccess{grant: true},
		devices: store.NewDeviceStore(store.NewMemoryKV()),
		rec:     &recorder{},
	}
	h.scanner = ble.NewScanner(radio, 50*time.Millisecond)
	h.manager = ble.NewManager(radio, h.devices, h.scanner, ble.ManagerOptions{ConnectTimeout: time.Second})
	opts.Alert = h.rec.alert
	h.ctrl = New(ble.NewMonitor(h.power), h.access, h.devices, h.scanner, h.manager, opts)
	h.ctrl.Subscribe(h.rec.phase)
	t.Cleanup(func() { _ = h.ctrl.Close(context.Background()) })
	return h
}

func fastOptions() Options {
	return Options{
		ReconnectOnLinkLoss: true,
		ReconnectAttempts:   3,
		BackoffBase:         time.Millisecond,
		BackoffMax:          5 * time.Millisecond,
	}
}

func (h *harness) powerOn(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.power.states <- ble.PowerOn
}

func (h *harness) waitPhase(t *testing.T, want Phase) {
	t.Helper()
	waitFor(t, "phase "+want.String(), func() bool { return h.ctrl.Phase() == want })
}

func (h *harness) storedID(t *testing.T) (string, bool) {
	t.Helper()
	id, ok, err := h.devices.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return id, ok
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
