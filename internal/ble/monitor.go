package ble

import (
	"context"
	"fmt"
	"log/slog"
)

// PowerHandlers are the callbacks of a power subscription. They run on the
// monitor's goroutine and should not block.
type PowerHandlers struct {
	// OnPoweredOn fires once per transition into PowerOn.
	OnPoweredOn func()
	// OnUnavailable fires once per transition into a non-powered state.
	OnUnavailable func(PowerState)
	// OneShot releases the subscription right after the first powered-on edge.
	OneShot bool
}

// Monitor observes adapter power transitions.
type Monitor struct {
	source PowerSource
}

// NewMonitor creates a Monitor over the given power source.
func NewMonitor(source PowerSource) *Monitor {
	return &Monitor{source: source}
}

// Subscription is a live power observation.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop releases the subscription and waits for the watcher to exit. It is
// safe to call more than once, but not from inside a handler.
func (s *Subscription) Stop() {
	s.cancel()
	<-s.done
}

// Done is closed once the subscription is released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Observe subscribes to power transitions until ctx is done or the
// subscription is stopped.
func (m *Monitor) Observe(ctx context.Context, h PowerHandlers) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	states, err := m.source.WatchPower(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ble: watch adapter power: %w", err)
	}

	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer cancel()

		last := PowerUnknown
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-states:
				if !ok {
					return
				}
				if st == last || st == PowerUnknown {
					continue
				}
				last = st

				if st != PowerOn {
					slog.Warn("[BLE] bluetooth is not enabled or supported", "state", st)
					if h.OnUnavailable != nil {
						h.OnUnavailable(st)
					}
					continue
				}

				slog.Info("[BLE] adapter powered on")
				if h.OneShot {
					cancel()
				}
				if h.OnPoweredOn != nil {
					h.OnPoweredOn()
				}
				if h.OneShot {
					return
				}
			}
		}
	}()
	return sub, nil
}
