//go:build !linux

package ble

import "context"

// enablePowerSource reports PowerOn once the adapter enables and Unsupported
// if it cannot. Platforms other than Linux give us no separate power signal.
type enablePowerSource struct {
	adapter Adapter
}

// NewSystemPowerSource returns the platform power source. adapterID is only
// meaningful on Linux.
func NewSystemPowerSource(_ string, adapter Adapter) PowerSource {
	return &enablePowerSource{adapter: adapter}
}

func (p *enablePowerSource) WatchPower(ctx context.Context) (<-chan PowerState, error) {
	out := make(chan PowerState, 1)
	go func() {
		defer close(out)
		st := PowerOn
		if err := p.adapter.Enable(); err != nil {
			st = PowerUnsupported
		}
		select {
		case out <- st:
		case <-ctx.Done():
			return
		}
		<-ctx.Done()
	}()
	return out, nil
}
