// Package providers holds the in-process service implementations that
// register on the service registry: graph-backed memory, language model
// clients, a local wisdom authority, the sandboxed tool runner, and the
// loopback communication adapter.
package providers

import (
	"context"
	"sync/atomic"
	"time"

	"ciris/internal/clock"
	"ciris/internal/types"
)

// base carries the lifecycle and metrics plumbing shared by every provider.
type base struct {
	name     string
	clk      clock.Clock
	started  atomic.Int64 // unix nanos, 0 until Start
	requests atomic.Int64
	errors   atomic.Int64
}

func newBase(name string, clk clock.Clock) base {
	return base{name: name, clk: clk}
}

func (b *base) Name() string { return b.name }

func (b *base) Start(context.Context) error {
	b.started.Store(b.clk.Now().UnixNano())
	return nil
}

func (b *base) Stop(context.Context) error { return nil }

func (b *base) track(err error) error {
	b.requests.Add(1)
	if err != nil {
		b.errors.Add(1)
	}
	return err
}

func (b *base) Metrics(context.Context) (types.ServiceMetrics, error) {
	requests := b.requests.Load()
	errs := b.errors.Load()
	var rate float64
	if requests > 0 {
		rate = float64(errs) / float64(requests)
	}
	var uptime float64
	if started := b.started.Load(); started > 0 {
		uptime = b.clk.Now().Sub(time.Unix(0, started)).Seconds()
	}
	return types.ServiceMetrics{
		ServiceName:  b.name,
		UptimeSecs:   uptime,
		RequestCount: requests,
		ErrorCount:   errs,
		ErrorRate:    rate,
		Healthy:      true,
	}, nil
}
