// Package bus routes typed service calls through the registry. Each bus
// wraps one service kind: it picks candidates in registry order, applies a
// per-call timeout, feeds the provider's breaker, and falls back to the next
// candidate when a call fails.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"ciris/internal/clock"
	"ciris/internal/logging"
	"ciris/internal/registry"
	"ciris/internal/types"
)

var ErrAllProvidersFailed = errors.New("bus: every candidate provider failed")

// core is the shared routing machinery under every typed bus.
type core struct {
	kind     types.ServiceKind
	reg      *registry.Registry
	timeout  time.Duration
	clk      clock.Clock
	started  time.Time

	requests     atomic.Int64
	failures     atomic.Int64
	totalLatency atomic.Int64 // nanoseconds, for the running average
}

func newCore(kind types.ServiceKind, reg *registry.Registry, timeout time.Duration, clk clock.Clock) core {
	return core{kind: kind, reg: reg, timeout: timeout, clk: clk, started: clk.Now()}
}

// invoke runs fn against candidates in order until one succeeds. Every
// attempt is metered and fed to the candidate's breaker.
func (c *core) invoke(ctx context.Context, capability string, fn func(ctx context.Context, r *registry.Registration) error) error {
	candidates := c.reg.Candidates(c.kind, capability)
	if len(candidates) == 0 {
		return fmt.Errorf("%w: kind=%s capability=%q", registry.ErrNoProvider, c.kind, capability)
	}

	var lastErr error
	for _, cand := range candidates {
		c.requests.Add(1)
		cand.Acquire()
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		start := c.clk.Now()
		err := fn(callCtx, cand)
		c.totalLatency.Add(int64(c.clk.Now().Sub(start)))
		cancel()
		cand.Release()

		if err == nil {
			cand.RecordSuccess()
			return nil
		}
		c.failures.Add(1)
		cand.RecordFailure()
		lastErr = err
		logging.BusWarn("%s bus: %s failed, trying next candidate: %v", c.kind, cand.Name, err)

		// A canceled parent context is not the provider's fault; stop here.
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: kind=%s last error: %v", ErrAllProvidersFailed, c.kind, lastErr)
}

// Metrics reports routing counters for the telemetry aggregator.
func (c *core) Metrics(_ context.Context) (types.ServiceMetrics, error) {
	requests := c.requests.Load()
	fails := c.failures.Load()
	var rate float64
	if requests > 0 {
		rate = float64(fails) / float64(requests)
	}
	return types.ServiceMetrics{
		ServiceName:  string(c.kind) + "_bus",
		UptimeSecs:   c.clk.Now().Sub(c.started).Seconds(),
		RequestCount: requests,
		ErrorCount:   fails,
		ErrorRate:    rate,
		Healthy:      len(c.reg.All(c.kind)) > 0,
	}, nil
}

// BusMetrics reports the extended routing view.
func (c *core) BusMetrics(ctx context.Context) (types.BusMetrics, error) {
	base, _ := c.Metrics(ctx)
	requests := base.RequestCount
	var avgMs float64
	if requests > 0 {
		avgMs = float64(c.totalLatency.Load()) / float64(requests) / float64(time.Millisecond)
	}
	return types.BusMetrics{
		ServiceMetrics:      base,
		ActiveSubscriptions: len(c.reg.All(c.kind)),
		AverageLatencyMs:    avgMs,
	}, nil
}
