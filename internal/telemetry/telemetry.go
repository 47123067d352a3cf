// Package telemetry aggregates service metrics on demand. Nothing pushes:
// the aggregator polls every registered provider and bus in parallel when a
// snapshot is requested, and a provider that cannot answer in time is
// reported unhealthy rather than blocking the snapshot.
package telemetry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ciris/internal/bus"
	"ciris/internal/clock"
	"ciris/internal/logging"
	"ciris/internal/registry"
	"ciris/internal/types"
)

// Source is any named metrics endpoint outside the registry, typically the
// buses themselves.
type Source struct {
	Name     string
	Provider types.MetricsProvider
}

// Aggregator collects one unified snapshot across the whole runtime.
type Aggregator struct {
	reg     *registry.Registry
	sources []Source
	timeout time.Duration
	clk     clock.Clock
}

func NewAggregator(reg *registry.Registry, timeout time.Duration, clk clock.Clock, sources ...Source) *Aggregator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Aggregator{reg: reg, sources: sources, timeout: timeout, clk: clk}
}

// Snapshot polls every provider and source in parallel. The result is
// sorted by service name so successive snapshots are comparable.
func (a *Aggregator) Snapshot(ctx context.Context) []types.ServiceMetrics {
	var targets []Source
	for _, kind := range a.reg.Kinds() {
		for _, r := range a.reg.All(kind) {
			if mp, ok := r.Provider.(types.MetricsProvider); ok {
				targets = append(targets, Source{Name: r.Name, Provider: mp})
			}
		}
	}
	targets = append(targets, a.sources...)

	out := make([]types.ServiceMetrics, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			pollCtx, cancel := context.WithTimeout(gctx, a.timeout)
			defer cancel()

			done := make(chan types.ServiceMetrics, 1)
			go func() {
				m, err := target.Provider.Metrics(pollCtx)
				if err != nil {
					logging.Telemetry("%s metrics failed: %v", target.Name, err)
					m = types.ServiceMetrics{ServiceName: target.Name, Healthy: false}
				}
				if m.ServiceName == "" {
					m.ServiceName = target.Name
				}
				done <- m
			}()

			select {
			case m := <-done:
				out[i] = m
			case <-pollCtx.Done():
				logging.Telemetry("%s metrics timed out", target.Name)
				out[i] = types.ServiceMetrics{ServiceName: target.Name, Healthy: false}
			}
			return nil
		})
	}
	g.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].ServiceName < out[j].ServiceName })
	return out
}

// Memorize writes a snapshot into the graph as metric nodes so the agent
// can reason over its own vitals. One node per service per snapshot.
func (a *Aggregator) Memorize(ctx context.Context, memory *bus.MemoryBus, occurrenceID string, snapshot []types.ServiceMetrics) error {
	var firstErr error
	var once sync.Once
	for _, m := range snapshot {
		attrs, err := json.Marshal(map[string]interface{}{
			"name":          "service_health",
			"value":         boolToFloat(m.Healthy),
			"service":       m.ServiceName,
			"request_count": m.RequestCount,
			"error_count":   m.ErrorCount,
			"error_rate":    m.ErrorRate,
		})
		if err != nil {
			continue
		}
		node := types.GraphNode{
			ID:         clock.NewID(a.clk, "metric"),
			Type:       types.NodeMetric,
			Scope:      types.ScopeLocal,
			Attributes: attrs,
		}
		if err := memory.Memorize(ctx, occurrenceID, node); err != nil {
			once.Do(func() { firstErr = err })
		}
	}
	return firstErr
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
