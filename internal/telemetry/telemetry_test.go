package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ciris/internal/bus"
	"ciris/internal/clock"
	"ciris/internal/registry"
	"ciris/internal/types"
)

type fakeMetricsProvider struct {
	name    string
	healthy bool
	delay   time.Duration
	err     error
}

func (f *fakeMetricsProvider) Name() string                { return f.name }
func (f *fakeMetricsProvider) Start(context.Context) error { return nil }
func (f *fakeMetricsProvider) Stop(context.Context) error  { return nil }

func (f *fakeMetricsProvider) Metrics(ctx context.Context) (types.ServiceMetrics, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return types.ServiceMetrics{}, ctx.Err()
		}
	}
	if f.err != nil {
		return types.ServiceMetrics{}, f.err
	}
	return types.ServiceMetrics{
		ServiceName: f.name, Healthy: f.healthy,
		RequestCount: 10, ErrorCount: 1, ErrorRate: 0.1, UptimeSecs: 60,
	}, nil
}

func newAggregator(t *testing.T, timeout time.Duration, providers ...*fakeMetricsProvider) *Aggregator {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	reg := registry.New(3, time.Minute, clk)
	for _, p := range providers {
		err := reg.Register(&registry.Registration{
			Name: p.name, Kind: types.KindMemory, Provider: p,
		})
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return NewAggregator(reg, timeout, clk)
}

func TestSnapshotCollectsAllProviders(t *testing.T) {
	agg := newAggregator(t, time.Second,
		&fakeMetricsProvider{name: "graph_memory", healthy: true},
		&fakeMetricsProvider{name: "loopback_comm", healthy: true})

	snap := agg.Snapshot(context.Background())
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d entries, want 2", len(snap))
	}
	// Sorted by name.
	if snap[0].ServiceName != "graph_memory" || snap[1].ServiceName != "loopback_comm" {
		t.Errorf("snapshot order: %s, %s", snap[0].ServiceName, snap[1].ServiceName)
	}
}

func TestSnapshotMarksSlowProviderUnhealthy(t *testing.T) {
	agg := newAggregator(t, 20*time.Millisecond,
		&fakeMetricsProvider{name: "fast", healthy: true},
		&fakeMetricsProvider{name: "slow", healthy: true, delay: 500 * time.Millisecond})

	snap := agg.Snapshot(context.Background())
	byName := map[string]types.ServiceMetrics{}
	for _, m := range snap {
		byName[m.ServiceName] = m
	}
	if !byName["fast"].Healthy {
		t.Error("fast provider reported unhealthy")
	}
	if byName["slow"].Healthy {
		t.Error("slow provider reported healthy despite timeout")
	}
}

func TestSnapshotMarksFailingProviderUnhealthy(t *testing.T) {
	agg := newAggregator(t, time.Second,
		&fakeMetricsProvider{name: "broken", err: errors.New("db closed")})

	snap := agg.Snapshot(context.Background())
	if len(snap) != 1 || snap[0].Healthy {
		t.Errorf("snapshot = %+v, want broken unhealthy", snap)
	}
}

func TestSnapshotIncludesExtraSources(t *testing.T) {
	agg := newAggregator(t, time.Second)
	agg.sources = append(agg.sources, Source{
		Name:     "llm_bus",
		Provider: &fakeMetricsProvider{name: "llm_bus", healthy: true},
	})

	snap := agg.Snapshot(context.Background())
	if len(snap) != 1 || snap[0].ServiceName != "llm_bus" {
		t.Errorf("snapshot = %+v", snap)
	}
}

// memorizeRecorder is a minimal memory provider capturing memorized nodes.
type memorizeRecorder struct {
	mu    sync.Mutex
	nodes []types.GraphNode
}

func (m *memorizeRecorder) Name() string                { return "recorder" }
func (m *memorizeRecorder) Start(context.Context) error { return nil }
func (m *memorizeRecorder) Stop(context.Context) error  { return nil }
func (m *memorizeRecorder) Metrics(context.Context) (types.ServiceMetrics, error) {
	return types.ServiceMetrics{ServiceName: "recorder", Healthy: true}, nil
}

func (m *memorizeRecorder) Memorize(_ context.Context, _ string, node types.GraphNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = append(m.nodes, node)
	return nil
}

func (m *memorizeRecorder) Recall(context.Context, string, types.NodeFilter) ([]types.GraphNode, error) {
	return nil, nil
}
func (m *memorizeRecorder) Forget(context.Context, string, string) error      { return nil }
func (m *memorizeRecorder) Link(context.Context, string, types.GraphEdge) error { return nil }

func TestMemorizeSnapshotWritesMetricNodes(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	reg := registry.New(3, time.Minute, clk)
	recorder := &memorizeRecorder{}
	if err := reg.Register(&registry.Registration{
		Name: "recorder", Kind: types.KindMemory, Provider: recorder,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	agg := NewAggregator(reg, time.Second, clk)
	memory := bus.NewMemoryBus(reg, time.Second, clk)

	snap := []types.ServiceMetrics{
		{ServiceName: "llm_bus", Healthy: true, RequestCount: 42},
		{ServiceName: "graph_memory", Healthy: false},
	}
	if err := agg.Memorize(context.Background(), memory, "default", snap); err != nil {
		t.Fatalf("Memorize: %v", err)
	}
	if len(recorder.nodes) != 2 {
		t.Fatalf("memorized %d nodes, want 2", len(recorder.nodes))
	}
	for _, n := range recorder.nodes {
		if n.Type != types.NodeMetric {
			t.Errorf("node type = %s, want metric", n.Type)
		}
	}
}

func TestExporterServesSnapshot(t *testing.T) {
	agg := newAggregator(t, time.Second,
		&fakeMetricsProvider{name: "graph_memory", healthy: true})
	exporter := NewExporter(agg)

	srv := httptest.NewServer(exporter.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	text := string(body)
	if !strings.Contains(text, `ciris_service_up{service="graph_memory"} 1`) {
		t.Errorf("exposition missing service_up gauge:\n%s", text)
	}
	if !strings.Contains(text, `ciris_service_requests_total{service="graph_memory"} 10`) {
		t.Errorf("exposition missing request gauge:\n%s", text)
	}
}
