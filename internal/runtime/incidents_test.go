package runtime

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"ciris/internal/clock"
	"ciris/internal/graph"
	"ciris/internal/types"
)

func newTestAnalyzer(t *testing.T) (*IncidentAnalyzer, *graph.Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := graph.New(":memory:", clk)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewIncidentAnalyzer(store, clk, "default"), store, clk
}

func putIncident(t *testing.T, store *graph.Store, id, description, component string) {
	t.Helper()
	attrs, _ := json.Marshal(map[string]string{
		"description": description,
		"component":   component,
	})
	_, err := store.PutNode("default", types.GraphNode{
		ID:         id,
		Type:       types.NodeIncident,
		Scope:      types.ScopeLocal,
		Attributes: attrs,
	})
	if err != nil {
		t.Fatalf("PutNode %s: %v", id, err)
	}
}

func TestAnalyzeGroupsByComponent(t *testing.T) {
	a, store, clk := newTestAnalyzer(t)

	// Distinct leading tokens and wide spacing keep the other groupers quiet.
	words := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	for i, w := range words {
		putIncident(t, store, fmt.Sprintf("incident_%d", i), w+" failure", "handler_SPEAK")
		clk.Advance(10 * time.Minute)
	}

	problems, err := a.Analyze()
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if problems != 1 {
		t.Fatalf("problems = %d, want 1 for the repeating component", problems)
	}

	nodes, err := store.SearchNodes("default", types.NodeFilter{Type: types.NodeProblem})
	if err != nil {
		t.Fatalf("SearchNodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("%d problem nodes, want 1", len(nodes))
	}
	var attrs struct {
		GroupKey      string `json:"group_key"`
		IncidentCount int    `json:"incident_count"`
	}
	if err := json.Unmarshal(nodes[0].Attributes, &attrs); err != nil {
		t.Fatalf("attrs: %v", err)
	}
	if attrs.GroupKey != "component_handler_SPEAK" || attrs.IncidentCount != 5 {
		t.Fatalf("attrs = %+v", attrs)
	}

	insights, err := store.SearchNodes("default", types.NodeFilter{Type: types.NodeInsight})
	if err != nil {
		t.Fatalf("SearchNodes insights: %v", err)
	}
	if len(insights) != 1 {
		t.Fatalf("%d insights, want 1", len(insights))
	}
}

func TestAnalyzeGroupsByLeadingToken(t *testing.T) {
	a, store, clk := newTestAnalyzer(t)

	for i := 0; i < 3; i++ {
		putIncident(t, store, fmt.Sprintf("incident_%d", i),
			"Timeout waiting on provider", fmt.Sprintf("component_%d", i))
		clk.Advance(10 * time.Minute)
	}

	problems, err := a.Analyze()
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if problems != 1 {
		t.Fatalf("problems = %d, want 1 for the shared token", problems)
	}
}

func TestAnalyzeDetectsBursts(t *testing.T) {
	a, store, _ := newTestAnalyzer(t)

	// Five incidents in the same instant: distinct tokens and components,
	// but one five-minute bucket.
	words := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	for i, w := range words {
		putIncident(t, store, fmt.Sprintf("incident_%d", i), w+" failed", fmt.Sprintf("component_%d", i))
	}

	problems, err := a.Analyze()
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if problems != 1 {
		t.Fatalf("problems = %d, want 1 burst", problems)
	}
}

func TestAnalyzeBelowThresholdsFindsNothing(t *testing.T) {
	a, store, clk := newTestAnalyzer(t)

	putIncident(t, store, "incident_0", "timeout on provider", "handler_SPEAK")
	clk.Advance(10 * time.Minute)
	putIncident(t, store, "incident_1", "timeout on provider", "handler_SPEAK")
	clk.Advance(10 * time.Minute)

	problems, err := a.Analyze()
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if problems != 0 {
		t.Fatalf("problems = %d, want 0 below every threshold", problems)
	}
}

func TestAnalyzeIgnoresIncidentsOutsideWindow(t *testing.T) {
	a, store, clk := newTestAnalyzer(t)

	for i := 0; i < 5; i++ {
		putIncident(t, store, fmt.Sprintf("incident_%d", i), "old failure", "handler_SPEAK")
	}
	clk.Advance(25 * time.Hour)

	problems, err := a.Analyze()
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if problems != 0 {
		t.Fatalf("problems = %d, want 0 for stale incidents", problems)
	}
}

func TestAnalyzeIsIdempotent(t *testing.T) {
	a, store, clk := newTestAnalyzer(t)

	words := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	for i, w := range words {
		putIncident(t, store, fmt.Sprintf("incident_%d", i), w+" failure", "handler_SPEAK")
		clk.Advance(10 * time.Minute)
	}

	if _, err := a.Analyze(); err != nil {
		t.Fatalf("first Analyze: %v", err)
	}
	if _, err := a.Analyze(); err != nil {
		t.Fatalf("second Analyze: %v", err)
	}

	nodes, err := store.SearchNodes("default", types.NodeFilter{Type: types.NodeProblem})
	if err != nil {
		t.Fatalf("SearchNodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("%d problem nodes after a re-run, want 1", len(nodes))
	}
}
