package providers

import (
	"context"

	"ciris/internal/clock"
	"ciris/internal/graph"
	"ciris/internal/types"
)

// GraphMemory is the default memory provider, backed by the SQLite graph
// store.
type GraphMemory struct {
	base
	store *graph.Store
}

func NewGraphMemory(store *graph.Store, clk clock.Clock) *GraphMemory {
	return &GraphMemory{base: newBase("graph_memory", clk), store: store}
}

func (m *GraphMemory) Memorize(_ context.Context, occurrenceID string, node types.GraphNode) error {
	_, err := m.store.PutNode(occurrenceID, node)
	return m.track(err)
}

func (m *GraphMemory) Recall(_ context.Context, occurrenceID string, filter types.NodeFilter) ([]types.GraphNode, error) {
	nodes, err := m.store.SearchNodes(occurrenceID, filter)
	return nodes, m.track(err)
}

func (m *GraphMemory) Forget(_ context.Context, occurrenceID, nodeID string) error {
	return m.track(m.store.DeleteNode(occurrenceID, nodeID))
}

func (m *GraphMemory) Link(_ context.Context, occurrenceID string, edge types.GraphEdge) error {
	return m.track(m.store.Link(occurrenceID, edge))
}
