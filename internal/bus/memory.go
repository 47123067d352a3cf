package bus

import (
	"context"
	"time"

	"ciris/internal/clock"
	"ciris/internal/registry"
	"ciris/internal/types"
)

// MemoryBus routes graph persistence calls to memory providers.
type MemoryBus struct {
	core
}

func NewMemoryBus(reg *registry.Registry, timeout time.Duration, clk clock.Clock) *MemoryBus {
	return &MemoryBus{core: newCore(types.KindMemory, reg, timeout, clk)}
}

func (b *MemoryBus) Memorize(ctx context.Context, occurrenceID string, node types.GraphNode) error {
	return b.invoke(ctx, "", func(ctx context.Context, r *registry.Registration) error {
		return r.Provider.(types.MemoryService).Memorize(ctx, occurrenceID, node)
	})
}

func (b *MemoryBus) Recall(ctx context.Context, occurrenceID string, filter types.NodeFilter) ([]types.GraphNode, error) {
	var nodes []types.GraphNode
	err := b.invoke(ctx, "", func(ctx context.Context, r *registry.Registration) error {
		var err error
		nodes, err = r.Provider.(types.MemoryService).Recall(ctx, occurrenceID, filter)
		return err
	})
	return nodes, err
}

func (b *MemoryBus) Forget(ctx context.Context, occurrenceID, nodeID string) error {
	return b.invoke(ctx, "", func(ctx context.Context, r *registry.Registration) error {
		return r.Provider.(types.MemoryService).Forget(ctx, occurrenceID, nodeID)
	})
}

func (b *MemoryBus) Link(ctx context.Context, occurrenceID string, edge types.GraphEdge) error {
	return b.invoke(ctx, "", func(ctx context.Context, r *registry.Registration) error {
		return r.Provider.(types.MemoryService).Link(ctx, occurrenceID, edge)
	})
}
