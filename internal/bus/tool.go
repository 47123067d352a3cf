package bus

import (
	"context"
	"fmt"
	"time"

	"ciris/internal/clock"
	"ciris/internal/logging"
	"ciris/internal/registry"
	"ciris/internal/types"
)

// ToolBus routes tool execution. Tools are routed by name: the bus asks each
// candidate what it offers and dispatches to the first provider listing the
// requested tool.
type ToolBus struct {
	core
}

func NewToolBus(reg *registry.Registry, timeout time.Duration, clk clock.Clock) *ToolBus {
	return &ToolBus{core: newCore(types.KindTool, reg, timeout, clk)}
}

// ListTools aggregates the catalogs of every reachable provider. Duplicate
// names keep the higher-priority provider's entry.
func (b *ToolBus) ListTools(ctx context.Context) ([]types.ToolInfo, error) {
	seen := make(map[string]bool)
	var all []types.ToolInfo

	for _, cand := range b.reg.Candidates(types.KindTool, "") {
		callCtx, cancel := context.WithTimeout(ctx, b.timeout)
		tools, err := cand.Provider.(types.ToolService).ListTools(callCtx)
		cancel()
		if err != nil {
			logging.BusWarn("tool bus: %s catalog failed: %v", cand.Name, err)
			continue
		}
		for _, t := range tools {
			if !seen[t.Name] {
				seen[t.Name] = true
				all = append(all, t)
			}
		}
	}
	return all, nil
}

// ExecuteTool dispatches to the first candidate offering the named tool.
func (b *ToolBus) ExecuteTool(ctx context.Context, name string, args map[string]string) (types.ToolResult, error) {
	candidates := b.reg.Candidates(types.KindTool, "")
	if len(candidates) == 0 {
		return types.ToolResult{}, fmt.Errorf("%w: kind=%s", registry.ErrNoProvider, types.KindTool)
	}

	for _, cand := range candidates {
		svc := cand.Provider.(types.ToolService)

		listCtx, cancel := context.WithTimeout(ctx, b.timeout)
		tools, err := svc.ListTools(listCtx)
		cancel()
		if err != nil {
			cand.RecordFailure()
			continue
		}
		offered := false
		for _, t := range tools {
			if t.Name == name {
				offered = true
				break
			}
		}
		if !offered {
			continue
		}

		b.requests.Add(1)
		cand.Acquire()
		callCtx, cancel := context.WithTimeout(ctx, b.timeout)
		start := b.clk.Now()
		result, err := svc.ExecuteTool(callCtx, name, args)
		b.totalLatency.Add(int64(b.clk.Now().Sub(start)))
		cancel()
		cand.Release()

		if err != nil {
			b.failures.Add(1)
			cand.RecordFailure()
			return types.ToolResult{}, fmt.Errorf("tool %s on %s: %w", name, cand.Name, err)
		}
		cand.RecordSuccess()
		return result, nil
	}
	return types.ToolResult{}, fmt.Errorf("bus: no provider offers tool %q", name)
}
