package bus

import (
	"context"
	"time"

	"ciris/internal/clock"
	"ciris/internal/registry"
	"ciris/internal/types"
)

// LLMBus routes structured-generation calls to language model providers.
type LLMBus struct {
	core
}

func NewLLMBus(reg *registry.Registry, timeout time.Duration, clk clock.Clock) *LLMBus {
	return &LLMBus{core: newCore(types.KindLLM, reg, timeout, clk)}
}

// GenerateStructured tries each candidate until one produces a response.
// Malformed output is the caller's concern; the bus only handles transport.
func (b *LLMBus) GenerateStructured(ctx context.Context, req types.LLMRequest) (types.LLMResponse, error) {
	var resp types.LLMResponse
	err := b.invoke(ctx, "", func(ctx context.Context, r *registry.Registration) error {
		var err error
		resp, err = r.Provider.(types.LLMService).GenerateStructured(ctx, req)
		return err
	})
	return resp, err
}
