package bus

import (
	"context"
	"time"

	"ciris/internal/clock"
	"ciris/internal/registry"
	"ciris/internal/types"
)

// RuntimeControlBus routes processor control commands.
type RuntimeControlBus struct {
	core
}

func NewRuntimeControlBus(reg *registry.Registry, timeout time.Duration, clk clock.Clock) *RuntimeControlBus {
	return &RuntimeControlBus{core: newCore(types.KindRuntimeControl, reg, timeout, clk)}
}

func (b *RuntimeControlBus) Pause(ctx context.Context) error {
	return b.invoke(ctx, "", func(ctx context.Context, r *registry.Registration) error {
		return r.Provider.(types.RuntimeControlService).Pause(ctx)
	})
}

func (b *RuntimeControlBus) Resume(ctx context.Context) error {
	return b.invoke(ctx, "", func(ctx context.Context, r *registry.Registration) error {
		return r.Provider.(types.RuntimeControlService).Resume(ctx)
	})
}

func (b *RuntimeControlBus) SingleStep(ctx context.Context) error {
	return b.invoke(ctx, "", func(ctx context.Context, r *registry.Registration) error {
		return r.Provider.(types.RuntimeControlService).SingleStep(ctx)
	})
}

func (b *RuntimeControlBus) State(ctx context.Context) (types.CognitiveState, error) {
	var state types.CognitiveState
	err := b.invoke(ctx, "", func(ctx context.Context, r *registry.Registration) error {
		var err error
		state, err = r.Provider.(types.RuntimeControlService).State(ctx)
		return err
	})
	return state, err
}
