package bus

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ciris/internal/clock"
	"ciris/internal/logging"
	"ciris/internal/registry"
	"ciris/internal/types"
)

// WisdomBus routes deferrals and guidance requests to wise authorities.
// Guidance fans out to every matching provider; deferrals go to one.
type WisdomBus struct {
	core
}

func NewWisdomBus(reg *registry.Registry, timeout time.Duration, clk clock.Clock) *WisdomBus {
	return &WisdomBus{core: newCore(types.KindWisdom, reg, timeout, clk)}
}

// SubmitDeferral hands a deferral to the highest-priority authority.
func (b *WisdomBus) SubmitDeferral(ctx context.Context, rec types.DeferralRecord) error {
	return b.invoke(ctx, "", func(ctx context.Context, r *registry.Registration) error {
		return r.Provider.(types.WisdomService).SubmitDeferral(ctx, rec)
	})
}

// FetchGuidance asks every authority advertising the capability in parallel
// and returns whatever answered within the timeout. Provider failures are
// logged and dropped; an empty slice with a nil error means nobody answered.
func (b *WisdomBus) FetchGuidance(ctx context.Context, capability, question string) ([]types.WisdomAdvice, error) {
	providers := b.reg.Broadcast(types.KindWisdom, capability)
	if len(providers) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	var advice []types.WisdomAdvice

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range providers {
		p := p
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, b.timeout)
			defer cancel()

			b.requests.Add(1)
			a, err := p.Provider.(types.WisdomService).FetchGuidance(callCtx, capability, question)
			if err != nil {
				b.failures.Add(1)
				p.RecordFailure()
				logging.BusWarn("wisdom bus: %s guidance failed: %v", p.Name, err)
				return nil
			}
			p.RecordSuccess()
			mu.Lock()
			advice = append(advice, a)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return advice, err
	}
	return advice, nil
}
