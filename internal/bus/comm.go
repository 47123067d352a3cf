package bus

import (
	"context"
	"time"

	"ciris/internal/clock"
	"ciris/internal/registry"
	"ciris/internal/types"
)

// CommBus routes outbound messages and channel polls to communication
// adapters.
type CommBus struct {
	core
}

func NewCommBus(reg *registry.Registry, timeout time.Duration, clk clock.Clock) *CommBus {
	return &CommBus{core: newCore(types.KindCommunication, reg, timeout, clk)}
}

func (b *CommBus) SendMessage(ctx context.Context, channelRef, content string) error {
	return b.invoke(ctx, "", func(ctx context.Context, r *registry.Registration) error {
		return r.Provider.(types.CommService).SendMessage(ctx, channelRef, content)
	})
}

func (b *CommBus) FetchMessages(ctx context.Context, channelRef string, limit int) ([]types.ChannelMessage, error) {
	var msgs []types.ChannelMessage
	err := b.invoke(ctx, "", func(ctx context.Context, r *registry.Registration) error {
		var err error
		msgs, err = r.Provider.(types.CommService).FetchMessages(ctx, channelRef, limit)
		return err
	})
	return msgs, err
}
