package providers

import (
	"context"
	"sync"

	"ciris/internal/clock"
	"ciris/internal/types"
)

// LoopbackComm is an in-process communication adapter. Inbound messages are
// injected by the host (tests, a CLI session, an embedding application) and
// outbound messages are kept per channel for the host to read back.
type LoopbackComm struct {
	base
	mu       sync.Mutex
	inbound  map[string][]types.ChannelMessage
	outbound map[string][]types.ChannelMessage
	notify   chan types.ChannelMessage
}

func NewLoopbackComm(clk clock.Clock) *LoopbackComm {
	return &LoopbackComm{
		base:     newBase("loopback_comm", clk),
		inbound:  map[string][]types.ChannelMessage{},
		outbound: map[string][]types.ChannelMessage{},
		notify:   make(chan types.ChannelMessage, 64),
	}
}

// Inject delivers an inbound message, as if a user had written on the
// channel. The notify stream wakes up whoever watches for observations.
func (c *LoopbackComm) Inject(msg types.ChannelMessage) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = c.clk.Now()
	}
	if msg.MessageID == "" {
		msg.MessageID = clock.NewID(c.clk, "msg")
	}
	c.mu.Lock()
	c.inbound[msg.ChannelRef] = append(c.inbound[msg.ChannelRef], msg)
	c.mu.Unlock()

	select {
	case c.notify <- msg:
	default: // watcher is behind; the message is still fetchable
	}
}

// Notifications exposes the inbound message stream.
func (c *LoopbackComm) Notifications() <-chan types.ChannelMessage {
	return c.notify
}

func (c *LoopbackComm) SendMessage(_ context.Context, channelRef, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbound[channelRef] = append(c.outbound[channelRef], types.ChannelMessage{
		MessageID:  clock.NewID(c.clk, "msg"),
		ChannelRef: channelRef,
		AuthorID:   "agent",
		Content:    content,
		Outbound:   true,
		CreatedAt:  c.clk.Now(),
	})
	return c.track(nil)
}

// FetchMessages returns the newest inbound messages on the channel, oldest
// first.
func (c *LoopbackComm) FetchMessages(_ context.Context, channelRef string, limit int) ([]types.ChannelMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.inbound[channelRef]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]types.ChannelMessage, len(msgs))
	copy(out, msgs)
	c.track(nil)
	return out, nil
}

// Sent returns everything the agent said on a channel, for hosts and tests.
func (c *LoopbackComm) Sent(channelRef string) []types.ChannelMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ChannelMessage, len(c.outbound[channelRef]))
	copy(out, c.outbound[channelRef])
	return out
}
