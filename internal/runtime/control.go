package runtime

import (
	"context"
	"sync/atomic"
	"time"

	"ciris/internal/clock"
	"ciris/internal/types"
)

// controlService exposes processor control through the registry, so runtime
// adjustments route through the same bus machinery as everything else.
type controlService struct {
	processor *Processor
	states    *StateMachine
	clk       clock.Clock

	started  atomic.Int64
	requests atomic.Int64
}

func newControlService(processor *Processor, states *StateMachine, clk clock.Clock) *controlService {
	return &controlService{processor: processor, states: states, clk: clk}
}

func (c *controlService) Name() string { return "processor_control" }

func (c *controlService) Start(context.Context) error {
	c.started.Store(c.clk.Now().UnixNano())
	return nil
}

func (c *controlService) Stop(context.Context) error { return nil }

func (c *controlService) Pause(context.Context) error {
	c.requests.Add(1)
	c.processor.Pause()
	return nil
}

func (c *controlService) Resume(context.Context) error {
	c.requests.Add(1)
	c.processor.Resume()
	return nil
}

func (c *controlService) SingleStep(context.Context) error {
	c.requests.Add(1)
	return c.processor.SingleStep()
}

func (c *controlService) State(context.Context) (types.CognitiveState, error) {
	c.requests.Add(1)
	return c.states.Current(), nil
}

func (c *controlService) Metrics(context.Context) (types.ServiceMetrics, error) {
	var uptime float64
	if started := c.started.Load(); started > 0 {
		uptime = c.clk.Now().Sub(time.Unix(0, started)).Seconds()
	}
	return types.ServiceMetrics{
		ServiceName:  c.Name(),
		Healthy:      true,
		UptimeSecs:   uptime,
		RequestCount: c.requests.Load(),
	}, nil
}
