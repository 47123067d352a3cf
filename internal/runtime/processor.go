package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"ciris/internal/audit"
	"ciris/internal/clock"
	"ciris/internal/conscience"
	"ciris/internal/dma"
	"ciris/internal/graph"
	"ciris/internal/handlers"
	"ciris/internal/logging"
	"ciris/internal/types"
)

// Processor drives the reasoning rounds. Each round activates tasks, drains
// a batch of thoughts, and runs every thought through the full pipeline:
// DMA cascade, action selection, conscience review, dispatch.
type Processor struct {
	queue      *Queue
	cascade    *dma.Cascade
	selector   *dma.Selector
	conscience *conscience.Conscience
	dispatcher *handlers.Dispatcher
	auditLog   *audit.Log
	store      *graph.Store
	clk        clock.Clock

	occurrenceID         string
	roundDelay           time.Duration
	conscienceRetryLimit int
	batchSize            int

	paused   atomic.Bool
	stepOnce atomic.Bool
	rounds   atomic.Int64
}

type ProcessorConfig struct {
	OccurrenceID         string
	RoundDelay           time.Duration
	ConscienceRetryLimit int
	BatchSize            int
}

func NewProcessor(queue *Queue, cascade *dma.Cascade, selector *dma.Selector, review *conscience.Conscience, dispatcher *handlers.Dispatcher, auditLog *audit.Log, store *graph.Store, clk clock.Clock, cfg ProcessorConfig) *Processor {
	if cfg.RoundDelay <= 0 {
		cfg.RoundDelay = time.Second
	}
	if cfg.ConscienceRetryLimit <= 0 {
		cfg.ConscienceRetryLimit = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Processor{
		queue:                queue,
		cascade:              cascade,
		selector:             selector,
		conscience:           review,
		dispatcher:           dispatcher,
		auditLog:             auditLog,
		store:                store,
		clk:                  clk,
		occurrenceID:         cfg.OccurrenceID,
		roundDelay:           cfg.RoundDelay,
		conscienceRetryLimit: cfg.ConscienceRetryLimit,
		batchSize:            cfg.BatchSize,
	}
}

// Run loops rounds until the context ends.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.roundDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.paused.Load() && !p.stepOnce.CompareAndSwap(true, false) {
				continue
			}
			p.RunRound(ctx)
		}
	}
}

// RunRound processes one batch of thoughts.
func (p *Processor) RunRound(ctx context.Context) {
	round := p.rounds.Add(1)

	if _, err := p.queue.ReactivateDueDeferrals(); err != nil {
		logging.Rounds("round %d: deferral reactivation failed: %v", round, err)
	}
	if _, err := p.queue.ActivateTasks(); err != nil {
		logging.Rounds("round %d: task activation failed: %v", round, err)
	}

	batch := p.queue.PopThoughts(p.batchSize)
	if len(batch) == 0 {
		return
	}
	logging.Rounds("round %d: processing %d thoughts", round, len(batch))

	for _, thought := range batch {
		if ctx.Err() != nil {
			// Unprocessed thoughts go back for the next start.
			p.queue.EnqueueThought(thought)
			continue
		}
		p.ProcessThought(ctx, thought)
	}
}

// ProcessThought runs one thought through the full pipeline.
func (p *Processor) ProcessThought(ctx context.Context, thought types.Thought) {
	task, err := p.store.GetTask(p.occurrenceID, thought.TaskID)
	if err != nil {
		logging.Rounds("thought %s: task %s gone: %v", thought.ThoughtID, thought.TaskID, err)
		return
	}
	if task.Status != types.TaskActive {
		logging.Rounds("thought %s: task %s is %s, dropping", thought.ThoughtID, task.TaskID, task.Status)
		return
	}

	trace := types.CompleteTrace{
		TraceID:      clock.NewID(p.clk, "trace"),
		ThoughtID:    thought.ThoughtID,
		TaskID:       task.TaskID,
		OccurrenceID: p.occurrenceID,
	}
	addComponent(&trace, types.TraceObservation, map[string]string{
		"channel_ref": task.ChannelRef, "content": task.Content,
	}, p.clk)
	addComponent(&trace, types.TraceContext, thought, p.clk)

	selection, results, verdict := p.decide(ctx, &task, thought)
	addComponent(&trace, types.TraceDMAResults, results, p.clk)
	addComponent(&trace, types.TraceAction, selection, p.clk)
	addComponent(&trace, types.TraceConscience, verdict, p.clk)

	result := p.dispatcher.Dispatch(ctx, task, thought, selection)
	addComponent(&trace, types.TraceOutcome, result, p.clk)

	if result.FollowUp != nil {
		if err := p.queue.EnqueueThought(*result.FollowUp); err != nil {
			logging.Rounds("follow-up for %s dropped: %v", thought.ThoughtID, err)
		}
	}

	if p.auditLog != nil {
		if _, err := p.auditLog.AppendTrace(trace); err != nil {
			logging.Rounds("trace append failed for %s: %v", thought.ThoughtID, err)
		}
	}
}

// decide runs cascade, selection, and conscience review with bounded
// re-selection. Exhausted retries always end in DEFER: deferral is the safe
// floor, and pondering must never become an escape from a failing review.
func (p *Processor) decide(ctx context.Context, task *types.Task, thought types.Thought) (types.ActionSelection, []types.DMAResult, types.ConscienceVerdict) {
	results, err := p.cascade.Run(ctx, *task, thought)
	if err != nil {
		logging.DMA("cascade failed for %s: %v", thought.ThoughtID, err)
		return forcedDefer("evaluation unavailable: " + err.Error()), nil, types.ConscienceVerdict{Passed: true, Bypassed: true}
	}

	current := thought
	for attempt := 0; ; attempt++ {
		selection, err := p.selector.Select(ctx, *task, current, results)
		if err != nil {
			logging.DMA("selection failed for %s: %v", thought.ThoughtID, err)
			return forcedDefer("action selection unavailable: " + err.Error()), results, types.ConscienceVerdict{Passed: true, Bypassed: true}
		}

		verdict := p.conscience.Review(ctx, *task, current, selection)
		p.consumeUpdatedInfo(task)
		if verdict.Passed {
			return selection, results, verdict
		}
		if verdict.OverrideAction != "" {
			return overrideSelection(verdict), results, verdict
		}
		if attempt >= p.conscienceRetryLimit {
			logging.Conscience("%s exhausted %d re-selections, deferring", thought.ThoughtID, p.conscienceRetryLimit)
			return forcedDefer("conscience rejected every candidate action: " + verdict.Feedback), results, verdict
		}
		current.ConscienceFeedback = append(current.ConscienceFeedback, verdict.Feedback)
	}
}

// consumeUpdatedInfo clears the updated-info flag after a reviewed selection.
// The selection prompt embedded the new content and the conscience saw it, so
// the flag is spent whichever way the verdict went; leaving it set would
// refuse terminal verbs forever.
func (p *Processor) consumeUpdatedInfo(task *types.Task) {
	if !task.UpdatedInfoAvailable {
		return
	}
	task.UpdatedInfoAvailable = false
	task.UpdatedAt = p.clk.Now()
	if err := p.store.SaveTask(*task); err != nil {
		logging.Rounds("task %s: updated-info flag not persisted: %v", task.TaskID, err)
	}
}

func forcedDefer(reason string) types.ActionSelection {
	params, _ := json.Marshal(types.DeferParams{Reason: reason})
	return types.ActionSelection{Action: types.ActionDefer, Params: params, Rationale: reason}
}

// overrideSelection builds the replacement verb the conscience forced. The
// depth ceiling is the only source of an override today, and it only ever
// forces DEFER.
func overrideSelection(verdict types.ConscienceVerdict) types.ActionSelection {
	if verdict.OverrideAction == types.ActionDefer {
		params, _ := json.Marshal(types.DeferParams{Reason: verdict.OverrideReason})
		return types.ActionSelection{Action: types.ActionDefer, Params: params, Rationale: verdict.OverrideReason}
	}
	return types.ActionSelection{Action: verdict.OverrideAction, Rationale: verdict.OverrideReason}
}

func addComponent(trace *types.CompleteTrace, kind types.TraceComponentKind, payload interface{}, clk clock.Clock) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	trace.Components = append(trace.Components, types.TraceComponent{
		Kind: kind, Payload: raw, CreatedAt: clk.Now(),
	})
}

// Pause stops round processing; queued work stays queued.
func (p *Processor) Pause() { p.paused.Store(true) }

// Resume restarts round processing.
func (p *Processor) Resume() { p.paused.Store(false) }

// SingleStep lets exactly one round run while paused.
func (p *Processor) SingleStep() error {
	if !p.paused.Load() {
		return errors.New("runtime: single-step requires the processor to be paused")
	}
	p.stepOnce.Store(true)
	return nil
}

// Rounds reports completed round count.
func (p *Processor) Rounds() int64 { return p.rounds.Load() }

// Paused reports whether rounds are suspended.
func (p *Processor) Paused() bool { return p.paused.Load() }
