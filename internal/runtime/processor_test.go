package runtime

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ciris/internal/audit"
	"ciris/internal/bus"
	"ciris/internal/clock"
	"ciris/internal/conscience"
	"ciris/internal/dma"
	"ciris/internal/graph"
	"ciris/internal/handlers"
	"ciris/internal/providers"
	"ciris/internal/registry"
	"ciris/internal/types"
)

// pipeline wires a processor over real stores and buses with a pluggable
// model.
type pipeline struct {
	clk   *clock.Manual
	store *graph.Store
	comm  *providers.LoopbackComm
	queue *Queue
	proc  *Processor
	log   *audit.Log
}

func newPipeline(t *testing.T, llm types.LLMService) *pipeline {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := graph.New(":memory:", clk)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	auditLog, err := audit.Open(":memory:", key, clk)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	rules := newTestRules(t)
	// High breaker threshold so model failures exercise retry paths instead
	// of tripping breakers.
	reg := registry.New(100, time.Minute, clk)
	comm := providers.NewLoopbackComm(clk)
	wisdom := providers.NewLocalWisdom(store, "default", clk)
	for _, r := range []*registry.Registration{
		{Name: "memory", Kind: types.KindMemory, Provider: providers.NewGraphMemory(store, clk)},
		{Name: "model", Kind: types.KindLLM, Provider: llm},
		{Name: "wisdom", Kind: types.KindWisdom, Capabilities: wisdom.Capabilities(), Provider: wisdom},
		{Name: "comm", Kind: types.KindCommunication, Provider: comm},
		{Name: "tools", Kind: types.KindTool, Provider: providers.NewYaegiTools(clk)},
	} {
		if err := reg.Register(r); err != nil {
			t.Fatalf("Register %s: %v", r.Name, err)
		}
	}

	timeout := 5 * time.Second
	memoryBus := bus.NewMemoryBus(reg, timeout, clk)
	llmBus := bus.NewLLMBus(reg, timeout, clk)
	wisdomBus := bus.NewWisdomBus(reg, timeout, clk)
	toolBus := bus.NewToolBus(reg, timeout, clk)
	commBus := bus.NewCommBus(reg, timeout, clk)

	cascade := dma.NewCascade(timeout, 3,
		dma.NewPrincipled(llmBus), dma.NewCommonSense(llmBus), dma.NewDomain(llmBus))
	selector := dma.NewSelector(llmBus, timeout, 3)
	review := conscience.New(rules, timeout, 20,
		conscience.NewEntropy(llmBus, 0.40),
		conscience.NewCoherence(llmBus, 0.60))
	dispatcher := handlers.NewDispatcher(handlers.Deps{
		Memory: memoryBus, Comm: commBus, Tools: toolBus, Wisdom: wisdomBus,
		Store: store, Rules: rules, Clk: clk, OccurrenceID: "default",
	})

	queue := NewQueue(store, rules, clk, "default", 10, 50)
	proc := NewProcessor(queue, cascade, selector, review, dispatcher, auditLog, store, clk,
		ProcessorConfig{OccurrenceID: "default"})
	return &pipeline{clk: clk, store: store, comm: comm, queue: queue, proc: proc, log: auditLog}
}

func TestRoundsDriveTaskToCompletion(t *testing.T) {
	p := newPipeline(t, providers.NewEchoLLM(clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))))
	ctx := context.Background()

	task, err := p.queue.SubmitObservation("chan_a", "hello agent", nil)
	if err != nil {
		t.Fatalf("SubmitObservation: %v", err)
	}

	// Round one: activate, root thought, SPEAK.
	p.proc.RunRound(ctx)
	sent := p.comm.Sent("chan_a")
	if len(sent) != 1 || sent[0].Content != "Acknowledged." {
		t.Fatalf("sent = %+v, want one acknowledgement", sent)
	}
	if p.queue.Depth() != 1 {
		t.Fatalf("depth = %d, want the speak follow-up queued", p.queue.Depth())
	}

	// Round two: the follow-up selects TASK_COMPLETE.
	p.proc.RunRound(ctx)
	got, err := p.store.GetTask("default", task.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != types.TaskCompleted {
		t.Fatalf("status = %s, want %s", got.Status, types.TaskCompleted)
	}
	if p.queue.Depth() != 0 {
		t.Fatalf("depth = %d after terminal action, want 0", p.queue.Depth())
	}

	entries, err := p.log.Entries(10)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	traces := 0
	for _, e := range entries {
		if e.EventType == "complete_trace" {
			traces++
		}
	}
	if traces != 2 {
		t.Fatalf("%d traces audited, want one per processed thought", traces)
	}
}

func TestUpdatedInfoReconsideredThenCompleted(t *testing.T) {
	p := newPipeline(t, providers.NewEchoLLM(p0clock()))
	ctx := context.Background()

	task, err := p.queue.SubmitObservation("chan_a", "hello agent", nil)
	if err != nil {
		t.Fatalf("SubmitObservation: %v", err)
	}

	// Round one: activate, root thought, SPEAK.
	p.proc.RunRound(ctx)

	// A second message lands on the same channel while the task is active.
	if _, err := p.queue.SubmitObservation("chan_a", "wait, one more thing", nil); err != nil {
		t.Fatalf("second SubmitObservation: %v", err)
	}
	flagged, err := p.store.GetTask("default", task.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !flagged.UpdatedInfoAvailable {
		t.Fatal("second observation did not flag the active task")
	}

	// Round two: the follow-up's TASK_COMPLETE is refused, re-selected with
	// the new content in the prompt, and the task still finishes.
	p.proc.RunRound(ctx)
	got, err := p.store.GetTask("default", task.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != types.TaskCompleted {
		t.Fatalf("status = %s, want %s after reconsidering the new message", got.Status, types.TaskCompleted)
	}
	if got.UpdatedInfoAvailable {
		t.Fatal("updated-info flag still set after the reviewed re-selection")
	}

	records, err := p.store.PendingDeferrals("default")
	if err != nil {
		t.Fatalf("PendingDeferrals: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("%d deferrals recorded, want none: %+v", len(records), records)
	}
}

type failingLLM struct{}

func (failingLLM) Name() string                   { return "failing_llm" }
func (failingLLM) Start(context.Context) error    { return nil }
func (failingLLM) Stop(context.Context) error     { return nil }
func (failingLLM) Metrics(context.Context) (types.ServiceMetrics, error) {
	return types.ServiceMetrics{ServiceName: "failing_llm"}, nil
}
func (failingLLM) GenerateStructured(context.Context, types.LLMRequest) (types.LLMResponse, error) {
	return types.LLMResponse{}, errors.New("model offline")
}

func TestCascadeFailureForcesDefer(t *testing.T) {
	p := newPipeline(t, failingLLM{})
	ctx := context.Background()

	task, err := p.queue.SubmitObservation("chan_a", "hello agent", nil)
	if err != nil {
		t.Fatalf("SubmitObservation: %v", err)
	}
	p.proc.RunRound(ctx)

	got, err := p.store.GetTask("default", task.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != types.TaskDeferred {
		t.Fatalf("status = %s, want %s when no evaluation is possible", got.Status, types.TaskDeferred)
	}
	records, err := p.store.PendingDeferrals("default")
	if err != nil {
		t.Fatalf("PendingDeferrals: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("%d deferral records, want 1", len(records))
	}
}

// vetoedLLM evaluates and selects normally but answers every entropy probe
// over the threshold, so the conscience rejects each candidate.
type vetoedLLM struct {
	selections atomic.Int64
}

func (v *vetoedLLM) Name() string                { return "vetoed_llm" }
func (v *vetoedLLM) Start(context.Context) error { return nil }
func (v *vetoedLLM) Stop(context.Context) error  { return nil }
func (v *vetoedLLM) Metrics(context.Context) (types.ServiceMetrics, error) {
	return types.ServiceMetrics{ServiceName: "vetoed_llm"}, nil
}

func (v *vetoedLLM) GenerateStructured(_ context.Context, req types.LLMRequest) (types.LLMResponse, error) {
	var content string
	switch req.SchemaName {
	case "dma_result":
		content = `{"alignment":0.8,"plausibility":0.8,"domain_fit":0.8}`
	case "faculty_score":
		content = `{"score":0.9,"feedback":"rambling and off-topic"}`
	case "action_selection":
		v.selections.Add(1)
		content = `{"selected_action":"SPEAK","action_parameters":{"content":"maybe this?"},"rationale":"attempt"}`
	}
	return types.LLMResponse{Content: content, Model: "vetoed"}, nil
}

func TestConscienceExhaustionEndsInDefer(t *testing.T) {
	llm := &vetoedLLM{}
	p := newPipeline(t, llm)
	ctx := context.Background()

	task, err := p.queue.SubmitObservation("chan_a", "hello agent", nil)
	if err != nil {
		t.Fatalf("SubmitObservation: %v", err)
	}
	p.proc.RunRound(ctx)

	// Initial selection plus two feedback-informed retries.
	if got := llm.selections.Load(); got != 3 {
		t.Fatalf("%d selection attempts, want 3", got)
	}
	got, err := p.store.GetTask("default", task.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != types.TaskDeferred {
		t.Fatalf("status = %s, want %s after exhausted re-selection", got.Status, types.TaskDeferred)
	}
	if len(p.comm.Sent("chan_a")) != 0 {
		t.Fatal("vetoed speech was still delivered")
	}
}

func TestProcessThoughtSkipsNonActiveTask(t *testing.T) {
	p := newPipeline(t, providers.NewEchoLLM(p0clock()))

	task, err := p.queue.SubmitObservation("chan_a", "still pending", nil)
	if err != nil {
		t.Fatalf("SubmitObservation: %v", err)
	}
	p.proc.ProcessThought(context.Background(), types.Thought{
		ThoughtID: "th_orphan", TaskID: task.TaskID, Content: task.Content,
	})
	if len(p.comm.Sent("chan_a")) != 0 {
		t.Fatal("thought for a pending task was processed")
	}
}

func p0clock() *clock.Manual {
	return clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestSingleStepRequiresPause(t *testing.T) {
	p := newPipeline(t, providers.NewEchoLLM(p0clock()))

	if err := p.proc.SingleStep(); err == nil {
		t.Fatal("SingleStep should fail while running")
	}
	p.proc.Pause()
	if !p.proc.Paused() {
		t.Fatal("Paused() = false after Pause")
	}
	if err := p.proc.SingleStep(); err != nil {
		t.Fatalf("SingleStep while paused: %v", err)
	}
	p.proc.Resume()
	if p.proc.Paused() {
		t.Fatal("Paused() = true after Resume")
	}
}
