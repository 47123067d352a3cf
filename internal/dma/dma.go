// Package dma runs the decision-making algorithms. Three evaluators score a
// thought in parallel (principled, common-sense, domain), then the action
// selector turns the scores into one verb with typed parameters.
package dma

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"ciris/internal/bus"
	"ciris/internal/logging"
	"ciris/internal/types"
)

var (
	// ErrRetriesExhausted means a DMA failed every attempt. The processor
	// treats this as a forced DEFER, never a silent skip.
	ErrRetriesExhausted = errors.New("dma: retries exhausted")
	ErrMalformedOutput  = errors.New("dma: malformed model output")
)

// Evaluator scores one thought. Implementations must be safe for concurrent
// use; the cascade calls all evaluators in parallel.
type Evaluator interface {
	Kind() types.DMAKind
	Evaluate(ctx context.Context, task types.Task, thought types.Thought) (types.DMAResult, error)
}

// Cascade fans a thought out to every evaluator with per-attempt timeouts
// and bounded retries.
type Cascade struct {
	evaluators []Evaluator
	timeout    time.Duration
	retryLimit int
}

func NewCascade(timeout time.Duration, retryLimit int, evaluators ...Evaluator) *Cascade {
	if retryLimit <= 0 {
		retryLimit = 3
	}
	return &Cascade{evaluators: evaluators, timeout: timeout, retryLimit: retryLimit}
}

// Run evaluates the thought with every DMA in parallel. Results come back in
// evaluator registration order regardless of completion order. If any DMA
// exhausts its retries the whole cascade fails.
func (c *Cascade) Run(ctx context.Context, task types.Task, thought types.Thought) ([]types.DMAResult, error) {
	results := make([]types.DMAResult, len(c.evaluators))

	g, gctx := errgroup.WithContext(ctx)
	for i, ev := range c.evaluators {
		i, ev := i, ev
		g.Go(func() error {
			res, err := c.evaluateWithRetry(gctx, ev, task, thought)
			if err != nil {
				return fmt.Errorf("%s: %w", ev.Kind(), err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Cascade) evaluateWithRetry(ctx context.Context, ev Evaluator, task types.Task, thought types.Thought) (types.DMAResult, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retryLimit; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		res, err := ev.Evaluate(attemptCtx, task, thought)
		cancel()
		if err == nil {
			res.Kind = ev.Kind()
			return res, nil
		}
		lastErr = err
		logging.DMAWarn("%s attempt %d/%d on %s failed: %v", ev.Kind(), attempt, c.retryLimit, thought.ThoughtID, err)
		if ctx.Err() != nil {
			return types.DMAResult{}, ctx.Err()
		}
	}
	return types.DMAResult{}, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.retryLimit, lastErr)
}

// llmEvaluator is the shared shape of the three model-backed DMAs. Each one
// differs only in kind, system prompt, and which score it emphasizes.
type llmEvaluator struct {
	kind   types.DMAKind
	system string
	llm    *bus.LLMBus
}

func (e *llmEvaluator) Kind() types.DMAKind { return e.kind }

func (e *llmEvaluator) Evaluate(ctx context.Context, task types.Task, thought types.Thought) (types.DMAResult, error) {
	resp, err := e.llm.GenerateStructured(ctx, types.LLMRequest{
		System:     e.system,
		Prompt:     evaluationPrompt(task, thought),
		SchemaName: "dma_result",
	})
	if err != nil {
		return types.DMAResult{}, err
	}

	var result types.DMAResult
	if err := json.Unmarshal([]byte(resp.Content), &result); err != nil {
		return types.DMAResult{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if bad(result.Alignment) || bad(result.Plausibility) || bad(result.DomainFit) {
		return types.DMAResult{}, fmt.Errorf("%w: scores outside [0,1]", ErrMalformedOutput)
	}
	return result, nil
}

func bad(score float64) bool { return score < 0 || score > 1 }

func evaluationPrompt(task types.Task, thought types.Thought) string {
	prompt := fmt.Sprintf("Task: %s\nThought: %s\nDepth: %d", task.Content, thought.Content, thought.Depth)
	if len(thought.PonderNotes) > 0 {
		prompt += fmt.Sprintf("\nPonder notes: %v", thought.PonderNotes)
	}
	if len(thought.ConscienceFeedback) > 0 {
		prompt += fmt.Sprintf("\nPrior feedback: %v", thought.ConscienceFeedback)
	}
	return prompt
}

// NewPrincipled evaluates a thought against the agent's core principles.
func NewPrincipled(llm *bus.LLMBus) Evaluator {
	return &llmEvaluator{
		kind: types.DMAPrincipled,
		system: "You evaluate a reasoning step against the agent's governing principles: " +
			"beneficence, non-maleficence, integrity, respect for autonomy, and fairness. " +
			"Respond with JSON: alignment, plausibility, domain_fit in [0,1] and notes.",
		llm: llm,
	}
}

// NewCommonSense evaluates physical and practical plausibility.
func NewCommonSense(llm *bus.LLMBus) Evaluator {
	return &llmEvaluator{
		kind: types.DMACommonSense,
		system: "You evaluate a reasoning step for common-sense plausibility: physical " +
			"possibility, typical outcomes, and internal consistency. " +
			"Respond with JSON: alignment, plausibility, domain_fit in [0,1] and notes.",
		llm: llm,
	}
}

// NewDomain evaluates fit against domain-specific knowledge and norms.
func NewDomain(llm *bus.LLMBus) Evaluator {
	return &llmEvaluator{
		kind: types.DMADomain,
		system: "You evaluate a reasoning step against the agent's domain knowledge and " +
			"operating norms for its deployment context. " +
			"Respond with JSON: alignment, plausibility, domain_fit in [0,1] and notes.",
		llm: llm,
	}
}
