package dma

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ciris/internal/bus"
	"ciris/internal/logging"
	"ciris/internal/types"
)

// Selector is the action-selection DMA. It takes the cascade's scores plus
// any conscience feedback and commits to exactly one verb.
type Selector struct {
	llm        *bus.LLMBus
	timeout    time.Duration
	retryLimit int
}

func NewSelector(llm *bus.LLMBus, timeout time.Duration, retryLimit int) *Selector {
	if retryLimit <= 0 {
		retryLimit = 3
	}
	return &Selector{llm: llm, timeout: timeout, retryLimit: retryLimit}
}

const selectorSystem = "You are the action selector. Given a thought, its task, DMA " +
	"evaluations, and any conscience feedback from prior attempts, choose exactly one " +
	"action verb and its parameters. Verbs: SPEAK, TOOL, OBSERVE, MEMORIZE, RECALL, " +
	"FORGET, PONDER, DEFER, REJECT, TASK_COMPLETE. Respond with JSON: selected_action, " +
	"action_parameters, rationale. Conscience feedback describes why the previous " +
	"selection was refused; choose differently."

// Select asks the model for one action. Malformed output is retried up to
// the retry limit; a response naming an unknown verb counts as malformed.
func (s *Selector) Select(ctx context.Context, task types.Task, thought types.Thought, results []types.DMAResult) (types.ActionSelection, error) {
	prompt := s.buildPrompt(task, thought, results)

	var lastErr error
	for attempt := 1; attempt <= s.retryLimit; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		resp, err := s.llm.GenerateStructured(attemptCtx, types.LLMRequest{
			System:     selectorSystem,
			Prompt:     prompt,
			SchemaName: "action_selection",
		})
		cancel()
		if err != nil {
			lastErr = err
		} else if selection, perr := parseSelection(resp.Content); perr != nil {
			lastErr = perr
			logging.DMAWarn("selector attempt %d/%d on %s: %v", attempt, s.retryLimit, thought.ThoughtID, perr)
		} else {
			logging.DMA("selected %s for %s: %s", selection.Action, thought.ThoughtID, selection.Rationale)
			return selection, nil
		}
		if ctx.Err() != nil {
			return types.ActionSelection{}, ctx.Err()
		}
	}
	return types.ActionSelection{}, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, s.retryLimit, lastErr)
}

func (s *Selector) buildPrompt(task types.Task, thought types.Thought, results []types.DMAResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nThought: %s\nDepth: %d\n", task.Content, thought.Content, thought.Depth)
	for _, r := range results {
		fmt.Fprintf(&b, "%s: alignment=%.2f plausibility=%.2f domain_fit=%.2f %s\n",
			r.Kind, r.Alignment, r.Plausibility, r.DomainFit, r.Notes)
	}
	if len(thought.ConscienceFeedback) > 0 {
		fmt.Fprintf(&b, "Conscience feedback:\n")
		for _, f := range thought.ConscienceFeedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if task.UpdatedInfoAvailable {
		fmt.Fprintf(&b, "New information arrived on this task's channel: %s\n", task.UpdatedInfoContent)
	}
	return b.String()
}

func parseSelection(content string) (types.ActionSelection, error) {
	var selection types.ActionSelection
	if err := json.Unmarshal([]byte(content), &selection); err != nil {
		return types.ActionSelection{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	// Models sometimes lowercase the verb.
	selection.Action = types.ActionType(strings.ToUpper(string(selection.Action)))
	if !selection.Action.Valid() {
		return types.ActionSelection{}, fmt.Errorf("%w: unknown verb %q", ErrMalformedOutput, selection.Action)
	}
	return selection, nil
}
