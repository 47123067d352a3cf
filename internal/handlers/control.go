package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ciris/internal/clock"
	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// PONDER
// =============================================================================

type ponderHandler struct{ deps Deps }

func (h *ponderHandler) Verb() types.ActionType { return types.ActionPonder }

func (h *ponderHandler) Handle(_ context.Context, task types.Task, thought types.Thought, selection types.ActionSelection) types.HandlerResult {
	var params types.PonderParams
	if err := selection.DecodeParams(&params); err != nil {
		return failed(err)
	}

	content := "Pondering the task further."
	if len(params.Questions) > 0 {
		content = "Open questions:\n- " + strings.Join(params.Questions, "\n- ")
	}
	follow := followUp(h.deps, task, thought, content)
	follow.PonderNotes = append(follow.PonderNotes, params.Questions...)
	return completed(follow, "pondered")
}

// =============================================================================
// DEFER
// =============================================================================

type deferHandler struct{ deps Deps }

func (h *deferHandler) Verb() types.ActionType { return types.ActionDefer }

func (h *deferHandler) Handle(ctx context.Context, task types.Task, thought types.Thought, selection types.ActionSelection) types.HandlerResult {
	var params types.DeferParams
	if err := selection.DecodeParams(&params); err != nil {
		return failed(err)
	}
	if params.Reason == "" {
		params.Reason = "deferred without explicit reason"
	}

	if err := transitionTask(h.deps, task, types.TaskDeferred); err != nil {
		return failed(err)
	}

	// A deferral without a wake time waits on a wise authority; only a
	// resolution brings the task back. With a wake time it is a scheduled
	// snooze the queue reactivates on its own.
	rec := types.DeferralRecord{
		DeferralID:        clock.NewID(h.deps.Clk, "defer"),
		TaskID:            task.TaskID,
		ThoughtID:         thought.ThoughtID,
		Reason:            params.Reason,
		DeferUntil:        params.DeferUntil,
		RequiresAuthority: params.DeferUntil.IsZero(),
		OccurrenceID:      h.deps.OccurrenceID,
		CreatedAt:         h.deps.Clk.Now(),
	}
	if err := h.deps.Store.SaveDeferral(rec); err != nil {
		return failed(fmt.Errorf("record deferral: %w", err))
	}

	// Escalation is best-effort: the deferral is durable locally even when
	// no authority is reachable.
	if err := h.deps.Wisdom.SubmitDeferral(ctx, rec); err != nil {
		logging.HandlersError("deferral %s not escalated: %v", rec.DeferralID, err)
	}

	return completed(nil, "deferred task "+task.TaskID)
}

// =============================================================================
// REJECT
// =============================================================================

type rejectHandler struct{ deps Deps }

func (h *rejectHandler) Verb() types.ActionType { return types.ActionReject }

func (h *rejectHandler) Handle(ctx context.Context, task types.Task, thought types.Thought, selection types.ActionSelection) types.HandlerResult {
	var params types.RejectParams
	if err := selection.DecodeParams(&params); err != nil {
		return failed(err)
	}

	if err := transitionTask(h.deps, task, types.TaskRejected); err != nil {
		return failed(err)
	}

	effects := []string{"rejected task " + task.TaskID}
	if params.CreateFilter && params.FilterPattern != "" {
		attrs, _ := json.Marshal(map[string]string{
			"key":     "adaptive_filter",
			"value":   params.FilterPattern,
			"reason":  params.Reason,
			"task_id": task.TaskID,
		})
		node := types.GraphNode{
			ID:         clock.NewID(h.deps.Clk, "filter"),
			Type:       types.NodeConfig,
			Scope:      types.ScopeLocal,
			Attributes: attrs,
		}
		if err := h.deps.Memory.Memorize(ctx, h.deps.OccurrenceID, node); err != nil {
			return failed(fmt.Errorf("record adaptive filter: %w", err))
		}
		effects = append(effects, "created filter "+node.ID)
	}

	return completed(nil, effects...)
}

// =============================================================================
// TASK_COMPLETE
// =============================================================================

type completeHandler struct{ deps Deps }

func (h *completeHandler) Verb() types.ActionType { return types.ActionTaskComplete }

func (h *completeHandler) Handle(_ context.Context, task types.Task, _ types.Thought, _ types.ActionSelection) types.HandlerResult {
	if err := transitionTask(h.deps, task, types.TaskCompleted); err != nil {
		return failed(err)
	}
	return completed(nil, "completed task "+task.TaskID)
}
