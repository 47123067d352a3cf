package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"ciris/internal/types"
)

// =============================================================================
// MEMORIZE
// =============================================================================

type memorizeHandler struct{ deps Deps }

func (h *memorizeHandler) Verb() types.ActionType { return types.ActionMemorize }

func (h *memorizeHandler) Handle(ctx context.Context, task types.Task, thought types.Thought, selection types.ActionSelection) types.HandlerResult {
	var params types.MemorizeParams
	if err := selection.DecodeParams(&params); err != nil {
		return failed(err)
	}
	if params.Node.ID == "" || params.Node.Type == "" {
		return failed(fmt.Errorf("memorize with incomplete node"))
	}

	if err := h.deps.Memory.Memorize(ctx, h.deps.OccurrenceID, params.Node); err != nil {
		return failed(err)
	}

	follow := followUp(h.deps, task, thought,
		fmt.Sprintf("Memorized %s node %s.", params.Node.Type, params.Node.ID))
	return completed(follow, "memorized "+params.Node.ID)
}

// =============================================================================
// RECALL
// =============================================================================

type recallHandler struct{ deps Deps }

func (h *recallHandler) Verb() types.ActionType { return types.ActionRecall }

func (h *recallHandler) Handle(ctx context.Context, task types.Task, thought types.Thought, selection types.ActionSelection) types.HandlerResult {
	var params types.RecallParams
	if err := selection.DecodeParams(&params); err != nil {
		return failed(err)
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 10
	}

	nodes, err := h.deps.Memory.Recall(ctx, h.deps.OccurrenceID, types.NodeFilter{
		Type:     params.Type,
		Scope:    params.Scope,
		IDPrefix: params.IDPrefix,
		Limit:    limit,
	})
	if err != nil {
		return failed(err)
	}

	content := fmt.Sprintf("Recalled %d nodes.", len(nodes))
	for _, n := range nodes {
		compact, _ := json.Marshal(n.Attributes)
		content += fmt.Sprintf("\n%s (%s): %s", n.ID, n.Type, compact)
	}
	follow := followUp(h.deps, task, thought, content)
	return completed(follow, fmt.Sprintf("recalled %d nodes", len(nodes)))
}

// =============================================================================
// FORGET
// =============================================================================

type forgetHandler struct{ deps Deps }

func (h *forgetHandler) Verb() types.ActionType { return types.ActionForget }

func (h *forgetHandler) Handle(ctx context.Context, task types.Task, thought types.Thought, selection types.ActionSelection) types.HandlerResult {
	var params types.ForgetParams
	if err := selection.DecodeParams(&params); err != nil {
		return failed(err)
	}
	if params.NodeID == "" {
		return failed(fmt.Errorf("forget with no node id"))
	}

	if err := h.deps.Memory.Forget(ctx, h.deps.OccurrenceID, params.NodeID); err != nil {
		return failed(err)
	}

	follow := followUp(h.deps, task, thought,
		fmt.Sprintf("Forgot node %s.", params.NodeID))
	return completed(follow, "forgot "+params.NodeID)
}
