package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"ciris/internal/clock"
	"ciris/internal/types"
)

// =============================================================================
// SPEAK
// =============================================================================

type speakHandler struct{ deps Deps }

func (h *speakHandler) Verb() types.ActionType { return types.ActionSpeak }

func (h *speakHandler) Handle(ctx context.Context, task types.Task, thought types.Thought, selection types.ActionSelection) types.HandlerResult {
	var params types.SpeakParams
	if err := selection.DecodeParams(&params); err != nil {
		return failed(err)
	}
	if params.Content == "" {
		return failed(fmt.Errorf("speak with empty content"))
	}
	channel := params.ChannelRef
	if channel == "" {
		channel = task.ChannelRef
	}
	if channel == "" {
		return failed(fmt.Errorf("speak with no channel"))
	}

	if err := h.deps.Comm.SendMessage(ctx, channel, params.Content); err != nil {
		return failed(fmt.Errorf("send on %s: %w", channel, err))
	}

	// Record the outbound message so future recalls see what was said.
	attrs, _ := json.Marshal(map[string]string{
		"content":     params.Content,
		"channel_ref": channel,
		"direction":   "outbound",
	})
	node := types.GraphNode{
		ID:         clock.NewID(h.deps.Clk, "msg"),
		Type:       types.NodeMessage,
		Scope:      types.ScopeLocal,
		Attributes: attrs,
	}
	if err := h.deps.Memory.Memorize(ctx, h.deps.OccurrenceID, node); err != nil {
		return failed(fmt.Errorf("memorize outbound message: %w", err))
	}

	follow := followUp(h.deps, task, thought,
		fmt.Sprintf("Spoke on %s. Decide whether the task is complete.", channel))
	return completed(follow, "sent message on "+channel)
}

// =============================================================================
// TOOL
// =============================================================================

type toolHandler struct{ deps Deps }

func (h *toolHandler) Verb() types.ActionType { return types.ActionTool }

func (h *toolHandler) Handle(ctx context.Context, task types.Task, thought types.Thought, selection types.ActionSelection) types.HandlerResult {
	var params types.ToolParams
	if err := selection.DecodeParams(&params); err != nil {
		return failed(err)
	}
	if params.Name == "" {
		return failed(fmt.Errorf("tool with no name"))
	}

	result, err := h.deps.Tools.ExecuteTool(ctx, params.Name, params.Args)
	if err != nil {
		return failed(err)
	}
	if !result.Success {
		return failed(fmt.Errorf("tool %s: %s", params.Name, result.Error))
	}

	follow := followUp(h.deps, task, thought,
		fmt.Sprintf("Tool %s returned: %s", params.Name, result.Output))
	return completed(follow, "executed tool "+params.Name)
}

// =============================================================================
// OBSERVE
// =============================================================================

type observeHandler struct{ deps Deps }

func (h *observeHandler) Verb() types.ActionType { return types.ActionObserve }

func (h *observeHandler) Handle(ctx context.Context, task types.Task, thought types.Thought, selection types.ActionSelection) types.HandlerResult {
	var params types.ObserveParams
	if err := selection.DecodeParams(&params); err != nil {
		return failed(err)
	}
	channel := params.ChannelRef
	if channel == "" {
		channel = task.ChannelRef
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	msgs, err := h.deps.Comm.FetchMessages(ctx, channel, limit)
	if err != nil {
		return failed(fmt.Errorf("fetch from %s: %w", channel, err))
	}

	content := fmt.Sprintf("Observed %d messages on %s.", len(msgs), channel)
	for _, m := range msgs {
		content += fmt.Sprintf("\n[%s] %s", m.AuthorID, m.Content)
	}
	follow := followUp(h.deps, task, thought, content)
	return completed(follow, fmt.Sprintf("observed %s", channel))
}
