// Package handlers executes selected actions. Each verb has one handler;
// the dispatcher routes by verb, keeps an idempotency ledger so a replayed
// thought never re-executes side effects, and records an incident node when
// a handler fails.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"ciris/internal/bus"
	"ciris/internal/clock"
	"ciris/internal/graph"
	"ciris/internal/logging"
	"ciris/internal/policy"
	"ciris/internal/types"
)

// Deps carries everything a handler may touch. Handlers never reach outside
// this set.
type Deps struct {
	Memory       *bus.MemoryBus
	Comm         *bus.CommBus
	Tools        *bus.ToolBus
	Wisdom       *bus.WisdomBus
	Store        *graph.Store
	Rules        *policy.Engine
	Clk          clock.Clock
	OccurrenceID string
}

// Handler executes one verb. Implementations return a failed result rather
// than panicking; the dispatcher turns failures into incident nodes.
type Handler interface {
	Verb() types.ActionType
	Handle(ctx context.Context, task types.Task, thought types.Thought, selection types.ActionSelection) types.HandlerResult
}

// Dispatcher routes selections to handlers.
type Dispatcher struct {
	deps     Deps
	handlers map[types.ActionType]Handler

	// ledger keys completed dispatches by thought ID. Re-dispatching the
	// same thought returns the recorded result without re-running effects.
	ledgerMu sync.Mutex
	ledger   map[string]types.HandlerResult
}

func NewDispatcher(deps Deps) *Dispatcher {
	d := &Dispatcher{
		deps:     deps,
		handlers: make(map[types.ActionType]Handler),
		ledger:   make(map[string]types.HandlerResult),
	}
	for _, h := range []Handler{
		&speakHandler{deps},
		&toolHandler{deps},
		&observeHandler{deps},
		&memorizeHandler{deps},
		&recallHandler{deps},
		&forgetHandler{deps},
		&ponderHandler{deps},
		&deferHandler{deps},
		&rejectHandler{deps},
		&completeHandler{deps},
	} {
		d.handlers[h.Verb()] = h
	}
	return d
}

// Dispatch runs the handler for the selected verb exactly once per thought.
func (d *Dispatcher) Dispatch(ctx context.Context, task types.Task, thought types.Thought, selection types.ActionSelection) types.HandlerResult {
	d.ledgerMu.Lock()
	if prior, ok := d.ledger[thought.ThoughtID]; ok {
		d.ledgerMu.Unlock()
		logging.Handlers("replay of %s returns recorded result", thought.ThoughtID)
		return prior
	}
	d.ledgerMu.Unlock()

	h, ok := d.handlers[selection.Action]
	if !ok {
		return failed(fmt.Errorf("no handler for verb %s", selection.Action))
	}

	logging.Handlers("dispatching %s for %s", selection.Action, thought.ThoughtID)
	result := h.Handle(ctx, task, thought, selection)

	// Terminal verbs never chain; drop any follow-up a handler produced.
	if selection.Action.IsTerminal() {
		result.FollowUp = nil
	}

	if result.Status == types.HandlerFailed {
		logging.HandlersError("%s failed for %s: %s", selection.Action, thought.ThoughtID, result.Error)
		d.recordIncident(selection.Action, thought, result.Error)
	}

	d.ledgerMu.Lock()
	d.ledger[thought.ThoughtID] = result
	d.ledgerMu.Unlock()
	return result
}

func (d *Dispatcher) recordIncident(verb types.ActionType, thought types.Thought, detail string) {
	attrs, _ := json.Marshal(map[string]string{
		"description": detail,
		"component":   "handler_" + string(verb),
		"thought_id":  thought.ThoughtID,
	})
	node := types.GraphNode{
		ID:         clock.NewID(d.deps.Clk, "incident"),
		Type:       types.NodeIncident,
		Scope:      types.ScopeLocal,
		Attributes: attrs,
	}
	if _, err := d.deps.Store.PutNode(d.deps.OccurrenceID, node); err != nil {
		logging.HandlersError("incident record failed: %v", err)
	}
}

// followUp builds the next thought in the chain, one level deeper.
func followUp(deps Deps, task types.Task, parent types.Thought, content string) *types.Thought {
	return &types.Thought{
		ThoughtID:       clock.NewID(deps.Clk, "th"),
		TaskID:          task.TaskID,
		ParentThoughtID: parent.ThoughtID,
		Content:         content,
		Depth:           parent.Depth + 1,
		PonderNotes:     parent.PonderNotes,
		CreatedAt:       deps.Clk.Now(),
	}
}

func completed(follow *types.Thought, effects ...string) types.HandlerResult {
	return types.HandlerResult{Status: types.HandlerCompleted, FollowUp: follow, SideEffects: effects}
}

func failed(err error) types.HandlerResult {
	return types.HandlerResult{Status: types.HandlerFailed, Error: err.Error()}
}

// transitionTask moves the task to a terminal status, checked against the
// transition rules.
func transitionTask(deps Deps, task types.Task, to types.TaskStatus) error {
	if !deps.Rules.PermittedTaskTransition(task.Status, to) {
		return fmt.Errorf("illegal task transition %s -> %s for %s", task.Status, to, task.TaskID)
	}
	task.Status = to
	task.UpdatedAt = deps.Clk.Now()
	return deps.Store.SaveTask(task)
}
