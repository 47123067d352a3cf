// Package conscience reviews selected actions before dispatch. Faculties run
// in a fixed priority order and the first failure decides the verdict. Some
// verbs bypass review entirely; a thought at the reasoning depth ceiling is
// the one case where the verdict overrides the selection outright.
package conscience

import (
	"context"
	"fmt"
	"time"

	"ciris/internal/logging"
	"ciris/internal/policy"
	"ciris/internal/types"
)

// Faculty is one independent review. Implementations must honor the context
// deadline; a faculty that overruns its timeout counts as a failure.
type Faculty interface {
	Name() string
	Check(ctx context.Context, task types.Task, thought types.Thought, selection types.ActionSelection) (types.FacultyResult, error)
}

// Conscience runs the faculty chain against a selected action.
type Conscience struct {
	faculties      []Faculty
	rules          *policy.Engine
	facultyTimeout time.Duration
	maxDepth       int
}

func New(rules *policy.Engine, facultyTimeout time.Duration, maxDepth int, faculties ...Faculty) *Conscience {
	if maxDepth <= 0 {
		maxDepth = 20
	}
	return &Conscience{
		faculties:      faculties,
		rules:          rules,
		facultyTimeout: facultyTimeout,
		maxDepth:       maxDepth,
	}
}

// Review evaluates one selection. A terminal verb is refused while newer
// information waits on the task's channel; the failed verdict carries the
// new content as feedback so the next selection can weigh it. A thought at
// the depth ceiling may only end in a deferral. Exempt verbs then bypass
// the faculties; everything else runs the full chain.
func (c *Conscience) Review(ctx context.Context, task types.Task, thought types.Thought, selection types.ActionSelection) types.ConscienceVerdict {
	if selection.Action.IsTerminal() && task.UpdatedInfoAvailable {
		reason := fmt.Sprintf("new information arrived on %s before completion: %s",
			task.ChannelRef, task.UpdatedInfoContent)
		logging.Conscience("refusing terminal %s on %s: updated info pending", selection.Action, thought.ThoughtID)
		return types.ConscienceVerdict{
			Passed:   false,
			Feedback: reason,
		}
	}

	if !selection.Action.IsTerminal() && thought.Depth >= c.maxDepth {
		reason := fmt.Sprintf("reasoning depth %d reached the ceiling %d", thought.Depth, c.maxDepth)
		logging.Conscience("forcing DEFER on %s: %s", thought.ThoughtID, reason)
		return types.ConscienceVerdict{
			Passed:         false,
			Feedback:       reason,
			OverrideAction: types.ActionDefer,
			OverrideReason: reason,
		}
	}

	if c.rules.ExemptAction(selection.Action) {
		logging.ConscienceDebug("%s is exempt from review", selection.Action)
		return types.ConscienceVerdict{Passed: true, Bypassed: true}
	}

	verdict := types.ConscienceVerdict{Passed: true}
	for _, f := range c.faculties {
		result := c.runFaculty(ctx, f, task, thought, selection)
		verdict.Faculties = append(verdict.Faculties, result)
		if !result.Passed {
			verdict.Passed = false
			verdict.FailedFaculty = result.Faculty
			verdict.Feedback = result.Feedback
			logging.Conscience("%s failed %s on %s: %s", selection.Action, result.Faculty, thought.ThoughtID, result.Feedback)
			return verdict
		}
	}
	return verdict
}

func (c *Conscience) runFaculty(ctx context.Context, f Faculty, task types.Task, thought types.Thought, selection types.ActionSelection) types.FacultyResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.facultyTimeout)
	defer cancel()

	done := make(chan types.FacultyResult, 1)
	go func() {
		result, err := f.Check(checkCtx, task, thought, selection)
		if err != nil {
			result = types.FacultyResult{
				Faculty:  f.Name(),
				Passed:   false,
				Feedback: fmt.Sprintf("%s check failed: %v", f.Name(), err),
			}
		}
		result.Faculty = f.Name()
		done <- result
	}()

	select {
	case result := <-done:
		return result
	case <-checkCtx.Done():
		return types.FacultyResult{
			Faculty:  f.Name(),
			Passed:   false,
			Feedback: fmt.Sprintf("%s did not answer within %s", f.Name(), c.facultyTimeout),
		}
	}
}
