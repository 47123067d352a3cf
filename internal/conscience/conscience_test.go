package conscience

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"ciris/internal/policy"
	"ciris/internal/types"
)

// stubFaculty returns a fixed result, optionally after a delay.
type stubFaculty struct {
	name   string
	passed bool
	score  float64
	delay  time.Duration
	err    error
	calls  int
}

func (s *stubFaculty) Name() string { return s.name }

func (s *stubFaculty) Check(ctx context.Context, _ types.Task, _ types.Thought, _ types.ActionSelection) (types.FacultyResult, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return types.FacultyResult{}, ctx.Err()
		}
	}
	if s.err != nil {
		return types.FacultyResult{}, s.err
	}
	return types.FacultyResult{
		Faculty:  s.name,
		Passed:   s.passed,
		Score:    s.score,
		Feedback: s.name + " verdict",
	}, nil
}

func newRules(t *testing.T) *policy.Engine {
	t.Helper()
	rules, err := policy.New()
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	return rules
}

func speakSelection() types.ActionSelection {
	params, _ := json.Marshal(types.SpeakParams{Content: "hello"})
	return types.ActionSelection{Action: types.ActionSpeak, Params: params}
}

func TestReviewAllFacultiesPass(t *testing.T) {
	c := New(newRules(t), time.Second, 20,
		&stubFaculty{name: "entropy", passed: true, score: 0.1},
		&stubFaculty{name: "coherence", passed: true, score: 0.9})

	verdict := c.Review(context.Background(), types.Task{}, types.Thought{Depth: 2}, speakSelection())
	if !verdict.Passed || verdict.Bypassed {
		t.Fatalf("verdict = %+v, want clean pass", verdict)
	}
	if len(verdict.Faculties) != 2 {
		t.Errorf("ran %d faculties, want 2", len(verdict.Faculties))
	}
}

func TestReviewFirstFailureDecides(t *testing.T) {
	entropy := &stubFaculty{name: "entropy", passed: false, score: 0.55}
	coherence := &stubFaculty{name: "coherence", passed: true, score: 0.9}
	c := New(newRules(t), time.Second, 20, entropy, coherence)

	verdict := c.Review(context.Background(), types.Task{}, types.Thought{Depth: 2}, speakSelection())
	if verdict.Passed {
		t.Fatal("verdict passed despite entropy failure")
	}
	if verdict.FailedFaculty != "entropy" {
		t.Errorf("failed faculty = %s, want entropy", verdict.FailedFaculty)
	}
	if coherence.calls != 0 {
		t.Error("later faculty ran after the chain already failed")
	}
}

func TestReviewExemptVerbsBypassFaculties(t *testing.T) {
	entropy := &stubFaculty{name: "entropy", passed: false}
	c := New(newRules(t), time.Second, 20, entropy)

	for _, verb := range []types.ActionType{
		types.ActionRecall, types.ActionObserve, types.ActionDefer,
		types.ActionReject, types.ActionTaskComplete,
	} {
		verdict := c.Review(context.Background(), types.Task{}, types.Thought{Depth: 2},
			types.ActionSelection{Action: verb})
		if !verdict.Passed || !verdict.Bypassed {
			t.Errorf("%s: verdict = %+v, want bypassed pass", verb, verdict)
		}
	}
	if entropy.calls != 0 {
		t.Errorf("faculty ran %d times for exempt verbs", entropy.calls)
	}
}

func TestReviewReviewedVerbsDoNotBypass(t *testing.T) {
	entropy := &stubFaculty{name: "entropy", passed: true}
	c := New(newRules(t), time.Second, 20, entropy)

	for _, verb := range []types.ActionType{
		types.ActionSpeak, types.ActionTool, types.ActionMemorize,
		types.ActionForget, types.ActionPonder,
	} {
		verdict := c.Review(context.Background(), types.Task{}, types.Thought{Depth: 2},
			types.ActionSelection{Action: verb})
		if verdict.Bypassed {
			t.Errorf("%s bypassed review", verb)
		}
	}
	if entropy.calls != 5 {
		t.Errorf("faculty ran %d times, want 5", entropy.calls)
	}
}

func TestReviewFacultyTimeoutFails(t *testing.T) {
	slow := &stubFaculty{name: "entropy", passed: true, delay: 200 * time.Millisecond}
	c := New(newRules(t), 20*time.Millisecond, 20, slow)

	verdict := c.Review(context.Background(), types.Task{}, types.Thought{Depth: 2}, speakSelection())
	if verdict.Passed {
		t.Fatal("verdict passed despite faculty timeout")
	}
	if verdict.FailedFaculty != "entropy" {
		t.Errorf("failed faculty = %s", verdict.FailedFaculty)
	}
	if !strings.Contains(verdict.Feedback, "did not answer") {
		t.Errorf("feedback = %q", verdict.Feedback)
	}
}

func TestReviewFacultyErrorFails(t *testing.T) {
	broken := &stubFaculty{name: "coherence", err: errors.New("model unavailable")}
	c := New(newRules(t), time.Second, 20, broken)

	verdict := c.Review(context.Background(), types.Task{}, types.Thought{Depth: 2}, speakSelection())
	if verdict.Passed {
		t.Fatal("verdict passed despite faculty error")
	}
	if verdict.FailedFaculty != "coherence" {
		t.Errorf("failed faculty = %s", verdict.FailedFaculty)
	}
}

func TestReviewRefusesTerminalWithUpdatedInfo(t *testing.T) {
	c := New(newRules(t), time.Second, 20)
	task := types.Task{
		ChannelRef:           "chan_1",
		UpdatedInfoAvailable: true,
		UpdatedInfoContent:   "user sent a correction",
	}

	verdict := c.Review(context.Background(), task, types.Thought{Depth: 3},
		types.ActionSelection{Action: types.ActionTaskComplete})
	if verdict.Passed {
		t.Fatal("terminal action passed with updated info pending")
	}
	// The refusal is a plain failure: the processor re-selects with the
	// feedback rather than dispatching a substitute verb.
	if verdict.OverrideAction != "" {
		t.Errorf("override = %s, want none", verdict.OverrideAction)
	}
	if !strings.Contains(verdict.Feedback, "user sent a correction") {
		t.Errorf("feedback missing new content: %q", verdict.Feedback)
	}

	// Non-terminal verbs are unaffected by the flag.
	verdict = c.Review(context.Background(), task, types.Thought{Depth: 3}, speakSelection())
	if !verdict.Passed {
		t.Errorf("non-terminal verb refused: %+v", verdict)
	}
}

func TestReviewForcesDeferAtDepthCeiling(t *testing.T) {
	c := New(newRules(t), time.Second, 20,
		&stubFaculty{name: "entropy", passed: true})

	verdict := c.Review(context.Background(), types.Task{}, types.Thought{Depth: 20}, speakSelection())
	if verdict.Passed {
		t.Fatal("non-terminal action passed at depth ceiling")
	}
	if verdict.OverrideAction != types.ActionDefer {
		t.Errorf("override = %s, want DEFER", verdict.OverrideAction)
	}

	// Terminal verbs still finish the task at the ceiling.
	verdict = c.Review(context.Background(), types.Task{}, types.Thought{Depth: 20},
		types.ActionSelection{Action: types.ActionTaskComplete})
	if !verdict.Passed {
		t.Errorf("terminal verb refused at depth ceiling: %+v", verdict)
	}
}
