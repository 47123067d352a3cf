package graph

import (
	"errors"
	"testing"
	"time"

	"ciris/internal/types"
)

func TestSaveGetTask(t *testing.T) {
	s, clk := newTestStore(t)

	task := types.Task{
		TaskID:       "task_001",
		OccurrenceID: "default",
		ChannelRef:   "discord_123",
		Status:       types.TaskPending,
		Content:      "summarize the meeting",
		Context:      map[string]string{"author": "user_9"},
		CreatedAt:    clk.Now(),
	}
	if err := s.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	got, err := s.GetTask("default", "task_001")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != types.TaskPending || got.Context["author"] != "user_9" {
		t.Errorf("unexpected task: %+v", got)
	}
}

func TestTasksByStatus(t *testing.T) {
	s, clk := newTestStore(t)

	for i, status := range []types.TaskStatus{types.TaskPending, types.TaskActive, types.TaskPending} {
		task := types.Task{
			TaskID:       "task_00" + string(rune('1'+i)),
			OccurrenceID: "default",
			Status:       status,
			CreatedAt:    clk.Now(),
		}
		if err := s.SaveTask(task); err != nil {
			t.Fatalf("SaveTask: %v", err)
		}
	}

	pending, err := s.TasksByStatus("default", types.TaskPending)
	if err != nil {
		t.Fatalf("TasksByStatus: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending count = %d, want 2", len(pending))
	}
}

func TestActiveTaskForChannel(t *testing.T) {
	s, clk := newTestStore(t)

	task := types.Task{
		TaskID:       "task_001",
		OccurrenceID: "default",
		ChannelRef:   "chan_1",
		Status:       types.TaskActive,
		CreatedAt:    clk.Now(),
	}
	if err := s.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	got, found, err := s.ActiveTaskForChannel("default", "chan_1")
	if err != nil || !found {
		t.Fatalf("ActiveTaskForChannel: found=%v err=%v", found, err)
	}
	if got.TaskID != "task_001" {
		t.Errorf("wrong task: %s", got.TaskID)
	}

	_, found, err = s.ActiveTaskForChannel("default", "chan_2")
	if err != nil {
		t.Fatalf("ActiveTaskForChannel: %v", err)
	}
	if found {
		t.Error("found active task on empty channel")
	}

	// Other occurrences never see it.
	_, found, err = s.ActiveTaskForChannel("occ-b", "chan_1")
	if err != nil {
		t.Fatalf("ActiveTaskForChannel: %v", err)
	}
	if found {
		t.Error("active task lookup crossed occurrence boundary")
	}
}

func TestDeferralLifecycle(t *testing.T) {
	s, clk := newTestStore(t)

	rec := types.DeferralRecord{
		DeferralID:        "defer_001",
		TaskID:            "task_001",
		ThoughtID:         "th_005",
		Reason:            "needs human judgment",
		RequiresAuthority: true,
		OccurrenceID:      "default",
		CreatedAt:         clk.Now(),
	}
	if err := s.SaveDeferral(rec); err != nil {
		t.Fatalf("SaveDeferral: %v", err)
	}

	pending, err := s.PendingDeferrals("default")
	if err != nil {
		t.Fatalf("PendingDeferrals: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if !pending[0].RequiresAuthority {
		t.Error("requires_authority not persisted")
	}

	resolved, err := s.ResolveDeferral("default", "defer_001", types.DeferralResolution{
		Approved:   true,
		ResolverID: "wa_admin",
		ResolvedAt: clk.Now(),
		Guidance:   "proceed with the summary",
	})
	if err != nil {
		t.Fatalf("ResolveDeferral: %v", err)
	}
	if resolved.Resolution == nil || !resolved.Resolution.Approved {
		t.Errorf("resolution not recorded: %+v", resolved.Resolution)
	}

	pending, err = s.PendingDeferrals("default")
	if err != nil {
		t.Fatalf("PendingDeferrals: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("resolved deferral still pending")
	}
}

func TestResolveDeferralMissing(t *testing.T) {
	s, clk := newTestStore(t)
	_, err := s.ResolveDeferral("default", "absent", types.DeferralResolution{
		ResolverID: "wa", ResolvedAt: clk.Now(),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDueDeferrals(t *testing.T) {
	s, clk := newTestStore(t)
	now := clk.Now()

	past := types.DeferralRecord{
		DeferralID: "defer_past", TaskID: "t1", OccurrenceID: "default",
		DeferUntil: now.Add(-time.Hour), CreatedAt: now,
	}
	future := types.DeferralRecord{
		DeferralID: "defer_future", TaskID: "t2", OccurrenceID: "default",
		DeferUntil: now.Add(time.Hour), CreatedAt: now,
	}
	for _, rec := range []types.DeferralRecord{past, future} {
		if err := s.SaveDeferral(rec); err != nil {
			t.Fatalf("SaveDeferral: %v", err)
		}
	}

	due, err := s.DueDeferrals("default", now)
	if err != nil {
		t.Fatalf("DueDeferrals: %v", err)
	}
	if len(due) != 1 || due[0].DeferralID != "defer_past" {
		t.Errorf("due = %+v, want only defer_past", due)
	}
}
