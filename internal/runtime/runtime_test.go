package runtime

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"ciris/internal/audit"
	"ciris/internal/clock"
	"ciris/internal/config"
	"ciris/internal/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Graph.DatabasePath = filepath.Join(dir, "graph.db")
	cfg.Audit.SigningKeyPath = filepath.Join(dir, "signing.key")
	cfg.Audit.AuthorityKeysPath = filepath.Join(dir, "authority_keys.json")
	cfg.Telemetry.Enabled = false
	cfg.LLM.Provider = "echo"
	return cfg
}

func TestRuntimeLifecycle(t *testing.T) {
	// go.opencensus.io (indirect, via google.golang.org/genai) starts a
	// worker goroutine in package init that can never be stopped.
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	rt, err := New(testConfig(t), clock.NewSystem())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := rt.State(); got != types.StateWork {
		t.Fatalf("state after boot = %s, want %s", got, types.StateWork)
	}

	rt.Comm().Inject(types.ChannelMessage{
		ChannelRef: "cli", AuthorID: "user_1", Content: "hello agent",
	})

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) && len(rt.Comm().Sent("cli")) == 0 {
		time.Sleep(50 * time.Millisecond)
	}
	sent := rt.Comm().Sent("cli")
	if len(sent) == 0 {
		t.Fatal("no reply on the channel before the deadline")
	}
	if sent[0].Content != "Acknowledged." {
		t.Fatalf("reply = %q", sent[0].Content)
	}

	rt.Stop("test complete")
	if got := rt.State(); got != types.StateShutdown {
		t.Fatalf("state after stop = %s, want %s", got, types.StateShutdown)
	}
}

func TestRuntimeAdaptiveFilterDropsObservations(t *testing.T) {
	rt, err := New(testConfig(t), clock.NewSystem())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Stop("cleanup")

	attrs, _ := json.Marshal(map[string]string{
		"key":   "adaptive_filter",
		"value": "buy now",
	})
	if _, err := rt.store.PutNode("default", types.GraphNode{
		ID:         "filter_test",
		Type:       types.NodeConfig,
		Scope:      types.ScopeLocal,
		Attributes: attrs,
	}); err != nil {
		t.Fatalf("PutNode: %v", err)
	}

	_, err = rt.SubmitObservation("cli", "BUY NOW: limited offer!!!", nil)
	if !errors.Is(err, ErrObservationFiltered) {
		t.Fatalf("err = %v, want ErrObservationFiltered", err)
	}

	task, err := rt.SubmitObservation("cli", "a genuine question", nil)
	if err != nil {
		t.Fatalf("clean observation rejected: %v", err)
	}
	if task.Status != types.TaskPending {
		t.Fatalf("status = %s, want %s", task.Status, types.TaskPending)
	}
}

func TestRuntimeHandlesEmergencyCommands(t *testing.T) {
	cfg := testConfig(t)
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := audit.SaveAuthorityKeys(cfg.Audit.AuthorityKeysPath,
		map[string]ed25519.PublicKey{"authority_1": pub}); err != nil {
		t.Fatalf("SaveAuthorityKeys: %v", err)
	}

	rt, err := New(cfg, clock.NewSystem())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Stop("cleanup")

	now := time.Now().UTC()
	freeze := EmergencyCommand{
		Command: EmergencyFreeze, AuthorityID: "authority_1",
		IssuedAt: now, ExpiresAt: now.Add(5 * time.Minute),
	}
	freeze.Signature = SignEmergency(freeze, key)
	if err := rt.HandleEmergency(freeze); err != nil {
		t.Fatalf("HandleEmergency freeze: %v", err)
	}
	if !rt.Processor().Paused() {
		t.Fatal("processor not paused after FREEZE")
	}

	safe := EmergencyCommand{
		Command: EmergencySafeMode, AuthorityID: "authority_1",
		IssuedAt: now, ExpiresAt: now.Add(5 * time.Minute),
	}
	safe.Signature = SignEmergency(safe, key)
	if err := rt.HandleEmergency(safe); err != nil {
		t.Fatalf("HandleEmergency safe mode: %v", err)
	}
	if _, err := rt.SubmitObservation("cli", "anyone there?", nil); !errors.Is(err, ErrIntakeClosed) {
		t.Fatalf("err = %v, want closed intake in safe mode", err)
	}

	forged := EmergencyCommand{
		Command: EmergencyShutdownNow, AuthorityID: "authority_1",
		IssuedAt: now, ExpiresAt: now.Add(5 * time.Minute),
		Signature: "00",
	}
	if err := rt.HandleEmergency(forged); !errors.Is(err, ErrBadCommandSig) {
		t.Fatalf("forged command: err = %v, want ErrBadCommandSig", err)
	}
}

func TestRuntimeResolveDeferralReturnsTaskToPending(t *testing.T) {
	rt, err := New(testConfig(t), clock.NewSystem())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Stop("cleanup")

	task, err := rt.SubmitObservation("cli", "needs sign-off", nil)
	if err != nil {
		t.Fatalf("SubmitObservation: %v", err)
	}
	task.Status = types.TaskDeferred
	if err := rt.store.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if err := rt.store.SaveDeferral(types.DeferralRecord{
		DeferralID:        "defer_1",
		TaskID:            task.TaskID,
		Reason:            "policy requires approval",
		RequiresAuthority: true,
		OccurrenceID:      "default",
		CreatedAt:         rt.clk.Now(),
	}); err != nil {
		t.Fatalf("SaveDeferral: %v", err)
	}

	rec, err := rt.ResolveDeferral("defer_1", types.DeferralResolution{
		Approved:   true,
		ResolverID: "authority_1",
		ResolvedAt: rt.clk.Now(),
		Guidance:   "approved, proceed carefully",
	})
	if err != nil {
		t.Fatalf("ResolveDeferral: %v", err)
	}
	if rec.Resolution == nil || !rec.Resolution.Approved {
		t.Fatalf("resolution not recorded: %+v", rec)
	}

	got, err := rt.store.GetTask("default", task.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != types.TaskPending {
		t.Fatalf("status = %s, want %s after approval", got.Status, types.TaskPending)
	}
	if !got.UpdatedInfoAvailable || got.UpdatedInfoContent == "" {
		t.Fatal("guidance not attached to the task")
	}
}

func TestRuntimeDreamRunsMaintenance(t *testing.T) {
	rt, err := New(testConfig(t), clock.NewSystem())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Stop("cleanup")

	if err := rt.states.TransitionTo(types.StateWork, "test boot"); err != nil {
		t.Fatalf("to work: %v", err)
	}
	if err := rt.Dream(context.Background()); err != nil {
		t.Fatalf("Dream: %v", err)
	}
	if got := rt.State(); got != types.StateWork {
		t.Fatalf("state after dream = %s, want %s", got, types.StateWork)
	}
}

func TestRuntimeDreamRefusedWithActiveWork(t *testing.T) {
	rt, err := New(testConfig(t), clock.NewSystem())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Stop("cleanup")

	if err := rt.states.TransitionTo(types.StateWork, "test boot"); err != nil {
		t.Fatalf("to work: %v", err)
	}
	if _, err := rt.SubmitObservation("cli", "still working on this", nil); err != nil {
		t.Fatalf("SubmitObservation: %v", err)
	}
	if _, err := rt.queue.ActivateTasks(); err != nil {
		t.Fatalf("ActivateTasks: %v", err)
	}

	if err := rt.Dream(context.Background()); err == nil {
		t.Fatal("Dream should be vetoed while tasks are active")
	}
	if got := rt.State(); got != types.StateWork {
		t.Fatalf("state = %s after vetoed dream, want %s", got, types.StateWork)
	}
}
