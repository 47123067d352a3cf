package audit

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"ciris/internal/clock"
	"ciris/internal/types"
)

func newTestLog(t *testing.T) (*Log, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	l, err := Open(":memory:", key, clk)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, clk
}

func TestAppendAndVerify(t *testing.T) {
	l, clk := newTestLog(t)

	for i := 0; i < 5; i++ {
		if _, err := l.Append("action_dispatched", map[string]int{"round": i}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		clk.Advance(time.Second)
	}

	n, err := l.Verify(l.PublicKey())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n != 5 {
		t.Errorf("verified %d entries, want 5", n)
	}
}

func TestChainLinksEntries(t *testing.T) {
	l, _ := newTestLog(t)

	first, err := l.Append("event", "one")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := l.Append("event", "two")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if first.PrevHash != genesisHash {
		t.Errorf("first entry prev = %s, want genesis", first.PrevHash)
	}
	if second.PrevHash != first.Hash {
		t.Errorf("second entry prev = %s, want %s", second.PrevHash, first.Hash)
	}
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	l, _ := newTestLog(t)

	for i := 0; i < 3; i++ {
		if _, err := l.Append("event", i); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if _, err := l.db.Exec("UPDATE audit_chain SET payload = '999' WHERE seq = 2"); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	n, err := l.Verify(l.PublicKey())
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
	if n != 1 {
		t.Errorf("verified %d entries before defect, want 1", n)
	}
}

func TestVerifyDetectsResignedEntry(t *testing.T) {
	l, _ := newTestLog(t)

	if _, err := l.Append("event", "original"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// An attacker rewrites the record consistently but signs with their own
	// key. The hash chain holds; the signature gives them away.
	if _, err := l.db.Exec("UPDATE audit_chain SET signature = 'deadbeef' WHERE seq = 1"); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	_, err := l.Verify(l.PublicKey())
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestChainResumesAcrossReopen(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")
	key, err := LoadOrGenerateKey(filepath.Join(dir, "signing.key"))
	if err != nil {
		t.Fatalf("LoadOrGenerateKey: %v", err)
	}

	l, err := Open(path, key, clk)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := l.Append("event", "before restart"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	l.Close()

	l, err = Open(path, key, clk)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()
	if _, err := l.Append("event", "after restart"); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}

	n, err := l.Verify(l.PublicKey())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n != 2 {
		t.Errorf("verified %d entries, want 2", n)
	}
}

func TestAppendTrace(t *testing.T) {
	l, _ := newTestLog(t)

	trace := types.CompleteTrace{
		TraceID:      "trace_001",
		ThoughtID:    "th_001",
		TaskID:       "task_001",
		OccurrenceID: "default",
		Components: []types.TraceComponent{
			{Kind: types.TraceObservation, Payload: []byte(`{"channel":"chan_1"}`)},
			{Kind: types.TraceOutcome, Payload: []byte(`{"status":"completed"}`)},
		},
	}
	entry, err := l.AppendTrace(trace)
	if err != nil {
		t.Fatalf("AppendTrace: %v", err)
	}
	if entry.EventType != "complete_trace" {
		t.Errorf("event type = %s", entry.EventType)
	}

	entries, err := l.Entries(10)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].EntryID != entry.EntryID {
		t.Errorf("entries = %+v", entries)
	}
}

func TestLoadOrGenerateKeyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "signing.key")

	first, err := LoadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := LoadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !first.Equal(second) {
		t.Error("reloaded key differs from generated key")
	}
}

func TestAuthorityKeysRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authority_keys.json")

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := SaveAuthorityKeys(path, map[string]ed25519.PublicKey{"root_authority": pub}); err != nil {
		t.Fatalf("SaveAuthorityKeys: %v", err)
	}

	keys, err := LoadAuthorityKeys(path)
	if err != nil {
		t.Fatalf("LoadAuthorityKeys: %v", err)
	}
	if !keys["root_authority"].Equal(pub) {
		t.Error("reloaded authority key differs")
	}

	// Missing file trusts nobody but is not an error.
	empty, err := LoadAuthorityKeys(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadAuthorityKeys missing: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("missing file yielded %d keys", len(empty))
	}
}
