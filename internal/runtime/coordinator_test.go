package runtime

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"ciris/internal/clock"
)

func TestInitializerRunsPhasesInOrder(t *testing.T) {
	init := NewInitializer(time.Second, time.Second)
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		init.AddPhase(Phase{Name: name, Critical: true,
			Run: func(context.Context) error {
				order = append(order, name)
				return nil
			},
		})
	}
	if err := init.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("order = %v", order)
	}
}

func TestCriticalPhaseFailureAborts(t *testing.T) {
	init := NewInitializer(time.Second, time.Second)
	ran := false
	init.AddPhase(Phase{Name: "broken", Critical: true,
		Run: func(context.Context) error { return errors.New("no database") },
	})
	init.AddPhase(Phase{Name: "after", Critical: true,
		Run: func(context.Context) error { ran = true; return nil },
	})

	err := init.Run(context.Background())
	if !errors.Is(err, ErrInitFailed) {
		t.Fatalf("err = %v, want ErrInitFailed", err)
	}
	if ran {
		t.Fatal("phase after a critical failure still ran")
	}
}

func TestNonCriticalPhaseDegrades(t *testing.T) {
	init := NewInitializer(time.Second, time.Second)
	ran := false
	init.AddPhase(Phase{Name: "optional", Critical: false,
		Run: func(context.Context) error { return errors.New("exporter port busy") },
	})
	init.AddPhase(Phase{Name: "after", Critical: true,
		Run: func(context.Context) error { ran = true; return nil },
	})

	if err := init.Run(context.Background()); err != nil {
		t.Fatalf("non-critical failure should not abort: %v", err)
	}
	if !ran {
		t.Fatal("later phase skipped after a degraded one")
	}
}

func TestVerificationFailureFailsPhase(t *testing.T) {
	init := NewInitializer(time.Second, time.Second)
	init.AddPhase(Phase{Name: "checked", Critical: true,
		Run:    func(context.Context) error { return nil },
		Verify: func(context.Context) error { return errors.New("chain broken") },
	})
	if err := init.Run(context.Background()); !errors.Is(err, ErrInitFailed) {
		t.Fatalf("err = %v, want ErrInitFailed from verification", err)
	}
}

func TestPhaseTimeoutFailsPhase(t *testing.T) {
	init := NewInitializer(20*time.Millisecond, time.Second)
	init.AddPhase(Phase{Name: "stuck", Critical: true,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if err := init.Run(context.Background()); !errors.Is(err, ErrInitFailed) {
		t.Fatalf("err = %v, want ErrInitFailed from timeout", err)
	}
}

func TestShutdownRunsSyncThenAsync(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewShutdownManager(time.Second, time.Second, clk)

	done := make(chan string, 3)
	m.Register(ShutdownHandler{Name: "drain", Run: func(context.Context) { done <- "drain" }})
	m.Register(ShutdownHandler{Name: "flush", Async: true, Run: func(context.Context) { done <- "flush" }})
	m.Register(ShutdownHandler{Name: "stop", Run: func(context.Context) { done <- "stop" }})

	m.Execute("test")
	close(done)

	var order []string
	for name := range done {
		order = append(order, name)
	}
	if len(order) != 3 || order[0] != "drain" || order[1] != "stop" || order[2] != "flush" {
		t.Fatalf("order = %v, want sync handlers first", order)
	}
}

func TestShutdownKillTimeoutBoundsAsyncHandlers(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewShutdownManager(50*time.Millisecond, 100*time.Millisecond, clk)
	m.Register(ShutdownHandler{Name: "hung", Async: true, Run: func(ctx context.Context) {
		<-ctx.Done()
	}})

	start := time.Now()
	m.Execute("test")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Execute blocked %s on a hung async handler", elapsed)
	}
}

func signedCommand(t *testing.T, command string, key ed25519.PrivateKey, issued time.Time) EmergencyCommand {
	t.Helper()
	cmd := EmergencyCommand{
		Command:     command,
		AuthorityID: "authority_1",
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(5 * time.Minute),
	}
	cmd.Signature = SignEmergency(cmd, key)
	return cmd
}

func TestVerifyEmergencyAcceptsSignedCommand(t *testing.T) {
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	keys := map[string]ed25519.PublicKey{"authority_1": pub}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cmd := signedCommand(t, EmergencyShutdownNow, key, now)
	if err := VerifyEmergency(cmd, keys, now); err != nil {
		t.Fatalf("VerifyEmergency: %v", err)
	}
}

func TestVerifyEmergencyRejections(t *testing.T) {
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	_, strangerKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	keys := map[string]ed25519.PublicKey{"authority_1": pub}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	expired := signedCommand(t, EmergencyFreeze, key, now.Add(-time.Hour))
	if err := VerifyEmergency(expired, keys, now); !errors.Is(err, ErrCommandExpired) {
		t.Fatalf("expired: err = %v, want ErrCommandExpired", err)
	}

	unknown := signedCommand(t, EmergencySafeMode, key, now)
	unknown.AuthorityID = "authority_2"
	if err := VerifyEmergency(unknown, keys, now); !errors.Is(err, ErrUnknownAuthority) {
		t.Fatalf("unknown authority: err = %v, want ErrUnknownAuthority", err)
	}

	forged := signedCommand(t, EmergencyShutdownNow, strangerKey, now)
	if err := VerifyEmergency(forged, keys, now); !errors.Is(err, ErrBadCommandSig) {
		t.Fatalf("forged: err = %v, want ErrBadCommandSig", err)
	}

	tampered := signedCommand(t, EmergencyFreeze, key, now)
	tampered.Command = EmergencyShutdownNow
	if err := VerifyEmergency(tampered, keys, now); !errors.Is(err, ErrBadCommandSig) {
		t.Fatalf("tampered: err = %v, want ErrBadCommandSig", err)
	}

	bogus := signedCommand(t, "REBOOT", key, now)
	if err := VerifyEmergency(bogus, keys, now); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("bogus verb: err = %v, want ErrUnknownCommand", err)
	}
}
