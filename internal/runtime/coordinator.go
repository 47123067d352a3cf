package runtime

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"ciris/internal/clock"
	"ciris/internal/logging"
)

// =============================================================================
// INITIALIZATION
// =============================================================================

var ErrInitFailed = errors.New("runtime: initialization failed")

// Phase is one initialization step. Critical phases abort the boot on
// failure; the rest log and continue degraded.
type Phase struct {
	Name     string
	Critical bool
	Run      func(ctx context.Context) error
	Verify   func(ctx context.Context) error
}

// Initializer runs the boot sequence in order.
type Initializer struct {
	phases        []Phase
	stepTimeout   time.Duration
	verifyTimeout time.Duration
}

func NewInitializer(stepTimeout, verifyTimeout time.Duration) *Initializer {
	if stepTimeout <= 0 {
		stepTimeout = 30 * time.Second
	}
	if verifyTimeout <= 0 {
		verifyTimeout = 10 * time.Second
	}
	return &Initializer{stepTimeout: stepTimeout, verifyTimeout: verifyTimeout}
}

func (i *Initializer) AddPhase(p Phase) {
	i.phases = append(i.phases, p)
}

// Run executes every phase, then its verification, under the configured
// timeouts.
func (i *Initializer) Run(ctx context.Context) error {
	for n, phase := range i.phases {
		timer := logging.StartTimer(logging.CategoryBoot, phase.Name)

		stepCtx, cancel := context.WithTimeout(ctx, i.stepTimeout)
		err := phase.Run(stepCtx)
		cancel()
		if err == nil && phase.Verify != nil {
			verifyCtx, cancel := context.WithTimeout(ctx, i.verifyTimeout)
			err = phase.Verify(verifyCtx)
			cancel()
			if err != nil {
				err = fmt.Errorf("verification: %w", err)
			}
		}
		timer.Stop()

		if err != nil {
			if phase.Critical {
				logging.BootError("phase %d/%d %s failed: %v", n+1, len(i.phases), phase.Name, err)
				return fmt.Errorf("%w: phase %s: %v", ErrInitFailed, phase.Name, err)
			}
			logging.Boot("phase %d/%d %s degraded: %v", n+1, len(i.phases), phase.Name, err)
			continue
		}
		logging.Boot("phase %d/%d %s complete", n+1, len(i.phases), phase.Name)
	}
	return nil
}

// =============================================================================
// SHUTDOWN
// =============================================================================

// ShutdownHandler is one registered stop action. Sync handlers run in
// registration order before the async ones are fired together.
type ShutdownHandler struct {
	Name  string
	Async bool
	Run   func(ctx context.Context)
}

// ShutdownManager drains the runtime inside a grace period and hard-stops
// whatever remains after the kill timeout.
type ShutdownManager struct {
	handlers    []ShutdownHandler
	gracePeriod time.Duration
	killTimeout time.Duration
	clk         clock.Clock
}

func NewShutdownManager(gracePeriod, killTimeout time.Duration, clk clock.Clock) *ShutdownManager {
	if gracePeriod <= 0 {
		gracePeriod = 30 * time.Second
	}
	if killTimeout <= 0 {
		killTimeout = 5 * time.Second
	}
	return &ShutdownManager{gracePeriod: gracePeriod, killTimeout: killTimeout, clk: clk}
}

func (m *ShutdownManager) Register(h ShutdownHandler) {
	m.handlers = append(m.handlers, h)
}

// Execute runs the shutdown: sync handlers in order under the grace period,
// then async handlers together under the kill timeout. It never blocks
// longer than grace plus kill.
func (m *ShutdownManager) Execute(reason string) {
	logging.Shutdown("shutting down: %s", reason)

	graceCtx, cancel := context.WithTimeout(context.Background(), m.gracePeriod)
	defer cancel()
	for _, h := range m.handlers {
		if h.Async {
			continue
		}
		if graceCtx.Err() != nil {
			logging.Shutdown("grace period spent, skipping %s", h.Name)
			continue
		}
		logging.Shutdown("running %s", h.Name)
		h.Run(graceCtx)
	}

	killCtx, cancel := context.WithTimeout(context.Background(), m.killTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		for _, h := range m.handlers {
			if h.Async {
				logging.Shutdown("running %s", h.Name)
				h.Run(killCtx)
			}
		}
		close(done)
	}()
	select {
	case <-done:
	case <-killCtx.Done():
		logging.Shutdown("kill timeout reached with async handlers still running")
	}
	logging.Shutdown("shutdown complete")
}

// =============================================================================
// EMERGENCY COMMANDS
// =============================================================================

var (
	ErrUnknownAuthority = errors.New("runtime: unknown authority")
	ErrCommandExpired   = errors.New("runtime: emergency command expired")
	ErrBadCommandSig    = errors.New("runtime: emergency command signature invalid")
	ErrUnknownCommand   = errors.New("runtime: unknown emergency command")
)

// Emergency command verbs.
const (
	EmergencyShutdownNow = "SHUTDOWN_NOW"
	EmergencyFreeze      = "FREEZE"
	EmergencySafeMode    = "SAFE_MODE"
)

// EmergencyCommand is an out-of-band order from a trusted authority. The
// signature covers the canonical payload, so a replayed or altered command
// fails verification.
type EmergencyCommand struct {
	Command     string    `json:"command"`
	AuthorityID string    `json:"authority_id"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Signature   string    `json:"signature"` // hex Ed25519 over Payload()
}

// Payload is the byte string the authority signed.
func (c EmergencyCommand) Payload() []byte {
	return []byte(strings.Join([]string{
		c.Command,
		c.AuthorityID,
		c.IssuedAt.UTC().Format(time.RFC3339),
		c.ExpiresAt.UTC().Format(time.RFC3339),
	}, "|"))
}

// VerifyEmergency authenticates a command against the trusted key set.
func VerifyEmergency(cmd EmergencyCommand, keys map[string]ed25519.PublicKey, now time.Time) error {
	switch cmd.Command {
	case EmergencyShutdownNow, EmergencyFreeze, EmergencySafeMode:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Command)
	}

	pub, ok := keys[cmd.AuthorityID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAuthority, cmd.AuthorityID)
	}
	if !cmd.ExpiresAt.IsZero() && now.After(cmd.ExpiresAt) {
		return fmt.Errorf("%w: expired %s", ErrCommandExpired, cmd.ExpiresAt.Format(time.RFC3339))
	}

	sig, err := hex.DecodeString(cmd.Signature)
	if err != nil || !ed25519.Verify(pub, cmd.Payload(), sig) {
		return ErrBadCommandSig
	}
	return nil
}

// SignEmergency produces the signature an authority attaches to a command.
func SignEmergency(cmd EmergencyCommand, key ed25519.PrivateKey) string {
	return hex.EncodeToString(ed25519.Sign(key, cmd.Payload()))
}
