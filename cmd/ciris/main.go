package main

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ciris/internal/audit"
	"ciris/internal/clock"
	"ciris/internal/config"
	"ciris/internal/runtime"
	"ciris/internal/types"
)

var (
	// Global flags
	configPath string
	verbose    bool

	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "ciris",
	Short: "CIRIS - ethical agent reasoning runtime",
	Long: `CIRIS runs an autonomous agent whose every action passes a DMA
evaluation cascade and a conscience review before execution. Decisions the
agent cannot justify are deferred to a wise authority rather than guessed,
and every processed thought lands in a signed audit chain.

Run without arguments to start an interactive chat session.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

// serveCmd runs the agent headless until signalled.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent until interrupted",
	Long: `Boots the full runtime (eight initialization phases, WAKEUP to WORK)
and processes observations until SIGINT or SIGTERM, then drains the queue
inside the shutdown grace period.`,
	RunE: runServe,
}

// chatCmd talks to the agent on the loopback channel.
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive session on the loopback channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

// verifyAuditCmd walks the audit chain.
var verifyAuditCmd = &cobra.Command{
	Use:   "verify-audit",
	Short: "Verify the signed audit chain end to end",
	RunE:  runVerifyAudit,
}

// keygenCmd issues an authority keypair.
var keygenCmd = &cobra.Command{
	Use:   "keygen [authority-id]",
	Short: "Generate an authority keypair and trust its public key",
	Long: `Generates an Ed25519 keypair, adds the public key to the trusted
authority set, and prints the private key. The private key is shown once and
never stored; whoever holds it can sign emergency commands and resolve
deferrals as this authority.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeygen,
}

// emergencyCmd signs an out-of-band command.
var emergencyCmd = &cobra.Command{
	Use:   "emergency [SHUTDOWN_NOW|FREEZE|SAFE_MODE]",
	Short: "Sign an emergency command for delivery to a running agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runEmergency,
}

var (
	emergencyAuthority string
	emergencyKeyHex    string
	emergencyTTL       time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ciris.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	emergencyCmd.Flags().StringVar(&emergencyAuthority, "authority", "", "Authority id the command is issued as")
	emergencyCmd.Flags().StringVar(&emergencyKeyHex, "key", "", "Hex-encoded Ed25519 private key")
	emergencyCmd.Flags().DurationVar(&emergencyTTL, "ttl", 5*time.Minute, "Command validity window")
	_ = emergencyCmd.MarkFlagRequired("authority")
	_ = emergencyCmd.MarkFlagRequired("key")

	rootCmd.AddCommand(serveCmd, chatCmd, verifyAuditCmd, keygenCmd, emergencyCmd)
}

func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.Load(configPath)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := runtime.New(cfg, clock.NewSystem())
	if err != nil {
		return err
	}
	if err := rt.Start(context.Background()); err != nil {
		return err
	}
	logger.Info("agent running",
		zap.String("occurrence_id", cfg.OccurrenceID),
		zap.String("state", string(rt.State())))

	if _, err := os.Stat(configPath); err == nil {
		stopWatch, werr := config.Watch(configPath, rt.ApplyTunables)
		if werr != nil {
			logger.Warn("config hot reload unavailable", zap.Error(werr))
		} else {
			defer stopWatch()
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Info("signal received", zap.String("signal", sig.String()))

	rt.Stop("signal: " + sig.String())
	return nil
}

func runChat(args ...string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := runtime.New(cfg, clock.NewSystem())
	if err != nil {
		return err
	}
	if err := rt.Start(context.Background()); err != nil {
		return err
	}
	defer rt.Stop("chat session ended")

	fmt.Println("CIRIS chat. Type a message, or /quit to leave.")
	scanner := bufio.NewScanner(os.Stdin)
	seen := 0
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		rt.Comm().Inject(types.ChannelMessage{
			ChannelRef: "cli",
			AuthorID:   "operator",
			Content:    line,
		})

		// The agent replies within a few reasoning rounds; anything slower
		// has deferred and will surface through the deferral workflow.
		deadline := time.Now().Add(30 * time.Second)
		for time.Now().Before(deadline) {
			sent := rt.Comm().Sent("cli")
			if len(sent) > seen {
				for _, msg := range sent[seen:] {
					fmt.Printf("agent: %s\n", msg.Content)
				}
				seen = len(sent)
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if len(rt.Comm().Sent("cli")) == seen {
			fmt.Println("agent: (no reply; the task may have been deferred)")
		}
	}
	return scanner.Err()
}

func runVerifyAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	key, err := audit.LoadOrGenerateKey(cfg.Audit.SigningKeyPath)
	if err != nil {
		return err
	}
	log, err := audit.Open(filepath.Join(cfg.DataDir, "audit.db"), key, clock.NewSystem())
	if err != nil {
		return err
	}
	defer log.Close()

	count, err := log.Verify(key.Public().(ed25519.PublicKey))
	if err != nil {
		return fmt.Errorf("chain invalid after %d entries: %w", count, err)
	}
	fmt.Printf("audit chain intact: %d entries verified\n", count)
	return nil
}

func runKeygen(cmd *cobra.Command, args []string) error {
	authorityID := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	keys, err := audit.LoadAuthorityKeys(cfg.Audit.AuthorityKeysPath)
	if err != nil {
		return err
	}
	if _, exists := keys[authorityID]; exists {
		return fmt.Errorf("authority %q already trusted", authorityID)
	}
	keys[authorityID] = pub
	if err := audit.SaveAuthorityKeys(cfg.Audit.AuthorityKeysPath, keys); err != nil {
		return err
	}

	fmt.Printf("authority:   %s\n", authorityID)
	fmt.Printf("private key: %s\n", hex.EncodeToString(priv))
	fmt.Println("store the private key now; it is not kept anywhere")
	return nil
}

func runEmergency(cmd *cobra.Command, args []string) error {
	raw, err := hex.DecodeString(emergencyKeyHex)
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key")
	}

	now := time.Now().UTC()
	ec := runtime.EmergencyCommand{
		Command:     strings.ToUpper(args[0]),
		AuthorityID: emergencyAuthority,
		IssuedAt:    now,
		ExpiresAt:   now.Add(emergencyTTL),
	}
	ec.Signature = runtime.SignEmergency(ec, ed25519.PrivateKey(raw))

	out, err := json.MarshalIndent(ec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
