// Package config loads and validates the ciris runtime configuration from
// YAML with CIRIS_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all ciris configuration.
type Config struct {
	// Core settings
	Name         string `yaml:"name"`
	Version      string `yaml:"version"`
	OccurrenceID string `yaml:"agent_occurrence_id"`
	DataDir      string `yaml:"data_dir"`

	Queue      QueueConfig      `yaml:"queue"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Conscience ConscienceConfig `yaml:"conscience"`
	Registry   RegistryConfig   `yaml:"registry"`
	Graph      GraphConfig      `yaml:"graph"`
	LLM        LLMConfig        `yaml:"llm"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Audit      AuditConfig      `yaml:"audit"`
	Shutdown   ShutdownConfig   `yaml:"shutdown"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// QueueConfig bounds the task and thought queues.
type QueueConfig struct {
	MaxActiveTasks    int     `yaml:"max_active_tasks"`
	MaxActiveThoughts int     `yaml:"max_active_thoughts"`
	RoundDelaySeconds float64 `yaml:"round_delay_seconds"`
}

// PipelineConfig controls the DMA cascade and recursion bounds.
type PipelineConfig struct {
	MaxDepth             int    `yaml:"max_depth"`
	ConscienceRetryLimit int    `yaml:"conscience_retry_limit"`
	DMARetryLimit        int    `yaml:"dma_retry_limit"`
	DMATimeout           string `yaml:"dma_timeout"`
}

// ConscienceConfig holds the faculty thresholds.
type ConscienceConfig struct {
	EntropyThreshold   float64 `yaml:"entropy_threshold"`
	CoherenceThreshold float64 `yaml:"coherence_threshold"`
	FacultyTimeout     string  `yaml:"faculty_timeout"`
}

// RegistryConfig tunes circuit breaker behavior.
type RegistryConfig struct {
	BreakerFailureThreshold int    `yaml:"breaker_failure_threshold"`
	BreakerCooldown         string `yaml:"breaker_cooldown"`
}

// GraphConfig configures the memory substrate.
type GraphConfig struct {
	DatabasePath        string `yaml:"database_path"`
	ConsolidationWindow string `yaml:"consolidation_window"`
}

// LLMConfig configures the language model provider.
type LLMConfig struct {
	Provider string `yaml:"provider"` // echo, gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
}

// TelemetryConfig configures the metrics surface.
type TelemetryConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// AuditConfig configures the signed audit chain.
type AuditConfig struct {
	// SigningKeyPath points at a 32-byte Ed25519 seed file. Generated at
	// first boot when absent.
	SigningKeyPath string `yaml:"signing_key_path"`
	// AuthorityKeysPath points at the JSON registry of root public keys
	// trusted to sign emergency commands.
	AuthorityKeysPath string `yaml:"authority_keys_path"`
}

// ShutdownConfig bounds the graceful shutdown sequence.
type ShutdownConfig struct {
	GracePeriod   string `yaml:"grace_period"`
	EmergencyKill string `yaml:"emergency_kill"`
}

// LoggingConfig configures categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:         "ciris",
		Version:      "1.0.0",
		OccurrenceID: "default",
		DataDir:      "data",

		Queue: QueueConfig{
			MaxActiveTasks:    10,
			MaxActiveThoughts: 50,
			RoundDelaySeconds: 1.0,
		},

		Pipeline: PipelineConfig{
			MaxDepth:             20,
			ConscienceRetryLimit: 2,
			DMARetryLimit:        3,
			DMATimeout:           "30s",
		},

		Conscience: ConscienceConfig{
			EntropyThreshold:   0.40,
			CoherenceThreshold: 0.60,
			FacultyTimeout:     "10s",
		},

		Registry: RegistryConfig{
			BreakerFailureThreshold: 3,
			BreakerCooldown:         "60s",
		},

		Graph: GraphConfig{
			DatabasePath:        "data/ciris.db",
			ConsolidationWindow: "6h",
		},

		LLM: LLMConfig{
			Provider: "echo",
			Model:    "gemini-2.5-flash",
			Timeout:  "120s",
		},

		Telemetry: TelemetryConfig{
			Enabled:    true,
			ListenAddr: "localhost:9464",
		},

		Audit: AuditConfig{
			SigningKeyPath:    "data/audit_signing.key",
			AuthorityKeysPath: "data/authority_keys.json",
		},

		Shutdown: ShutdownConfig{
			GracePeriod:   "30s",
			EmergencyKill: "5s",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.backfillDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// backfillDefaults fills zero values left by a partial YAML file.
func (c *Config) backfillDefaults() {
	def := DefaultConfig()
	if c.OccurrenceID == "" {
		c.OccurrenceID = def.OccurrenceID
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.Queue.MaxActiveTasks == 0 {
		c.Queue.MaxActiveTasks = def.Queue.MaxActiveTasks
	}
	if c.Queue.MaxActiveThoughts == 0 {
		c.Queue.MaxActiveThoughts = def.Queue.MaxActiveThoughts
	}
	if c.Queue.RoundDelaySeconds == 0 {
		c.Queue.RoundDelaySeconds = def.Queue.RoundDelaySeconds
	}
	if c.Pipeline.MaxDepth == 0 {
		c.Pipeline.MaxDepth = def.Pipeline.MaxDepth
	}
	if c.Pipeline.ConscienceRetryLimit == 0 {
		c.Pipeline.ConscienceRetryLimit = def.Pipeline.ConscienceRetryLimit
	}
	if c.Pipeline.DMARetryLimit == 0 {
		c.Pipeline.DMARetryLimit = def.Pipeline.DMARetryLimit
	}
	if c.Pipeline.DMATimeout == "" {
		c.Pipeline.DMATimeout = def.Pipeline.DMATimeout
	}
	if c.Conscience.EntropyThreshold == 0 {
		c.Conscience.EntropyThreshold = def.Conscience.EntropyThreshold
	}
	if c.Conscience.CoherenceThreshold == 0 {
		c.Conscience.CoherenceThreshold = def.Conscience.CoherenceThreshold
	}
	if c.Conscience.FacultyTimeout == "" {
		c.Conscience.FacultyTimeout = def.Conscience.FacultyTimeout
	}
	if c.Registry.BreakerFailureThreshold == 0 {
		c.Registry.BreakerFailureThreshold = def.Registry.BreakerFailureThreshold
	}
	if c.Registry.BreakerCooldown == "" {
		c.Registry.BreakerCooldown = def.Registry.BreakerCooldown
	}
	if c.Graph.DatabasePath == "" {
		c.Graph.DatabasePath = def.Graph.DatabasePath
	}
	if c.Graph.ConsolidationWindow == "" {
		c.Graph.ConsolidationWindow = def.Graph.ConsolidationWindow
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = def.LLM.Provider
	}
	if c.LLM.Timeout == "" {
		c.LLM.Timeout = def.LLM.Timeout
	}
	if c.Telemetry.ListenAddr == "" {
		c.Telemetry.ListenAddr = def.Telemetry.ListenAddr
	}
	if c.Audit.SigningKeyPath == "" {
		c.Audit.SigningKeyPath = def.Audit.SigningKeyPath
	}
	if c.Audit.AuthorityKeysPath == "" {
		c.Audit.AuthorityKeysPath = def.Audit.AuthorityKeysPath
	}
	if c.Shutdown.GracePeriod == "" {
		c.Shutdown.GracePeriod = def.Shutdown.GracePeriod
	}
	if c.Shutdown.EmergencyKill == "" {
		c.Shutdown.EmergencyKill = def.Shutdown.EmergencyKill
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// applyEnvOverrides applies CIRIS_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CIRIS_OCCURRENCE_ID"); v != "" {
		c.OccurrenceID = v
	}
	if v := os.Getenv("CIRIS_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CIRIS_DB"); v != "" {
		c.Graph.DatabasePath = v
	}
	if v := os.Getenv("CIRIS_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("CIRIS_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" || c.LLM.Provider == "echo" {
			c.LLM.Provider = "gemini"
		}
	}
	if v := os.Getenv("CIRIS_TELEMETRY_ADDR"); v != "" {
		c.Telemetry.ListenAddr = v
	}
	if v := os.Getenv("CIRIS_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("CIRIS_MAX_ACTIVE_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.MaxActiveTasks = n
		}
	}
}

// duration parses s, falling back when the value is malformed.
func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// DMATimeout returns the per-DMA evaluation timeout.
func (c *Config) DMATimeout() time.Duration {
	return duration(c.Pipeline.DMATimeout, 30*time.Second)
}

// FacultyTimeout returns the per-faculty conscience timeout.
func (c *Config) FacultyTimeout() time.Duration {
	return duration(c.Conscience.FacultyTimeout, 10*time.Second)
}

// BreakerCooldown returns the open-to-half-open recovery interval.
func (c *Config) BreakerCooldown() time.Duration {
	return duration(c.Registry.BreakerCooldown, 60*time.Second)
}

// ConsolidationWindow returns the summary window for graph consolidation.
func (c *Config) ConsolidationWindow() time.Duration {
	return duration(c.Graph.ConsolidationWindow, 6*time.Hour)
}

// LLMTimeout returns the provider call timeout.
func (c *Config) LLMTimeout() time.Duration {
	return duration(c.LLM.Timeout, 120*time.Second)
}

// RoundDelay returns the inter-round pacing delay.
func (c *Config) RoundDelay() time.Duration {
	if c.Queue.RoundDelaySeconds <= 0 {
		return time.Second
	}
	return time.Duration(c.Queue.RoundDelaySeconds * float64(time.Second))
}

// GracePeriod returns the shutdown drain window.
func (c *Config) GracePeriod() time.Duration {
	return duration(c.Shutdown.GracePeriod, 30*time.Second)
}

// EmergencyKill returns the hard-kill deadline for emergency shutdown.
func (c *Config) EmergencyKill() time.Duration {
	return duration(c.Shutdown.EmergencyKill, 5*time.Second)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Queue.MaxActiveTasks <= 0 {
		return fmt.Errorf("queue.max_active_tasks must be positive")
	}
	if c.Queue.MaxActiveThoughts <= 0 {
		return fmt.Errorf("queue.max_active_thoughts must be positive")
	}
	if c.Pipeline.MaxDepth <= 0 {
		return fmt.Errorf("pipeline.max_depth must be positive")
	}
	if c.Conscience.EntropyThreshold <= 0 || c.Conscience.EntropyThreshold >= 1 {
		return fmt.Errorf("conscience.entropy_threshold must be in (0,1)")
	}
	if c.Conscience.CoherenceThreshold <= 0 || c.Conscience.CoherenceThreshold >= 1 {
		return fmt.Errorf("conscience.coherence_threshold must be in (0,1)")
	}
	if c.LLM.Provider == "gemini" && c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key required for gemini provider (set GEMINI_API_KEY)")
	}
	return nil
}
