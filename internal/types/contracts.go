package types

import (
	"context"
	"time"
)

// =============================================================================
// SERVICE CONTRACTS
// =============================================================================

// Lifecycle is implemented by every registered service provider.
type Lifecycle interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// MetricsProvider is the pull-model metrics contract. Services never push;
// the telemetry aggregator calls Metrics on demand.
type MetricsProvider interface {
	Metrics(ctx context.Context) (ServiceMetrics, error)
}

// MemoryService persists and recalls graph nodes and edges.
type MemoryService interface {
	Lifecycle
	MetricsProvider
	Memorize(ctx context.Context, occurrenceID string, node GraphNode) error
	Recall(ctx context.Context, occurrenceID string, filter NodeFilter) ([]GraphNode, error)
	Forget(ctx context.Context, occurrenceID, nodeID string) error
	Link(ctx context.Context, occurrenceID string, edge GraphEdge) error
}

// LLMService produces structured output from a prompt. Implementations must
// return typed JSON conforming to the requested schema name.
type LLMService interface {
	Lifecycle
	MetricsProvider
	GenerateStructured(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

// LLMRequest asks a language model for one structured completion.
type LLMRequest struct {
	System      string   `json:"system"`
	Prompt      string   `json:"prompt"`
	SchemaName  string   `json:"schema_name"`
	Temperature float64  `json:"temperature,omitempty"`
	Images      []string `json:"images,omitempty"`
}

// LLMResponse is the raw structured output plus usage accounting.
type LLMResponse struct {
	Content      string `json:"content"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
}

// WisdomService escalates decisions to an external authority.
type WisdomService interface {
	Lifecycle
	MetricsProvider
	Capabilities() []string
	SubmitDeferral(ctx context.Context, rec DeferralRecord) error
	FetchGuidance(ctx context.Context, capability, question string) (WisdomAdvice, error)
}

// ToolService exposes named tools with typed argument maps.
type ToolService interface {
	Lifecycle
	MetricsProvider
	ListTools(ctx context.Context) ([]ToolInfo, error)
	ExecuteTool(ctx context.Context, name string, args map[string]string) (ToolResult, error)
}

// ToolInfo describes one available tool.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ToolResult is one tool execution's typed outcome.
type ToolResult struct {
	Name     string        `json:"name"`
	Output   string        `json:"output"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// CommService sends and fetches messages on external channels.
type CommService interface {
	Lifecycle
	MetricsProvider
	SendMessage(ctx context.Context, channelRef, content string) error
	FetchMessages(ctx context.Context, channelRef string, limit int) ([]ChannelMessage, error)
}

// ChannelMessage is one inbound or outbound message on a channel.
type ChannelMessage struct {
	MessageID  string    `json:"message_id"`
	ChannelRef string    `json:"channel_ref"`
	AuthorID   string    `json:"author_id"`
	Content    string    `json:"content"`
	Outbound   bool      `json:"outbound"`
	CreatedAt  time.Time `json:"created_at"`
}

// RuntimeControlService adjusts processor behavior at runtime.
type RuntimeControlService interface {
	Lifecycle
	MetricsProvider
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SingleStep(ctx context.Context) error
	State(ctx context.Context) (CognitiveState, error)
}
