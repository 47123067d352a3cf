// Package types provides shared type definitions used across ciris packages.
// This package exists to break import cycles between the graph store, buses,
// and the processing pipeline. Types in this package should be foundational
// data structures with no complex dependencies.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// ACTION VERBS
// =============================================================================

// ActionType is one of the ten verbs the action selector may emit.
type ActionType string

const (
	ActionSpeak        ActionType = "SPEAK"
	ActionTool         ActionType = "TOOL"
	ActionObserve      ActionType = "OBSERVE"
	ActionMemorize     ActionType = "MEMORIZE"
	ActionRecall       ActionType = "RECALL"
	ActionForget       ActionType = "FORGET"
	ActionPonder       ActionType = "PONDER"
	ActionDefer        ActionType = "DEFER"
	ActionReject       ActionType = "REJECT"
	ActionTaskComplete ActionType = "TASK_COMPLETE"
)

// AllActions lists every verb in a stable order.
var AllActions = []ActionType{
	ActionSpeak, ActionTool, ActionObserve, ActionMemorize, ActionRecall,
	ActionForget, ActionPonder, ActionDefer, ActionReject, ActionTaskComplete,
}

// IsTerminal reports whether the verb ends its task's thought lineage.
func (a ActionType) IsTerminal() bool {
	switch a {
	case ActionDefer, ActionReject, ActionTaskComplete:
		return true
	}
	return false
}

// Valid reports whether a is one of the ten known verbs.
func (a ActionType) Valid() bool {
	for _, v := range AllActions {
		if a == v {
			return true
		}
	}
	return false
}

// =============================================================================
// TASKS AND THOUGHTS
// =============================================================================

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskActive    TaskStatus = "active"
	TaskDeferred  TaskStatus = "deferred"
	TaskCompleted TaskStatus = "completed"
	TaskRejected  TaskStatus = "rejected"
)

// Task is the outer unit of work created from an inbound observation.
type Task struct {
	TaskID       string            `json:"task_id"`
	OccurrenceID string            `json:"occurrence_id"`
	ChannelRef   string            `json:"channel_ref"`
	Status       TaskStatus        `json:"status"`
	Content      string            `json:"content"`
	Context      map[string]string `json:"context,omitempty"`
	// UpdatedInfoAvailable is set when a new observation arrives on the same
	// channel while this task is still active. The conscience refuses terminal
	// actions while the flag is set; the processor clears it once a selection
	// made with the new content has been reviewed.
	UpdatedInfoAvailable bool      `json:"updated_info_available"`
	UpdatedInfoContent   string    `json:"updated_info_content,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Thought is one reasoning step inside a task. Thoughts reference their task
// and parent by ID only; lookups go through the queue or the graph store.
type Thought struct {
	ThoughtID          string    `json:"thought_id"`
	TaskID             string    `json:"task_id"`
	ParentThoughtID    string    `json:"parent_thought_id,omitempty"`
	Content            string    `json:"content"`
	Depth              int       `json:"depth"`
	PonderNotes        []string  `json:"ponder_notes,omitempty"`
	ConscienceFeedback []string  `json:"conscience_feedback,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// =============================================================================
// GRAPH SUBSTRATE
// =============================================================================

// NodeType classifies a graph node. Attributes are validated per type.
type NodeType string

const (
	NodeThought  NodeType = "thought"
	NodeMessage  NodeType = "message"
	NodeContext  NodeType = "context"
	NodeAction   NodeType = "action"
	NodeMetric   NodeType = "metric"
	NodeConfig   NodeType = "config"
	NodeIncident NodeType = "incident"
	NodeProblem  NodeType = "problem"
	NodeInsight  NodeType = "insight"
	NodeSummary  NodeType = "summary"
	NodeIdentity NodeType = "identity"
	NodeChannel  NodeType = "channel"
)

// GraphScope bounds node visibility. Widening a node's scope requires
// authority approval, enforced by the memory service rather than the store.
type GraphScope string

const (
	ScopeLocal       GraphScope = "local"
	ScopeEnvironment GraphScope = "environment"
	ScopeIdentity    GraphScope = "identity"
)

// EdgeType classifies a graph edge.
type EdgeType string

const (
	EdgeFollows      EdgeType = "FOLLOWS"
	EdgeRespondsTo   EdgeType = "RESPONDS_TO"
	EdgeTriggeredBy  EdgeType = "TRIGGERED_BY"
	EdgeRelatedTo    EdgeType = "RELATED_TO"
	EdgeTemporalNext EdgeType = "TEMPORAL_NEXT"
	EdgeTemporalPrev EdgeType = "TEMPORAL_PREV"
	EdgeSummarizes   EdgeType = "SUMMARIZES"
)

// GraphNode is one record in the memory substrate. Attributes carry a typed
// record serialized as JSON; the store validates it against the schema for
// the node's type before persisting.
type GraphNode struct {
	ID           string          `json:"id"`
	Type         NodeType        `json:"node_type"`
	Scope        GraphScope      `json:"scope"`
	Attributes   json.RawMessage `json:"attributes,omitempty"`
	Version      int             `json:"version"`
	OccurrenceID string          `json:"occurrence_id"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// GraphEdge links two pre-existing nodes.
type GraphEdge struct {
	SourceID   string          `json:"source_id"`
	TargetID   string          `json:"target_id"`
	Type       EdgeType        `json:"edge_type"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NodeFilter narrows a graph search. Zero values mean no constraint.
type NodeFilter struct {
	Type         NodeType
	Scope        GraphScope
	CreatedAfter time.Time
	IDPrefix     string
	Limit        int
}

// =============================================================================
// DMA RESULTS AND ACTION SELECTION
// =============================================================================

// DMAKind identifies which decision-making algorithm produced a result.
type DMAKind string

const (
	DMAPrincipled  DMAKind = "pdma"
	DMACommonSense DMAKind = "csdma"
	DMADomain      DMAKind = "dsdma"
)

// DMAResult is the structured evaluation one DMA produces for a thought.
type DMAResult struct {
	Kind         DMAKind `json:"kind"`
	Alignment    float64 `json:"alignment"`
	Plausibility float64 `json:"plausibility"`
	DomainFit    float64 `json:"domain_fit"`
	Notes        string  `json:"notes,omitempty"`
}

// ActionSelection is the action selector's output: one verb plus typed
// parameters for that verb.
type ActionSelection struct {
	Action    ActionType      `json:"selected_action"`
	Params    json.RawMessage `json:"action_parameters,omitempty"`
	Rationale string          `json:"rationale,omitempty"`
}

// Per-verb parameter records. Params above decodes into exactly one of these.

type SpeakParams struct {
	Content    string `json:"content"`
	ChannelRef string `json:"channel_ref,omitempty"`
}

type ToolParams struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

type ObserveParams struct {
	ChannelRef string `json:"channel_ref"`
	Limit      int    `json:"limit,omitempty"`
}

type MemorizeParams struct {
	Node GraphNode `json:"node"`
}

type RecallParams struct {
	Type     NodeType   `json:"node_type,omitempty"`
	Scope    GraphScope `json:"scope,omitempty"`
	IDPrefix string     `json:"id_prefix,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

type ForgetParams struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason,omitempty"`
}

type PonderParams struct {
	Questions []string `json:"questions"`
}

type DeferParams struct {
	Reason     string    `json:"reason"`
	DeferUntil time.Time `json:"defer_until,omitempty"`
}

type RejectParams struct {
	Reason        string `json:"reason"`
	CreateFilter  bool   `json:"create_filter,omitempty"`
	FilterPattern string `json:"filter_pattern,omitempty"`
}

// DecodeParams unmarshals the selection parameters into dst. A decode error
// here is a malformed selector output and is treated as retryable upstream.
func (s ActionSelection) DecodeParams(dst interface{}) error {
	if len(s.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(s.Params, dst); err != nil {
		return fmt.Errorf("malformed %s parameters: %w", s.Action, err)
	}
	return nil
}

// =============================================================================
// CONSCIENCE
// =============================================================================

// FacultyResult is one conscience faculty's verdict on a proposed action.
type FacultyResult struct {
	Faculty  string  `json:"faculty"`
	Passed   bool    `json:"passed"`
	Score    float64 `json:"score,omitempty"`
	Feedback string  `json:"feedback,omitempty"`
}

// ConscienceVerdict aggregates all faculty results plus the structural
// checks. When the verdict fails, Feedback carries the first failing
// faculty's guidance and OverrideAction optionally forces a replacement verb.
type ConscienceVerdict struct {
	Passed         bool            `json:"passed"`
	Bypassed       bool            `json:"bypassed"`
	Faculties      []FacultyResult `json:"faculties,omitempty"`
	FailedFaculty  string          `json:"failed_faculty,omitempty"`
	Feedback       string          `json:"feedback,omitempty"`
	OverrideAction ActionType      `json:"override_action,omitempty"`
	OverrideReason string          `json:"override_reason,omitempty"`
}

// =============================================================================
// HANDLERS
// =============================================================================

// HandlerStatus reports the outcome of one verb handler invocation.
type HandlerStatus string

const (
	HandlerCompleted HandlerStatus = "completed"
	HandlerFailed    HandlerStatus = "failed"
)

// HandlerResult is the typed outcome of dispatching one action.
type HandlerResult struct {
	Status      HandlerStatus `json:"status"`
	FollowUp    *Thought      `json:"follow_up,omitempty"`
	SideEffects []string      `json:"side_effects,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// =============================================================================
// SERVICES AND BUSES
// =============================================================================

// ServiceKind names one of the six multiplexed service families.
type ServiceKind string

const (
	KindMemory         ServiceKind = "memory"
	KindLLM            ServiceKind = "llm"
	KindWisdom         ServiceKind = "wisdom"
	KindTool           ServiceKind = "tool"
	KindCommunication  ServiceKind = "communication"
	KindRuntimeControl ServiceKind = "runtime_control"
)

// BreakerState is the circuit breaker position for one provider.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerHalfOpen BreakerState = "half_open"
	BreakerOpen     BreakerState = "open"
)

// SelectionStrategy orders providers within a priority tier.
type SelectionStrategy int

const (
	SelectFirst SelectionStrategy = iota
	SelectRoundRobin
	SelectLeastLoaded
)

// ServiceMetrics is the standard pull-model metrics record every service
// produces on demand. Extra carries service-specific gauge values.
type ServiceMetrics struct {
	ServiceName  string             `json:"service_name"`
	UptimeSecs   float64            `json:"uptime_seconds"`
	RequestCount int64              `json:"request_count"`
	ErrorCount   int64              `json:"error_count"`
	ErrorRate    float64            `json:"error_rate"`
	Healthy      bool               `json:"healthy"`
	Extra        map[string]float64 `json:"extra,omitempty"`
}

// BusMetrics extends ServiceMetrics with routing-layer fields.
type BusMetrics struct {
	ServiceMetrics
	ActiveSubscriptions int     `json:"active_subscriptions"`
	QueueDepth          int     `json:"queue_depth"`
	AverageLatencyMs    float64 `json:"average_latency_ms"`
}

// WisdomAdvice is one authority's response to a guidance broadcast.
type WisdomAdvice struct {
	Capability   string  `json:"capability"`
	ProviderType string  `json:"provider_type"`
	Confidence   float64 `json:"confidence"`
	Disclaimer   string  `json:"disclaimer,omitempty"`
	Guidance     string  `json:"guidance"`
}

// =============================================================================
// DEFERRALS
// =============================================================================

// DeferralResolution records an authority's decision on a deferral.
type DeferralResolution struct {
	Approved   bool      `json:"approved"`
	ResolverID string    `json:"resolver_id"`
	ResolvedAt time.Time `json:"resolved_at"`
	Guidance   string    `json:"guidance,omitempty"`
}

// DeferralRecord escalates a thought to a wise authority. A record with
// RequiresAuthority set parks its task until a resolution arrives; one
// without it is a scheduled snooze that wakes when DeferUntil passes.
type DeferralRecord struct {
	DeferralID        string              `json:"deferral_id"`
	TaskID            string              `json:"task_id"`
	ThoughtID         string              `json:"thought_id"`
	Reason            string              `json:"reason"`
	DeferUntil        time.Time           `json:"defer_until,omitempty"`
	RequiresAuthority bool                `json:"requires_authority,omitempty"`
	Resolution        *DeferralResolution `json:"resolution,omitempty"`
	OccurrenceID      string              `json:"occurrence_id"`
	CreatedAt         time.Time           `json:"created_at"`
}

// =============================================================================
// TRACES
// =============================================================================

// TraceComponentKind names one of the six per-thought trace components.
type TraceComponentKind string

const (
	TraceObservation TraceComponentKind = "observation"
	TraceContext     TraceComponentKind = "context"
	TraceDMAResults  TraceComponentKind = "dma_results"
	TraceAction      TraceComponentKind = "action"
	TraceConscience  TraceComponentKind = "conscience"
	TraceOutcome     TraceComponentKind = "outcome"
)

// TraceComponent is one typed entry inside a CompleteTrace.
type TraceComponent struct {
	Kind      TraceComponentKind `json:"kind"`
	Payload   json.RawMessage    `json:"payload,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// CompleteTrace records one thought's full journey through the pipeline.
type CompleteTrace struct {
	TraceID      string           `json:"trace_id"`
	ThoughtID    string           `json:"thought_id"`
	TaskID       string           `json:"task_id"`
	OccurrenceID string           `json:"occurrence_id"`
	Components   []TraceComponent `json:"components"`
}

// =============================================================================
// COGNITIVE STATES
// =============================================================================

// CognitiveState is one of the six runtime processing modes.
type CognitiveState string

const (
	StateWakeup   CognitiveState = "WAKEUP"
	StateWork     CognitiveState = "WORK"
	StatePlay     CognitiveState = "PLAY"
	StateSolitude CognitiveState = "SOLITUDE"
	StateDream    CognitiveState = "DREAM"
	StateShutdown CognitiveState = "SHUTDOWN"
)
