package models

import (
	"encoding/json"
	"time"
)

// Archetype is a named category of sub-agent with a fixed base tool scope.
type Archetype string

const (
	// ArchetypeResearch gathers information via memory recall and web tools.
	ArchetypeResearch Archetype = "research"
	// ArchetypeCoding reads and writes files and runs commands.
	ArchetypeCoding Archetype = "coding"
	// ArchetypeCommunication drafts and sends messages and manages the calendar.
	ArchetypeCommunication Archetype = "communication"
	// ArchetypeGeneral handles tasks that fit no specialized archetype.
	ArchetypeGeneral Archetype = "general"
)

// Valid returns true if the archetype is a known value.
func (a Archetype) Valid() bool {
	switch a {
	case ArchetypeResearch, ArchetypeCoding, ArchetypeCommunication, ArchetypeGeneral:
		return true
	default:
		return false
	}
}

// SubAgentStatus represents the lifecycle state of a sub-agent instance.
type SubAgentStatus string

const (
	// SubAgentInitializing indicates the agent record exists but the loop has not started.
	SubAgentInitializing SubAgentStatus = "initializing"
	// SubAgentRunning indicates the reasoning loop is active.
	SubAgentRunning SubAgentStatus = "running"
	// SubAgentCompleted indicates the agent produced a final answer.
	SubAgentCompleted SubAgentStatus = "completed"
	// SubAgentFailed indicates the agent hit an unrecoverable error.
	SubAgentFailed SubAgentStatus = "failed"
	// SubAgentCancelled indicates the agent was cancelled externally.
	SubAgentCancelled SubAgentStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s SubAgentStatus) Valid() bool {
	switch s {
	case SubAgentInitializing, SubAgentRunning, SubAgentCompleted,
		SubAgentFailed, SubAgentCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is terminal.
func (s SubAgentStatus) Terminal() bool {
	return s == SubAgentCompleted || s == SubAgentFailed || s == SubAgentCancelled
}

// MessageRole identifies the author of an exchanged message.
type MessageRole string

const (
	// RoleUser marks messages sent to the agent (task, tool results, guidance).
	RoleUser MessageRole = "user"
	// RoleAssistant marks messages produced by the agent.
	RoleAssistant MessageRole = "assistant"
	// RoleOrchestrator marks guidance injected by the orchestrator.
	RoleOrchestrator MessageRole = "orchestrator"
)

// AgentMessage is one entry in a sub-agent's append-only message history.
type AgentMessage struct {
	// Role is who authored the message.
	Role MessageRole `json:"role"`
	// Content is the message text.
	Content string `json:"content"`
	// Timestamp is when the message was appended.
	Timestamp time.Time `json:"timestamp"`
}

// ToolCallRecord is one entry in a sub-agent's append-only tool-call history.
// Tool failures are captured here as structured results, never as crashes.
type ToolCallRecord struct {
	// ID is the provider-assigned call identifier.
	ID string `json:"id"`
	// Tool is the namespaced tool identifier that was invoked.
	Tool string `json:"tool"`
	// Input is the raw argument payload.
	Input json.RawMessage `json:"input,omitempty"`
	// Output is the textual result of the invocation.
	Output string `json:"output,omitempty"`
	// IsError marks a failed invocation.
	IsError bool `json:"is_error,omitempty"`
	// Timestamp is when the call was appended.
	Timestamp time.Time `json:"timestamp"`
}

// ReasoningStep is one entry in a sub-agent's append-only reasoning trace.
type ReasoningStep struct {
	// Text is the reasoning content.
	Text string `json:"text"`
	// Timestamp is when the step was appended.
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is a produced output attached to a sub-agent, discriminated by Kind.
type Artifact struct {
	// Kind discriminates the artifact payload shape ("text", "file", "link", ...).
	Kind string `json:"kind"`
	// Name is a human-readable label.
	Name string `json:"name"`
	// Content is the kind-specific payload.
	Content json.RawMessage `json:"content,omitempty"`
	// Timestamp is when the artifact was appended.
	Timestamp time.Time `json:"timestamp"`
}

// SubAgentState is the execution record of one agent instance bound to one
// task node. Retries create new instances; a node has at most one active
// sub-agent at a time.
type SubAgentState struct {
	// ID is the unique identifier for this sub-agent instance.
	ID string `json:"id"`
	// RunID is the run this agent belongs to.
	RunID string `json:"run_id"`
	// TaskNodeID is the node this agent is executing.
	TaskNodeID string `json:"task_node_id"`
	// Archetype is the agent's archetype.
	Archetype Archetype `json:"agent_type"`
	// Status is the current lifecycle state.
	Status SubAgentStatus `json:"status"`
	// TaskDescription is the work assigned to this agent.
	TaskDescription string `json:"task_description"`
	// UpstreamContext carries results from completed dependency nodes.
	UpstreamContext string `json:"upstream_context,omitempty"`
	// AdditionalTools are extra tool IDs granted by the orchestrator.
	AdditionalTools []string `json:"additional_tools,omitempty"`
	// Messages is the append-only ordered message history.
	Messages []AgentMessage `json:"messages,omitempty"`
	// ToolCalls is the append-only ordered tool-call history.
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	// ReasoningSteps is the append-only ordered reasoning trace.
	ReasoningSteps []ReasoningStep `json:"reasoning_steps,omitempty"`
	// Artifacts is the append-only ordered list of produced artifacts.
	Artifacts []Artifact `json:"artifacts,omitempty"`
	// PendingGuidance is written by the orchestrator and consumed (cleared)
	// by the running agent on its next reasoning step.
	PendingGuidance string `json:"pending_guidance,omitempty"`
	// TotalTokens is the running token total for this agent.
	TotalTokens int64 `json:"total_tokens"`
	// TotalCost is the running cost total in dollars for this agent.
	TotalCost float64 `json:"total_cost"`
	// StartedAt is when the agent was spawned.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is set exactly once, on entering a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
