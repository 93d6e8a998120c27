package models

import (
	"encoding/json"
	"time"
)

// EventType identifies an event emitted by the orchestration core.
// Delivery is fire-and-forget; the core never blocks on consumers.
type EventType string

const (
	// EventToken streams a chunk of assistant text.
	EventToken EventType = "token"
	// EventToolCall reports a tool invocation starting.
	EventToolCall EventType = "tool_call"
	// EventToolResult reports a tool invocation finishing.
	EventToolResult EventType = "tool_result"
	// EventFinal carries an agent's final answer, with optional usage summary.
	EventFinal EventType = "final"
	// EventError reports an error surfaced to the user.
	EventError EventType = "error"
	// EventStatus reports a coarse status change.
	EventStatus EventType = "status"

	// EventPlanCreated carries the full node/dependency structure of a new plan.
	EventPlanCreated EventType = "plan.created"
	// EventPlanModified reports nodes added to an existing plan.
	EventPlanModified EventType = "plan.modified"
	// EventTaskStarted reports a task node entering execution.
	EventTaskStarted EventType = "task.started"
	// EventTaskProgress reports incremental progress on a task node.
	EventTaskProgress EventType = "task.progress"
	// EventTaskCompleted reports a task node reaching a terminal status.
	EventTaskCompleted EventType = "task.completed"
	// EventAgentSpawned reports a new sub-agent instance.
	EventAgentSpawned EventType = "agent.spawned"
	// EventAgentReasoning streams a sub-agent reasoning step.
	EventAgentReasoning EventType = "agent.reasoning"
	// EventAgentIntervention reports an orchestrator-issued correction.
	EventAgentIntervention EventType = "agent.intervention"
	// EventAgentTerminated reports a sub-agent reaching a terminal status.
	EventAgentTerminated EventType = "agent.terminated"
	// EventOrchestratorStatus reports a run-level status transition.
	EventOrchestratorStatus EventType = "orchestrator.status"
)

// InterventionAction is the correction applied to a running sub-agent.
type InterventionAction string

const (
	// ActionGuide injects corrective guidance into the agent's next reasoning step.
	ActionGuide InterventionAction = "guide"
	// ActionRedirect restates the task to pull a drifting agent back on course.
	ActionRedirect InterventionAction = "redirect"
	// ActionCancel stops the agent cooperatively.
	ActionCancel InterventionAction = "cancel"
)

// TerminationReason explains why a sub-agent terminated.
type TerminationReason string

const (
	// TerminatedCompleted means the agent produced a final answer.
	TerminatedCompleted TerminationReason = "completed"
	// TerminatedFailed means the agent hit an unrecoverable error.
	TerminatedFailed TerminationReason = "failed"
	// TerminatedCancelled means the agent was cancelled externally.
	TerminatedCancelled TerminationReason = "cancelled"
	// TerminatedLoopDetected means loop detection abandoned the agent.
	TerminatedLoopDetected TerminationReason = "loop_detected"
)

// UsageSummary accompanies final events.
type UsageSummary struct {
	// TotalTokens is the combined input and output token count.
	TotalTokens int64 `json:"total_tokens"`
	// Cost is the total cost in dollars.
	Cost float64 `json:"cost"`
}

// Event is one entry on the outward event stream.
type Event struct {
	// Type is the kind of event.
	Type EventType `json:"type"`
	// RunID is the run the event belongs to.
	RunID string `json:"run_id,omitempty"`
	// PlanID is the related plan, if applicable.
	PlanID string `json:"plan_id,omitempty"`
	// NodeID is the related task node, if applicable.
	NodeID string `json:"node_id,omitempty"`
	// AgentID is the related sub-agent, if applicable.
	AgentID string `json:"agent_id,omitempty"`
	// Message is human-readable context.
	Message string `json:"message,omitempty"`
	// Payload carries event-specific structured data, such as the full
	// node/dependency structure for plan.created.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Action is set on agent.intervention events.
	Action InterventionAction `json:"action,omitempty"`
	// Reason is set on agent.terminated events.
	Reason TerminationReason `json:"reason,omitempty"`
	// Usage is set on final events when totals are known.
	Usage *UsageSummary `json:"usage,omitempty"`
	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`
}
