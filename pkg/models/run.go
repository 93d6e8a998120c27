package models

import "time"

// RunStatus represents the orchestrator's state for one run.
type RunStatus string

const (
	// RunIdle indicates the run exists but no decision has been made yet.
	RunIdle RunStatus = "idle"
	// RunPlanning indicates a task plan is being constructed.
	RunPlanning RunStatus = "planning"
	// RunExecuting indicates plan nodes are being executed.
	RunExecuting RunStatus = "executing"
	// RunMonitoring indicates execution is being watched for completions
	// and interventions. In practice executing and monitoring interleave.
	RunMonitoring RunStatus = "monitoring"
	// RunCompleted indicates every node reached a terminal status.
	RunCompleted RunStatus = "completed"
	// RunFailed indicates a ceiling was exceeded or an unrecoverable error occurred.
	RunFailed RunStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunIdle, RunPlanning, RunExecuting, RunMonitoring, RunCompleted, RunFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// OrchestratorState is the single source of truth for one run's orchestration
// progress. A crash-recovery routine reconstructs everything from this record
// plus the plan and sub-agent records it references.
type OrchestratorState struct {
	// ID is the unique identifier for this record.
	ID string `json:"id"`
	// RunID is the run identifier. Unique across all records.
	RunID string `json:"run_id"`
	// UserID is the user who owns this run.
	UserID string `json:"user_id"`
	// Status is the orchestrator's current state for the run.
	Status RunStatus `json:"status"`
	// PlanID references the current task plan, if one exists.
	PlanID string `json:"plan_id,omitempty"`
	// ActiveAgentIDs is the set of sub-agents currently in flight.
	ActiveAgentIDs []string `json:"active_agent_ids,omitempty"`
	// LoopCounters maps task node IDs to retry/loop counters.
	LoopCounters map[string]int `json:"loop_counters,omitempty"`
	// TotalInterventions is the monotonic count of interventions issued.
	TotalInterventions int `json:"total_interventions"`
	// TotalTokens is the run-level token total. Written only by the orchestrator.
	TotalTokens int64 `json:"total_tokens"`
	// TotalCost is the run-level cost total in dollars. Written only by the orchestrator.
	TotalCost float64 `json:"total_cost"`
	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is set once, when the run reaches a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// UpdatedAt is when this record was last written.
	UpdatedAt time.Time `json:"updated_at"`
}
