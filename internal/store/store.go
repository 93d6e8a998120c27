// Package store persists orchestration state: task plans, task nodes,
// sub-agent records, and per-run orchestrator state. It is the sole source
// of truth for crash recovery.
//
// Two interchangeable backends implement the Store interface: Memory
// (volatile, single process) and SQLite (durable). Counter mutations are
// atomic at the storage layer and append operations are additive, so the
// contract holds under concurrent sub-agents.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/donnahq/donna/pkg/models"
)

// ErrNotFound indicates a plan, node, agent, or run does not exist.
// Not-found conditions are surfaced to the caller and never retried.
var ErrNotFound = errors.New("not found")

// ErrNotClaimable indicates a node could not be claimed because it is not
// pending or already has an active sub-agent.
var ErrNotClaimable = errors.New("node not claimable")

// Limits carries the retry and intervention ceilings the store enforces.
type Limits struct {
	// MaxNodeRetries is the retry ceiling per task node. Crossing it forces
	// the node to failed.
	MaxNodeRetries int
	// MaxInterventions is the global intervention ceiling per run.
	MaxInterventions int
}

// DefaultLimits returns the standard ceilings.
func DefaultLimits() Limits {
	return Limits{MaxNodeRetries: 3, MaxInterventions: 10}
}

// PlanStore handles task-plan persistence.
type PlanStore interface {
	CreatePlan(ctx context.Context, p *models.TaskPlan) error
	GetPlan(ctx context.Context, id string) (*models.TaskPlan, error)
	GetPlanByRun(ctx context.Context, runID string) (*models.TaskPlan, error)
	SetPlanStatus(ctx context.Context, id string, status models.PlanStatus) error
	// DeletePlan removes a plan and all its nodes (cascading, run deletion only).
	DeletePlan(ctx context.Context, id string) error
}

// NodeStore handles task-node persistence.
type NodeStore interface {
	// CreateNodes inserts a validated batch of nodes into a plan.
	CreateNodes(ctx context.Context, planID string, nodes []*models.TaskNode) error
	GetNode(ctx context.Context, id string) (*models.TaskNode, error)
	ListNodes(ctx context.Context, planID string) ([]*models.TaskNode, error)
	// ClaimNode atomically assigns a sub-agent to a pending node and moves it
	// to in_progress. This is the only path into in_progress; a node is never
	// in_progress without an assigned agent.
	ClaimNode(ctx context.Context, id, agentID string) error
	// SetNodeStatus transitions a node. in_progress is rejected (use
	// ClaimNode); terminal transitions set completedAt exactly once.
	SetNodeStatus(ctx context.Context, id string, status models.NodeStatus) error
	RecordNodeResult(ctx context.Context, id string, result json.RawMessage) error
	// IncrementNodeRetry atomically bumps the node's retry counter. While the
	// new count is within the ceiling the node is reset to pending with no
	// assigned agent; crossing the ceiling forces it to failed. Returns the
	// new count and resulting status.
	IncrementNodeRetry(ctx context.Context, id string) (int, models.NodeStatus, error)
}

// AgentStore handles sub-agent persistence. All list mutations are
// append-only; elements are never removed or reordered.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *models.SubAgentState) error
	GetAgent(ctx context.Context, id string) (*models.SubAgentState, error)
	ListAgentsByRun(ctx context.Context, runID string) ([]*models.SubAgentState, error)
	// SetAgentStatus transitions an agent. Terminal transitions set
	// completedAt exactly once; transitions out of a terminal status are
	// silently ignored so a cancel racing a completion cannot resurrect
	// the agent.
	SetAgentStatus(ctx context.Context, id string, status models.SubAgentStatus) error
	AppendMessage(ctx context.Context, id string, m models.AgentMessage) error
	AppendToolCall(ctx context.Context, id string, tc models.ToolCallRecord) error
	AppendReasoning(ctx context.Context, id string, r models.ReasoningStep) error
	AppendArtifact(ctx context.Context, id string, a models.Artifact) error
	// SetGuidance writes pending guidance for the agent's next reasoning step.
	SetGuidance(ctx context.Context, id, guidance string) error
	// ConsumeGuidance returns pending guidance and clears it, atomically with
	// the read that delivers it. Returns "" when none is pending.
	ConsumeGuidance(ctx context.Context, id string) (string, error)
	// AddAgentUsage atomically adds token and cost deltas to the agent's totals.
	AddAgentUsage(ctx context.Context, id string, tokens int64, cost float64) error
}

// RunStore handles orchestrator-state persistence. One record per run,
// unique on run ID; all lookups are by run ID.
type RunStore interface {
	CreateRunState(ctx context.Context, s *models.OrchestratorState) error
	GetRunState(ctx context.Context, runID string) (*models.OrchestratorState, error)
	ListActiveRuns(ctx context.Context) ([]*models.OrchestratorState, error)
	ListRunsByUser(ctx context.Context, userID string) ([]*models.OrchestratorState, error)
	// SetRunStatus transitions the run; terminal transitions set completedAt once.
	SetRunStatus(ctx context.Context, runID string, status models.RunStatus) error
	SetRunPlan(ctx context.Context, runID, planID string) error
	AddActiveAgent(ctx context.Context, runID, agentID string) error
	RemoveActiveAgent(ctx context.Context, runID, agentID string) error
	// IncrementLoopCounter atomically bumps the per-node loop counter and
	// returns the new value.
	IncrementLoopCounter(ctx context.Context, runID, nodeID string) (int, error)
	// IncrementInterventions atomically bumps the run's intervention counter
	// and returns the new value. The orchestrator owns the ceiling decision.
	IncrementInterventions(ctx context.Context, runID string) (int, error)
	// AddRunUsage atomically adds token and cost deltas to the run totals.
	// Only the orchestrator calls this; other components report deltas upward.
	AddRunUsage(ctx context.Context, runID string, tokens int64, cost float64) error
	// DeleteRun removes a run and cascades to its plan, nodes, and agents.
	DeleteRun(ctx context.Context, runID string) error
}

// Store is the persistence port the orchestration core depends on.
type Store interface {
	io.Closer
	PlanStore
	NodeStore
	AgentStore
	RunStore
}

// Compile-time verification that both backends implement Store.
var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLite)(nil)
)
