package models

import (
	"encoding/json"
	"time"
)

// PlanStatus represents the current state of a task plan.
type PlanStatus string

const (
	// PlanStatusPlanning indicates the plan is still being constructed.
	PlanStatusPlanning PlanStatus = "planning"
	// PlanStatusExecuting indicates the plan's nodes are being executed.
	PlanStatusExecuting PlanStatus = "executing"
	// PlanStatusCompleted indicates every node reached a terminal status.
	PlanStatusCompleted PlanStatus = "completed"
	// PlanStatusFailed indicates the plan was abandoned.
	PlanStatusFailed PlanStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s PlanStatus) Valid() bool {
	switch s {
	case PlanStatusPlanning, PlanStatusExecuting, PlanStatusCompleted, PlanStatusFailed:
		return true
	default:
		return false
	}
}

// NodeStatus represents the current state of a task node.
type NodeStatus string

const (
	// NodeStatusPending indicates the node has not started.
	NodeStatusPending NodeStatus = "pending"
	// NodeStatusInProgress indicates a sub-agent is working on the node.
	NodeStatusInProgress NodeStatus = "in_progress"
	// NodeStatusCompleted indicates the node finished successfully.
	NodeStatusCompleted NodeStatus = "completed"
	// NodeStatusFailed indicates the node failed.
	NodeStatusFailed NodeStatus = "failed"
	// NodeStatusCancelled indicates the node was cancelled before completion.
	NodeStatusCancelled NodeStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusPending, NodeStatusInProgress, NodeStatusCompleted,
		NodeStatusFailed, NodeStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is one a node never leaves on its own.
// A failed node may still be retried, which resets it to pending through the
// store's retry path.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed || s == NodeStatusCancelled
}

// TaskPlan is the dependency graph of work for a single run.
// A plan is owned exclusively by its run and is destroyed only when the
// run is deleted.
type TaskPlan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`
	// RunID is the run this plan belongs to.
	RunID string `json:"run_id"`
	// Status is the current state of the plan.
	Status PlanStatus `json:"status"`
	// NodeIDs is the set of task node IDs in this plan. Order carries no meaning.
	NodeIDs []string `json:"node_ids,omitempty"`
	// CreatedAt is when the plan was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the plan was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskNode is a unit of work within a plan, assigned to one agent archetype.
type TaskNode struct {
	// ID is the unique identifier for this node.
	ID string `json:"id"`
	// PlanID is the plan this node belongs to (back-reference, not ownership).
	PlanID string `json:"plan_id"`
	// Description is what the sub-agent is asked to do.
	Description string `json:"description"`
	// Archetype is the agent archetype that should execute this node.
	Archetype Archetype `json:"agent_type"`
	// Status is the current state of the node.
	Status NodeStatus `json:"status"`
	// DependsOn lists node IDs that must complete before this node starts.
	// Every ID must reference a node in the same plan.
	DependsOn []string `json:"dependencies,omitempty"`
	// AssignedAgentID is the sub-agent currently claiming this node, if any.
	AssignedAgentID string `json:"assigned_agent_id,omitempty"`
	// Result is the opaque payload produced by the sub-agent.
	Result json.RawMessage `json:"result,omitempty"`
	// RetryCount is how many times this node has been retried. Monotonic.
	RetryCount int `json:"retry_count"`
	// CreatedAt is when the node was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is set exactly once, when the node enters a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
