package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/donnahq/donna/internal/store"
	"github.com/donnahq/donna/pkg/models"
)

// NodeSpec describes a task node to add to a plan. ID is optional; one is
// generated when empty, which lets callers reference other nodes in the same
// batch by pre-assigned IDs.
type NodeSpec struct {
	ID          string
	Description string
	Archetype   models.Archetype
	DependsOn   []string
}

// Service owns task plans and their dependency graphs. All mutations are
// validated against the graph before they reach the store, so a stored plan
// is always acyclic with resolvable dependencies.
type Service struct {
	store store.Store
}

// NewService creates a plan service backed by the given store.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// CreatePlan creates an empty plan for a run.
func (s *Service) CreatePlan(ctx context.Context, runID string) (*models.TaskPlan, error) {
	now := time.Now().UTC()
	p := &models.TaskPlan{
		ID:        uuid.NewString(),
		RunID:     runID,
		Status:    models.PlanStatusPlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreatePlan(ctx, p); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	return p, nil
}

// Plan returns the plan for a run.
func (s *Service) Plan(ctx context.Context, runID string) (*models.TaskPlan, error) {
	return s.store.GetPlanByRun(ctx, runID)
}

// AddNodes validates and persists a batch of new nodes. Dependencies may
// reference existing plan nodes or other nodes in the same batch. The whole
// batch is rejected if any dependency is unresolvable or the combined graph
// would contain a cycle; validation failures are never retried upstream.
func (s *Service) AddNodes(ctx context.Context, planID string, specs []NodeSpec) ([]*models.TaskNode, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("add nodes: empty batch")
	}

	existing, err := s.store.ListNodes(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("list plan nodes: %w", err)
	}

	now := time.Now().UTC()
	batch := make([]*models.TaskNode, 0, len(specs))
	for _, spec := range specs {
		if !spec.Archetype.Valid() {
			return nil, fmt.Errorf("add nodes: unknown archetype %q", spec.Archetype)
		}
		id := spec.ID
		if id == "" {
			id = uuid.NewString()
		}
		batch = append(batch, &models.TaskNode{
			ID:          id,
			PlanID:      planID,
			Description: spec.Description,
			Archetype:   spec.Archetype,
			Status:      models.NodeStatusPending,
			DependsOn:   append([]string(nil), spec.DependsOn...),
			CreatedAt:   now,
		})
	}

	// Validate the combined graph before anything is written.
	combined := make([]*models.TaskNode, 0, len(existing)+len(batch))
	combined = append(combined, existing...)
	combined = append(combined, batch...)
	if _, err := NewGraph(combined); err != nil {
		return nil, fmt.Errorf("validate plan graph: %w", err)
	}

	if err := s.store.CreateNodes(ctx, planID, batch); err != nil {
		return nil, fmt.Errorf("create nodes: %w", err)
	}
	return batch, nil
}

// Graph loads the plan's nodes and builds its dependency graph.
func (s *Service) Graph(ctx context.Context, planID string) (*Graph, error) {
	nodes, err := s.store.ListNodes(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("list plan nodes: %w", err)
	}
	return NewGraph(nodes)
}

// ReadyNodes returns the plan's nodes whose dependencies are all completed
// and which have not started.
func (s *Service) ReadyNodes(ctx context.Context, planID string) ([]*models.TaskNode, error) {
	g, err := s.Graph(ctx, planID)
	if err != nil {
		return nil, err
	}
	return g.Ready(), nil
}

// MarkStatus transitions a node. The store rejects transitions into
// in_progress; claiming goes through the sub-agent spawn path.
func (s *Service) MarkStatus(ctx context.Context, nodeID string, status models.NodeStatus) error {
	return s.store.SetNodeStatus(ctx, nodeID, status)
}

// RecordResult attaches the sub-agent's result payload to a node.
func (s *Service) RecordResult(ctx context.Context, nodeID string, result json.RawMessage) error {
	return s.store.RecordNodeResult(ctx, nodeID, result)
}

// IncrementRetry bumps a node's retry count. Within the ceiling the node
// returns to pending unassigned; past it the store forces failed.
func (s *Service) IncrementRetry(ctx context.Context, nodeID string) (int, models.NodeStatus, error) {
	return s.store.IncrementNodeRetry(ctx, nodeID)
}

// UpstreamContext collects the results of a node's completed dependencies
// into a prompt-ready digest for the sub-agent that will execute it.
func (s *Service) UpstreamContext(ctx context.Context, planID, nodeID string) (string, error) {
	g, err := s.Graph(ctx, planID)
	if err != nil {
		return "", err
	}

	var out string
	for _, dep := range g.Dependencies(nodeID) {
		if dep.Status != models.NodeStatusCompleted || len(dep.Result) == 0 {
			continue
		}
		out += fmt.Sprintf("Result of %q:\n%s\n\n", dep.Description, dep.Result)
	}
	return out, nil
}
