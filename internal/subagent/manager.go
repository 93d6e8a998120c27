// Package subagent spawns and drives the bounded reasoning loops that
// execute individual task nodes.
package subagent

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/donnahq/donna/internal/llm"
	"github.com/donnahq/donna/internal/mcp"
	"github.com/donnahq/donna/internal/scope"
	"github.com/donnahq/donna/internal/store"
	"github.com/donnahq/donna/pkg/models"
)

// ToolRouter is the slice of the capability router the sub-agent loop uses.
// *mcp.Manager satisfies it; tests route to fakes.
type ToolRouter interface {
	GetAllTools(ctx context.Context) []mcp.ToolDescriptor
	InvokeTool(ctx context.Context, userID, namespacedID string, args map[string]any) (*mcp.ToolResult, error)
}

// Agent is the in-process handle for one spawned sub-agent.
type Agent struct {
	ID     string
	RunID  string
	UserID string
	NodeID string

	// allowed is the resolved tool scope, keyed by namespaced tool id.
	allowed map[string]bool
}

// Allowed reports whether the agent may invoke the given tool.
func (a *Agent) Allowed(toolID string) bool {
	return a.allowed[toolID]
}

// Manager creates sub-agent records and hands them to runners.
type Manager struct {
	store         store.Store
	scopes        *scope.Registry
	llm           llm.Completer
	router        ToolRouter
	maxIterations int
}

// NewManager creates a sub-agent manager.
func NewManager(st store.Store, scopes *scope.Registry, completer llm.Completer, router ToolRouter, maxIterations int) *Manager {
	if maxIterations <= 0 {
		maxIterations = 20
	}
	return &Manager{
		store:         st,
		scopes:        scopes,
		llm:           completer,
		router:        router,
		maxIterations: maxIterations,
	}
}

// SpawnRequest describes the sub-agent to create.
type SpawnRequest struct {
	RunID  string
	UserID string
	Node   *models.TaskNode
	// Extras are orchestrator-granted tool ids beyond the archetype base.
	// Reserved tools are stripped during resolution regardless.
	Extras []string
	// UpstreamContext carries results from completed dependency nodes.
	UpstreamContext string
}

// Spawn creates a sub-agent record in initializing, resolves its tool scope,
// and claims the task node for it. The node claim is the only path that
// moves a node into in_progress.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*Agent, error) {
	agentID := uuid.NewString()

	resolved := m.scopes.Resolve(req.Node.Archetype, req.Extras)
	allowed := make(map[string]bool, len(resolved))
	for _, id := range resolved {
		allowed[id] = true
	}

	state := &models.SubAgentState{
		ID:              agentID,
		RunID:           req.RunID,
		TaskNodeID:      req.Node.ID,
		Archetype:       req.Node.Archetype,
		Status:          models.SubAgentInitializing,
		TaskDescription: req.Node.Description,
		UpstreamContext: req.UpstreamContext,
		AdditionalTools: append([]string(nil), req.Extras...),
		StartedAt:       time.Now().UTC(),
	}
	if err := m.store.CreateAgent(ctx, state); err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}

	if err := m.store.ClaimNode(ctx, req.Node.ID, agentID); err != nil {
		// Another agent won the node; retire this record.
		m.store.SetAgentStatus(ctx, agentID, models.SubAgentFailed)
		return nil, fmt.Errorf("claim node %s: %w", req.Node.ID, err)
	}

	log.Printf("[subagent] spawned %s (%s) for node %s", agentID, req.Node.Archetype, req.Node.ID)
	return &Agent{
		ID:      agentID,
		RunID:   req.RunID,
		UserID:  req.UserID,
		NodeID:  req.Node.ID,
		allowed: allowed,
	}, nil
}

// Cancel requests cooperative cancellation of an agent by marking its record.
// The runner observes the terminal status at its next suspension point; the
// caller should also cancel the runner's context to unblock in-flight calls.
func (m *Manager) Cancel(ctx context.Context, agentID string) error {
	return m.store.SetAgentStatus(ctx, agentID, models.SubAgentCancelled)
}
