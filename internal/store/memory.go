package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/donnahq/donna/pkg/models"
)

// Memory is the volatile Store backend for single-process use. All state
// lives in flat maps keyed by id, with explicit secondary indexes for
// ownership lookups; one mutex preserves the same atomicity contract the
// durable backend provides via single-statement updates.
type Memory struct {
	mu     sync.RWMutex
	limits Limits

	plans  map[string]*models.TaskPlan
	nodes  map[string]*models.TaskNode
	agents map[string]*models.SubAgentState
	runs   map[string]*models.OrchestratorState // keyed by run ID

	// Secondary indexes.
	planByRun   map[string]string   // run ID -> plan ID
	nodesByPlan map[string][]string // plan ID -> node IDs, insertion order
	agentsByRun map[string][]string // run ID -> agent IDs, insertion order
}

// NewMemory creates an empty volatile store with the given limits.
func NewMemory(limits Limits) *Memory {
	return &Memory{
		limits:      limits,
		plans:       make(map[string]*models.TaskPlan),
		nodes:       make(map[string]*models.TaskNode),
		agents:      make(map[string]*models.SubAgentState),
		runs:        make(map[string]*models.OrchestratorState),
		planByRun:   make(map[string]string),
		nodesByPlan: make(map[string][]string),
		agentsByRun: make(map[string][]string),
	}
}

// Close releases nothing; it satisfies the Store interface.
func (m *Memory) Close() error {
	return nil
}

// Plan operations

func (m *Memory) CreatePlan(ctx context.Context, p *models.TaskPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	cp.NodeIDs = append([]string(nil), p.NodeIDs...)
	m.plans[cp.ID] = &cp
	m.planByRun[cp.RunID] = cp.ID
	return nil
}

func (m *Memory) GetPlan(ctx context.Context, id string) (*models.TaskPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPlan(p, m.nodesByPlan[id]), nil
}

func (m *Memory) GetPlanByRun(ctx context.Context, runID string) (*models.TaskPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.planByRun[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPlan(m.plans[id], m.nodesByPlan[id]), nil
}

func (m *Memory) SetPlanStatus(ctx context.Context, id string, status models.PlanStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) DeletePlan(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletePlanLocked(id)
	return nil
}

func (m *Memory) deletePlanLocked(id string) {
	p, ok := m.plans[id]
	if !ok {
		return
	}
	for _, nodeID := range m.nodesByPlan[id] {
		delete(m.nodes, nodeID)
	}
	delete(m.nodesByPlan, id)
	delete(m.planByRun, p.RunID)
	delete(m.plans, id)
}

// Node operations

func (m *Memory) CreateNodes(ctx context.Context, planID string, nodes []*models.TaskNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[planID]
	if !ok {
		return ErrNotFound
	}
	for _, n := range nodes {
		cp := *n
		cp.PlanID = planID
		cp.DependsOn = append([]string(nil), n.DependsOn...)
		m.nodes[cp.ID] = &cp
		m.nodesByPlan[planID] = append(m.nodesByPlan[planID], cp.ID)
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) GetNode(ctx context.Context, id string) (*models.TaskNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyNode(n), nil
}

func (m *Memory) ListNodes(ctx context.Context, planID string) ([]*models.TaskNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.plans[planID]; !ok {
		return nil, ErrNotFound
	}
	ids := m.nodesByPlan[planID]
	nodes := make([]*models.TaskNode, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, copyNode(m.nodes[id]))
	}
	return nodes, nil
}

func (m *Memory) ClaimNode(ctx context.Context, id, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		return ErrNotFound
	}
	if n.Status != models.NodeStatusPending {
		return ErrNotClaimable
	}
	n.AssignedAgentID = agentID
	n.Status = models.NodeStatusInProgress
	return nil
}

func (m *Memory) SetNodeStatus(ctx context.Context, id string, status models.NodeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		return ErrNotFound
	}
	if status == models.NodeStatusInProgress {
		return ErrNotClaimable
	}
	if n.Status.Terminal() {
		// Terminal nodes change status only through the retry path.
		return nil
	}
	n.Status = status
	if status.Terminal() && n.CompletedAt == nil {
		now := time.Now().UTC()
		n.CompletedAt = &now
	}
	return nil
}

func (m *Memory) RecordNodeResult(ctx context.Context, id string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.Result = append(json.RawMessage(nil), result...)
	return nil
}

func (m *Memory) IncrementNodeRetry(ctx context.Context, id string) (int, models.NodeStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		return 0, "", ErrNotFound
	}
	n.RetryCount++
	if n.RetryCount > m.limits.MaxNodeRetries {
		n.Status = models.NodeStatusFailed
		if n.CompletedAt == nil {
			now := time.Now().UTC()
			n.CompletedAt = &now
		}
	} else {
		n.Status = models.NodeStatusPending
		n.AssignedAgentID = ""
	}
	return n.RetryCount, n.Status, nil
}

// Agent operations

func (m *Memory) CreateAgent(ctx context.Context, a *models.SubAgentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyAgent(a)
	m.agents[cp.ID] = cp
	m.agentsByRun[cp.RunID] = append(m.agentsByRun[cp.RunID], cp.ID)
	return nil
}

func (m *Memory) GetAgent(ctx context.Context, id string) (*models.SubAgentState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgent(a), nil
}

func (m *Memory) ListAgentsByRun(ctx context.Context, runID string) ([]*models.SubAgentState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.agentsByRun[runID]
	agents := make([]*models.SubAgentState, 0, len(ids))
	for _, id := range ids {
		agents = append(agents, copyAgent(m.agents[id]))
	}
	return agents, nil
}

func (m *Memory) SetAgentStatus(ctx context.Context, id string, status models.SubAgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status.Terminal() {
		return nil
	}
	a.Status = status
	if status.Terminal() && a.CompletedAt == nil {
		now := time.Now().UTC()
		a.CompletedAt = &now
	}
	return nil
}

func (m *Memory) AppendMessage(ctx context.Context, id string, msg models.AgentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Messages = append(a.Messages, msg)
	return nil
}

func (m *Memory) AppendToolCall(ctx context.Context, id string, tc models.ToolCallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.ToolCalls = append(a.ToolCalls, tc)
	return nil
}

func (m *Memory) AppendReasoning(ctx context.Context, id string, r models.ReasoningStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.ReasoningSteps = append(a.ReasoningSteps, r)
	return nil
}

func (m *Memory) AppendArtifact(ctx context.Context, id string, art models.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Artifacts = append(a.Artifacts, art)
	return nil
}

func (m *Memory) SetGuidance(ctx context.Context, id, guidance string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.PendingGuidance = guidance
	return nil
}

func (m *Memory) ConsumeGuidance(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return "", ErrNotFound
	}
	guidance := a.PendingGuidance
	a.PendingGuidance = ""
	return guidance, nil
}

func (m *Memory) AddAgentUsage(ctx context.Context, id string, tokens int64, cost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.TotalTokens += tokens
	a.TotalCost += cost
	return nil
}

// Run operations

func (m *Memory) CreateRunState(ctx context.Context, s *models.OrchestratorState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyRunState(s)
	m.runs[cp.RunID] = cp
	return nil
}

func (m *Memory) GetRunState(ctx context.Context, runID string) (*models.OrchestratorState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRunState(s), nil
}

func (m *Memory) ListActiveRuns(ctx context.Context) ([]*models.OrchestratorState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var active []*models.OrchestratorState
	for _, s := range m.runs {
		if !s.Status.Terminal() {
			active = append(active, copyRunState(s))
		}
	}
	return active, nil
}

func (m *Memory) ListRunsByUser(ctx context.Context, userID string) ([]*models.OrchestratorState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var runs []*models.OrchestratorState
	for _, s := range m.runs {
		if s.UserID == userID {
			runs = append(runs, copyRunState(s))
		}
	}
	return runs, nil
}

func (m *Memory) SetRunStatus(ctx context.Context, runID string, status models.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	now := time.Now().UTC()
	s.UpdatedAt = now
	if status.Terminal() && s.CompletedAt == nil {
		s.CompletedAt = &now
	}
	return nil
}

func (m *Memory) SetRunPlan(ctx context.Context, runID, planID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	s.PlanID = planID
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) AddActiveAgent(ctx context.Context, runID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	for _, id := range s.ActiveAgentIDs {
		if id == agentID {
			return nil
		}
	}
	s.ActiveAgentIDs = append(s.ActiveAgentIDs, agentID)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) RemoveActiveAgent(ctx context.Context, runID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	kept := s.ActiveAgentIDs[:0]
	for _, id := range s.ActiveAgentIDs {
		if id != agentID {
			kept = append(kept, id)
		}
	}
	s.ActiveAgentIDs = kept
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) IncrementLoopCounter(ctx context.Context, runID, nodeID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.runs[runID]
	if !ok {
		return 0, ErrNotFound
	}
	if s.LoopCounters == nil {
		s.LoopCounters = make(map[string]int)
	}
	s.LoopCounters[nodeID]++
	s.UpdatedAt = time.Now().UTC()
	return s.LoopCounters[nodeID], nil
}

func (m *Memory) IncrementInterventions(ctx context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.runs[runID]
	if !ok {
		return 0, ErrNotFound
	}
	s.TotalInterventions++
	s.UpdatedAt = time.Now().UTC()
	return s.TotalInterventions, nil
}

func (m *Memory) AddRunUsage(ctx context.Context, runID string, tokens int64, cost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	s.TotalTokens += tokens
	s.TotalCost += cost
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) DeleteRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if planID, ok := m.planByRun[runID]; ok {
		m.deletePlanLocked(planID)
	}
	for _, agentID := range m.agentsByRun[runID] {
		delete(m.agents, agentID)
	}
	delete(m.agentsByRun, runID)
	delete(m.runs, runID)
	return nil
}

// Copy helpers keep callers from aliasing store-internal state.

func copyPlan(p *models.TaskPlan, nodeIDs []string) *models.TaskPlan {
	cp := *p
	cp.NodeIDs = append([]string(nil), nodeIDs...)
	return &cp
}

func copyNode(n *models.TaskNode) *models.TaskNode {
	cp := *n
	cp.DependsOn = append([]string(nil), n.DependsOn...)
	cp.Result = append(json.RawMessage(nil), n.Result...)
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func copyAgent(a *models.SubAgentState) *models.SubAgentState {
	cp := *a
	cp.AdditionalTools = append([]string(nil), a.AdditionalTools...)
	cp.Messages = append([]models.AgentMessage(nil), a.Messages...)
	cp.ToolCalls = append([]models.ToolCallRecord(nil), a.ToolCalls...)
	cp.ReasoningSteps = append([]models.ReasoningStep(nil), a.ReasoningSteps...)
	cp.Artifacts = append([]models.Artifact(nil), a.Artifacts...)
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func copyRunState(s *models.OrchestratorState) *models.OrchestratorState {
	cp := *s
	cp.ActiveAgentIDs = append([]string(nil), s.ActiveAgentIDs...)
	if s.LoopCounters != nil {
		cp.LoopCounters = make(map[string]int, len(s.LoopCounters))
		for k, v := range s.LoopCounters {
			cp.LoopCounters[k] = v
		}
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
