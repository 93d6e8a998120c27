package orchestrator

import (
	"context"
	"sync"

	"github.com/donnahq/donna/internal/subagent"
)

// handle is one in-flight sub-agent runner.
type handle struct {
	agent  *subagent.Agent
	cancel context.CancelFunc
}

// AgentRegistry tracks in-flight runner handles so the orchestrator can
// cancel them and knows which nodes are already being worked.
type AgentRegistry struct {
	mu      sync.RWMutex
	handles map[string]*handle // keyed by agent ID
	byNode  map[string]string  // node ID -> agent ID
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		handles: make(map[string]*handle),
		byNode:  make(map[string]string),
	}
}

// Register adds an in-flight agent and its cancel function.
func (r *AgentRegistry) Register(ag *subagent.Agent, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[ag.ID] = &handle{agent: ag, cancel: cancel}
	r.byNode[ag.NodeID] = ag.ID
}

// Unregister removes an agent after its runner returns.
func (r *AgentRegistry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[agentID]
	if !ok {
		return
	}
	delete(r.byNode, h.agent.NodeID)
	delete(r.handles, agentID)
}

// Cancel invokes the agent's cancel function if it is still in flight.
func (r *AgentRegistry) Cancel(agentID string) {
	r.mu.RLock()
	h, ok := r.handles[agentID]
	r.mu.RUnlock()
	if ok {
		h.cancel()
	}
}

// CancelAll cancels every in-flight agent.
func (r *AgentRegistry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handles {
		h.cancel()
	}
}

// WorkingOn reports whether some agent is already executing the node.
func (r *AgentRegistry) WorkingOn(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byNode[nodeID]
	return ok
}

// Agents returns the in-flight agents.
func (r *AgentRegistry) Agents() []*subagent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents := make([]*subagent.Agent, 0, len(r.handles))
	for _, h := range r.handles {
		agents = append(agents, h.agent)
	}
	return agents
}

// Count returns the number of in-flight agents.
func (r *AgentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
