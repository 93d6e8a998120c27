// Package plan provides the task plan service and its dependency graph.
package plan

import (
	"errors"
	"fmt"

	"github.com/donnahq/donna/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the node graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// Graph is a directed acyclic graph over a plan's task nodes.
// Edges represent "blocked by" relationships. A Graph is built once from a
// snapshot of nodes and is not safe for concurrent mutation.
type Graph struct {
	// nodes maps node ID to the node itself.
	nodes map[string]*models.TaskNode
	// edges maps node ID to IDs of nodes it depends on.
	edges map[string][]string
}

// NewGraph builds a graph from the given nodes. It returns an error if a
// dependency references a node outside the set or the graph contains a cycle.
func NewGraph(nodes []*models.TaskNode) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*models.TaskNode, len(nodes)),
		edges: make(map[string][]string, len(nodes)),
	}

	for _, n := range nodes {
		g.nodes[n.ID] = n
		g.edges[n.ID] = nil
	}
	for _, n := range nodes {
		for _, depID := range n.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return nil, fmt.Errorf("node %s depends on unknown node %s", n.ID, depID)
			}
			g.edges[n.ID] = append(g.edges[n.ID], depID)
		}
	}

	if g.hasCycle() {
		return nil, ErrCycleDetected
	}
	return g, nil
}

// hasCycle detects back edges via depth-first search with coloring.
func (g *Graph) hasCycle() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Back edge.
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// Ready returns the nodes that are pending and whose dependencies have all
// completed. Failed or cancelled dependencies never satisfy a dependent, so
// its subtree simply stops progressing rather than cascading failure.
func (g *Graph) Ready() []*models.TaskNode {
	var ready []*models.TaskNode
	for id, n := range g.nodes {
		if n.Status != models.NodeStatusPending {
			continue
		}
		satisfied := true
		for _, depID := range g.edges[id] {
			if g.nodes[depID].Status != models.NodeStatusCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, n)
		}
	}
	return ready
}

// Dependencies returns the nodes the given node is blocked by.
func (g *Graph) Dependencies(id string) []*models.TaskNode {
	var deps []*models.TaskNode
	for _, depID := range g.edges[id] {
		deps = append(deps, g.nodes[depID])
	}
	return deps
}

// Dependents returns the IDs of nodes blocked by the given node.
func (g *Graph) Dependents(id string) []string {
	var dependents []string
	for nodeID, deps := range g.edges {
		for _, depID := range deps {
			if depID == id {
				dependents = append(dependents, nodeID)
				break
			}
		}
	}
	return dependents
}

// Settled reports whether every node in the graph is terminal, and whether
// at least one node completed successfully.
func (g *Graph) Settled() (settled, anyCompleted bool) {
	settled = true
	for _, n := range g.nodes {
		if !n.Status.Terminal() {
			settled = false
		}
		if n.Status == models.NodeStatusCompleted {
			anyCompleted = true
		}
	}
	return settled, anyCompleted
}

// Stalled reports whether the graph can make no further progress: nothing is
// ready, nothing is running, and at least one node is still pending. This is
// how a failed dependency surfaces to the scheduler.
func (g *Graph) Stalled() bool {
	anyPending := false
	for _, n := range g.nodes {
		switch n.Status {
		case models.NodeStatusInProgress:
			return false
		case models.NodeStatusPending:
			anyPending = true
		}
	}
	return anyPending && len(g.Ready()) == 0
}

// Size returns the number of nodes in the graph.
func (g *Graph) Size() int {
	return len(g.nodes)
}
