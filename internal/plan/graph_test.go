package plan

import (
	"errors"
	"testing"

	"github.com/donnahq/donna/pkg/models"
)

func node(id string, status models.NodeStatus, deps ...string) *models.TaskNode {
	return &models.TaskNode{
		ID:          id,
		Description: "task " + id,
		Archetype:   models.ArchetypeGeneral,
		Status:      status,
		DependsOn:   deps,
	}
}

func TestNewGraphRejectsCycle(t *testing.T) {
	_, err := NewGraph([]*models.TaskNode{
		node("a", models.NodeStatusPending, "c"),
		node("b", models.NodeStatusPending, "a"),
		node("c", models.NodeStatusPending, "b"),
	})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}

func TestNewGraphRejectsSelfDependency(t *testing.T) {
	_, err := NewGraph([]*models.TaskNode{
		node("a", models.NodeStatusPending, "a"),
	})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}

func TestNewGraphRejectsUnknownDependency(t *testing.T) {
	_, err := NewGraph([]*models.TaskNode{
		node("a", models.NodeStatusPending, "ghost"),
	})
	if err == nil || errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected unknown-dependency error, got %v", err)
	}
}

func TestReadyFollowsCompletion(t *testing.T) {
	// c waits for both a and b.
	build := func(aStatus, bStatus models.NodeStatus) *Graph {
		g, err := NewGraph([]*models.TaskNode{
			node("a", aStatus),
			node("b", bStatus),
			node("c", models.NodeStatusPending, "a", "b"),
		})
		if err != nil {
			t.Fatalf("NewGraph: %v", err)
		}
		return g
	}

	readyIDs := func(g *Graph) map[string]bool {
		ids := make(map[string]bool)
		for _, n := range g.Ready() {
			ids[n.ID] = true
		}
		return ids
	}

	// Initially only the independent nodes are ready.
	ids := readyIDs(build(models.NodeStatusPending, models.NodeStatusPending))
	if !ids["a"] || !ids["b"] || ids["c"] {
		t.Errorf("initial ready set wrong: %v", ids)
	}

	// One dependency done is not enough.
	ids = readyIDs(build(models.NodeStatusCompleted, models.NodeStatusPending))
	if ids["c"] {
		t.Error("c became ready with b still pending")
	}

	// Both done.
	ids = readyIDs(build(models.NodeStatusCompleted, models.NodeStatusCompleted))
	if !ids["c"] {
		t.Error("c not ready after both dependencies completed")
	}
}

func TestFailedDependencyDoesNotCascade(t *testing.T) {
	g, err := NewGraph([]*models.TaskNode{
		node("a", models.NodeStatusFailed),
		node("b", models.NodeStatusPending, "a"),
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	// b stays pending rather than being marked failed, and the graph
	// reports a stall so the scheduler can settle the run.
	if len(g.Ready()) != 0 {
		t.Error("dependent of a failed node must not be ready")
	}
	if !g.Stalled() {
		t.Error("graph with only blocked pending nodes should be stalled")
	}
}

func TestStalledIgnoresRunningNodes(t *testing.T) {
	g, err := NewGraph([]*models.TaskNode{
		node("a", models.NodeStatusInProgress),
		node("b", models.NodeStatusPending, "a"),
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	if g.Stalled() {
		t.Error("graph with a running node is not stalled")
	}
}

func TestSettled(t *testing.T) {
	g, err := NewGraph([]*models.TaskNode{
		node("a", models.NodeStatusCompleted),
		node("b", models.NodeStatusFailed),
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	settled, anyCompleted := g.Settled()
	if !settled || !anyCompleted {
		t.Errorf("got settled=%v anyCompleted=%v", settled, anyCompleted)
	}

	g, _ = NewGraph([]*models.TaskNode{node("a", models.NodeStatusPending)})
	if settled, _ := g.Settled(); settled {
		t.Error("pending node should not settle the graph")
	}
}

func TestDependents(t *testing.T) {
	g, err := NewGraph([]*models.TaskNode{
		node("a", models.NodeStatusPending),
		node("b", models.NodeStatusPending, "a"),
		node("c", models.NodeStatusPending, "a"),
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	deps := g.Dependents("a")
	if len(deps) != 2 {
		t.Errorf("expected 2 dependents of a, got %v", deps)
	}
}
