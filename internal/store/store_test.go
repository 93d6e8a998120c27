package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/donnahq/donna/pkg/models"
)

// withBackends runs fn once per Store implementation so both backends are
// held to the same contract.
func withBackends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		s := NewMemory(DefaultLimits())
		defer s.Close()
		fn(t, s)
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.db")
		s, err := OpenSQLite(path, DefaultLimits())
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func seedPlan(t *testing.T, s Store, runID string, nodeIDs ...string) *models.TaskPlan {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	plan := &models.TaskPlan{
		ID:        "plan-" + runID,
		RunID:     runID,
		Status:    models.PlanStatusPlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreatePlan(ctx, plan); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	var nodes []*models.TaskNode
	for _, id := range nodeIDs {
		nodes = append(nodes, &models.TaskNode{
			ID:          id,
			Description: "work for " + id,
			Archetype:   models.ArchetypeGeneral,
			Status:      models.NodeStatusPending,
			CreatedAt:   now,
		})
	}
	if len(nodes) > 0 {
		if err := s.CreateNodes(ctx, plan.ID, nodes); err != nil {
			t.Fatalf("CreateNodes: %v", err)
		}
	}
	return plan
}

func seedRun(t *testing.T, s Store, runID, userID string) {
	t.Helper()
	now := time.Now().UTC()
	err := s.CreateRunState(context.Background(), &models.OrchestratorState{
		ID:        "state-" + runID,
		RunID:     runID,
		UserID:    userID,
		Status:    models.RunIdle,
		StartedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateRunState: %v", err)
	}
}

func seedAgent(t *testing.T, s Store, agentID, runID, nodeID string) {
	t.Helper()
	err := s.CreateAgent(context.Background(), &models.SubAgentState{
		ID:              agentID,
		RunID:           runID,
		TaskNodeID:      nodeID,
		Archetype:       models.ArchetypeResearch,
		Status:          models.SubAgentInitializing,
		TaskDescription: "look things up",
		StartedAt:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
}

func TestPlanRoundTrip(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedPlan(t, s, "run-1", "n1", "n2", "n3")

		plan, err := s.GetPlanByRun(ctx, "run-1")
		if err != nil {
			t.Fatalf("GetPlanByRun: %v", err)
		}
		if len(plan.NodeIDs) != 3 {
			t.Fatalf("expected 3 node IDs, got %d", len(plan.NodeIDs))
		}

		if err := s.SetPlanStatus(ctx, plan.ID, models.PlanStatusExecuting); err != nil {
			t.Fatalf("SetPlanStatus: %v", err)
		}
		plan, err = s.GetPlan(ctx, plan.ID)
		if err != nil {
			t.Fatalf("GetPlan: %v", err)
		}
		if plan.Status != models.PlanStatusExecuting {
			t.Errorf("expected executing, got %s", plan.Status)
		}

		if _, err := s.GetPlan(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing plan, got %v", err)
		}
	})
}

func TestClaimNode(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedPlan(t, s, "run-1", "n1")

		if err := s.ClaimNode(ctx, "n1", "agent-a"); err != nil {
			t.Fatalf("first claim: %v", err)
		}
		n, err := s.GetNode(ctx, "n1")
		if err != nil {
			t.Fatalf("GetNode: %v", err)
		}
		if n.Status != models.NodeStatusInProgress || n.AssignedAgentID != "agent-a" {
			t.Errorf("claim did not take: status=%s agent=%s", n.Status, n.AssignedAgentID)
		}

		// A second claim must lose.
		if err := s.ClaimNode(ctx, "n1", "agent-b"); !errors.Is(err, ErrNotClaimable) {
			t.Errorf("expected ErrNotClaimable, got %v", err)
		}
		if err := s.ClaimNode(ctx, "missing", "agent-a"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSetNodeStatusRejectsInProgress(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedPlan(t, s, "run-1", "n1")

		if err := s.SetNodeStatus(ctx, "n1", models.NodeStatusInProgress); !errors.Is(err, ErrNotClaimable) {
			t.Errorf("expected ErrNotClaimable, got %v", err)
		}
	})
}

func TestNodeCompletedAtSetOnce(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedPlan(t, s, "run-1", "n1")

		if err := s.SetNodeStatus(ctx, "n1", models.NodeStatusCompleted); err != nil {
			t.Fatalf("SetNodeStatus: %v", err)
		}
		n1, _ := s.GetNode(ctx, "n1")
		if n1.CompletedAt == nil {
			t.Fatal("CompletedAt not set on terminal transition")
		}
		first := *n1.CompletedAt

		// Terminal status is sticky outside the retry path.
		if err := s.SetNodeStatus(ctx, "n1", models.NodeStatusCancelled); err != nil {
			t.Fatalf("second SetNodeStatus: %v", err)
		}
		n2, _ := s.GetNode(ctx, "n1")
		if n2.Status != models.NodeStatusCompleted {
			t.Errorf("terminal status changed to %s", n2.Status)
		}
		if !n2.CompletedAt.Equal(first) {
			t.Errorf("CompletedAt moved: %v -> %v", first, *n2.CompletedAt)
		}
	})
}

func TestIncrementNodeRetry(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedPlan(t, s, "run-1", "n1")
		if err := s.ClaimNode(ctx, "n1", "agent-a"); err != nil {
			t.Fatalf("ClaimNode: %v", err)
		}

		// Retries within the ceiling return the node to pending, unassigned.
		for want := 1; want <= DefaultLimits().MaxNodeRetries; want++ {
			count, status, err := s.IncrementNodeRetry(ctx, "n1")
			if err != nil {
				t.Fatalf("IncrementNodeRetry %d: %v", want, err)
			}
			if count != want || status != models.NodeStatusPending {
				t.Fatalf("retry %d: got count=%d status=%s", want, count, status)
			}
			n, _ := s.GetNode(ctx, "n1")
			if n.AssignedAgentID != "" {
				t.Errorf("retry %d: agent not unassigned", want)
			}
			if err := s.ClaimNode(ctx, "n1", "agent-a"); err != nil {
				t.Fatalf("reclaim %d: %v", want, err)
			}
		}

		// Exceeding the ceiling forces failed.
		count, status, err := s.IncrementNodeRetry(ctx, "n1")
		if err != nil {
			t.Fatalf("final IncrementNodeRetry: %v", err)
		}
		if count != DefaultLimits().MaxNodeRetries+1 || status != models.NodeStatusFailed {
			t.Errorf("expected forced failure at count %d, got count=%d status=%s",
				DefaultLimits().MaxNodeRetries+1, count, status)
		}
		n, _ := s.GetNode(ctx, "n1")
		if n.CompletedAt == nil {
			t.Error("forced failure did not set CompletedAt")
		}
	})
}

func TestRecordNodeResult(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedPlan(t, s, "run-1", "n1")

		payload := json.RawMessage(`{"summary":"done","files":["a.txt"]}`)
		if err := s.RecordNodeResult(ctx, "n1", payload); err != nil {
			t.Fatalf("RecordNodeResult: %v", err)
		}
		n, err := s.GetNode(ctx, "n1")
		if err != nil {
			t.Fatalf("GetNode: %v", err)
		}
		var got map[string]any
		if err := json.Unmarshal(n.Result, &got); err != nil {
			t.Fatalf("result not valid JSON: %v", err)
		}
		if got["summary"] != "done" {
			t.Errorf("result payload mangled: %v", got)
		}
	})
}

func TestAgentHistoryAppendsPreserveOrder(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "agent-1", "run-1", "n1")

		for i, text := range []string{"first", "second", "third"} {
			err := s.AppendMessage(ctx, "agent-1", models.AgentMessage{
				Role:      models.RoleAssistant,
				Content:   text,
				Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
			})
			if err != nil {
				t.Fatalf("AppendMessage %q: %v", text, err)
			}
		}
		err := s.AppendToolCall(ctx, "agent-1", models.ToolCallRecord{
			ID:        "call-1",
			Tool:      "web__search",
			Input:     json.RawMessage(`{"query":"go"}`),
			Output:    "results",
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("AppendToolCall: %v", err)
		}
		err = s.AppendReasoning(ctx, "agent-1", models.ReasoningStep{Text: "thinking", Timestamp: time.Now().UTC()})
		if err != nil {
			t.Fatalf("AppendReasoning: %v", err)
		}
		err = s.AppendArtifact(ctx, "agent-1", models.Artifact{
			Kind: "text", Name: "notes", Content: json.RawMessage(`"hello"`), Timestamp: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("AppendArtifact: %v", err)
		}

		a, err := s.GetAgent(ctx, "agent-1")
		if err != nil {
			t.Fatalf("GetAgent: %v", err)
		}
		if len(a.Messages) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(a.Messages))
		}
		for i, want := range []string{"first", "second", "third"} {
			if a.Messages[i].Content != want {
				t.Errorf("message %d: got %q, want %q", i, a.Messages[i].Content, want)
			}
		}
		if len(a.ToolCalls) != 1 || a.ToolCalls[0].Tool != "web__search" {
			t.Errorf("tool call history wrong: %+v", a.ToolCalls)
		}
		if len(a.ReasoningSteps) != 1 || len(a.Artifacts) != 1 {
			t.Errorf("reasoning/artifacts wrong: %d/%d", len(a.ReasoningSteps), len(a.Artifacts))
		}
	})
}

func TestGuidanceConsumedOnce(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "agent-1", "run-1", "n1")

		if err := s.SetGuidance(ctx, "agent-1", "focus on the API docs"); err != nil {
			t.Fatalf("SetGuidance: %v", err)
		}
		got, err := s.ConsumeGuidance(ctx, "agent-1")
		if err != nil {
			t.Fatalf("ConsumeGuidance: %v", err)
		}
		if got != "focus on the API docs" {
			t.Errorf("got %q", got)
		}

		// Second read is empty: consuming clears.
		got, err = s.ConsumeGuidance(ctx, "agent-1")
		if err != nil {
			t.Fatalf("second ConsumeGuidance: %v", err)
		}
		if got != "" {
			t.Errorf("guidance not cleared, got %q", got)
		}
	})
}

func TestAgentTerminalStatusSticky(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "agent-1", "run-1", "n1")

		if err := s.SetAgentStatus(ctx, "agent-1", models.SubAgentCancelled); err != nil {
			t.Fatalf("SetAgentStatus: %v", err)
		}
		// A late loop exit must not overwrite the cancellation.
		if err := s.SetAgentStatus(ctx, "agent-1", models.SubAgentCompleted); err != nil {
			t.Fatalf("second SetAgentStatus: %v", err)
		}
		a, _ := s.GetAgent(ctx, "agent-1")
		if a.Status != models.SubAgentCancelled {
			t.Errorf("expected cancelled, got %s", a.Status)
		}
	})
}

func TestAgentUsageAccumulates(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "agent-1", "run-1", "n1")

		if err := s.AddAgentUsage(ctx, "agent-1", 100, 0.01); err != nil {
			t.Fatalf("AddAgentUsage: %v", err)
		}
		if err := s.AddAgentUsage(ctx, "agent-1", 50, 0.005); err != nil {
			t.Fatalf("AddAgentUsage: %v", err)
		}
		a, _ := s.GetAgent(ctx, "agent-1")
		if a.TotalTokens != 150 {
			t.Errorf("expected 150 tokens, got %d", a.TotalTokens)
		}
		if a.TotalCost < 0.0149 || a.TotalCost > 0.0151 {
			t.Errorf("expected cost ~0.015, got %f", a.TotalCost)
		}
	})
}

func TestRunActiveAgents(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedRun(t, s, "run-1", "user-1")

		if err := s.AddActiveAgent(ctx, "run-1", "agent-a"); err != nil {
			t.Fatalf("AddActiveAgent: %v", err)
		}
		if err := s.AddActiveAgent(ctx, "run-1", "agent-b"); err != nil {
			t.Fatalf("AddActiveAgent: %v", err)
		}
		// Duplicate add is a no-op.
		if err := s.AddActiveAgent(ctx, "run-1", "agent-a"); err != nil {
			t.Fatalf("duplicate AddActiveAgent: %v", err)
		}
		st, _ := s.GetRunState(ctx, "run-1")
		if len(st.ActiveAgentIDs) != 2 {
			t.Fatalf("expected 2 active agents, got %v", st.ActiveAgentIDs)
		}

		if err := s.RemoveActiveAgent(ctx, "run-1", "agent-a"); err != nil {
			t.Fatalf("RemoveActiveAgent: %v", err)
		}
		st, _ = s.GetRunState(ctx, "run-1")
		if len(st.ActiveAgentIDs) != 1 || st.ActiveAgentIDs[0] != "agent-b" {
			t.Errorf("expected [agent-b], got %v", st.ActiveAgentIDs)
		}
	})
}

func TestRunCounters(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedRun(t, s, "run-1", "user-1")

		for want := 1; want <= 3; want++ {
			got, err := s.IncrementLoopCounter(ctx, "run-1", "n1")
			if err != nil {
				t.Fatalf("IncrementLoopCounter: %v", err)
			}
			if got != want {
				t.Errorf("loop counter: got %d, want %d", got, want)
			}
		}
		got, err := s.IncrementLoopCounter(ctx, "run-1", "n2")
		if err != nil {
			t.Fatalf("IncrementLoopCounter n2: %v", err)
		}
		if got != 1 {
			t.Errorf("counters not per node: got %d", got)
		}

		n, err := s.IncrementInterventions(ctx, "run-1")
		if err != nil {
			t.Fatalf("IncrementInterventions: %v", err)
		}
		if n != 1 {
			t.Errorf("interventions: got %d, want 1", n)
		}

		st, _ := s.GetRunState(ctx, "run-1")
		if st.LoopCounters["n1"] != 3 || st.LoopCounters["n2"] != 1 {
			t.Errorf("persisted counters wrong: %v", st.LoopCounters)
		}
	})
}

func TestListActiveRuns(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedRun(t, s, "run-1", "user-1")
		seedRun(t, s, "run-2", "user-1")
		seedRun(t, s, "run-3", "user-2")

		if err := s.SetRunStatus(ctx, "run-2", models.RunCompleted); err != nil {
			t.Fatalf("SetRunStatus: %v", err)
		}

		active, err := s.ListActiveRuns(ctx)
		if err != nil {
			t.Fatalf("ListActiveRuns: %v", err)
		}
		if len(active) != 2 {
			t.Errorf("expected 2 active runs, got %d", len(active))
		}

		byUser, err := s.ListRunsByUser(ctx, "user-1")
		if err != nil {
			t.Fatalf("ListRunsByUser: %v", err)
		}
		if len(byUser) != 2 {
			t.Errorf("expected 2 runs for user-1, got %d", len(byUser))
		}

		st, _ := s.GetRunState(ctx, "run-2")
		if st.CompletedAt == nil {
			t.Error("terminal run has no CompletedAt")
		}
	})
}

func TestDeleteRunRemovesEverything(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedRun(t, s, "run-1", "user-1")
		plan := seedPlan(t, s, "run-1", "n1", "n2")
		seedAgent(t, s, "agent-1", "run-1", "n1")

		if err := s.DeleteRun(ctx, "run-1"); err != nil {
			t.Fatalf("DeleteRun: %v", err)
		}
		if _, err := s.GetRunState(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("run state survived: %v", err)
		}
		if _, err := s.GetPlan(ctx, plan.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("plan survived: %v", err)
		}
		if _, err := s.GetNode(ctx, "n1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("node survived: %v", err)
		}
		if _, err := s.GetAgent(ctx, "agent-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("agent survived: %v", err)
		}
	})
}

func TestStoreCopiesDoNotAlias(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "agent-1", "run-1", "n1")

		a, err := s.GetAgent(ctx, "agent-1")
		if err != nil {
			t.Fatalf("GetAgent: %v", err)
		}
		a.Messages = append(a.Messages, models.AgentMessage{Role: models.RoleUser, Content: "injected"})

		b, err := s.GetAgent(ctx, "agent-1")
		if err != nil {
			t.Fatalf("GetAgent: %v", err)
		}
		if len(b.Messages) != 0 {
			t.Errorf("mutating a returned copy leaked into the store: %v", b.Messages)
		}
	})
}
