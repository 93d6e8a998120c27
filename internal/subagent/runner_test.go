package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/donnahq/donna/internal/mcp"
	"github.com/donnahq/donna/internal/scope"
	"github.com/donnahq/donna/internal/store"
	"github.com/donnahq/donna/pkg/models"
)

// fakeCompleter replays scripted responses and records every request.
type fakeCompleter struct {
	mu        sync.Mutex
	responses []string
	requests  []anthropic.MessageNewParams
	onCall    func(call int)
}

func (f *fakeCompleter) Complete(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	call := len(f.requests)
	f.requests = append(f.requests, params)
	if len(f.responses) == 0 {
		f.mu.Unlock()
		return nil, errors.New("no scripted response left")
	}
	raw := f.responses[0]
	f.responses = f.responses[1:]
	f.mu.Unlock()

	if f.onCall != nil {
		f.onCall(call)
	}

	var msg anthropic.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("bad scripted response: %w", err)
	}
	return &msg, nil
}

func (f *fakeCompleter) Model() anthropic.Model {
	return anthropic.Model("claude-test")
}

func textResponse(text string) string {
	return fmt.Sprintf(`{
		"type": "message", "role": "assistant",
		"content": [{"type": "text", "text": %q}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 100, "output_tokens": 50}
	}`, text)
}

func toolUseResponse(callID, tool, input string) string {
	return fmt.Sprintf(`{
		"type": "message", "role": "assistant",
		"content": [
			{"type": "text", "text": "using a tool"},
			{"type": "tool_use", "id": %q, "name": %q, "input": %s}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 100, "output_tokens": 50}
	}`, callID, tool, input)
}

// fakeRouter serves a fixed catalog and scripted invocation outcomes.
type fakeRouter struct {
	mu       sync.Mutex
	catalog  []mcp.ToolDescriptor
	invoked  []string
	failWith error
}

func (f *fakeRouter) GetAllTools(ctx context.Context) []mcp.ToolDescriptor {
	return f.catalog
}

func (f *fakeRouter) InvokeTool(ctx context.Context, userID, id string, args map[string]any) (*mcp.ToolResult, error) {
	f.mu.Lock()
	f.invoked = append(f.invoked, id)
	f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &mcp.ToolResult{Content: "tool output for " + id}, nil
}

type fixture struct {
	store     store.Store
	completer *fakeCompleter
	router    *fakeRouter
	manager   *Manager
	node      *models.TaskNode
}

func newFixture(t *testing.T, responses ...string) *fixture {
	t.Helper()
	st := store.NewMemory(store.DefaultLimits())
	t.Cleanup(func() { st.Close() })

	now := time.Now().UTC()
	plan := &models.TaskPlan{ID: "plan-1", RunID: "run-1", Status: models.PlanStatusExecuting, CreatedAt: now, UpdatedAt: now}
	if err := st.CreatePlan(context.Background(), plan); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	node := &models.TaskNode{
		ID: "n1", Description: "find a venue for the offsite",
		Archetype: models.ArchetypeResearch, Status: models.NodeStatusPending, CreatedAt: now,
	}
	if err := st.CreateNodes(context.Background(), plan.ID, []*models.TaskNode{node}); err != nil {
		t.Fatalf("CreateNodes: %v", err)
	}

	completer := &fakeCompleter{responses: responses}
	router := &fakeRouter{
		catalog: []mcp.ToolDescriptor{
			{ID: "web__search", Name: "search", ProviderID: "web", InputSchema: json.RawMessage(`{"properties":{"q":{"type":"string"}},"required":["q"]}`)},
			{ID: "web__fetch", Name: "fetch", ProviderID: "web"},
			{ID: "memory__recall", Name: "recall", ProviderID: "memory"},
		},
	}
	return &fixture{
		store:     st,
		completer: completer,
		router:    router,
		manager:   NewManager(st, scope.NewRegistry(), completer, router, 10),
		node:      node,
	}
}

func (fx *fixture) spawn(t *testing.T, extras ...string) *Agent {
	t.Helper()
	ag, err := fx.manager.Spawn(context.Background(), SpawnRequest{
		RunID: "run-1", UserID: "user-1", Node: fx.node, Extras: extras,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return ag
}

func TestSpawnClaimsNode(t *testing.T) {
	fx := newFixture(t)
	ag := fx.spawn(t)

	n, err := fx.store.GetNode(context.Background(), "n1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if n.Status != models.NodeStatusInProgress || n.AssignedAgentID != ag.ID {
		t.Errorf("node not claimed: status=%s agent=%s", n.Status, n.AssignedAgentID)
	}

	// A second spawn for the same node loses the claim.
	if _, err := fx.manager.Spawn(context.Background(), SpawnRequest{
		RunID: "run-1", UserID: "user-1", Node: fx.node,
	}); !errors.Is(err, store.ErrNotClaimable) {
		t.Errorf("expected ErrNotClaimable, got %v", err)
	}
}

func TestSpawnStripsReservedExtras(t *testing.T) {
	fx := newFixture(t)
	ag := fx.spawn(t, "files__read", "orchestrator__spawn_agent")

	if !ag.Allowed("files__read") {
		t.Error("granted extra not in scope")
	}
	if ag.Allowed("orchestrator__spawn_agent") {
		t.Error("reserved tool survived an explicit grant")
	}
}

func TestRunCompletesOnFinalAnswer(t *testing.T) {
	fx := newFixture(t, textResponse("The Blue Hall fits everyone."))
	ag := fx.spawn(t)

	res, err := fx.manager.Run(context.Background(), ag)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.SubAgentCompleted {
		t.Errorf("expected completed, got %s", res.Status)
	}
	if !strings.Contains(res.Output, "Blue Hall") {
		t.Errorf("output missing final text: %q", res.Output)
	}
	if res.Tokens != 150 {
		t.Errorf("expected 150 tokens, got %d", res.Tokens)
	}

	state, _ := fx.store.GetAgent(context.Background(), ag.ID)
	if state.Status != models.SubAgentCompleted {
		t.Errorf("persisted status %s", state.Status)
	}
	if len(state.ReasoningSteps) == 0 {
		t.Error("no reasoning recorded")
	}
	if state.TotalTokens != 150 {
		t.Errorf("agent usage not recorded: %d", state.TotalTokens)
	}
}

func TestRunRoutesToolCalls(t *testing.T) {
	fx := newFixture(t,
		toolUseResponse("call-1", "web__search", `{"q":"venues"}`),
		textResponse("Found it."),
	)
	ag := fx.spawn(t)

	res, err := fx.manager.Run(context.Background(), ag)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.SubAgentCompleted || res.ToolCalls != 1 {
		t.Fatalf("got status=%s toolCalls=%d", res.Status, res.ToolCalls)
	}
	if len(fx.router.invoked) != 1 || fx.router.invoked[0] != "web__search" {
		t.Errorf("router saw %v", fx.router.invoked)
	}

	state, _ := fx.store.GetAgent(context.Background(), ag.ID)
	if len(state.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call record, got %d", len(state.ToolCalls))
	}
	rec := state.ToolCalls[0]
	if rec.Tool != "web__search" || rec.IsError || !strings.Contains(rec.Output, "tool output") {
		t.Errorf("tool call record wrong: %+v", rec)
	}
}

func TestToolFailureBecomesErrorRecord(t *testing.T) {
	fx := newFixture(t,
		toolUseResponse("call-1", "web__search", `{"q":"venues"}`),
		textResponse("Could not search, answering from memory."),
	)
	fx.router.failWith = errors.New("provider unreachable")
	ag := fx.spawn(t)

	res, err := fx.manager.Run(context.Background(), ag)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The loop observes the failure and still finishes; the failure lives
	// on the record, not in a crash.
	if res.Status != models.SubAgentCompleted {
		t.Errorf("expected completed, got %s", res.Status)
	}
	state, _ := fx.store.GetAgent(context.Background(), ag.ID)
	if len(state.ToolCalls) != 1 || !state.ToolCalls[0].IsError {
		t.Errorf("tool failure not captured: %+v", state.ToolCalls)
	}
}

func TestDisallowedToolNeverReachesRouter(t *testing.T) {
	fx := newFixture(t,
		toolUseResponse("call-1", "shell__exec", `{"cmd":"rm -rf /"}`),
		textResponse("That tool is unavailable."),
	)
	ag := fx.spawn(t) // research archetype: no shell access

	if _, err := fx.manager.Run(context.Background(), ag); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fx.router.invoked) != 0 {
		t.Errorf("disallowed tool reached the router: %v", fx.router.invoked)
	}
	state, _ := fx.store.GetAgent(context.Background(), ag.ID)
	if len(state.ToolCalls) != 1 || !state.ToolCalls[0].IsError {
		t.Errorf("rejection not recorded: %+v", state.ToolCalls)
	}
}

func TestGuidanceReachesNextStepOnce(t *testing.T) {
	fx := newFixture(t,
		toolUseResponse("call-1", "web__search", `{"q":"venues"}`),
		textResponse("Done, favoring downtown."),
	)
	ag := fx.spawn(t)

	if err := fx.store.SetGuidance(context.Background(), ag.ID, "prefer downtown venues"); err != nil {
		t.Fatalf("SetGuidance: %v", err)
	}

	if _, err := fx.manager.Run(context.Background(), ag); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The very first model call already carries the guidance.
	first := fx.completer.requests[0]
	found := false
	for _, m := range first.Messages {
		for _, block := range m.Content {
			if block.OfText != nil && strings.Contains(block.OfText.Text, "prefer downtown venues") {
				found = true
			}
		}
	}
	if !found {
		t.Error("guidance not injected into the next reasoning step")
	}

	state, _ := fx.store.GetAgent(context.Background(), ag.ID)
	if state.PendingGuidance != "" {
		t.Error("guidance not cleared after consumption")
	}
	orchestratorMsgs := 0
	for _, m := range state.Messages {
		if m.Role == models.RoleOrchestrator {
			orchestratorMsgs++
		}
	}
	if orchestratorMsgs != 1 {
		t.Errorf("expected 1 orchestrator message, got %d", orchestratorMsgs)
	}
}

func TestCancelMidRunPreservesHistory(t *testing.T) {
	fx := newFixture(t,
		toolUseResponse("call-1", "web__search", `{"q":"venues"}`),
		textResponse("should never be reached"),
	)
	ag := fx.spawn(t)

	// Cancel after the first model call; the runner must observe it at the
	// next iteration boundary and stop reasoning.
	fx.completer.onCall = func(call int) {
		if call == 0 {
			fx.manager.Cancel(context.Background(), ag.ID)
		}
	}

	res, err := fx.manager.Run(context.Background(), ag)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.SubAgentCancelled {
		t.Fatalf("expected cancelled, got %s", res.Status)
	}

	state, _ := fx.store.GetAgent(context.Background(), ag.ID)
	if state.Status != models.SubAgentCancelled {
		t.Errorf("persisted status %s", state.Status)
	}
	// Already-appended history stays.
	if len(state.ToolCalls) != 1 || len(state.Messages) == 0 {
		t.Errorf("cancellation erased history: %d tool calls, %d messages",
			len(state.ToolCalls), len(state.Messages))
	}
}

func TestContextCancellationStopsLoop(t *testing.T) {
	fx := newFixture(t,
		toolUseResponse("call-1", "web__search", `{"q":"venues"}`),
		textResponse("should never be reached"),
	)
	ag := fx.spawn(t)

	ctx, cancel := context.WithCancel(context.Background())
	fx.completer.onCall = func(call int) {
		if call == 0 {
			cancel()
		}
	}

	res, err := fx.manager.Run(ctx, ag)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.SubAgentCancelled {
		t.Errorf("expected cancelled, got %s", res.Status)
	}
}

func TestPermittedToolsFilteredByScope(t *testing.T) {
	fx := newFixture(t, textResponse("ok"))
	ag := fx.spawn(t)

	if _, err := fx.manager.Run(context.Background(), ag); err != nil {
		t.Fatalf("Run: %v", err)
	}
	req := fx.completer.requests[0]
	for _, tool := range req.Tools {
		if tool.OfTool == nil {
			continue
		}
		if !ag.Allowed(tool.OfTool.Name) {
			t.Errorf("model offered out-of-scope tool %s", tool.OfTool.Name)
		}
	}
}
