package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// fakeSession serves a fixed tool list and echoes invocations.
type fakeSession struct {
	id    string
	tools []string

	mu     sync.Mutex
	calls  []string
	closed bool
}

func (f *fakeSession) ListTools(ctx context.Context, params *sdk.ListToolsParams) (*sdk.ListToolsResult, error) {
	res := &sdk.ListToolsResult{}
	for _, name := range f.tools {
		res.Tools = append(res.Tools, &sdk.Tool{Name: name, Description: "fake " + name})
	}
	return res, nil
}

func (f *fakeSession) CallTool(ctx context.Context, params *sdk.CallToolParams) (*sdk.CallToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, params.Name)
	f.mu.Unlock()
	return &sdk.CallToolResult{
		Content: []sdk.Content{&sdk.TextContent{Text: "ok from " + f.id}},
	}, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// fakeDialer tracks every session it creates, keyed by provider id.
type fakeDialer struct {
	mu       sync.Mutex
	sessions map[string][]*fakeSession
	fail     map[string]bool
	tools    map[string][]string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		sessions: make(map[string][]*fakeSession),
		fail:     make(map[string]bool),
		tools:    make(map[string][]string),
	}
}

func (d *fakeDialer) dial(ctx context.Context, cfg ProviderConfig) (session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[cfg.ID] {
		return nil, errors.New("connection refused")
	}
	s := &fakeSession{id: cfg.ID, tools: d.tools[cfg.ID]}
	d.sessions[cfg.ID] = append(d.sessions[cfg.ID], s)
	return s, nil
}

func (d *fakeDialer) dialCount(providerID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions[providerID])
}

func newTestManager(d *fakeDialer, cfgs ...ProviderConfig) *Manager {
	m := NewManager(cfgs)
	m.dial = d.dial
	return m
}

func TestGetAllToolsDegradesPerProvider(t *testing.T) {
	d := newFakeDialer()
	d.tools["p1"] = []string{"search", "fetch"}
	d.tools["p2"] = []string{"recall"}
	d.fail["p2"] = true
	d.tools["p3"] = []string{"send"}

	m := newTestManager(d,
		ProviderConfig{ID: "p1", Name: "web"},
		ProviderConfig{ID: "p2", Name: "memory"},
		ProviderConfig{ID: "p3", Name: "mail"},
	)
	defer m.Close()

	tools := m.GetAllTools(context.Background())
	ids := make(map[string]bool)
	for _, tool := range tools {
		ids[tool.ID] = true
	}
	if len(tools) != 3 {
		t.Fatalf("expected 3 tools from the 2 healthy providers, got %v", ids)
	}
	for _, want := range []string{"web__search", "web__fetch", "mail__send"} {
		if !ids[want] {
			t.Errorf("missing %s from aggregate", want)
		}
	}
}

func TestProviderNameCollisionGetsSuffix(t *testing.T) {
	d := newFakeDialer()
	d.tools["alpha"] = []string{"go"}
	d.tools["beta"] = []string{"go"}

	m := newTestManager(d,
		ProviderConfig{ID: "alpha", Name: "Files"},
		ProviderConfig{ID: "beta", Name: "files"},
	)
	defer m.Close()

	tools := m.GetAllTools(context.Background())
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	if tools[0].ID == tools[1].ID {
		t.Fatalf("colliding providers produced the same tool id %q", tools[0].ID)
	}

	// Both ids must still route.
	for _, tool := range tools {
		res, err := m.InvokeTool(context.Background(), "u1", tool.ID, nil)
		if err != nil {
			t.Fatalf("InvokeTool(%s): %v", tool.ID, err)
		}
		if res.IsError {
			t.Errorf("InvokeTool(%s) returned error result", tool.ID)
		}
	}
}

func TestInvokeToolRoutesByPrefix(t *testing.T) {
	d := newFakeDialer()
	d.tools["p1"] = []string{"search"}
	d.tools["p2"] = []string{"send"}

	m := newTestManager(d,
		ProviderConfig{ID: "p1", Name: "web"},
		ProviderConfig{ID: "p2", Name: "mail"},
	)
	defer m.Close()

	res, err := m.InvokeTool(context.Background(), "u1", "mail__send", map[string]any{"to": "x"})
	if err != nil {
		t.Fatalf("InvokeTool: %v", err)
	}
	if res.Content != "ok from p2" {
		t.Errorf("routed to wrong provider: %q", res.Content)
	}

	if _, err := m.InvokeTool(context.Background(), "u1", "ghost__tool", nil); err == nil {
		t.Error("expected routing error for unknown provider")
	}
}

func TestPersonalProviderSessionsPerUser(t *testing.T) {
	d := newFakeDialer()
	d.tools["pm"] = []string{"recall"}

	m := newTestManager(d,
		ProviderConfig{ID: "pm", Name: "memory", Type: ProviderTypePersonal},
	)
	defer m.Close()

	ctx := context.Background()
	for _, user := range []string{"alice", "alice", "bob"} {
		if _, err := m.InvokeTool(ctx, user, "memory__recall", nil); err != nil {
			t.Fatalf("InvokeTool as %s: %v", user, err)
		}
	}
	// alice reuses her cached session; bob gets his own.
	if got := d.dialCount("pm"); got != 2 {
		t.Errorf("expected 2 sessions (one per user), got %d", got)
	}

	m.InvalidateUserSession("alice")
	if _, err := m.InvokeTool(ctx, "alice", "memory__recall", nil); err != nil {
		t.Fatalf("InvokeTool after invalidate: %v", err)
	}
	if got := d.dialCount("pm"); got != 3 {
		t.Errorf("expected a fresh session after invalidation, got %d dials", got)
	}
}

func TestRefreshDiffsByIDAndFields(t *testing.T) {
	d := newFakeDialer()
	d.tools["keep"] = []string{"a"}
	d.tools["change"] = []string{"b"}
	d.tools["remove"] = []string{"c"}
	d.tools["add"] = []string{"d"}

	m := newTestManager(d,
		ProviderConfig{ID: "keep", Name: "keep", Command: "srv"},
		ProviderConfig{ID: "change", Name: "change", Command: "srv"},
		ProviderConfig{ID: "remove", Name: "remove", Command: "srv"},
	)
	defer m.Close()

	ctx := context.Background()
	// Establish sessions so reconnects are observable.
	for _, id := range []string{"keep__a", "change__b", "remove__c"} {
		if _, err := m.InvokeTool(ctx, "u", id, nil); err != nil {
			t.Fatalf("seed InvokeTool(%s): %v", id, err)
		}
	}

	m.Refresh(ctx, []ProviderConfig{
		{ID: "keep", Name: "keep", Command: "srv"},
		{ID: "change", Name: "change", Command: "srv", Args: []string{"--new-flag"}},
		{ID: "add", Name: "add", Command: "srv"},
	})

	// Unchanged provider kept its session.
	if _, err := m.InvokeTool(ctx, "u", "keep__a", nil); err != nil {
		t.Fatalf("InvokeTool keep: %v", err)
	}
	if got := d.dialCount("keep"); got != 1 {
		t.Errorf("unchanged provider was reconnected: %d dials", got)
	}

	// Changed provider reconnected.
	if _, err := m.InvokeTool(ctx, "u", "change__b", nil); err != nil {
		t.Fatalf("InvokeTool change: %v", err)
	}
	if got := d.dialCount("change"); got != 2 {
		t.Errorf("changed provider not reconnected: %d dials", got)
	}

	// Removed provider no longer routes.
	if _, err := m.InvokeTool(ctx, "u", "remove__c", nil); err == nil {
		t.Error("removed provider still routes")
	}

	// Added provider works.
	if _, err := m.InvokeTool(ctx, "u", "add__d", nil); err != nil {
		t.Errorf("added provider does not route: %v", err)
	}
}
