package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ProviderTypePersonal marks a provider whose sessions are created and
// cached per user instead of shared across the process.
const ProviderTypePersonal = "personal"

// ProviderConfig describes one MCP tool provider. ID is the stable identity
// used for refresh diffing; Name is the human-readable name that tools are
// namespaced under.
type ProviderConfig struct {
	ID      string   `yaml:"id" mapstructure:"id"`
	Name    string   `yaml:"name" mapstructure:"name"`
	Type    string   `yaml:"type,omitempty" mapstructure:"type"`
	Command string   `yaml:"command" mapstructure:"command"`
	Args    []string `yaml:"args,omitempty" mapstructure:"args"`
	Env     []string `yaml:"env,omitempty" mapstructure:"env"`
}

// equal reports whether two configs match field for field. Refresh uses it
// to decide whether an existing provider must be reconnected.
func (c ProviderConfig) equal(o ProviderConfig) bool {
	if c.ID != o.ID || c.Name != o.Name || c.Type != o.Type || c.Command != o.Command {
		return false
	}
	if len(c.Args) != len(o.Args) || len(c.Env) != len(o.Env) {
		return false
	}
	for i := range c.Args {
		if c.Args[i] != o.Args[i] {
			return false
		}
	}
	for i := range c.Env {
		if c.Env[i] != o.Env[i] {
			return false
		}
	}
	return true
}

// ToolDescriptor is one entry in the aggregated tool catalog.
type ToolDescriptor struct {
	// ID is the namespaced tool id used for routing and scoping.
	ID string `json:"id"`
	// Name is the provider-local tool name.
	Name string `json:"name"`
	// Description is the provider-supplied description.
	Description string `json:"description,omitempty"`
	// ProviderID identifies the owning provider.
	ProviderID string `json:"provider_id"`
	// InputSchema is the tool's JSON schema, verbatim from the provider.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolResult is the flattened outcome of a tool invocation. Provider-side
// failures come back with IsError set rather than as Go errors.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// session is the part of an MCP client session the manager uses. It exists
// so tests can route to fakes; *sdk.ClientSession satisfies it.
type session interface {
	ListTools(ctx context.Context, params *sdk.ListToolsParams) (*sdk.ListToolsResult, error)
	CallTool(ctx context.Context, params *sdk.CallToolParams) (*sdk.CallToolResult, error)
	Close() error
}

// dialer opens a session for a provider.
type dialer func(ctx context.Context, cfg ProviderConfig) (session, error)

func stdioDial(ctx context.Context, cfg ProviderConfig) (session, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)

	client := sdk.NewClient(&sdk.Implementation{Name: "donna", Version: "1.0.0"}, nil)
	sess, err := client.Connect(ctx, sdk.NewCommandTransport(cmd))
	if err != nil {
		return nil, fmt.Errorf("connect provider %s: %w", cfg.ID, err)
	}
	return sess, nil
}

// provider is one configured tool provider and its live sessions.
type provider struct {
	cfg       ProviderConfig
	namespace string

	mu     sync.Mutex
	shared session
	// userSessions holds per-user sessions for personal providers.
	userSessions map[string]session
}

func (p *provider) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shared != nil {
		p.shared.Close()
		p.shared = nil
	}
	for userID, s := range p.userSessions {
		s.Close()
		delete(p.userSessions, userID)
	}
}

// Manager is the capability router. It owns all provider connections, is
// constructed once during app wiring, and is torn down with Close.
type Manager struct {
	dial dialer

	mu        sync.RWMutex
	providers map[string]*provider // keyed by provider id
	routes    map[string]string    // namespace -> provider id
}

// NewManager creates a manager for the given providers. Connections are
// opened lazily on first use, so a dead provider delays nothing at startup.
func NewManager(cfgs []ProviderConfig) *Manager {
	m := &Manager{
		dial:      stdioDial,
		providers: make(map[string]*provider),
		routes:    make(map[string]string),
	}
	for _, cfg := range cfgs {
		m.addLocked(cfg)
	}
	return m
}

// addLocked registers a provider and assigns it a collision-free namespace.
// Callers hold m.mu or have exclusive access during construction.
func (m *Manager) addLocked(cfg ProviderConfig) {
	ns := NormalizeProviderName(cfg.Name)
	if ns == "" {
		ns = NormalizeProviderName(cfg.ID)
	}
	if _, taken := m.routes[ns]; taken {
		ns = ns + "_" + collisionSuffix(cfg.ID)
		log.Printf("[mcp] provider name collision, %s routed as %s", cfg.ID, ns)
	}
	m.providers[cfg.ID] = &provider{
		cfg:          cfg,
		namespace:    ns,
		userSessions: make(map[string]session),
	}
	m.routes[ns] = cfg.ID
}

func (m *Manager) removeLocked(id string) {
	p, ok := m.providers[id]
	if !ok {
		return
	}
	p.close()
	delete(m.routes, p.namespace)
	delete(m.providers, id)
}

// sharedSession returns the provider's shared session, dialing on first use.
func (m *Manager) sharedSession(ctx context.Context, p *provider) (session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shared != nil {
		return p.shared, nil
	}
	s, err := m.dial(ctx, p.cfg)
	if err != nil {
		return nil, err
	}
	p.shared = s
	return s, nil
}

// userSession returns the user's cached session for a personal provider,
// dialing on first use.
func (m *Manager) userSession(ctx context.Context, p *provider, userID string) (session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.userSessions[userID]; ok {
		return s, nil
	}
	s, err := m.dial(ctx, p.cfg)
	if err != nil {
		return nil, err
	}
	p.userSessions[userID] = s
	return s, nil
}

// GetAllTools aggregates every provider's catalog concurrently. A failing
// provider is logged and skipped; one dead provider never blanks the
// aggregate. The result is sorted by tool id for stable output.
func (m *Manager) GetAllTools(ctx context.Context) []ToolDescriptor {
	m.mu.RLock()
	providers := make([]*provider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.mu.RUnlock()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all []ToolDescriptor
	)
	for _, p := range providers {
		wg.Add(1)
		go func(p *provider) {
			defer wg.Done()
			tools, err := m.listProviderTools(ctx, p)
			if err != nil {
				log.Printf("[mcp] provider %s catalog fetch failed, skipping: %v", p.cfg.ID, err)
				return
			}
			mu.Lock()
			all = append(all, tools...)
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

func (m *Manager) listProviderTools(ctx context.Context, p *provider) ([]ToolDescriptor, error) {
	s, err := m.sharedSession(ctx, p)
	if err != nil {
		return nil, err
	}
	res, err := s.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		return nil, err
	}

	tools := make([]ToolDescriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		var schema json.RawMessage
		if t.InputSchema != nil {
			if raw, err := json.Marshal(t.InputSchema); err == nil {
				schema = raw
			}
		}
		tools = append(tools, ToolDescriptor{
			ID:          FormatToolID(p.namespace, t.Name),
			Name:        t.Name,
			Description: t.Description,
			ProviderID:  p.cfg.ID,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// InvokeTool routes a namespaced tool call to its owning provider. Personal
// providers resolve a per-user session; everything else shares a session.
// A provider-reported failure returns a ToolResult with IsError set, not an
// error.
func (m *Manager) InvokeTool(ctx context.Context, userID, namespacedID string, args map[string]any) (*ToolResult, error) {
	providerName, toolName, err := ParseToolID(namespacedID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	providerID, ok := m.routes[providerName]
	p := m.providers[providerID]
	m.mu.RUnlock()
	if !ok || p == nil {
		return nil, fmt.Errorf("no provider for tool %q", namespacedID)
	}

	var s session
	if p.cfg.Type == ProviderTypePersonal {
		s, err = m.userSession(ctx, p, userID)
	} else {
		s, err = m.sharedSession(ctx, p)
	}
	if err != nil {
		return nil, err
	}

	res, err := s.CallTool(ctx, &sdk.CallToolParams{Name: toolName, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", namespacedID, err)
	}
	return flattenResult(res), nil
}

func flattenResult(res *sdk.CallToolResult) *ToolResult {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*sdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return &ToolResult{Content: strings.Join(parts, "\n"), IsError: res.IsError}
}

// InvalidateUserSession closes and evicts the user's cached sessions on
// every personal provider. The next invocation re-dials.
func (m *Manager) InvalidateUserSession(userID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.providers {
		if p.cfg.Type != ProviderTypePersonal {
			continue
		}
		p.mu.Lock()
		if s, ok := p.userSessions[userID]; ok {
			s.Close()
			delete(p.userSessions, userID)
		}
		p.mu.Unlock()
	}
}

// Refresh reconciles the provider set against a new configuration. Entries
// are diffed by id and then field by field: unchanged providers keep their
// live sessions, changed ones are reconnected, removed ones are closed.
func (m *Manager) Refresh(ctx context.Context, newCfgs []ProviderConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incoming := make(map[string]ProviderConfig, len(newCfgs))
	for _, cfg := range newCfgs {
		incoming[cfg.ID] = cfg
	}

	for id, p := range m.providers {
		cfg, still := incoming[id]
		switch {
		case !still:
			log.Printf("[mcp] provider %s removed", id)
			m.removeLocked(id)
		case !p.cfg.equal(cfg):
			log.Printf("[mcp] provider %s changed, reconnecting", id)
			m.removeLocked(id)
			m.addLocked(cfg)
		}
	}
	for id, cfg := range incoming {
		if _, exists := m.providers[id]; !exists {
			log.Printf("[mcp] provider %s added", id)
			m.addLocked(cfg)
		}
	}
}

// Close tears down every provider connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.providers {
		p.close()
	}
	m.providers = make(map[string]*provider)
	m.routes = make(map[string]string)
	return nil
}
