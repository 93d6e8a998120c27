// Package app wires the application together: state store, model client,
// tool providers, scope registry, and the orchestration core.
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/donnahq/donna/internal/config"
	"github.com/donnahq/donna/internal/llm"
	"github.com/donnahq/donna/internal/loopdetect"
	"github.com/donnahq/donna/internal/mcp"
	"github.com/donnahq/donna/internal/orchestrator"
	"github.com/donnahq/donna/internal/plan"
	"github.com/donnahq/donna/internal/scope"
	"github.com/donnahq/donna/internal/store"
	"github.com/donnahq/donna/internal/subagent"
)

// App holds the wired application.
type App struct {
	Config       *config.Config
	Store        store.Store
	LLM          *llm.Client
	MCP          *mcp.Manager
	Scopes       *scope.Registry
	Orchestrator *orchestrator.Orchestrator

	watcher *mcp.Watcher
	emitter *orchestrator.EventEmitter
}

// New builds the application from configuration. Provider connections are
// lazy, so construction does not touch the network beyond AWS credential
// loading when Bedrock is enabled.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	limits := store.Limits{
		MaxNodeRetries:   cfg.Orchestrator.MaxNodeRetries,
		MaxInterventions: cfg.Orchestrator.MaxInterventions,
	}

	st, err := openStore(cfg, limits)
	if err != nil {
		return nil, err
	}

	client, err := llm.NewClient(llm.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.Anthropic.UseAWSBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create model client: %w", err)
	}

	providers := cfg.MCP.Providers
	if cfg.MCP.ProvidersFile != "" {
		fileProviders, err := config.LoadProviders(cfg.MCP.ProvidersFile)
		if err != nil {
			log.Printf("[app] providers file: %v (continuing with inline providers)", err)
		} else {
			providers = append(providers, fileProviders...)
		}
	}
	manager := mcp.NewManager(providers)

	var watcher *mcp.Watcher
	if cfg.MCP.ProvidersFile != "" {
		watcher, err = mcp.NewWatcher(cfg.MCP.ProvidersFile, config.LoadProviders, func(updated []mcp.ProviderConfig) {
			combined := append(append([]mcp.ProviderConfig(nil), cfg.MCP.Providers...), updated...)
			manager.Refresh(ctx, combined)
		})
		if err != nil {
			log.Printf("[app] provider watcher: %v (hot reload disabled)", err)
		}
	}

	scopes := scope.NewRegistry()
	if cfg.Scopes.File != "" {
		loaded, err := scope.LoadFile(cfg.Scopes.File)
		if err != nil {
			manager.Close()
			st.Close()
			return nil, fmt.Errorf("load scopes: %w", err)
		}
		scopes = loaded
	}

	plans := plan.NewService(st)
	agents := subagent.NewManager(st, scopes, client, manager, cfg.Orchestrator.MaxAgentIterations)
	emitter := orchestrator.NewEventEmitter(256)

	orch := orchestrator.New(orchestrator.Options{
		Store:        st,
		Plans:        plans,
		Agents:       agents,
		Detector:     loopdetect.New(st, limits),
		Router:       manager,
		LLM:          client,
		Emitter:      emitter,
		Limits:       limits,
		PollInterval: cfg.Orchestrator.PollInterval,
	})

	return &App{
		Config:       cfg,
		Store:        st,
		LLM:          client,
		MCP:          manager,
		Scopes:       scopes,
		Orchestrator: orch,
		watcher:      watcher,
		emitter:      emitter,
	}, nil
}

func openStore(cfg *config.Config, limits store.Limits) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemory(limits), nil
	case "sqlite", "":
		path := cfg.Store.Path
		if path == "" {
			path = store.DefaultDBPath()
		}
		st, err := store.OpenSQLite(path, limits)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// Close releases everything in reverse construction order.
func (a *App) Close() error {
	if a.watcher != nil {
		a.watcher.Close()
	}
	a.emitter.Close()
	if err := a.MCP.Close(); err != nil {
		log.Printf("[app] close providers: %v", err)
	}
	return a.Store.Close()
}
