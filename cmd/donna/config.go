package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/donnahq/donna/internal/config"
	"github.com/donnahq/donna/internal/store"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	RunE:  runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Printf("user config:    %s\n", config.GetUserConfigPath())
	model := cfg.Anthropic.Model
	if model == "" {
		model = "(sdk default)"
	}
	fmt.Printf("model:          %s\n", model)
	if cfg.Anthropic.UseAWSBedrock {
		fmt.Printf("backend:        aws bedrock (%s)\n", cfg.Anthropic.AWSRegion)
	}

	dbPath := cfg.Store.Path
	if dbPath == "" && cfg.Store.Backend != "memory" {
		dbPath = store.DefaultDBPath()
	}
	fmt.Printf("store:          %s", cfg.Store.Backend)
	if dbPath != "" {
		fmt.Printf(" (%s)", dbPath)
	}
	fmt.Println()

	fmt.Printf("retry ceiling:  %d per task\n", cfg.Orchestrator.MaxNodeRetries)
	fmt.Printf("interventions:  %d per run\n", cfg.Orchestrator.MaxInterventions)
	fmt.Printf("agent budget:   %d iterations\n", cfg.Orchestrator.MaxAgentIterations)
	fmt.Printf("poll interval:  %s\n", cfg.Orchestrator.PollInterval)

	fmt.Printf("mcp providers:  %d configured", len(cfg.MCP.Providers))
	if cfg.MCP.ProvidersFile != "" {
		fmt.Printf(" (+ %s, watched)", cfg.MCP.ProvidersFile)
	}
	fmt.Println()
	if cfg.Scopes.File != "" {
		fmt.Printf("scopes file:    %s\n", cfg.Scopes.File)
	}
	return nil
}
