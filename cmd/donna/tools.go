package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/donnahq/donna/internal/config"
	"github.com/donnahq/donna/internal/mcp"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List tools exposed by configured MCP providers",
	Long: `Connect to every configured MCP provider and list the tools it
exposes, with their namespaced identifiers. Providers that cannot be
reached are skipped.`,
	RunE: runTools,
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	providers := cfg.MCP.Providers
	if cfg.MCP.ProvidersFile != "" {
		if fileProviders, err := config.LoadProviders(cfg.MCP.ProvidersFile); err == nil {
			providers = append(providers, fileProviders...)
		}
	}
	if len(providers) == 0 {
		fmt.Println("No MCP providers configured.")
		return nil
	}

	manager := mcp.NewManager(providers)
	defer manager.Close()

	tools := manager.GetAllTools(context.Background())
	if len(tools) == 0 {
		fmt.Println("No tools available. Are the provider commands installed?")
		return nil
	}

	lastProvider := ""
	for _, t := range tools {
		if t.ProviderID != lastProvider {
			lastProvider = t.ProviderID
			color.Cyan("%s", t.ProviderID)
		}
		fmt.Printf("  %-40s %s\n", t.ID, t.Description)
	}
	return nil
}
