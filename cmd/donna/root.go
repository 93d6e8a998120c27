package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/donnahq/donna/internal/config"
)

var (
	flagConfigPath string
	flagUserID     string
)

var rootCmd = &cobra.Command{
	Use:   "donna",
	Short: "Personal assistant task orchestrator",
	Long: `Donna turns a request into a plan of dependent tasks, executes them
with specialized sub-agents, and watches the agents for unproductive loops.

Sub-agents reach tools through MCP servers configured per provider; each
agent only sees the tools its archetype is scoped to. All orchestration
state is persisted, so interrupted runs can be recovered and resumed.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig honors --config when set and falls back to the standard
// lookup chain otherwise.
func loadConfig() (*config.Config, error) {
	if flagConfigPath != "" {
		cfg, err := config.LoadFromPath(flagConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "Path to a config file (overrides the lookup chain)")
	rootCmd.PersistentFlags().StringVar(&flagUserID, "user", "default", "User the request belongs to")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
