package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/donnahq/donna/internal/store"
	"github.com/donnahq/donna/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show runs and their progress",
	Long: `Display the state of recent runs for the current user.

Shows:
  - Run status and usage totals
  - Task progress for runs that have a plan
  - Agents still marked active`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Backend == "memory" {
		fmt.Println("The memory backend keeps no state between processes.")
		return nil
	}

	path := cfg.Store.Path
	if path == "" {
		path = store.DefaultDBPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("No runs yet. Start one with 'donna run <request>'.")
		return nil
	}

	limits := store.Limits{
		MaxNodeRetries:   cfg.Orchestrator.MaxNodeRetries,
		MaxInterventions: cfg.Orchestrator.MaxInterventions,
	}
	st, err := store.OpenSQLite(path, limits)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	runs, err := st.ListRunsByUser(ctx, flagUserID)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Printf("No runs for user %q.\n", flagUserID)
		return nil
	}

	for _, run := range runs {
		printRunStatus(ctx, st, run)
	}
	return nil
}

func printRunStatus(ctx context.Context, st store.Store, run *models.OrchestratorState) {
	fmt.Printf("%s  %s  started %s",
		shortID(run.RunID), colorStatus(run.Status), run.StartedAt.Local().Format("2006-01-02 15:04"))
	if run.TotalTokens > 0 {
		fmt.Printf("  %d tokens $%.4f", run.TotalTokens, run.TotalCost)
	}
	fmt.Println()

	if run.PlanID == "" {
		return
	}
	nodes, err := st.ListNodes(ctx, run.PlanID)
	if err != nil {
		return
	}
	counts := make(map[models.NodeStatus]int)
	for _, n := range nodes {
		counts[n.Status]++
	}
	fmt.Printf("    tasks: %d total", len(nodes))
	for _, s := range []models.NodeStatus{
		models.NodeStatusCompleted, models.NodeStatusInProgress,
		models.NodeStatusPending, models.NodeStatusFailed, models.NodeStatusCancelled,
	} {
		if counts[s] > 0 {
			fmt.Printf(", %d %s", counts[s], s)
		}
	}
	fmt.Println()

	if len(run.ActiveAgentIDs) > 0 && !run.Status.Terminal() {
		fmt.Printf("    active agents: %d\n", len(run.ActiveAgentIDs))
	}
}

func colorStatus(s models.RunStatus) string {
	switch s {
	case models.RunCompleted:
		return color.GreenString(string(s))
	case models.RunFailed:
		return color.RedString(string(s))
	case models.RunExecuting, models.RunMonitoring:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}
