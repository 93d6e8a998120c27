package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/donnahq/donna/internal/app"
	"github.com/donnahq/donna/pkg/models"
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Handle a request end to end",
	Long: `Handle a request: simple questions are answered directly, single-tool
requests invoke that tool, and anything larger is decomposed into a plan of
dependent tasks executed by sub-agents.

Progress streams to the terminal as events: plan structure, agent spawns,
tool calls, interventions, and the final result.

Examples:
  donna run "what is on my calendar tomorrow?"
  donna run "plan the team offsite and draft the invite email"
  donna run --user alice "summarize this week's support tickets"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Recover interrupted runs and resume them",
	Long: `Repair state left behind by a crashed or interrupted process, then
resume execution. Orphaned agents are failed and their tasks retried.

With no argument, every active run is recovered and resumed in turn.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}

	printerDone := startEventPrinter(a)

	request := strings.Join(args, " ")
	state, err := a.Orchestrator.HandleRequest(ctx, flagUserID, request)

	a.Close()
	<-printerDone

	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	printRunSummary(state)
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}

	printerDone := startEventPrinter(a)
	defer func() {
		a.Close()
		<-printerDone
	}()

	runIDs, err := a.Orchestrator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if len(args) == 1 {
		runIDs = []string{args[0]}
	}
	if len(runIDs) == 0 {
		fmt.Println("Nothing to resume.")
		return nil
	}

	for _, runID := range runIDs {
		fmt.Printf("Resuming run %s\n", runID)
		if err := a.Orchestrator.Resume(ctx, runID); err != nil {
			color.Red("resume %s: %v", runID, err)
		}
	}
	return nil
}

// startEventPrinter streams orchestration events to the terminal until the
// event channel closes.
func startEventPrinter(a *app.App) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range a.Orchestrator.Events() {
			printEvent(e)
		}
	}()
	return done
}

func printEvent(e models.Event) {
	switch e.Type {
	case models.EventPlanCreated:
		color.Cyan("◆ %s", e.Message)
	case models.EventTaskStarted:
		color.Blue("▸ task %s started", e.NodeID)
	case models.EventTaskProgress:
		color.HiBlack("  task %s: %s", e.NodeID, truncate(e.Message, 100))
	case models.EventToolCall:
		color.HiBlack("  → %s", e.Message)
	case models.EventToolResult:
		color.HiBlack("  ← %s", truncate(e.Message, 100))
	case models.EventTaskCompleted:
		color.Green("✓ task %s completed", e.NodeID)
	case models.EventAgentSpawned:
		fmt.Printf("  agent %s: %s\n", shortID(e.AgentID), e.Message)
	case models.EventAgentIntervention:
		color.Yellow("⚠ intervention (%s) on agent %s: %s", e.Action, shortID(e.AgentID), e.Message)
	case models.EventAgentTerminated:
		if e.Reason == models.TerminatedCompleted {
			return
		}
		color.Yellow("  agent %s terminated: %s", shortID(e.AgentID), e.Reason)
	case models.EventOrchestratorStatus:
		color.HiBlack("· %s", e.Message)
	case models.EventError:
		color.Red("✗ %s", e.Message)
	case models.EventFinal:
		fmt.Println()
		fmt.Println(e.Message)
	}
}

func printRunSummary(state *models.OrchestratorState) {
	fmt.Println()
	status := color.GreenString(string(state.Status))
	if state.Status != models.RunCompleted {
		status = color.RedString(string(state.Status))
	}
	fmt.Printf("Run %s: %s", shortID(state.RunID), status)
	if state.TotalTokens > 0 {
		fmt.Printf("  (%d tokens, $%.4f)", state.TotalTokens, state.TotalCost)
	}
	fmt.Println()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
