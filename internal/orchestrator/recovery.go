package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/donnahq/donna/pkg/models"
)

// Recover repairs store state after a process restart. Agents recorded as
// running or initializing belong to a process that no longer exists: they
// are marked failed, their claimed nodes go back through the retry path,
// and they are removed from their run's active set. It returns the IDs of
// runs that still have work and should be resumed.
func (o *Orchestrator) Recover(ctx context.Context) ([]string, error) {
	runs, err := o.store.ListActiveRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}

	var resumable []string
	for _, run := range runs {
		orphans, err := o.repairRun(ctx, run)
		if err != nil {
			log.Printf("[orchestrator] recover run %s: %v", run.RunID, err)
			continue
		}
		if orphans > 0 {
			log.Printf("[orchestrator] recover run %s: repaired %d orphaned agents", run.RunID, orphans)
		}
		resumable = append(resumable, run.RunID)
	}
	return resumable, nil
}

// repairRun fails every orphaned agent of one run and frees the nodes they
// had claimed. Returns the number of orphans repaired.
func (o *Orchestrator) repairRun(ctx context.Context, run *models.OrchestratorState) (int, error) {
	agents, err := o.store.ListAgentsByRun(ctx, run.RunID)
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}

	orphans := 0
	for _, ag := range agents {
		if ag.Status.Terminal() {
			continue
		}
		orphans++
		if err := o.store.SetAgentStatus(ctx, ag.ID, models.SubAgentFailed); err != nil {
			log.Printf("[orchestrator] recover: fail orphaned agent %s: %v", ag.ID, err)
		}
		if err := o.store.RemoveActiveAgent(ctx, run.RunID, ag.ID); err != nil {
			log.Printf("[orchestrator] recover: untrack agent %s: %v", ag.ID, err)
		}

		node, err := o.store.GetNode(ctx, ag.TaskNodeID)
		if err != nil {
			log.Printf("[orchestrator] recover: load node %s: %v", ag.TaskNodeID, err)
			continue
		}
		if node.Status != models.NodeStatusInProgress {
			continue
		}
		count, status, err := o.plans.IncrementRetry(ctx, node.ID)
		if err != nil {
			log.Printf("[orchestrator] recover: retry node %s: %v", node.ID, err)
			continue
		}
		log.Printf("[orchestrator] recover: node %s released (attempt %d, now %s)", node.ID, count, status)
	}
	return orphans, nil
}

// Resume re-enters the run loop for a previously active run. Runs without a
// plan cannot make progress after a restart and are failed instead.
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	state, err := o.store.GetRunState(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run state: %w", err)
	}
	if state.Status.Terminal() {
		return nil
	}
	if state.PlanID == "" {
		o.failRun(ctx, runID, "", "run interrupted before a plan was created")
		return nil
	}

	o.setRunStatus(ctx, runID, models.RunExecuting)
	return o.executeRun(ctx, runID, state.UserID, state.PlanID)
}
