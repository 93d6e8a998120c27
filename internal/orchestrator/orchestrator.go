// Package orchestrator is the coordination core: it classifies incoming
// requests, builds task plans, spawns sub-agents over ready nodes, watches
// them for loops, and settles runs. All durable state lives in the store;
// the orchestrator itself can be restarted and resumed from it.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/donnahq/donna/internal/llm"
	"github.com/donnahq/donna/internal/loopdetect"
	"github.com/donnahq/donna/internal/plan"
	"github.com/donnahq/donna/internal/store"
	"github.com/donnahq/donna/internal/subagent"
	"github.com/donnahq/donna/pkg/models"
)

// DefaultPollInterval is how often the run loop checks for ready nodes and
// re-assesses running agents.
const DefaultPollInterval = 2 * time.Second

// Orchestrator drives runs from request to settlement.
type Orchestrator struct {
	store    store.Store
	plans    *plan.Service
	agents   *subagent.Manager
	detect   *loopdetect.Detector
	router   subagent.ToolRouter
	llm      llm.Completer
	emitter  *EventEmitter
	registry *AgentRegistry

	limits       store.Limits
	pollInterval time.Duration
}

// Options configures an Orchestrator.
type Options struct {
	Store    store.Store
	Plans    *plan.Service
	Agents   *subagent.Manager
	Detector *loopdetect.Detector
	Router   subagent.ToolRouter
	LLM      llm.Completer
	Emitter  *EventEmitter
	// Limits are the retry and intervention ceilings. Zero values fall back
	// to store.DefaultLimits.
	Limits store.Limits
	// PollInterval overrides DefaultPollInterval when positive.
	PollInterval time.Duration
}

// New creates an Orchestrator from its wired dependencies.
func New(opts Options) *Orchestrator {
	limits := opts.Limits
	if limits.MaxNodeRetries <= 0 || limits.MaxInterventions <= 0 {
		limits = store.DefaultLimits()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Orchestrator{
		store:        opts.Store,
		plans:        opts.Plans,
		agents:       opts.Agents,
		detect:       opts.Detector,
		router:       opts.Router,
		llm:          opts.LLM,
		emitter:      opts.Emitter,
		registry:     NewAgentRegistry(),
		limits:       limits,
		pollInterval: interval,
	}
}

// Events returns the outward event stream.
func (o *Orchestrator) Events() <-chan models.Event {
	return o.emitter.Events()
}

// HandleRequest processes one user request end to end: it creates the run
// record, classifies the request, and either answers directly, invokes a
// single tool, or decomposes into a plan and executes it to settlement.
// It returns the run's final state.
func (o *Orchestrator) HandleRequest(ctx context.Context, userID, request string) (*models.OrchestratorState, error) {
	runID := uuid.NewString()
	now := time.Now().UTC()
	state := &models.OrchestratorState{
		ID:        uuid.NewString(),
		RunID:     runID,
		UserID:    userID,
		Status:    models.RunIdle,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateRunState(ctx, state); err != nil {
		return nil, fmt.Errorf("create run state: %w", err)
	}

	decision, err := o.classify(ctx, request)
	if err != nil {
		o.failRun(ctx, runID, "", fmt.Sprintf("request classification failed: %v", err))
		return o.store.GetRunState(ctx, runID)
	}

	switch decision.Mode {
	case modeAnswer:
		o.emitter.Emit(models.Event{
			Type:    models.EventFinal,
			RunID:   runID,
			Message: decision.Answer,
		})
		o.setRunStatus(ctx, runID, models.RunCompleted)

	case modeTool:
		o.runSingleTool(ctx, runID, userID, decision)

	case modePlan:
		if err := o.executePlan(ctx, runID, userID, decision.Tasks); err != nil && !errors.Is(err, context.Canceled) {
			return nil, err
		}
	}

	return o.store.GetRunState(ctx, runID)
}

// runSingleTool handles the tool classification mode: one invocation, then done.
func (o *Orchestrator) runSingleTool(ctx context.Context, runID, userID string, decision *classification) {
	o.emitter.Emit(models.Event{
		Type:    models.EventToolCall,
		RunID:   runID,
		Message: decision.Tool,
	})
	res, err := o.router.InvokeTool(ctx, userID, decision.Tool, decision.Args)
	if err != nil {
		o.failRun(ctx, runID, "", fmt.Sprintf("tool %s failed: %v", decision.Tool, err))
		return
	}
	o.emitter.Emit(models.Event{
		Type:    models.EventToolResult,
		RunID:   runID,
		Message: res.Content,
	})
	if res.IsError {
		o.failRun(ctx, runID, "", fmt.Sprintf("tool %s returned an error: %s", decision.Tool, res.Content))
		return
	}
	o.emitter.Emit(models.Event{
		Type:    models.EventFinal,
		RunID:   runID,
		Message: res.Content,
	})
	o.setRunStatus(ctx, runID, models.RunCompleted)
}

// executePlan builds the task plan from the decomposition and runs it.
func (o *Orchestrator) executePlan(ctx context.Context, runID, userID string, tasks []taskSpec) error {
	o.setRunStatus(ctx, runID, models.RunPlanning)

	p, err := o.plans.CreatePlan(ctx, runID)
	if err != nil {
		o.failRun(ctx, runID, "", fmt.Sprintf("create plan: %v", err))
		return nil
	}
	specs := make([]plan.NodeSpec, len(tasks))
	for i, t := range tasks {
		specs[i] = plan.NodeSpec{
			ID:          t.ID,
			Description: t.Description,
			Archetype:   models.Archetype(t.Archetype),
			DependsOn:   t.DependsOn,
		}
	}
	nodes, err := o.plans.AddNodes(ctx, p.ID, specs)
	if err != nil {
		o.failRun(ctx, runID, p.ID, fmt.Sprintf("invalid plan: %v", err))
		return nil
	}
	if err := o.store.SetRunPlan(ctx, runID, p.ID); err != nil {
		return fmt.Errorf("attach plan to run: %w", err)
	}
	if err := o.store.SetPlanStatus(ctx, p.ID, models.PlanStatusExecuting); err != nil {
		return fmt.Errorf("mark plan executing: %w", err)
	}

	payload, _ := json.Marshal(planPayload(nodes))
	o.emitter.Emit(models.Event{
		Type:    models.EventPlanCreated,
		RunID:   runID,
		PlanID:  p.ID,
		Message: fmt.Sprintf("plan created with %d tasks", len(nodes)),
		Payload: payload,
	})

	o.setRunStatus(ctx, runID, models.RunExecuting)
	return o.executeRun(ctx, runID, userID, p.ID)
}

// planNode is the wire shape of one node in plan.created payloads.
type planNode struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Archetype   string   `json:"agent_type"`
	DependsOn   []string `json:"dependencies,omitempty"`
}

func planPayload(nodes []*models.TaskNode) []planNode {
	out := make([]planNode, len(nodes))
	for i, n := range nodes {
		out[i] = planNode{
			ID:          n.ID,
			Description: n.Description,
			Archetype:   string(n.Archetype),
			DependsOn:   n.DependsOn,
		}
	}
	return out
}

// agentDone carries one finished sub-agent back to the run loop.
type agentDone struct {
	agent  *subagent.Agent
	result *subagent.Result
	err    error
}

// executeRun is the run loop: spawn agents over ready nodes, collect
// completions, monitor running agents for loops, and settle when the
// graph has no more work.
func (o *Orchestrator) executeRun(ctx context.Context, runID, userID, planID string) error {
	done := make(chan agentDone, 16)
	// progress tracks observed history length per agent so monitoring only
	// re-assesses agents that produced new activity.
	progress := make(map[string]int)

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		settled, err := o.settle(ctx, runID, planID)
		if err != nil {
			log.Printf("[orchestrator] run %s: settlement check: %v", runID, err)
		}
		if settled {
			return nil
		}

		if err := o.startReady(ctx, runID, userID, planID, done); err != nil {
			log.Printf("[orchestrator] run %s: start ready nodes: %v", runID, err)
		}

		select {
		case <-ctx.Done():
			o.registry.CancelAll()
			o.failRun(context.WithoutCancel(ctx), runID, planID, "run cancelled")
			return ctx.Err()
		case d := <-done:
			delete(progress, d.agent.ID)
			o.handleDone(ctx, runID, planID, d)
		case <-ticker.C:
			o.monitor(ctx, runID, progress)
		}
	}
}

// startReady spawns a sub-agent for every ready node that nobody is
// working on yet.
func (o *Orchestrator) startReady(ctx context.Context, runID, userID, planID string, done chan agentDone) error {
	g, err := o.plans.Graph(ctx, planID)
	if err != nil {
		return err
	}
	for _, node := range g.Ready() {
		if o.registry.WorkingOn(node.ID) {
			continue
		}
		upstream, err := o.plans.UpstreamContext(ctx, planID, node.ID)
		if err != nil {
			log.Printf("[orchestrator] run %s: upstream context for node %s: %v", runID, node.ID, err)
		}
		ag, err := o.agents.Spawn(ctx, subagent.SpawnRequest{
			RunID:           runID,
			UserID:          userID,
			Node:            node,
			UpstreamContext: upstream,
		})
		if err != nil {
			if errors.Is(err, store.ErrNotClaimable) {
				continue
			}
			log.Printf("[orchestrator] run %s: spawn agent for node %s: %v", runID, node.ID, err)
			continue
		}
		if err := o.store.AddActiveAgent(ctx, runID, ag.ID); err != nil {
			log.Printf("[orchestrator] run %s: track active agent %s: %v", runID, ag.ID, err)
		}

		agCtx, cancel := context.WithCancel(ctx)
		o.registry.Register(ag, cancel)
		o.emitter.Emit(models.Event{
			Type:    models.EventAgentSpawned,
			RunID:   runID,
			PlanID:  planID,
			NodeID:  node.ID,
			AgentID: ag.ID,
			Message: node.Description,
		})
		o.emitter.Emit(models.Event{
			Type:   models.EventTaskStarted,
			RunID:  runID,
			PlanID: planID,
			NodeID: node.ID,
		})

		go func(ag *subagent.Agent) {
			defer cancel()
			result, err := o.agents.Run(agCtx, ag)
			done <- agentDone{agent: ag, result: result, err: err}
		}(ag)
	}
	return nil
}

// handleDone settles one finished sub-agent: usage rolls up to the run,
// success completes the node, anything else goes through loop detection
// and the retry path.
func (o *Orchestrator) handleDone(ctx context.Context, runID, planID string, d agentDone) {
	o.registry.Unregister(d.agent.ID)
	if err := o.store.RemoveActiveAgent(ctx, runID, d.agent.ID); err != nil {
		log.Printf("[orchestrator] run %s: untrack agent %s: %v", runID, d.agent.ID, err)
	}
	if d.result != nil && (d.result.Tokens > 0 || d.result.Cost > 0) {
		if err := o.store.AddRunUsage(ctx, runID, d.result.Tokens, d.result.Cost); err != nil {
			log.Printf("[orchestrator] run %s: add usage: %v", runID, err)
		}
	}

	if d.err == nil && d.result != nil && d.result.Status == models.SubAgentCompleted {
		o.completeNode(ctx, runID, planID, d)
		return
	}
	o.retryNode(ctx, runID, planID, d)
}

func (o *Orchestrator) completeNode(ctx context.Context, runID, planID string, d agentDone) {
	result, _ := json.Marshal(map[string]string{"output": d.result.Output})
	if err := o.plans.RecordResult(ctx, d.agent.NodeID, result); err != nil {
		log.Printf("[orchestrator] run %s: record result for node %s: %v", runID, d.agent.NodeID, err)
	}
	if err := o.plans.MarkStatus(ctx, d.agent.NodeID, models.NodeStatusCompleted); err != nil {
		log.Printf("[orchestrator] run %s: complete node %s: %v", runID, d.agent.NodeID, err)
	}
	o.emitter.Emit(models.Event{
		Type:    models.EventTaskCompleted,
		RunID:   runID,
		PlanID:  planID,
		NodeID:  d.agent.NodeID,
		AgentID: d.agent.ID,
		Message: d.result.Output,
	})
	o.emitter.Emit(models.Event{
		Type:    models.EventAgentTerminated,
		RunID:   runID,
		NodeID:  d.agent.NodeID,
		AgentID: d.agent.ID,
		Reason:  models.TerminatedCompleted,
	})
}

// retryNode runs a failed or cancelled agent's node through loop detection
// and either abandons the run or schedules another attempt.
func (o *Orchestrator) retryNode(ctx context.Context, runID, planID string, d agentDone) {
	if d.err != nil {
		log.Printf("[orchestrator] run %s: agent %s on node %s: %v", runID, d.agent.ID, d.agent.NodeID, d.err)
	}

	sig := loopdetect.Signal{}
	if rec, err := o.store.GetAgent(ctx, d.agent.ID); err == nil {
		sig = loopdetect.Signal{
			TaskDescription: rec.TaskDescription,
			ToolCalls:       rec.ToolCalls,
			ReasoningSteps:  rec.ReasoningSteps,
		}
	}
	verdict, err := o.detect.ShouldIntervene(ctx, runID, d.agent.NodeID, sig)
	if err != nil {
		log.Printf("[orchestrator] run %s: loop check for node %s: %v", runID, d.agent.NodeID, err)
	}
	if verdict.Action == loopdetect.ActionAbandon {
		if err := o.plans.MarkStatus(ctx, d.agent.NodeID, models.NodeStatusFailed); err != nil {
			log.Printf("[orchestrator] run %s: fail node %s: %v", runID, d.agent.NodeID, err)
		}
		o.emitter.Emit(models.Event{
			Type:    models.EventAgentTerminated,
			RunID:   runID,
			NodeID:  d.agent.NodeID,
			AgentID: d.agent.ID,
			Reason:  models.TerminatedLoopDetected,
			Message: verdict.Reason,
		})
		o.failRun(ctx, runID, planID, verdict.Reason)
		return
	}

	reason := models.TerminatedFailed
	if d.result != nil && d.result.Status == models.SubAgentCancelled {
		reason = models.TerminatedCancelled
	}
	o.emitter.Emit(models.Event{
		Type:    models.EventAgentTerminated,
		RunID:   runID,
		NodeID:  d.agent.NodeID,
		AgentID: d.agent.ID,
		Reason:  reason,
	})

	count, status, err := o.plans.IncrementRetry(ctx, d.agent.NodeID)
	if err != nil {
		log.Printf("[orchestrator] run %s: retry node %s: %v", runID, d.agent.NodeID, err)
		return
	}
	if status == models.NodeStatusFailed {
		o.failRun(ctx, runID, planID, fmt.Sprintf("node %s failed after %d attempts", d.agent.NodeID, count))
		return
	}
	log.Printf("[orchestrator] run %s: node %s reset to pending (attempt %d)", runID, d.agent.NodeID, count)
}

// monitor assesses every running agent's recent behavior and applies
// interventions. Agents whose history has not grown since the last tick
// are skipped.
func (o *Orchestrator) monitor(ctx context.Context, runID string, progress map[string]int) {
	for _, ag := range o.registry.Agents() {
		rec, err := o.store.GetAgent(ctx, ag.ID)
		if err != nil {
			continue
		}
		if rec.Status.Terminal() {
			continue
		}
		seen := len(rec.ToolCalls) + len(rec.ReasoningSteps)
		if seen == progress[ag.ID] {
			continue
		}
		progress[ag.ID] = seen
		if n := len(rec.ReasoningSteps); n > 0 {
			o.emitter.Emit(models.Event{
				Type:    models.EventTaskProgress,
				RunID:   runID,
				NodeID:  rec.TaskNodeID,
				AgentID: ag.ID,
				Message: rec.ReasoningSteps[n-1].Text,
			})
		}

		verdict, err := o.detect.Assess(ctx, runID, loopdetect.Signal{
			TaskDescription: rec.TaskDescription,
			ToolCalls:       rec.ToolCalls,
			ReasoningSteps:  rec.ReasoningSteps,
		})
		if err != nil {
			log.Printf("[orchestrator] run %s: assess agent %s: %v", runID, ag.ID, err)
			continue
		}
		if verdict.Action == loopdetect.ActionAbandon {
			// Intervention ceiling: stop correcting and cancel. The retry
			// path decides whether the run survives.
			o.cancelAgent(ctx, ag.ID)
			continue
		}
		if !verdict.Intervene {
			continue
		}
		o.intervene(ctx, runID, ag.ID, rec, verdict)
	}
}

// intervene applies one loop-detection verdict to a running agent.
func (o *Orchestrator) intervene(ctx context.Context, runID, agentID string, rec *models.SubAgentState, verdict loopdetect.Verdict) {
	if _, err := o.store.IncrementInterventions(ctx, runID); err != nil {
		log.Printf("[orchestrator] run %s: count intervention: %v", runID, err)
	}

	var action models.InterventionAction
	switch verdict.Action {
	case loopdetect.ActionGuide:
		action = models.ActionGuide
		guidance := fmt.Sprintf("You appear to be stuck: %s. Step back, reconsider your approach, and try a different path.", verdict.Reason)
		if err := o.store.SetGuidance(ctx, agentID, guidance); err != nil {
			log.Printf("[orchestrator] run %s: set guidance for agent %s: %v", runID, agentID, err)
		}
	case loopdetect.ActionRedirect:
		action = models.ActionRedirect
		guidance := fmt.Sprintf("Refocus on your assigned task: %s. Your recent activity has drifted from it.", rec.TaskDescription)
		if err := o.store.SetGuidance(ctx, agentID, guidance); err != nil {
			log.Printf("[orchestrator] run %s: set guidance for agent %s: %v", runID, agentID, err)
		}
	case loopdetect.ActionCancel:
		action = models.ActionCancel
		o.cancelAgent(ctx, agentID)
	default:
		return
	}

	log.Printf("[orchestrator] run %s: intervention %s on agent %s: %s", runID, action, agentID, verdict.Reason)
	o.emitter.Emit(models.Event{
		Type:    models.EventAgentIntervention,
		RunID:   runID,
		AgentID: agentID,
		NodeID:  rec.TaskNodeID,
		Action:  action,
		Message: verdict.Reason,
	})
}

// cancelAgent stops an agent both cooperatively (persisted status, observed
// at the next iteration boundary) and via its context.
func (o *Orchestrator) cancelAgent(ctx context.Context, agentID string) {
	if err := o.agents.Cancel(ctx, agentID); err != nil {
		log.Printf("[orchestrator] cancel agent %s: %v", agentID, err)
	}
	o.registry.Cancel(agentID)
}

// settle checks whether the run is finished. A graph with every node
// terminal completes the run; a graph where pending work is permanently
// blocked by failed dependencies fails it.
func (o *Orchestrator) settle(ctx context.Context, runID, planID string) (bool, error) {
	state, err := o.store.GetRunState(ctx, runID)
	if err != nil {
		return false, err
	}
	if state.Status.Terminal() {
		return true, nil
	}
	if o.registry.Count() > 0 {
		return false, nil
	}

	g, err := o.plans.Graph(ctx, planID)
	if err != nil {
		return false, err
	}
	if settled, _ := g.Settled(); settled {
		o.completeRun(ctx, runID, planID)
		return true, nil
	}
	if g.Stalled() {
		o.failRun(ctx, runID, planID, "remaining tasks are blocked by failed dependencies")
		return true, nil
	}
	return false, nil
}

// completeRun marks the plan and run completed and emits the final summary.
func (o *Orchestrator) completeRun(ctx context.Context, runID, planID string) {
	if err := o.store.SetPlanStatus(ctx, planID, models.PlanStatusCompleted); err != nil {
		log.Printf("[orchestrator] run %s: complete plan: %v", runID, err)
	}
	o.setRunStatus(ctx, runID, models.RunCompleted)

	event := models.Event{
		Type:    models.EventFinal,
		RunID:   runID,
		PlanID:  planID,
		Message: "all tasks completed",
	}
	if state, err := o.store.GetRunState(ctx, runID); err == nil {
		event.Usage = &models.UsageSummary{
			TotalTokens: state.TotalTokens,
			Cost:        state.TotalCost,
		}
	}
	o.emitter.Emit(event)
}

// failRun marks the run failed, cancels anything still in flight, and
// surfaces the reason. No-op if the run is already terminal.
func (o *Orchestrator) failRun(ctx context.Context, runID, planID, reason string) {
	if state, err := o.store.GetRunState(ctx, runID); err == nil && state.Status.Terminal() {
		return
	}
	o.registry.CancelAll()
	if planID != "" {
		if err := o.store.SetPlanStatus(ctx, planID, models.PlanStatusFailed); err != nil {
			log.Printf("[orchestrator] run %s: fail plan: %v", runID, err)
		}
	}
	o.setRunStatus(ctx, runID, models.RunFailed)
	o.emitter.Emit(models.Event{
		Type:    models.EventError,
		RunID:   runID,
		PlanID:  planID,
		Message: reason,
	})
}

// setRunStatus persists a run transition and emits orchestrator.status.
func (o *Orchestrator) setRunStatus(ctx context.Context, runID string, status models.RunStatus) {
	if err := o.store.SetRunStatus(ctx, runID, status); err != nil {
		log.Printf("[orchestrator] run %s: set status %s: %v", runID, status, err)
		return
	}
	o.emitter.Emit(models.Event{
		Type:    models.EventOrchestratorStatus,
		RunID:   runID,
		Message: string(status),
	})
}
