// Package loopdetect watches sub-agent behavior for non-progressing or
// runaway patterns and issues intervention verdicts.
package loopdetect

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/donnahq/donna/internal/store"
	"github.com/donnahq/donna/pkg/models"
)

// Action is what the orchestrator should do about a detected loop.
type Action string

const (
	// ActionGuide injects corrective guidance into the running agent.
	ActionGuide Action = "guide"
	// ActionRedirect cancels the agent and respawns with a reframed task.
	ActionRedirect Action = "redirect"
	// ActionCancel cancels the agent and marks its node for retry.
	ActionCancel Action = "cancel"
	// ActionAbandon is terminal: a ceiling was hit and the run must stop
	// looping and surface the situation instead.
	ActionAbandon Action = "abandon"
)

// Signal is the observed behavior of one sub-agent, assembled by the
// orchestrator from the agent's persisted record.
type Signal struct {
	// TaskDescription is what the agent was asked to do.
	TaskDescription string
	// ToolCalls is the agent's tool-call history, oldest first.
	ToolCalls []models.ToolCallRecord
	// ReasoningSteps is the agent's reasoning trace, oldest first.
	ReasoningSteps []models.ReasoningStep
}

// Verdict is the detector's decision for one check.
type Verdict struct {
	Intervene bool
	Action    Action
	Reason    string
}

// Thresholds for the behavioral heuristics.
const (
	identicalCallLimit  = 3
	consecutiveErrLimit = 2
	driftStepWindow     = 3
)

// Detector issues verdicts from per-run counters held in the store plus
// behavioral heuristics on the signal. It keeps no state of its own, so a
// restarted process re-derives everything from the store.
type Detector struct {
	store  store.Store
	limits store.Limits
}

// New creates a detector using the store's counters and the given ceilings.
func New(st store.Store, limits store.Limits) *Detector {
	return &Detector{store: st, limits: limits}
}

// ShouldIntervene records one retry attempt for the node and decides what
// to do about it. Ceilings win over heuristics: once the node's retry
// ceiling or the run's intervention ceiling is reached the verdict is
// abandon, never another intervention.
func (d *Detector) ShouldIntervene(ctx context.Context, runID, nodeID string, sig Signal) (Verdict, error) {
	count, err := d.store.IncrementLoopCounter(ctx, runID, nodeID)
	if err != nil {
		return Verdict{}, fmt.Errorf("increment loop counter: %w", err)
	}
	if count > d.limits.MaxNodeRetries {
		return Verdict{
			Intervene: false,
			Action:    ActionAbandon,
			Reason:    fmt.Sprintf("node hit the retry ceiling (%d attempts)", count),
		}, nil
	}

	return d.Assess(ctx, runID, sig)
}

// Assess applies the intervention ceiling and the behavioral heuristics
// without recording a retry attempt. The orchestrator uses it while
// monitoring running agents.
func (d *Detector) Assess(ctx context.Context, runID string, sig Signal) (Verdict, error) {
	run, err := d.store.GetRunState(ctx, runID)
	if err != nil {
		return Verdict{}, fmt.Errorf("load run state: %w", err)
	}
	if run.TotalInterventions >= d.limits.MaxInterventions {
		return Verdict{
			Intervene: false,
			Action:    ActionAbandon,
			Reason:    fmt.Sprintf("run hit the intervention ceiling (%d)", run.TotalInterventions),
		}, nil
	}

	if reason, ok := repeatedIdenticalCalls(sig.ToolCalls); ok {
		return Verdict{Intervene: true, Action: ActionRedirect, Reason: reason}, nil
	}
	if reason, ok := consecutiveToolErrors(sig.ToolCalls); ok {
		return Verdict{Intervene: true, Action: ActionGuide, Reason: reason}, nil
	}
	if reason, ok := reasoningDrift(sig.TaskDescription, sig.ReasoningSteps); ok {
		return Verdict{Intervene: true, Action: ActionGuide, Reason: reason}, nil
	}

	return Verdict{Intervene: false}, nil
}

// repeatedIdenticalCalls fires when the trailing calls are the same tool
// with the same input, none of which succeeded differently.
func repeatedIdenticalCalls(calls []models.ToolCallRecord) (string, bool) {
	if len(calls) < identicalCallLimit {
		return "", false
	}
	tail := calls[len(calls)-identicalCallLimit:]
	first := tail[0]
	for _, c := range tail[1:] {
		if c.Tool != first.Tool || !bytes.Equal(c.Input, first.Input) {
			return "", false
		}
	}
	return fmt.Sprintf("last %d tool calls are identical invocations of %s", identicalCallLimit, first.Tool), true
}

// consecutiveToolErrors fires when the trailing calls all failed.
func consecutiveToolErrors(calls []models.ToolCallRecord) (string, bool) {
	if len(calls) < consecutiveErrLimit {
		return "", false
	}
	for _, c := range calls[len(calls)-consecutiveErrLimit:] {
		if !c.IsError {
			return "", false
		}
	}
	return fmt.Sprintf("%d consecutive tool errors without recovery", consecutiveErrLimit), true
}

// reasoningDrift fires when the recent reasoning shares no substantive
// vocabulary with the task description.
func reasoningDrift(task string, steps []models.ReasoningStep) (string, bool) {
	if len(steps) < driftStepWindow {
		return "", false
	}
	taskWords := contentWords(task)
	if len(taskWords) == 0 {
		return "", false
	}
	for _, step := range steps[len(steps)-driftStepWindow:] {
		for w := range contentWords(step.Text) {
			if taskWords[w] {
				return "", false
			}
		}
	}
	return fmt.Sprintf("last %d reasoning steps share no vocabulary with the task", driftStepWindow), true
}

// contentWords extracts lowercased words of four or more characters.
func contentWords(s string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	}) {
		if len(w) >= 4 {
			words[w] = true
		}
	}
	return words
}
