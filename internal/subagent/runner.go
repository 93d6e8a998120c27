package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/donnahq/donna/internal/llm"
	"github.com/donnahq/donna/internal/mcp"
	"github.com/donnahq/donna/pkg/models"
)

// Result is the outcome of one sub-agent run, reported upward so the
// orchestrator can settle the node and the run aggregates. The runner never
// writes run-level totals itself.
type Result struct {
	Status     models.SubAgentStatus
	Output     string
	Tokens     int64
	Cost       float64
	Iterations int
	ToolCalls  int
}

// Run drives the agent's bounded reason/tool loop to a terminal status. It
// checks for cancellation and injected guidance at every iteration boundary;
// cancellation stops further reasoning but preserves all appended history.
func (m *Manager) Run(ctx context.Context, ag *Agent) (*Result, error) {
	// Terminal bookkeeping must land even when ctx is already cancelled.
	bg := context.WithoutCancel(ctx)
	result := &Result{Status: models.SubAgentRunning}

	if err := m.store.SetAgentStatus(ctx, ag.ID, models.SubAgentRunning); err != nil {
		return nil, fmt.Errorf("mark agent running: %w", err)
	}

	state, err := m.store.GetAgent(ctx, ag.ID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}

	tools := m.permittedTools(ctx, ag)
	userPrompt := state.TaskDescription
	if state.UpstreamContext != "" {
		userPrompt = fmt.Sprintf("%s\n\nContext from completed prerequisite tasks:\n%s",
			state.TaskDescription, state.UpstreamContext)
	}
	m.store.AppendMessage(ctx, ag.ID, models.AgentMessage{
		Role: models.RoleUser, Content: userPrompt, Timestamp: time.Now().UTC(),
	})
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
	}

	for result.Iterations < m.maxIterations {
		result.Iterations++

		if cancelled, err := m.checkCancelled(ctx, bg, ag); err != nil {
			return result, err
		} else if cancelled {
			result.Status = models.SubAgentCancelled
			return result, nil
		}

		// Guidance is consumed exactly once and must reach the very next
		// reasoning step.
		if guidance, err := m.store.ConsumeGuidance(ctx, ag.ID); err == nil && guidance != "" {
			m.store.AppendMessage(ctx, ag.ID, models.AgentMessage{
				Role: models.RoleOrchestrator, Content: guidance, Timestamp: time.Now().UTC(),
			})
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock("Guidance from the orchestrator: "+guidance)))
		}

		resp, err := m.llm.Complete(ctx, anthropic.MessageNewParams{
			Model:     m.llm.Model(),
			MaxTokens: 8192,
			System:    []anthropic.TextBlockParam{{Text: systemPrompt(state.Archetype)}},
			Messages:  messages,
			Tools:     tools,
		})
		if err != nil {
			if ctx.Err() != nil {
				m.store.SetAgentStatus(bg, ag.ID, models.SubAgentCancelled)
				result.Status = models.SubAgentCancelled
				return result, nil
			}
			m.store.SetAgentStatus(bg, ag.ID, models.SubAgentFailed)
			result.Status = models.SubAgentFailed
			return result, fmt.Errorf("model call: %w", err)
		}

		tokens := resp.Usage.InputTokens + resp.Usage.OutputTokens
		cost := llm.CostFor(string(m.llm.Model()), resp.Usage.InputTokens, resp.Usage.OutputTokens)
		result.Tokens += tokens
		result.Cost += cost
		m.store.AddAgentUsage(ctx, ag.ID, tokens, cost)

		var assistantBlocks []anthropic.ContentBlockParamUnion
		var toolResultBlocks []anthropic.ContentBlockParamUnion
		var textOutput string

		for _, block := range resp.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				textOutput += variant.Text
				m.store.AppendReasoning(ctx, ag.ID, models.ReasoningStep{
					Text: variant.Text, Timestamp: time.Now().UTC(),
				})
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(variant.Text))

			case anthropic.ToolUseBlock:
				result.ToolCalls++
				assistantBlocks = append(assistantBlocks,
					anthropic.NewToolUseBlock(variant.ID, variant.Input, variant.Name))

				toolResult := m.invoke(ctx, ag, variant.Name, variant.Input)
				m.store.AppendToolCall(ctx, ag.ID, models.ToolCallRecord{
					ID:        variant.ID,
					Tool:      variant.Name,
					Input:     variant.Input,
					Output:    toolResult.Content,
					IsError:   toolResult.IsError,
					Timestamp: time.Now().UTC(),
				})
				toolResultBlocks = append(toolResultBlocks,
					anthropic.NewToolResultBlock(variant.ID, toolResult.Content, toolResult.IsError))
			}
		}

		if textOutput != "" {
			m.store.AppendMessage(ctx, ag.ID, models.AgentMessage{
				Role: models.RoleAssistant, Content: textOutput, Timestamp: time.Now().UTC(),
			})
		}

		if resp.StopReason == anthropic.StopReasonEndTurn {
			if content, err := json.Marshal(textOutput); err == nil {
				m.store.AppendArtifact(ctx, ag.ID, models.Artifact{
					Kind: "text", Name: "final answer",
					Content: content, Timestamp: time.Now().UTC(),
				})
			}
			m.store.SetAgentStatus(bg, ag.ID, models.SubAgentCompleted)
			result.Status = models.SubAgentCompleted
			result.Output = textOutput
			return result, nil
		}

		messages = append(messages, anthropic.NewAssistantMessage(assistantBlocks...))
		if len(toolResultBlocks) > 0 {
			messages = append(messages, anthropic.NewUserMessage(toolResultBlocks...))
		}
	}

	m.store.SetAgentStatus(bg, ag.ID, models.SubAgentFailed)
	result.Status = models.SubAgentFailed
	return result, fmt.Errorf("max iterations (%d) reached", m.maxIterations)
}

// checkCancelled observes both the runner context and an externally marked
// cancelled status on the agent record.
func (m *Manager) checkCancelled(ctx, bg context.Context, ag *Agent) (bool, error) {
	if ctx.Err() != nil {
		m.store.SetAgentStatus(bg, ag.ID, models.SubAgentCancelled)
		return true, nil
	}
	state, err := m.store.GetAgent(ctx, ag.ID)
	if err != nil {
		return false, fmt.Errorf("load agent: %w", err)
	}
	return state.Status == models.SubAgentCancelled, nil
}

// permittedTools filters the aggregate catalog down to the agent's scope.
func (m *Manager) permittedTools(ctx context.Context, ag *Agent) []anthropic.ToolUnionParam {
	var permitted []mcp.ToolDescriptor
	for _, d := range m.router.GetAllTools(ctx) {
		if ag.Allowed(d.ID) {
			permitted = append(permitted, d)
		}
	}
	return anthropicTools(permitted)
}

// invoke routes one tool call. Failures of any kind come back as an error
// result for the model to observe, never as a crash of the loop.
func (m *Manager) invoke(ctx context.Context, ag *Agent, toolID string, input json.RawMessage) *mcp.ToolResult {
	if !ag.Allowed(toolID) {
		return &mcp.ToolResult{
			Content: fmt.Sprintf("tool %q is not permitted for this agent", toolID),
			IsError: true,
		}
	}

	var args map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return &mcp.ToolResult{Content: "malformed tool arguments: " + err.Error(), IsError: true}
		}
	}

	res, err := m.router.InvokeTool(ctx, ag.UserID, toolID, args)
	if err != nil {
		log.Printf("[subagent] %s tool %s failed: %v", ag.ID, toolID, err)
		return &mcp.ToolResult{Content: err.Error(), IsError: true}
	}
	return res
}

// systemPrompt returns the archetype-specific system prompt.
func systemPrompt(archetype models.Archetype) string {
	base := "You are a focused assistant executing one task within a larger plan. " +
		"Use only the tools provided. When the task is done, state the outcome clearly and stop."
	switch archetype {
	case models.ArchetypeResearch:
		return base + " Your specialty is finding and synthesizing information."
	case models.ArchetypeCoding:
		return base + " Your specialty is reading, writing, and running code."
	case models.ArchetypeCommunication:
		return base + " Your specialty is drafting messages and managing schedules."
	default:
		return base
	}
}
