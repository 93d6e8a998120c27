package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/donnahq/donna/internal/llm"
	"github.com/donnahq/donna/pkg/models"
)

// Request handling modes chosen by classification.
const (
	modeAnswer = "answer"
	modeTool   = "tool"
	modePlan   = "plan"
)

// classification is the model's decision for how to handle a request.
type classification struct {
	// Mode is answer, tool, or plan.
	Mode string `json:"mode"`
	// Answer is the direct reply for answer mode.
	Answer string `json:"answer,omitempty"`
	// Tool and Args describe the single invocation for tool mode.
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`
	// Tasks is the decomposition for plan mode.
	Tasks []taskSpec `json:"tasks,omitempty"`
}

// taskSpec is one decomposed task from the classifier.
type taskSpec struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Archetype   string   `json:"archetype"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

const classifySystemPrompt = `You are the planning layer of a personal assistant.
Decide how to handle the user's request and reply with ONLY a JSON object, no prose.

Modes:
- {"mode":"answer","answer":"..."} when the request needs no tools or decomposition.
- {"mode":"tool","tool":"<namespaced_tool_id>","args":{...}} when one tool call resolves it. Available tools are listed below.
- {"mode":"plan","tasks":[{"id":"t1","description":"...","archetype":"research|coding|communication|general","depends_on":["t0"]}]} when the request needs multiple steps. Keep plans small and dependencies minimal.`

// classify asks the model how to handle the request.
func (o *Orchestrator) classify(ctx context.Context, request string) (*classification, error) {
	var tools strings.Builder
	for _, t := range o.router.GetAllTools(ctx) {
		fmt.Fprintf(&tools, "- %s: %s\n", t.ID, t.Description)
	}
	system := classifySystemPrompt + "\n\nAvailable tools:\n" + tools.String()

	raw, err := llm.SimpleCall(ctx, o.llm, system, request)
	if err != nil {
		return nil, fmt.Errorf("classification call: %w", err)
	}

	var c classification
	if err := json.Unmarshal([]byte(extractJSON(raw)), &c); err != nil {
		return nil, fmt.Errorf("parse classification: %w", err)
	}
	switch c.Mode {
	case modeAnswer, modeTool, modePlan:
	default:
		return nil, fmt.Errorf("classification returned unknown mode %q", c.Mode)
	}
	if c.Mode == modePlan && len(c.Tasks) == 0 {
		return nil, fmt.Errorf("classification returned an empty plan")
	}
	for i := range c.Tasks {
		if !models.Archetype(c.Tasks[i].Archetype).Valid() {
			c.Tasks[i].Archetype = string(models.ArchetypeGeneral)
		}
	}
	return &c, nil
}

// extractJSON pulls the outermost JSON object out of a model reply that may
// wrap it in prose or a code fence.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
