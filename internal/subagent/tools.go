package subagent

import (
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/donnahq/donna/internal/mcp"
)

// toolSchema is the subset of a provider's JSON schema the model call needs.
type toolSchema struct {
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required"`
}

// anthropicTools converts catalog descriptors into tool definitions for the
// model call. Tools are exposed under their namespaced ids so the model's
// tool_use names route directly through the capability router.
func anthropicTools(descriptors []mcp.ToolDescriptor) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(descriptors))
	for _, d := range descriptors {
		var schema toolSchema
		if len(d.InputSchema) > 0 {
			json.Unmarshal(d.InputSchema, &schema)
		}
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        d.ID,
				Description: anthropic.String(d.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema.Properties,
					Required:   schema.Required,
				},
			},
		})
	}
	return tools
}
