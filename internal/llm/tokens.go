package llm

import "sync"

// ModelPricing contains pricing per 1M tokens for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultModelPricing contains pricing for known Claude models.
var DefaultModelPricing = map[string]ModelPricing{
	"claude-opus-4-5-20251101":   {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-sonnet-4-5-20250929": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-sonnet-4-20250514":   {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-haiku-4-5-20251001":  {InputPerMillion: 1.00, OutputPerMillion: 5.00},
	"claude-3-5-haiku-20241022":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
}

// TokenUsage represents aggregated token usage.
type TokenUsage struct {
	// InputTokens is the total input tokens used.
	InputTokens int64
	// OutputTokens is the total output tokens used.
	OutputTokens int64
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// TokenTracker accumulates API-reported token usage for one client.
type TokenTracker struct {
	mu      sync.RWMutex
	usage   TokenUsage
	model   string
	pricing *ModelPricing
}

// NewTokenTracker creates a tracker for the given model.
func NewTokenTracker(model string) *TokenTracker {
	return &TokenTracker{model: model}
}

// Add records reported usage from one API response.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.InputTokens += input
	t.usage.OutputTokens += output
}

// Usage returns the accumulated usage.
func (t *TokenTracker) Usage() TokenUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.usage
}

// SetPricing overrides the default pricing for cost calculation.
func (t *TokenTracker) SetPricing(p ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing = &p
}

// Cost returns the accumulated cost in dollars based on model pricing.
func (t *TokenTracker) Cost() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pricing := t.pricing
	if pricing == nil {
		if p, ok := DefaultModelPricing[t.model]; ok {
			pricing = &p
		}
	}
	if pricing == nil {
		return 0
	}
	return costFor(*pricing, t.usage)
}

// CostFor calculates the cost of the given usage under the named model's
// pricing. Unknown models cost zero.
func CostFor(model string, input, output int64) float64 {
	pricing, ok := DefaultModelPricing[model]
	if !ok {
		return 0
	}
	return costFor(pricing, TokenUsage{InputTokens: input, OutputTokens: output})
}

func costFor(p ModelPricing, u TokenUsage) float64 {
	inputCost := float64(u.InputTokens) / 1_000_000 * p.InputPerMillion
	outputCost := float64(u.OutputTokens) / 1_000_000 * p.OutputPerMillion
	return inputCost + outputCost
}
