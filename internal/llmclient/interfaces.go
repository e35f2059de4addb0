package llmclient

import "context"

// LLMClient is the call contract every agent depends on (spec.md §4.1).
// Both *Client and *Stub satisfy it; agents never import the concrete
// provider client, only this interface, so tests substitute Stub freely.
type LLMClient interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64, contextTag string) (TextResult, error)
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, target any, contextTag string) (Usage, error)
}
