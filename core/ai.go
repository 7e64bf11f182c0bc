package core

import "context"

// AIClient is the optional LLM backend the Planner (C5) and llm_agent
// steps (C6) call through. Grounded on itsneelabh-gomind/core/interfaces.go's
// AIClient — same single-method shape, since this module never needs
// streaming.
type AIClient interface {
	GenerateResponse(ctx context.Context, prompt string, options *AIOptions) (*AIResponse, error)
}

// AIOptions configures one generation call.
type AIOptions struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// AIResponse is a generation result.
type AIResponse struct {
	Content string
	Model   string
	Usage   TokenUsage
}

// TokenUsage reports token accounting for a generation call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
