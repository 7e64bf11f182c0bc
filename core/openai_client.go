package core

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// OpenAIClient implements AIClient against an OpenAI-compatible
// chat-completions endpoint. Grounded on itsneelabh-gomind's
// ai/providers/openai.Client: same request/response shape and
// Bearer-auth header, trimmed of that client's tracing/alias-resolution
// layers since this module has no provider registry to resolve against.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     Logger
}

// NewOpenAIClient builds an OpenAIClient. baseURL defaults to OpenAI's
// own endpoint but can point at any OpenAI-compatible server (Azure
// OpenAI, a local vLLM/Ollama gateway, etc.); cmd/tentackl reads it
// from TENTACKL_OPENAI_BASE_URL.
func NewOpenAIClient(apiKey, baseURL string, logger Logger) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// GenerateResponse implements AIClient.GenerateResponse (spec §4.5's
// llm_agent step type and the Planner's plan/replan generation calls).
func (c *OpenAIClient) GenerateResponse(ctx context.Context, prompt string, options *AIOptions) (*AIResponse, error) {
	if c.apiKey == "" {
		return nil, NewErrorf("core.OpenAIClient", KindInvalidInput, "OpenAI API key not configured")
	}
	if options == nil {
		options = &AIOptions{}
	}

	messages := make([]chatMessage, 0, 2)
	if options.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: options.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatCompletionRequest{
		Model:       options.Model,
		Messages:    messages,
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	})
	if err != nil {
		return nil, NewError("core.OpenAIClient", KindInternal, options.Model, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, NewError("core.OpenAIClient", KindInvalidInput, options.Model, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewError("core.OpenAIClient", KindTimeout, options.Model, err)
		}
		return nil, NewError("core.OpenAIClient", KindNetwork, options.Model, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, NewError("core.OpenAIClient", KindNetwork, options.Model, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.ErrorContext(ctx, "openai request failed", map[string]interface{}{
			"status": resp.StatusCode, "model": options.Model,
		})
		return nil, NewErrorf("core.OpenAIClient", KindNetwork, "openai returned status %d: %s", resp.StatusCode, truncate(string(respBody), 500))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewError("core.OpenAIClient", KindInternal, options.Model, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, NewErrorf("core.OpenAIClient", KindInternal, "openai returned no choices")
	}

	return &AIResponse{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage: TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
