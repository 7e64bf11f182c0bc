package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtopus/fluxos-sub009/core"
)

type fakeAI struct {
	content string
	err     error
}

func (f fakeAI) GenerateResponse(_ context.Context, _ string, _ *core.AIOptions) (*core.AIResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &core.AIResponse{Content: f.content}, nil
}

func TestRunAgentParsesJSONObjectFromFencedResponse(t *testing.T) {
	worker := NewLLMAgentWorker(fakeAI{content: "```json\n{\"summary\": \"done\"}\n```"}, "gpt-4o-mini", core.NoOpLogger{})

	out, err := worker.RunAgent(context.Background(), "summarize the input", map[string]interface{}{"text": "hi"}, nil)

	require.NoError(t, err)
	assert.Equal(t, "done", out["summary"])
}

func TestRunAgentWrapsNonJSONResponseAsText(t *testing.T) {
	worker := NewLLMAgentWorker(fakeAI{content: "sure, here you go"}, "gpt-4o-mini", core.NoOpLogger{})

	out, err := worker.RunAgent(context.Background(), "greet the user", nil, nil)

	require.NoError(t, err)
	assert.Equal(t, "sure, here you go", out["text"])
}

func TestRunAgentPropagatesAIClientFailure(t *testing.T) {
	worker := NewLLMAgentWorker(fakeAI{err: core.NewErrorf("test", core.KindNetwork, "boom")}, "gpt-4o-mini", core.NoOpLogger{})

	_, err := worker.RunAgent(context.Background(), "x", nil, nil)

	require.Error(t, err)
	assert.Equal(t, core.KindPluginFailure, core.KindOf(err))
}
