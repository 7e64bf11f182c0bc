package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fluxtopus/fluxos-sub009/core"
)

// LLMAgentWorker is the default AgentWorker: it turns an llm_agent
// step's spec + inputs into a prompt, asks the configured AIClient for
// a JSON object, and returns it as the step's output. Grounded on
// planner.LLMPlanner's prompt-then-parse idiom (spec §4.5/§4.6), reused
// here instead of invented from scratch since both are "ask the model,
// validate the shape" callers of the same core.AIClient seam.
type LLMAgentWorker struct {
	ai     core.AIClient
	model  string
	logger core.Logger
}

// NewLLMAgentWorker builds an LLMAgentWorker.
func NewLLMAgentWorker(ai core.AIClient, model string, logger core.Logger) *LLMAgentWorker {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &LLMAgentWorker{ai: ai, model: model, logger: logger}
}

// RunAgent implements AgentWorker. Image attachments are named in the
// prompt (the AIClient interface in this module has no multipart/vision
// path); a richer AIClient can be substituted without changing this
// worker's contract.
func (w *LLMAgentWorker) RunAgent(ctx context.Context, spec string, inputs map[string]interface{}, files []ResolvedFile) (map[string]interface{}, error) {
	if w.ai == nil {
		return nil, core.NewErrorf("dispatcher.LLMAgentWorker", core.KindInternal, "no AIClient configured")
	}

	prompt := buildAgentPrompt(spec, inputs, files)
	resp, err := w.ai.GenerateResponse(ctx, prompt, &core.AIOptions{
		Model:        w.model,
		SystemPrompt: agentSystemPrompt,
	})
	if err != nil {
		return nil, core.NewError("dispatcher.LLMAgentWorker", core.KindPluginFailure, spec, err)
	}

	out, err := parseAgentOutput(resp.Content)
	if err != nil {
		w.logger.WarnContext(ctx, "agent returned non-JSON output, wrapping as text", map[string]interface{}{
			"error": err.Error(),
		})
		return map[string]interface{}{"text": resp.Content}, nil
	}
	return out, nil
}

const agentSystemPrompt = `You are an autonomous agent executing one step of a larger task plan.
Follow the step instructions exactly and respond with a single JSON object
containing your result. Do not include any text outside the JSON object.`

func buildAgentPrompt(spec string, inputs map[string]interface{}, files []ResolvedFile) string {
	var b strings.Builder
	b.WriteString("Instructions:\n")
	b.WriteString(spec)
	b.WriteString("\n\nInputs:\n")
	if data, err := json.MarshalIndent(inputs, "", "  "); err == nil {
		b.Write(data)
	}
	if len(files) > 0 {
		b.WriteString("\n\nAttached files:\n")
		for _, f := range files {
			b.WriteString(fmt.Sprintf("- %s (%s, %d bytes)\n", f.Name, f.MimeType, len(f.Data)))
		}
	}
	return b.String()
}

// parseAgentOutput parses the span from the first "{" to the last "}"
// of the model's response as one JSON object, tolerating surrounding
// prose or a fenced code block.
func parseAgentOutput(content string) (map[string]interface{}, error) {
	text := strings.TrimSpace(content)
	if fenced := strings.TrimPrefix(text, "```json"); fenced != text {
		text = strings.TrimSuffix(strings.TrimSpace(fenced), "```")
	} else if fenced := strings.TrimPrefix(text, "```"); fenced != text {
		text = strings.TrimSuffix(strings.TrimSpace(fenced), "```")
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object found in agent response")
	}

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON in agent response: %w", err)
	}
	return out, nil
}
