package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
)

// fakeAIClient satisfies core.AIClient by returning a fixed YAML body,
// standing in for LLM inference per the Non-goal in spec.md (the
// planner's own logic — parse/validate/retry — is what's under test).
type fakeAIClient struct {
	responses []string
	calls     int
}

func (f *fakeAIClient) GenerateResponse(_ context.Context, _ string, _ *core.AIOptions) (*core.AIResponse, error) {
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	return &core.AIResponse{Content: f.responses[i]}, nil
}

func lookupFor(defs ...domain.PluginDefinition) CapabilityLookup {
	m := map[string]domain.PluginDefinition{}
	for _, d := range defs {
		m[d.Namespace] = d
	}
	return func(ns string) (domain.PluginDefinition, bool) { d, ok := m[ns]; return d, ok }
}

const validPlan = `
steps:
  - id: s1
    kind: plugin
    namespace: http.get
    inputs:
      url: "https://example.com/data.json"
  - id: s2
    kind: llm_agent
    agent_spec: summarizer
    inputs:
      content: "{{steps.s1.json}}"
    depends_on: [s1]
`

func TestPlanParsesValidatesAndOrders(t *testing.T) {
	httpGet := domain.PluginDefinition{
		Namespace: "http.get", Category: domain.CategoryIO,
		InputSchema:  domain.Schema{"url": domain.FieldSchema{Type: "string", Required: true}},
		OutputSchema: domain.Schema{"json": domain.FieldSchema{Type: "object"}},
	}
	ai := &fakeAIClient{responses: []string{validPlan}}
	p := NewLLMPlanner(ai, "test-model", 2, lookupFor(httpGet), nil, core.NoOpLogger{})

	steps, err := p.Plan(context.Background(), Request{Goal: "fetch and summarize", Capabilities: []domain.PluginDefinition{httpGet}})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "s1", steps[0].ID)
	assert.Equal(t, "s2", steps[1].ID)
}

func TestPlanRetriesOnValidationFailureThenSucceeds(t *testing.T) {
	httpGet := domain.PluginDefinition{
		Namespace: "http.get", Category: domain.CategoryIO,
		InputSchema: domain.Schema{"url": domain.FieldSchema{Type: "string", Required: true}},
	}
	badPlan := `steps: [{id: s1, kind: plugin, namespace: unknown.thing}]`
	ai := &fakeAIClient{responses: []string{badPlan, validPlan}}
	p := NewLLMPlanner(ai, "test-model", 2, lookupFor(httpGet), nil, core.NoOpLogger{})

	steps, err := p.Plan(context.Background(), Request{Goal: "g", Capabilities: []domain.PluginDefinition{httpGet}})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 2, ai.calls)
}

func TestPlanExhaustsRetriesAndSurfacesPlannerError(t *testing.T) {
	ai := &fakeAIClient{responses: []string{"steps: []", "steps: []", "steps: []"}}
	p := NewLLMPlanner(ai, "test-model", 2, lookupFor(), nil, core.NoOpLogger{})

	_, err := p.Plan(context.Background(), Request{Goal: "g"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindPlannerError))
}

func TestCycleDetectionRejectsPlan(t *testing.T) {
	cyclic := `
steps:
  - id: s1
    kind: llm_agent
    agent_spec: a
    depends_on: [s2]
  - id: s2
    kind: llm_agent
    agent_spec: a
    depends_on: [s1]
`
	_, err := ParseAndValidate(cyclic, lookupFor(), nil, "t1")
	require.Error(t, err)
}

func TestCheckpointInsertedBeforeRequiresCheckpointPlugin(t *testing.T) {
	sendEmail := domain.PluginDefinition{
		Namespace: "send_email", Category: domain.CategoryCommunication,
		RequiresCheckpoint: true,
	}
	plan := `steps: [{id: s1, kind: plugin, namespace: send_email, inputs: {to: "a@example.com", subject: "hi", body: "hi"}}]`

	steps, err := ParseAndValidate(plan, lookupFor(sendEmail), nil, "t1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, domain.StepKindCheckpoint, steps[0].Kind)
	assert.Equal(t, []string{"s1__checkpoint"}, steps[1].DependsOn)
}

func TestPreApprovedSkipsCheckpointInsertion(t *testing.T) {
	sendEmail := domain.PluginDefinition{
		Namespace: "send_email", Category: domain.CategoryCommunication,
		RequiresCheckpoint: true,
	}
	plan := `steps: [{id: s1, kind: plugin, namespace: send_email, inputs: {to: "a@example.com", subject: "hi", body: "hi"}}]`

	preApproved := func(taskID, namespace string) bool { return namespace == "send_email" }
	steps, err := ParseAndValidate(plan, lookupFor(sendEmail), preApproved, "t1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
}

func TestUndeclaredOutputReferenceRejected(t *testing.T) {
	httpGet := domain.PluginDefinition{
		Namespace: "http.get", Category: domain.CategoryIO,
		OutputSchema: domain.Schema{"json": domain.FieldSchema{Type: "object"}},
	}
	plan := `
steps:
  - id: s1
    kind: plugin
    namespace: http.get
  - id: s2
    kind: llm_agent
    agent_spec: a
    inputs:
      x: "{{steps.s1.nonexistent_field}}"
    depends_on: [s1]
`
	_, err := ParseAndValidate(plan, lookupFor(httpGet), nil, "t1")
	require.Error(t, err)
}
