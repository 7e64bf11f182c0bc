// Package planner implements the Planner (C5): turning a goal and the
// available capability set into a step graph via an LLM, validating
// the response, and producing replan suffixes (spec §4.5). Grounded on
// itsneelabh-gomind/orchestration/interfaces.go's RoutingPlan/RoutingStep
// shape and its synthesizer/prompt_builder LLM-prompt-then-parse idiom.
package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
)

// CapabilityLookup resolves a plugin namespace to its registration
// record, so the planner can validate inputs/outputs and decide
// checkpoint insertion. Satisfied by *plugin.Registry.
type CapabilityLookup func(namespace string) (domain.PluginDefinition, bool)

// PreApprovalCheck reports whether the caller already has a
// pre-approved preference covering a namespace for this task, letting
// validation skip inserting a redundant checkpoint (spec §4.5).
type PreApprovalCheck func(taskID, namespace string) bool

// Request is the input to Plan.
type Request struct {
	Goal         string
	Constraints  domain.Constraints
	Capabilities []domain.PluginDefinition
	TaskID       string
}

// ReplanRequest is the input to Replan.
type ReplanRequest struct {
	Task            *domain.Task
	TriggeringStep  string
	FindingsSince   []domain.Finding
	Capabilities    []domain.PluginDefinition
}

// Planner is the C5 interface.
type Planner interface {
	Plan(ctx context.Context, req Request) ([]domain.Step, error)
	Replan(ctx context.Context, req ReplanRequest) ([]domain.Step, error)
}

// planDoc is the YAML shape the LLM is instructed to emit (spec §4.5:
// "a list of steps, each declaring kind, namespace or agent, inputs,
// and dependencies").
type planDoc struct {
	Steps []planStep `yaml:"steps"`
}

type planStep struct {
	ID              string                 `yaml:"id"`
	Name            string                 `yaml:"name"`
	Kind            string                 `yaml:"kind"`
	Namespace       string                 `yaml:"namespace,omitempty"`
	AgentSpec       string                 `yaml:"agent_spec,omitempty"`
	Inputs          map[string]interface{} `yaml:"inputs,omitempty"`
	DependsOn       []string               `yaml:"depends_on,omitempty"`
	ConcurrencyGroup string                `yaml:"concurrency_group,omitempty"`
	Priority        int                    `yaml:"priority,omitempty"`
	OnDepFailure    string                 `yaml:"on_dep_failure,omitempty"`
	BranchExpr      string                 `yaml:"branch_expr,omitempty"`
	BranchDefault   bool                   `yaml:"branch_default,omitempty"`
}

// LLMPlanner is the production implementation: prompts an AIClient,
// parses and validates the YAML response, re-prompting up to
// maxRetries times on validation failure (spec §4.5).
type LLMPlanner struct {
	ai           core.AIClient
	model        string
	maxRetries   int
	lookup       CapabilityLookup
	preApproved  PreApprovalCheck
	logger       core.Logger
}

// NewLLMPlanner builds an LLMPlanner. lookup and preApproved may be nil
// (treated as "nothing registered" / "nothing pre-approved").
func NewLLMPlanner(ai core.AIClient, model string, maxRetries int, lookup CapabilityLookup, preApproved PreApprovalCheck, logger core.Logger) *LLMPlanner {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &LLMPlanner{ai: ai, model: model, maxRetries: maxRetries, lookup: lookup, preApproved: preApproved, logger: logger}
}

func (p *LLMPlanner) Plan(ctx context.Context, req Request) ([]domain.Step, error) {
	prompt := buildPlanPrompt(req.Goal, req.Constraints, req.Capabilities)
	return p.promptAndValidate(ctx, prompt, req.TaskID, req.Capabilities)
}

func (p *LLMPlanner) Replan(ctx context.Context, req ReplanRequest) ([]domain.Step, error) {
	prompt := buildReplanPrompt(req.Task, req.TriggeringStep, req.FindingsSince, req.Capabilities)
	return p.promptAndValidate(ctx, prompt, req.Task.ID, req.Capabilities)
}

func (p *LLMPlanner) promptAndValidate(ctx context.Context, prompt, taskID string, caps []domain.PluginDefinition) ([]domain.Step, error) {
	lookup := p.lookup
	if lookup == nil {
		byNS := map[string]domain.PluginDefinition{}
		for _, c := range caps {
			byNS[c.Namespace] = c
		}
		lookup = func(ns string) (domain.PluginDefinition, bool) { d, ok := byNS[ns]; return d, ok }
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			prompt = prompt + fmt.Sprintf("\n\nYour previous plan was invalid: %v. Return a corrected YAML plan.", lastErr)
		}
		resp, err := p.ai.GenerateResponse(ctx, prompt, &core.AIOptions{Model: p.model, SystemPrompt: plannerSystemPrompt})
		if err != nil {
			return nil, core.NewError("planner.Plan", core.KindPlannerError, taskID, err)
		}
		steps, err := ParseAndValidate(resp.Content, lookup, p.preApproved, taskID)
		if err == nil {
			return steps, nil
		}
		lastErr = err
		p.logger.WarnContext(ctx, "plan validation failed, re-prompting", map[string]interface{}{
			"task_id": taskID, "attempt": attempt, "error": err.Error(),
		})
	}
	return nil, core.NewError("planner.Plan", core.KindPlannerError, taskID, lastErr)
}

const plannerSystemPrompt = `You are a task planner. Given a goal, constraints, and a list of ` +
	`available plugins/agents (namespace, description, input/output schema), respond with a YAML ` +
	`document of the shape: {steps: [{id, name, kind, namespace|agent_spec, inputs, depends_on}]}. ` +
	`kind is one of plugin, llm_agent, branch. Reference prior step outputs as ` + "`{{steps.<id>.<field>}}`" + `.`

func buildPlanPrompt(goal string, constraints domain.Constraints, caps []domain.PluginDefinition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\n", goal)
	if len(constraints.AllowedHosts) > 0 {
		fmt.Fprintf(&b, "Allowed hosts: %s\n", strings.Join(constraints.AllowedHosts, ", "))
	}
	b.WriteString("Available capabilities:\n")
	for _, c := range caps {
		fmt.Fprintf(&b, "- %s (%s): %s\n", c.Namespace, c.Category, c.Description)
	}
	return b.String()
}

func buildReplanPrompt(task *domain.Task, triggeringStep string, findings []domain.Finding, caps []domain.PluginDefinition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task goal: %s\n", task.Goal)
	fmt.Fprintf(&b, "Triggering step: %s\n", triggeringStep)
	b.WriteString("Findings since last plan:\n")
	for _, f := range findings {
		fmt.Fprintf(&b, "- [%s] %s\n", f.Kind, f.Content)
	}
	b.WriteString("Available capabilities:\n")
	for _, c := range caps {
		fmt.Fprintf(&b, "- %s (%s): %s\n", c.Namespace, c.Category, c.Description)
	}
	b.WriteString("Return only the new step suffix to splice in after the triggering step.\n")
	return b.String()
}

// ParseAndValidate parses raw (YAML or JSON, since JSON is valid YAML)
// into a step graph and runs spec §4.5's validation pipeline: id/cycle
// checks via topological sort, namespace/agent resolution, reference
// target validation, input schema validation, and checkpoint insertion.
func ParseAndValidate(raw string, lookup CapabilityLookup, preApproved PreApprovalCheck, taskID string) ([]domain.Step, error) {
	var doc planDoc
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("invalid plan YAML: %w", err)
	}
	if len(doc.Steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}

	steps := make([]domain.Step, 0, len(doc.Steps))
	ids := map[string]bool{}
	for _, ps := range doc.Steps {
		if ps.ID == "" {
			return nil, fmt.Errorf("step missing id")
		}
		if ids[ps.ID] {
			return nil, fmt.Errorf("duplicate step id %q", ps.ID)
		}
		ids[ps.ID] = true
	}

	for _, ps := range doc.Steps {
		for _, dep := range ps.DependsOn {
			if !ids[dep] {
				return nil, fmt.Errorf("step %q depends on unknown step %q", ps.ID, dep)
			}
		}
		kind := domain.StepKind(ps.Kind)
		switch kind {
		case domain.StepKindPlugin, domain.StepKindLLMAgent, domain.StepKindCheckpoint, domain.StepKindBranch:
		default:
			return nil, fmt.Errorf("step %q has unknown kind %q", ps.ID, ps.Kind)
		}

		if kind == domain.StepKindPlugin {
			if lookup == nil {
				return nil, fmt.Errorf("step %q: no capability lookup configured", ps.ID)
			}
			def, ok := lookup(ps.Namespace)
			if !ok {
				return nil, fmt.Errorf("step %q references unregistered plugin namespace %q", ps.ID, ps.Namespace)
			}
			if err := validateStepInputs(ps, def.InputSchema); err != nil {
				return nil, err
			}
		}

		onDepFailure := domain.OnDepFailureBlock
		if ps.OnDepFailure == string(domain.OnDepFailureSkip) {
			onDepFailure = domain.OnDepFailureSkip
		}
		steps = append(steps, domain.Step{
			ID: ps.ID, Name: ps.Name, Kind: kind, PluginNamespace: ps.Namespace, AgentSpec: ps.AgentSpec,
			Inputs: ps.Inputs, DependsOn: ps.DependsOn, ConcurrencyGroup: ps.ConcurrencyGroup,
			Priority: ps.Priority, OnDepFailure: onDepFailure, BranchExpr: ps.BranchExpr,
			BranchDefault: ps.BranchDefault, Status: domain.StepPending,
		})
	}

	if err := validateReferences(steps, lookup); err != nil {
		return nil, err
	}
	if _, err := topologicalOrder(steps); err != nil {
		return nil, err
	}

	return insertCheckpoints(steps, lookup, preApproved, taskID), nil
}

func validateStepInputs(ps planStep, schema domain.Schema) error {
	for name, field := range schema {
		if _, present := ps.Inputs[name]; !present && field.Required {
			return fmt.Errorf("step %q missing required input %q", ps.ID, name)
		}
	}
	return nil
}

// validateReferences implements spec §4.5's "every reference
// ({{steps.X.out}}) targets a declared output field of step X" when X
// is a plugin step (whose output schema is known at plan time).
func validateReferences(steps []domain.Step, lookup CapabilityLookup) error {
	byID := map[string]domain.Step{}
	for _, s := range steps {
		byID[s.ID] = s
	}
	for _, s := range steps {
		for _, v := range s.Inputs {
			inner, ok := domain.IsReference(v)
			if !ok {
				continue
			}
			ref, err := domain.ParseReference(inner)
			if err != nil {
				return fmt.Errorf("step %q has malformed reference %q: %w", s.ID, inner, err)
			}
			if ref.IsTask {
				continue
			}
			target, ok := byID[ref.StepID]
			if !ok {
				return fmt.Errorf("step %q references unknown step %q", s.ID, ref.StepID)
			}
			if target.Kind != domain.StepKindPlugin || lookup == nil || len(ref.Path) == 0 {
				continue
			}
			def, ok := lookup(target.PluginNamespace)
			if !ok || len(def.OutputSchema) == 0 {
				continue
			}
			if _, declared := def.OutputSchema[ref.Path[0]]; !declared {
				return fmt.Errorf("step %q references undeclared output field %q of step %q", s.ID, ref.Path[0], target.ID)
			}
		}
	}
	return nil
}

// topologicalOrder returns steps in dependency order or an error if a
// cycle exists (spec §4.5: "topological sort required to succeed").
func topologicalOrder(steps []domain.Step) ([]string, error) {
	indegree := map[string]int{}
	adj := map[string][]string{}
	for _, s := range steps {
		if _, ok := indegree[s.ID]; !ok {
			indegree[s.ID] = 0
		}
		for _, dep := range s.DependsOn {
			adj[dep] = append(adj[dep], s.ID)
			indegree[s.ID]++
		}
	}
	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		var next []string
		for _, dst := range adj[id] {
			indegree[dst]--
			if indegree[dst] == 0 {
				next = append(next, dst)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}
	if len(order) != len(indegree) {
		return nil, fmt.Errorf("plan graph contains a cycle")
	}
	return order, nil
}

// insertCheckpoints implements spec §4.5's last validation clause:
// insert an approval checkpoint before any plugin step whose
// definition declares requires_checkpoint and that has no
// pre-approved preference for this task.
func insertCheckpoints(steps []domain.Step, lookup CapabilityLookup, preApproved PreApprovalCheck, taskID string) []domain.Step {
	if lookup == nil {
		return steps
	}
	out := make([]domain.Step, 0, len(steps)+2)
	for _, s := range steps {
		if s.Kind == domain.StepKindPlugin {
			def, ok := lookup(s.PluginNamespace)
			if ok && def.RequiresCheckpoint && !(preApproved != nil && preApproved(taskID, s.PluginNamespace)) {
				cpID := s.ID + "__checkpoint"
				out = append(out, domain.Step{
					ID: cpID, Name: "approve " + s.Name, Kind: domain.StepKindCheckpoint,
					DependsOn: append([]string(nil), s.DependsOn...), Status: domain.StepPending,
					Checkpoint: &domain.CheckpointDescriptor{
						Prompt: fmt.Sprintf("Approve execution of %s?", s.PluginNamespace),
						Type:   domain.CheckpointApproval,
					},
				})
				s.DependsOn = []string{cpID}
			}
		}
		out = append(out, s)
	}
	return out
}
