package domain

import "time"

// StepKind is the step taxonomy (spec §3).
type StepKind string

const (
	StepKindPlugin   StepKind = "plugin"
	StepKindLLMAgent StepKind = "llm_agent"
	StepKindCheckpoint StepKind = "checkpoint"
	StepKindBranch   StepKind = "branch"
)

// StepStatus is the per-step state machine (spec §4.8).
type StepStatus string

const (
	StepPending          StepStatus = "PENDING"
	StepReady            StepStatus = "READY"
	StepRunning          StepStatus = "RUNNING"
	StepSucceeded        StepStatus = "SUCCEEDED"
	StepFailed           StepStatus = "FAILED"
	StepSkipped          StepStatus = "SKIPPED"
	StepCancelled        StepStatus = "CANCELLED"
	StepWaitingApproval  StepStatus = "WAITING_APPROVAL"
	StepBlocked          StepStatus = "BLOCKED"
	StepSuperseded       StepStatus = "SUPERSEDED"
)

// IsTerminal reports whether status leaves the step unable to transition
// further under normal scheduling (spec §4.8's substates reaching a final
// disposition).
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCancelled, StepSuperseded:
		return true
	default:
		return false
	}
}

// RetryPolicy matches the fields named in spec §3.
type RetryPolicy struct {
	MaxAttempts  int     `json:"max_attempts"`
	InitialDelay float64 `json:"initial_delay_seconds"`
	Multiplier   float64 `json:"multiplier"`
	MaxDelay     float64 `json:"max_delay_seconds"`
}

// OnDepFailure controls whether a dependent step is blocked or skipped
// when a dependency fails (spec §4.7).
type OnDepFailure string

const (
	OnDepFailureBlock OnDepFailure = "block"
	OnDepFailureSkip  OnDepFailure = "skip"
)

// CheckpointDescriptor is carried on a checkpoint-kind step (spec §3).
type CheckpointDescriptor struct {
	Prompt      string                 `json:"prompt"`
	PreviewData map[string]interface{} `json:"preview_data,omitempty"`
	Type        CheckpointType         `json:"type"`
}

// StepError records a failed step's classified error.
type StepError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Step is a node of a task's plan (spec §3).
type Step struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Kind            StepKind               `json:"kind"`
	PluginNamespace string                 `json:"plugin_namespace,omitempty"`
	AgentSpec       string                 `json:"agent_spec,omitempty"`
	Inputs          map[string]interface{} `json:"inputs"`
	DependsOn       []string               `json:"depends_on"`
	ConcurrencyGroup string                `json:"concurrency_group,omitempty"`
	Priority        int                    `json:"priority"`
	OnDepFailure    OnDepFailure           `json:"on_dep_failure,omitempty"`
	RetryPolicy     RetryPolicy            `json:"retry_policy"`
	TimeoutSeconds  int                    `json:"timeout_seconds"`
	IdempotencyKey  string                 `json:"idempotency_key,omitempty"`
	BranchExpr      string                 `json:"branch_expr,omitempty"`
	BranchDefault   bool                   `json:"branch_default,omitempty"`

	Status    StepStatus  `json:"status"`
	Attempt   int         `json:"attempt"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     *StepError  `json:"error,omitempty"`

	Checkpoint *CheckpointDescriptor `json:"checkpoint,omitempty"`
}

// Clone deep-copies mutable fields of a Step.
func (s Step) Clone() Step {
	c := s
	c.DependsOn = append([]string(nil), s.DependsOn...)
	if s.Inputs != nil {
		c.Inputs = make(map[string]interface{}, len(s.Inputs))
		for k, v := range s.Inputs {
			c.Inputs[k] = v
		}
	}
	if s.Output != nil {
		c.Output = make(map[string]interface{}, len(s.Output))
		for k, v := range s.Output {
			c.Output[k] = v
		}
	}
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	if s.Checkpoint != nil {
		cp := *s.Checkpoint
		c.Checkpoint = &cp
	}
	return c
}

// FindingKind is the Finding taxonomy (spec §3).
type FindingKind string

const (
	FindingFact       FindingKind = "fact"
	FindingArtifact   FindingKind = "artifact"
	FindingWarning    FindingKind = "warning"
	FindingSuggestion FindingKind = "suggestion"
)

// ReplanRequestedReasonKey is the Finding.Data key for a replan
// trigger's reason (spec §4.5). Detection itself does not read it; it
// goes through Finding.Content (IsReplanRequest).
const ReplanRequestedReasonKey = "reason"

// ReplanRequestedContent marks a Finding as a replan trigger. The spec
// describes this as a Finding "kind" value distinct from the four listed
// in §3 proper; it is carried in Finding.Content by convention
// ("replan_requested") and detected via IsReplanRequest.
const ReplanRequestedContent = "replan_requested"

// Finding is an append-only structured observation (spec §3).
type Finding struct {
	SourceStepID string                 `json:"source_step_id"`
	Kind         FindingKind            `json:"kind"`
	Content      string                 `json:"content"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// IsReplanRequest reports whether f is a replan trigger.
func (f Finding) IsReplanRequest() bool {
	return f.Content == ReplanRequestedContent
}
