// Package domain defines the Task/Step/Finding/Checkpoint/UserPreference/
// Event entities of the task orchestration core (spec §3).
package domain

import "time"

// TaskStatus is the task-level state machine (spec §4.8).
type TaskStatus string

const (
	TaskDraft       TaskStatus = "DRAFT"
	TaskPlanning    TaskStatus = "PLANNING"
	TaskReady       TaskStatus = "READY"
	TaskRunning     TaskStatus = "RUNNING"
	TaskWaitingApproval TaskStatus = "WAITING_APPROVAL"
	TaskReplanning  TaskStatus = "REPLANNING"
	TaskCompleted   TaskStatus = "COMPLETED"
	TaskFailed      TaskStatus = "FAILED"
	TaskCancelled   TaskStatus = "CANCELLED"
)

// IsTerminal reports whether status is a final task state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Owner identifies who a task belongs to.
type Owner struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
}

// FileReference names a file the external file service can resolve.
type FileReference struct {
	FileID   string `json:"file_id"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Constraints is the task's mapping from known option names to values.
type Constraints struct {
	BudgetUSD         *float64        `json:"budget_usd,omitempty"`
	TimeLimitSeconds  *int            `json:"time_limit_seconds,omitempty"`
	AllowedHosts      []string        `json:"allowed_hosts,omitempty"`
	FileReferences    []FileReference `json:"file_references,omitempty"`
}

// Task is a run of a goal (spec §3).
type Task struct {
	ID                string            `json:"id"`
	Version           int64             `json:"version"`
	Owner             Owner             `json:"owner"`
	Goal              string            `json:"goal"`
	Constraints       Constraints       `json:"constraints"`
	SuccessCriteria   []string          `json:"success_criteria"`
	Steps             []Step            `json:"steps"`
	Findings          []Finding         `json:"findings"`
	CurrentStepIndex  int               `json:"current_step_index"`
	Status            TaskStatus        `json:"status"`
	TreeID            string            `json:"tree_id"`
	ParentTaskID      string            `json:"parent_task_id,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	Cancelled         bool              `json:"cancelled"`
	ErrorKind         string            `json:"error_kind,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
}

// Clone returns a deep-enough copy safe to mutate without aliasing the
// original's slices/maps; used by the store to avoid sharing mutable
// state between reads.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Steps = append([]Step(nil), t.Steps...)
	for i := range c.Steps {
		c.Steps[i] = t.Steps[i].Clone()
	}
	c.Findings = append([]Finding(nil), t.Findings...)
	c.SuccessCriteria = append([]string(nil), t.SuccessCriteria...)
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Constraints.AllowedHosts = append([]string(nil), t.Constraints.AllowedHosts...)
	c.Constraints.FileReferences = append([]FileReference(nil), t.Constraints.FileReferences...)
	return &c
}

// StepByID returns a pointer into t.Steps for the given id, or nil.
func (t *Task) StepByID(id string) *Step {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i]
		}
	}
	return nil
}

// AllStepsTerminal reports whether every step has reached a terminal
// substate (used by the orchestrator to decide FAILED when not every
// step succeeded or was skipped).
func (t *Task) AllStepsTerminal() bool {
	for _, s := range t.Steps {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// AllStepsSucceededOrSkipped implements P4: required for COMPLETED.
func (t *Task) AllStepsSucceededOrSkipped() bool {
	for _, s := range t.Steps {
		if s.Status != StepSucceeded && s.Status != StepSkipped {
			return false
		}
	}
	return true
}

// EffectiveAllowedHosts returns the task's allow-host list (constraints
// take precedence; falls back to the process default passed in).
func (t *Task) EffectiveAllowedHosts(processDefault []string) []string {
	if len(t.Constraints.AllowedHosts) > 0 {
		return t.Constraints.AllowedHosts
	}
	return processDefault
}
