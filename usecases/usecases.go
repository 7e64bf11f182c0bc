// Package usecases implements C9: the application-level operations a
// transport binds to directly — create_task, start_task,
// resume_checkpoint, cancel_task, link_conversation (spec §4.9).
// Grounded on original_source's task_orchestrator_adapter.py, whose
// public async methods are this same cut of operations one layer
// above the orchestrator's state machine.
package usecases

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fluxtopus/fluxos-sub009/checkpoint"
	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
	"github.com/fluxtopus/fluxos-sub009/orchestrator"
	"github.com/fluxtopus/fluxos-sub009/store"
)

// Scheduling is the slice of C7 resume_checkpoint needs to continue the
// DAG after a manual decision.
type Scheduling interface {
	ScheduleReadyNodes(ctx context.Context, taskID string) (int, error)
}

// UseCases is the C9 implementation.
type UseCases struct {
	store        store.TaskStore
	checkpoints  *checkpoint.Manager
	orchestrator *orchestrator.Orchestrator
	scheduler    Scheduling
	logger       core.Logger
}

// New builds a UseCases.
func New(s store.TaskStore, cp *checkpoint.Manager, orch *orchestrator.Orchestrator, sched Scheduling, logger core.Logger) *UseCases {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &UseCases{store: s, checkpoints: cp, orchestrator: orch, scheduler: sched, logger: logger}
}

// CreateTask implements spec §4.9's create_task: persists a DRAFT task
// and, if autoStart is set, immediately hands it to the orchestrator.
func (u *UseCases) CreateTask(ctx context.Context, owner domain.Owner, goal string, constraints domain.Constraints, successCriteria []string, autoStart bool) (*domain.Task, error) {
	now := time.Now().UTC()
	task := &domain.Task{
		ID:              uuid.NewString(),
		Owner:           owner,
		Goal:            goal,
		Constraints:     constraints,
		SuccessCriteria: successCriteria,
		Status:          domain.TaskDraft,
		TreeID:          uuid.NewString(),
		Metadata:        map[string]string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	created, err := u.store.CreateTask(ctx, task)
	if err != nil {
		return nil, err
	}
	if !autoStart {
		return created, nil
	}
	return u.orchestrator.Start(ctx, created.ID)
}

// StartTask implements spec §4.9's start_task: rejects a task that has
// already reached a terminal state, otherwise hands it to the
// orchestrator (idempotent past DRAFT/READY).
func (u *UseCases) StartTask(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := u.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, core.NewErrorf("usecases.StartTask", core.KindInvalidInput, "task %q is already %s", taskID, task.Status)
	}
	return u.orchestrator.Start(ctx, taskID)
}

// ResumeCheckpoint implements spec §4.9's resume_checkpoint: delegates
// the decision to C3, then maps the resulting decision directly onto
// the step's terminal/suspended status (approval and auto-approval
// succeed the step, rejection and expiry fail it) before running a
// scheduling pass so any now-ready dependents get picked up.
func (u *UseCases) ResumeCheckpoint(ctx context.Context, taskID, stepID string, decision domain.CheckpointDecision, feedback string, learn bool) (*domain.Task, error) {
	task, err := u.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var agentType string
	for _, s := range task.Steps {
		if s.ID == stepID {
			agentType = s.AgentSpec
			break
		}
	}

	cp, err := u.checkpoints.ResolveCheckpoint(ctx, taskID, stepID, task.Owner.UserID, task.Metadata["task_type"], agentType, domain.CheckpointResponse{
		Decision: decision, Feedback: feedback, Learn: learn,
	})
	if err != nil {
		return nil, err
	}

	switch cp.Decision {
	case domain.DecisionApproved, domain.DecisionAutoApproved:
		if _, err := u.store.UpdateStepStatus(ctx, taskID, stepID, domain.StepSucceeded,
			map[string]interface{}{"decision": string(cp.Decision)}, nil); err != nil {
			return nil, err
		}
	case domain.DecisionRejected:
		if _, err := u.store.UpdateStepStatus(ctx, taskID, stepID, domain.StepFailed, nil,
			&domain.StepError{Kind: string(core.KindForbidden), Message: "checkpoint rejected"}); err != nil {
			return nil, err
		}
	case domain.DecisionExpired:
		if _, err := u.store.UpdateStepStatus(ctx, taskID, stepID, domain.StepFailed, nil,
			&domain.StepError{Kind: string(core.KindCheckpointExpired), Message: "checkpoint expired"}); err != nil {
			return nil, err
		}
	}

	if _, err := u.scheduler.ScheduleReadyNodes(ctx, taskID); err != nil {
		u.logger.WarnContext(ctx, "usecases: scheduling pass after checkpoint resolve failed", map[string]interface{}{
			"task_id": taskID, "step_id": stepID, "error": err.Error(),
		})
	}
	return u.store.GetTask(ctx, taskID)
}

// CancelTask implements spec §4.9's cancel_task: delegates to the
// orchestrator, which sets the cancellation status and rejects any
// outstanding checkpoint. Running steps drain within the grace window
// (spec §5); callers that need to block on drain should poll GetTask.
func (u *UseCases) CancelTask(ctx context.Context, taskID string) (*domain.Task, error) {
	return u.orchestrator.Cancel(ctx, taskID)
}

// LinkConversation implements spec §4.9's link_conversation: records
// the conversation id in task metadata so a conversation view can find
// its task.
func (u *UseCases) LinkConversation(ctx context.Context, taskID, conversationID string) (*domain.Task, error) {
	task, err := u.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	meta := make(map[string]string, len(task.Metadata)+1)
	for k, v := range task.Metadata {
		meta[k] = v
	}
	meta["conversation_id"] = conversationID
	return u.store.UpdateTask(ctx, taskID, task.Version, store.PartialFields{Metadata: meta})
}

// GetTask and ListTasks are thin read-path passthroughs exposed here so
// a transport only needs one collaborator (C9) rather than wiring the
// store directly.
func (u *UseCases) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	return u.store.GetTask(ctx, taskID)
}

func (u *UseCases) ListTasks(ctx context.Context, filter store.ListFilter) (store.Page, error) {
	return u.store.ListTasks(ctx, filter)
}

// PendingCheckpoints lists a task's outstanding checkpoints, backing
// GET /tasks/{id}/checkpoints/pending.
func (u *UseCases) PendingCheckpoints(ctx context.Context, taskID string) ([]*domain.Checkpoint, error) {
	return u.checkpoints.PendingCheckpoints(ctx, taskID)
}
