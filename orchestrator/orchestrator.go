// Package orchestrator implements the Orchestrator (C8): the task-level
// state machine driving DRAFT through PLANNING/READY/RUNNING to a
// terminal state, reacting to step and checkpoint events from the bus
// the way original_source's TaskOrchestratorAdapter composes an
// observer, planner, and step dispatcher around its own state (spec
// §4.8). Grounded on itsneelabh-gomind/orchestration/interfaces.go's
// Orchestrator/Executor interfaces for the method shape.
package orchestrator

import (
	"context"
	"strconv"
	"time"

	"github.com/fluxtopus/fluxos-sub009/checkpoint"
	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
	"github.com/fluxtopus/fluxos-sub009/eventbus"
	"github.com/fluxtopus/fluxos-sub009/planner"
	"github.com/fluxtopus/fluxos-sub009/store"
)

const replanCursorKey = "_replan_cursor"

// Scheduling is the slice of C7 the orchestrator depends on.
type Scheduling interface {
	ScheduleReadyNodes(ctx context.Context, taskID string) (int, error)
	CancelTask(ctx context.Context, taskID string)
}

// CapabilityLister supplies the plugin catalogue a plan is validated
// and rendered against. Satisfied by *plugin.Registry.
type CapabilityLister interface {
	List() []domain.PluginDefinition
}

// Orchestrator is the C8 implementation.
type Orchestrator struct {
	store       store.TaskStore
	scheduler   Scheduling
	planner     planner.Planner
	checkpoints *checkpoint.Manager
	caps        CapabilityLister
	bus         *eventbus.Bus
	logger      core.Logger

	subStep       string
	subCheckpoint string
}

// New builds an Orchestrator.
func New(s store.TaskStore, sched Scheduling, p planner.Planner, cp *checkpoint.Manager, caps CapabilityLister, bus *eventbus.Bus, logger core.Logger) *Orchestrator {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Orchestrator{store: s, scheduler: sched, planner: p, checkpoints: cp, caps: caps, bus: bus, logger: logger}
}

// Run subscribes to the events that drive the state machine forward:
// step completion/failure triggers the next scheduling pass (and a
// replan check); checkpoint resolution triggers the next scheduling
// pass. Call once at process startup; cancel ctx to stop.
func (o *Orchestrator) Run(ctx context.Context) {
	stepID, stepCh := o.bus.Subscribe("task.step.*", nil, nil)
	cpID, cpCh := o.bus.Subscribe("task.checkpoint.resolved", nil, nil)
	o.subStep, o.subCheckpoint = stepID, cpID

	go func() {
		defer o.bus.Unsubscribe(stepID)
		defer o.bus.Unsubscribe(cpID)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-stepCh:
				if !ok {
					return
				}
				if ev.Type == domain.EventStepCompleted || ev.Type == domain.EventStepFailed {
					o.onStepTerminal(ctx, ev.TaskID)
				}
			case ev, ok := <-cpCh:
				if !ok {
					return
				}
				o.onCheckpointResolved(ctx, ev.TaskID)
			}
		}
	}()
}

// Start implements the DRAFT→PLANNING→READY→RUNNING transitions (spec
// §4.8): plans the task if it hasn't been planned yet, then runs the
// first scheduling pass. Idempotent past DRAFT/READY: a task already
// RUNNING (or beyond) is returned unchanged.
func (o *Orchestrator) Start(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if task.Status == domain.TaskDraft {
		task, err = o.plan(ctx, task)
		if err != nil {
			return nil, err
		}
		if task.Status == domain.TaskFailed {
			return task, nil
		}
	}

	if task.Status == domain.TaskReady {
		running := domain.TaskRunning
		task, err = o.store.UpdateTask(ctx, taskID, task.Version, store.PartialFields{Status: &running})
		if err != nil {
			return nil, err
		}
		if _, err := o.scheduler.ScheduleReadyNodes(ctx, taskID); err != nil {
			return nil, err
		}
		task, err = o.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		o.syncStatus(ctx, task)
	}

	return o.store.GetTask(ctx, taskID)
}

func (o *Orchestrator) plan(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	planning := domain.TaskPlanning
	task, err := o.store.UpdateTask(ctx, task.ID, task.Version, store.PartialFields{Status: &planning})
	if err != nil {
		return nil, err
	}

	var caps []domain.PluginDefinition
	if o.caps != nil {
		caps = o.caps.List()
	}
	steps, err := o.planner.Plan(ctx, planner.Request{
		Goal: task.Goal, Constraints: task.Constraints, Capabilities: caps, TaskID: task.ID,
	})
	if err != nil {
		failed := domain.TaskFailed
		kind := string(core.KindOf(err))
		msg := err.Error()
		return o.store.UpdateTask(ctx, task.ID, task.Version, store.PartialFields{
			Status: &failed, ErrorKind: &kind, ErrorMessage: &msg,
		})
	}

	ready := domain.TaskReady
	return o.store.UpdateTask(ctx, task.ID, task.Version, store.PartialFields{Status: &ready, Steps: steps})
}

// onStepTerminal reacts to a step reaching SUCCEEDED or FAILED: checks
// for a pending replan_requested finding first (spec §4.8
// RUNNING→REPLANNING), otherwise runs the next scheduling pass and
// re-derives task status.
func (o *Orchestrator) onStepTerminal(ctx context.Context, taskID string) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		o.logger.ErrorContext(ctx, "orchestrator: failed to load task on step event", map[string]interface{}{"task_id": taskID, "error": err.Error()})
		return
	}
	if task.Status.IsTerminal() {
		return
	}
	if o.maybeReplan(ctx, task) {
		return
	}
	if _, err := o.scheduler.ScheduleReadyNodes(ctx, taskID); err != nil {
		o.logger.ErrorContext(ctx, "orchestrator: scheduling pass failed", map[string]interface{}{"task_id": taskID, "error": err.Error()})
		return
	}
	task, err = o.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	o.syncStatus(ctx, task)
}

func (o *Orchestrator) onCheckpointResolved(ctx context.Context, taskID string) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil || task.Status.IsTerminal() {
		return
	}
	if _, err := o.scheduler.ScheduleReadyNodes(ctx, taskID); err != nil {
		o.logger.ErrorContext(ctx, "orchestrator: scheduling pass after checkpoint failed", map[string]interface{}{"task_id": taskID, "error": err.Error()})
		return
	}
	if task, err = o.store.GetTask(ctx, taskID); err == nil {
		o.syncStatus(ctx, task)
	}
}

// maybeReplan scans findings recorded since the last processed cursor
// for a replan_requested marker (spec §4.5/§4.8) and, if found, runs
// Replan and splices the result in.
func (o *Orchestrator) maybeReplan(ctx context.Context, task *domain.Task) bool {
	cursor := 0
	if v, ok := task.Metadata[replanCursorKey]; ok {
		cursor, _ = strconv.Atoi(v)
	}
	for i := cursor; i < len(task.Findings); i++ {
		if task.Findings[i].IsReplanRequest() {
			o.doReplan(ctx, task, task.Findings[i], i+1)
			return true
		}
	}
	return false
}

func (o *Orchestrator) doReplan(ctx context.Context, task *domain.Task, trigger domain.Finding, cursor int) {
	replanning := domain.TaskReplanning
	task, err := o.store.UpdateTask(ctx, task.ID, task.Version, store.PartialFields{Status: &replanning})
	if err != nil {
		o.logger.ErrorContext(ctx, "orchestrator: failed to enter REPLANNING", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		return
	}

	var caps []domain.PluginDefinition
	if o.caps != nil {
		caps = o.caps.List()
	}
	suffix, err := o.planner.Replan(ctx, planner.ReplanRequest{
		Task: task, TriggeringStep: trigger.SourceStepID, FindingsSince: []domain.Finding{trigger}, Capabilities: caps,
	})
	if err != nil {
		failed := domain.TaskFailed
		kind := string(core.KindOf(err))
		msg := err.Error()
		if _, uErr := o.store.UpdateTask(ctx, task.ID, task.Version, store.PartialFields{Status: &failed, ErrorKind: &kind, ErrorMessage: &msg}); uErr != nil {
			o.logger.ErrorContext(ctx, "orchestrator: failed to record replan failure", map[string]interface{}{"task_id": task.ID, "error": uErr.Error()})
		}
		return
	}

	merged := spliceReplan(task.Steps, suffix)
	running := domain.TaskRunning
	meta := cloneMeta(task.Metadata)
	meta[replanCursorKey] = strconv.Itoa(cursor)
	task, err = o.store.UpdateTask(ctx, task.ID, task.Version, store.PartialFields{Status: &running, Steps: merged, Metadata: meta})
	if err != nil {
		o.logger.ErrorContext(ctx, "orchestrator: failed to persist spliced plan", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		return
	}
	if _, err := o.scheduler.ScheduleReadyNodes(ctx, task.ID); err != nil {
		o.logger.ErrorContext(ctx, "orchestrator: scheduling pass after replan failed", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
	}
}

// spliceReplan implements the Open Question decision recorded in
// DESIGN.md: succeeded/skipped step outputs are preserved untouched;
// any not-yet-started step from the superseded plan is marked
// SUPERSEDED rather than deleted, and the new suffix is appended.
func spliceReplan(existing []domain.Step, suffix []domain.Step) []domain.Step {
	merged := make([]domain.Step, 0, len(existing)+len(suffix))
	for _, s := range existing {
		switch s.Status {
		case domain.StepSucceeded, domain.StepSkipped, domain.StepRunning, domain.StepFailed, domain.StepCancelled:
			merged = append(merged, s)
		default:
			s.Status = domain.StepSuperseded
			merged = append(merged, s)
		}
	}
	merged = append(merged, suffix...)
	return merged
}

func cloneMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// syncStatus derives the task-level status from step states (spec
// §4.8): COMPLETED when every step is SUCCEEDED/SKIPPED, FAILED when
// every step is terminal but not all succeeded/skipped, WAITING_APPROVAL
// when nothing is runnable but a checkpoint is pending, otherwise left
// as RUNNING.
func (o *Orchestrator) syncStatus(ctx context.Context, task *domain.Task) {
	if task.Status.IsTerminal() {
		return
	}
	if task.AllStepsSucceededOrSkipped() {
		completed := domain.TaskCompleted
		now := time.Now().UTC().UnixNano()
		if _, err := o.store.UpdateTask(ctx, task.ID, task.Version, store.PartialFields{Status: &completed, CompletedAt: &now}); err != nil {
			o.logger.ErrorContext(ctx, "orchestrator: failed to mark COMPLETED", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
			return
		}
		o.publish(task.ID, domain.EventTaskCompleted, nil)
		return
	}
	if task.AllStepsTerminal() {
		failed := domain.TaskFailed
		kind := string(core.KindInternal)
		msg := "one or more steps failed with no retries remaining"
		if _, err := o.store.UpdateTask(ctx, task.ID, task.Version, store.PartialFields{Status: &failed, ErrorKind: &kind, ErrorMessage: &msg}); err != nil {
			o.logger.ErrorContext(ctx, "orchestrator: failed to mark FAILED", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
			return
		}
		o.publish(task.ID, domain.EventTaskFailed, map[string]interface{}{"reason": msg})
		return
	}

	hasWaiting, hasRunnable := false, false
	for _, s := range task.Steps {
		if s.Status == domain.StepWaitingApproval {
			hasWaiting = true
		}
		if s.Status == domain.StepRunning || s.Status == domain.StepPending {
			hasRunnable = true
		}
	}
	switch {
	case hasWaiting && !hasRunnable && task.Status != domain.TaskWaitingApproval:
		waiting := domain.TaskWaitingApproval
		if _, err := o.store.UpdateTask(ctx, task.ID, task.Version, store.PartialFields{Status: &waiting}); err != nil {
			o.logger.ErrorContext(ctx, "orchestrator: failed to mark WAITING_APPROVAL", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		}
	case task.Status == domain.TaskWaitingApproval && (hasRunnable || !hasWaiting):
		running := domain.TaskRunning
		if _, err := o.store.UpdateTask(ctx, task.ID, task.Version, store.PartialFields{Status: &running}); err != nil {
			o.logger.ErrorContext(ctx, "orchestrator: failed to resume RUNNING", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		}
	}
}

// Cancel implements cancel_task (spec §4.9/§5): marks the task
// CANCELLED (so the scheduler's next admission pass refuses new
// steps — spec §4.7), rejects any pending checkpoint with reason
// "cancelled", and hands off to the scheduler's CancelTask so any
// already-RUNNING step is cancelled cooperatively and, after the
// CancelGrace window, force-marked CANCELLED if it hasn't finished.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}
	status := domain.TaskCancelled
	now := time.Now().UTC().UnixNano()
	task, err = o.store.UpdateTask(ctx, taskID, task.Version, store.PartialFields{
		Status: &status, CompletedAt: &now,
	})
	if err != nil {
		return nil, err
	}

	if o.checkpoints != nil {
		for _, s := range task.Steps {
			if s.Status != domain.StepWaitingApproval {
				continue
			}
			if _, err := o.checkpoints.ResolveCheckpoint(ctx, taskID, s.ID, "", "", "", domain.CheckpointResponse{
				Decision: domain.DecisionRejected, Feedback: "cancelled",
			}); err != nil {
				o.logger.WarnContext(ctx, "orchestrator: failed to reject checkpoint on cancel", map[string]interface{}{"task_id": taskID, "step_id": s.ID, "error": err.Error()})
			}
		}
	}
	if o.scheduler != nil {
		o.scheduler.CancelTask(ctx, taskID)
	}
	o.publish(taskID, domain.EventTaskCancelled, nil)
	return task, nil
}

func (o *Orchestrator) publish(taskID, eventType string, payload map[string]interface{}) {
	if o.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	o.bus.Publish(domain.Event{
		Source: "orchestrator", SourceType: domain.SourceComponent, Type: eventType,
		Timestamp: time.Now(), Payload: payload, TaskID: taskID,
	})
}
