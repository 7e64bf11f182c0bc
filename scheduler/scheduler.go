// Package scheduler implements the Scheduler (C7): computing each
// task's ready set under a per-task lease, gating on checkpoints and
// concurrency caps, admitting steps and dispatching them asynchronously
// through C6, and re-enqueuing retryable failures with backoff
// (spec §4.7). Grounded on itsneelabh-gomind/orchestration/interfaces.go's
// ExecutionOptions (MaxConcurrency/RetryAttempts/RetryDelay/StepTimeout
// shape) and spec.md §4.7's explicit algorithm.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxtopus/fluxos-sub009/checkpoint"
	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/dispatcher"
	"github.com/fluxtopus/fluxos-sub009/domain"
	"github.com/fluxtopus/fluxos-sub009/eventbus"
	"github.com/fluxtopus/fluxos-sub009/resilience"
	"github.com/fluxtopus/fluxos-sub009/store"
)

const cancellationGrace = 30 * time.Second

// Scheduler is the C7 implementation.
type Scheduler struct {
	store       store.TaskStore
	checkpoints *checkpoint.Manager
	dispatch    *dispatcher.Dispatcher
	bus         *eventbus.Bus
	logger      core.Logger

	ownerToken         string
	defaultConcurrency int
	defaultGroupCap    int
	workerPool         chan struct{}
	cancelGrace        time.Duration

	mu         sync.Mutex
	taskCancel map[string]context.CancelFunc
	taskCtx    map[string]context.Context
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithDefaultConcurrency overrides the task-level concurrency cap
// (spec §4.7 step 4, default 4).
func WithDefaultConcurrency(n int) Option {
	return func(s *Scheduler) { s.defaultConcurrency = n }
}

// WithDefaultGroupCap overrides the per-concurrency_group cap applied
// when a group is declared but carries no explicit limit (default 1).
func WithDefaultGroupCap(n int) Option {
	return func(s *Scheduler) { s.defaultGroupCap = n }
}

// WithCancellationGrace overrides the window a RUNNING step gets to
// finish cleanly after CancelTask before being force-marked CANCELLED
// (spec §5, default CancelGrace()). Exposed as an option so tests don't
// have to wait out the real 30s window.
func WithCancellationGrace(d time.Duration) Option {
	return func(s *Scheduler) { s.cancelGrace = d }
}

// WithWorkerPoolSize bounds the number of steps the scheduler dispatches
// concurrently across every task (spec §6's WORKER_POOL_SIZE, default
// 2xCPU) — distinct from the per-task/per-group caps, which only limit
// admission within one task's DAG.
func WithWorkerPoolSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workerPool = make(chan struct{}, n)
		}
	}
}

// New builds a Scheduler.
func New(s store.TaskStore, cp *checkpoint.Manager, d *dispatcher.Dispatcher, bus *eventbus.Bus, logger core.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	sch := &Scheduler{
		store: s, checkpoints: cp, dispatch: d, bus: bus, logger: logger,
		ownerToken: uuid.NewString(), defaultConcurrency: 4, defaultGroupCap: 1,
		cancelGrace: cancellationGrace,
		taskCancel:  map[string]context.CancelFunc{}, taskCtx: map[string]context.Context{},
	}
	for _, opt := range opts {
		opt(sch)
	}
	return sch
}

// ScheduleReadyNodes is the C7 entrypoint (spec §4.7). It returns the
// count of steps moved from READY to RUNNING this pass. Called by the
// orchestrator at task start, after every step completion, and after
// every checkpoint resolution.
func (s *Scheduler) ScheduleReadyNodes(ctx context.Context, taskID string) (int, error) {
	acquired, err := s.store.AcquireLease(ctx, taskID, s.ownerToken)
	if err != nil {
		return 0, err
	}
	if !acquired {
		s.logger.DebugContext(ctx, "scheduling pass skipped, lease held elsewhere", map[string]interface{}{"task_id": taskID})
		return 0, nil
	}
	defer func() {
		if relErr := s.store.ReleaseLease(ctx, taskID, s.ownerToken); relErr != nil {
			s.logger.WarnContext(ctx, "failed to release task lease", map[string]interface{}{"task_id": taskID, "error": relErr.Error()})
		}
	}()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if task.Status.IsTerminal() {
		// spec §4.7: the scheduler observes cancellation (and any other
		// terminal status) between admissions and stops admitting new
		// steps; already-RUNNING steps are handled by CancelTask's grace
		// window, not by this pass.
		return 0, nil
	}

	if limit := task.Constraints.TimeLimitSeconds; limit != nil {
		if time.Since(task.CreatedAt) > time.Duration(*limit)*time.Second {
			return s.refuseExpiredTask(ctx, task)
		}
	}

	if err := s.cascadeDependencyFailures(ctx, task); err != nil {
		return 0, err
	}

	admitted := 0
	runningCount, groupCounts := s.currentLoad(task)

	for _, step := range s.orderedReadySteps(task) {
		if step.Kind == domain.StepKindCheckpoint {
			if err := s.gateCheckpoint(ctx, task, step); err != nil {
				s.logger.ErrorContext(ctx, "checkpoint gating failed", map[string]interface{}{
					"task_id": taskID, "step_id": step.ID, "error": err.Error(),
				})
			}
			continue
		}

		if runningCount >= s.taskConcurrencyCap(task) {
			continue
		}
		groupCap := s.groupCap(step)
		if step.ConcurrencyGroup != "" && groupCounts[step.ConcurrencyGroup] >= groupCap {
			continue
		}

		if _, err := s.store.UpdateStepStatus(ctx, taskID, step.ID, domain.StepRunning, nil, nil); err != nil {
			s.logger.ErrorContext(ctx, "failed to admit step", map[string]interface{}{"task_id": taskID, "step_id": step.ID, "error": err.Error()})
			continue
		}
		s.publish(taskID, domain.EventStepStarted, step.ID, nil)

		runningCount++
		if step.ConcurrencyGroup != "" {
			groupCounts[step.ConcurrencyGroup]++
		}
		admitted++

		stepCopy := step
		go s.dispatchBounded(s.taskContext(taskID), taskID, stepCopy)
	}

	return admitted, nil
}

// refuseExpiredTask implements spec §5's task-wide time budget
// (constraints.time_limit_seconds): once elapsed, no further step is
// admitted; once the currently-RUNNING steps have drained, the task is
// failed outright rather than left to finish on its own.
func (s *Scheduler) refuseExpiredTask(ctx context.Context, task *domain.Task) (int, error) {
	runningCount, _ := s.currentLoad(task)
	if runningCount > 0 {
		return 0, nil
	}
	failed := domain.TaskFailed
	kind := string(core.KindInternal)
	msg := "task-wide time_limit_seconds exceeded"
	if _, err := s.store.UpdateTask(ctx, task.ID, task.Version, store.PartialFields{
		Status: &failed, ErrorKind: &kind, ErrorMessage: &msg,
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to fail task after time limit exceeded", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		return 0, err
	}
	s.publish(task.ID, domain.EventTaskFailed, "", map[string]interface{}{"reason": msg})
	return 0, nil
}

// taskContext returns the cancellable context steps of taskID are
// dispatched with, creating one on first use. CancelTask cancels it to
// signal every in-flight step of that task to stop cooperatively.
func (s *Scheduler) taskContext(taskID string) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx, ok := s.taskCtx[taskID]; ok {
		return ctx
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.taskCtx[taskID] = ctx
	s.taskCancel[taskID] = cancel
	return ctx
}

// dispatchBounded runs runStep, first acquiring a slot from the
// process-wide worker pool if one is configured (WithWorkerPoolSize).
// Without one, dispatch is unbounded except by each task's own caps.
func (s *Scheduler) dispatchBounded(ctx context.Context, taskID string, step domain.Step) {
	if s.workerPool != nil {
		s.workerPool <- struct{}{}
		defer func() { <-s.workerPool }()
	}
	s.runStep(ctx, taskID, step)
}

// CancelTask implements the scheduler-side half of cancel_task (spec
// §4.7/§5): it cancels the per-task dispatch context so any in-flight
// step observes ctx.Done() immediately, then after CancelGrace()
// elapses force-marks any step still RUNNING as CANCELLED — covering
// plugin/agent calls that don't return promptly on context
// cancellation. ScheduleReadyNodes itself refuses to admit further
// steps as soon as the task's persisted status turns terminal, so the
// only steps left to resolve here are ones already dispatched.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) {
	s.mu.Lock()
	if cancel, ok := s.taskCancel[taskID]; ok {
		cancel()
	}
	s.mu.Unlock()

	time.AfterFunc(s.cancelGrace, func() {
		s.forceCancelRunningSteps(context.Background(), taskID)
		s.mu.Lock()
		delete(s.taskCancel, taskID)
		delete(s.taskCtx, taskID)
		s.mu.Unlock()
	})
}

// forceCancelRunningSteps marks every still-RUNNING step of taskID
// CANCELLED; called once CancelGrace has elapsed since CancelTask.
func (s *Scheduler) forceCancelRunningSteps(ctx context.Context, taskID string) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.logger.ErrorContext(ctx, "cancel grace: failed to reload task", map[string]interface{}{"task_id": taskID, "error": err.Error()})
		return
	}
	for _, st := range task.Steps {
		if st.Status != domain.StepRunning {
			continue
		}
		if _, err := s.store.UpdateStepStatus(ctx, taskID, st.ID, domain.StepCancelled, nil, nil); err != nil {
			s.logger.ErrorContext(ctx, "cancel grace: failed to force-cancel step", map[string]interface{}{"task_id": taskID, "step_id": st.ID, "error": err.Error()})
			continue
		}
		s.publish(taskID, domain.EventStepCancelled, st.ID, nil)
	}
}

// runStep dispatches one admitted step through C6 and records the
// terminal outcome, re-enqueuing retryable failures with backoff
// (spec §4.7 "Retries").
func (s *Scheduler) runStep(ctx context.Context, taskID string, step domain.Step) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.logger.ErrorContext(ctx, "runStep: failed to reload task", map[string]interface{}{"task_id": taskID, "step_id": step.ID, "error": err.Error()})
		return
	}

	output, runErr := s.dispatch.Dispatch(ctx, task, &step)
	if runErr == nil {
		if _, err := s.store.UpdateStepStatus(ctx, taskID, step.ID, domain.StepSucceeded, output, nil); err != nil {
			s.logger.ErrorContext(ctx, "failed to record step success", map[string]interface{}{"task_id": taskID, "step_id": step.ID, "error": err.Error()})
		}
		s.publish(taskID, domain.EventStepCompleted, step.ID, map[string]interface{}{"output": output})
		return
	}

	if ctx.Err() != nil {
		// the per-task context was cancelled out from under this step
		// (CancelTask); record CANCELLED rather than FAILED/retrying.
		if _, err := s.store.UpdateStepStatus(context.Background(), taskID, step.ID, domain.StepCancelled, nil, nil); err != nil {
			s.logger.ErrorContext(context.Background(), "failed to record step cancellation", map[string]interface{}{"task_id": taskID, "step_id": step.ID, "error": err.Error()})
		}
		s.publish(taskID, domain.EventStepCancelled, step.ID, nil)
		return
	}

	kind := core.KindOf(runErr)
	stepErr := &domain.StepError{Kind: string(kind), Message: runErr.Error()}

	if core.IsRetryable(runErr) {
		policy := retryPolicyFor(step.RetryPolicy)
		attempt := step.Attempt + 1
		if !policy.ExhaustsAttempts(attempt) {
			delay := policy.Delay(attempt)
			s.logger.WarnContext(ctx, "step failed, retrying with backoff", map[string]interface{}{
				"task_id": taskID, "step_id": step.ID, "attempt": attempt, "delay_ms": delay.Milliseconds(),
			})
			time.AfterFunc(delay, func() {
				// reset to PENDING and persist the attempt count so the
				// next failure is measured against the policy's budget
				cur, err := s.store.GetTask(context.Background(), taskID)
				if err == nil {
					steps := append([]domain.Step(nil), cur.Steps...)
					for i := range steps {
						if steps[i].ID == step.ID {
							steps[i].Status, steps[i].Attempt, steps[i].Error = domain.StepPending, attempt, nil
						}
					}
					_, err = s.store.UpdateTask(context.Background(), taskID, cur.Version, store.PartialFields{Steps: steps})
				}
				if err != nil {
					s.logger.ErrorContext(context.Background(), "failed to re-enqueue step", map[string]interface{}{"task_id": taskID, "step_id": step.ID, "error": err.Error()})
					return
				}
				if _, err := s.ScheduleReadyNodes(context.Background(), taskID); err != nil {
					s.logger.ErrorContext(context.Background(), "retry scheduling pass failed", map[string]interface{}{"task_id": taskID, "error": err.Error()})
				}
			})
			return
		}
	}

	if _, err := s.store.UpdateStepStatus(ctx, taskID, step.ID, domain.StepFailed, nil, stepErr); err != nil {
		s.logger.ErrorContext(ctx, "failed to record step failure", map[string]interface{}{"task_id": taskID, "step_id": step.ID, "error": err.Error()})
	}
	s.publish(taskID, domain.EventStepFailed, step.ID, map[string]interface{}{"error": stepErr.Message, "kind": stepErr.Kind})
}

func retryPolicyFor(rp domain.RetryPolicy) resilience.RetryPolicy {
	policy := resilience.DefaultRetryPolicy()
	if rp.MaxAttempts > 0 {
		policy.MaxAttempts = rp.MaxAttempts
	}
	if rp.InitialDelay > 0 {
		policy.InitialDelay = time.Duration(rp.InitialDelay * float64(time.Second))
	}
	if rp.Multiplier > 0 {
		policy.Multiplier = rp.Multiplier
	}
	if rp.MaxDelay > 0 {
		policy.MaxDelay = time.Duration(rp.MaxDelay * float64(time.Second))
	}
	return policy
}

// gateCheckpoint handles a READY checkpoint-kind step: create the
// checkpoint (idempotent no-op if one already exists), attempt an
// auto-decide, and set the step's terminal/suspended status from the
// current decision (spec §4.7 step 3).
func (s *Scheduler) gateCheckpoint(ctx context.Context, task *domain.Task, step domain.Step) error {
	cp, err := s.checkpoints.GetCheckpoint(ctx, task.ID, step.ID)
	if err != nil {
		return err
	}
	if cp == nil {
		if step.Checkpoint == nil {
			return core.NewErrorf("scheduler.gateCheckpoint", core.KindInvalidInput, "step %q has no checkpoint descriptor", step.ID)
		}
		cp, err = s.checkpoints.CreateCheckpoint(ctx, task.ID, step.ID, *step.Checkpoint, 24*time.Hour)
		if err != nil {
			return err
		}
		taskType := task.Metadata["task_type"]
		agentType := step.AgentSpec
		if decided, err := s.checkpoints.TryAutoDecide(ctx, task.Owner.UserID, task.ID, taskType, agentType, cp); err == nil && decided != nil {
			cp = decided
		}
	}

	switch cp.Decision {
	case domain.DecisionPending:
		_, err = s.store.UpdateStepStatus(ctx, task.ID, step.ID, domain.StepWaitingApproval, nil, nil)
		return err
	case domain.DecisionApproved, domain.DecisionAutoApproved:
		_, err = s.store.UpdateStepStatus(ctx, task.ID, step.ID, domain.StepSucceeded, map[string]interface{}{"decision": string(cp.Decision)}, nil)
		return err
	case domain.DecisionRejected:
		_, err = s.store.UpdateStepStatus(ctx, task.ID, step.ID, domain.StepFailed, nil, &domain.StepError{Kind: string(core.KindForbidden), Message: "checkpoint rejected"})
		return err
	case domain.DecisionExpired:
		_, err = s.store.UpdateStepStatus(ctx, task.ID, step.ID, domain.StepFailed, nil, &domain.StepError{Kind: string(core.KindCheckpointExpired), Message: "checkpoint expired"})
		return err
	}
	return nil
}

// cascadeDependencyFailures marks any PENDING step whose dependency set
// contains a FAILED or SKIPPED step as BLOCKED, unless the step itself
// declares on_dep_failure: skip, in which case it is SKIPPED instead
// (propagating the cascade to its own dependents on the next pass),
// per spec §4.7 step 2.
func (s *Scheduler) cascadeDependencyFailures(ctx context.Context, task *domain.Task) error {
	byID := map[string]domain.Step{}
	for _, st := range task.Steps {
		byID[st.ID] = st
	}
	for _, st := range task.Steps {
		if st.Status != domain.StepPending {
			continue
		}
		hasFailedDep := false
		for _, dep := range st.DependsOn {
			d, ok := byID[dep]
			if !ok {
				continue
			}
			if d.Status == domain.StepFailed || d.Status == domain.StepSkipped || d.Status == domain.StepCancelled {
				hasFailedDep = true
				break
			}
		}
		if !hasFailedDep {
			continue
		}
		newStatus := domain.StepBlocked
		if st.OnDepFailure == domain.OnDepFailureSkip {
			newStatus = domain.StepSkipped
		}
		updated, err := s.store.UpdateStepStatus(ctx, task.ID, st.ID, newStatus, nil, nil)
		if err != nil {
			return err
		}
		task.Steps = updated.Steps
		byID[st.ID] = *updated.StepByID(st.ID)
	}
	return nil
}

// orderedReadySteps returns PENDING steps whose dependencies are all
// SUCCEEDED, in topological order, ties broken by declared priority
// (descending) then step id lexicographic (spec §4.7 "Fairness").
func (s *Scheduler) orderedReadySteps(task *domain.Task) []domain.Step {
	byID := map[string]domain.Step{}
	for _, st := range task.Steps {
		byID[st.ID] = st
	}
	var ready []domain.Step
	for _, st := range task.Steps {
		if st.Status != domain.StepPending {
			continue
		}
		allSucceeded := true
		for _, dep := range st.DependsOn {
			d, ok := byID[dep]
			if !ok || d.Status != domain.StepSucceeded {
				allSucceeded = false
				break
			}
		}
		if allSucceeded {
			ready = append(ready, st)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

func (s *Scheduler) currentLoad(task *domain.Task) (int, map[string]int) {
	running := 0
	groups := map[string]int{}
	for _, st := range task.Steps {
		if st.Status != domain.StepRunning {
			continue
		}
		running++
		if st.ConcurrencyGroup != "" {
			groups[st.ConcurrencyGroup]++
		}
	}
	return running, groups
}

func (s *Scheduler) taskConcurrencyCap(task *domain.Task) int {
	return s.defaultConcurrency
}

func (s *Scheduler) groupCap(step domain.Step) int {
	return s.defaultGroupCap
}

func (s *Scheduler) publish(taskID, eventType, stepID string, payload map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["step_id"] = stepID
	s.bus.Publish(domain.Event{
		Source: "scheduler", SourceType: domain.SourceComponent, Type: eventType,
		Timestamp: time.Now(), Payload: payload, TaskID: taskID,
	})
}

// CancelGrace is the window running steps get to finish cleanly before
// being force-marked CANCELLED (spec §5 "Cancellation").
func CancelGrace() time.Duration { return cancellationGrace }
