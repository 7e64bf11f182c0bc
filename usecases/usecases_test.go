package usecases

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtopus/fluxos-sub009/checkpoint"
	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
	"github.com/fluxtopus/fluxos-sub009/eventbus"
	"github.com/fluxtopus/fluxos-sub009/orchestrator"
	"github.com/fluxtopus/fluxos-sub009/planner"
	"github.com/fluxtopus/fluxos-sub009/store"
)

type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func newFakeTaskStore() *fakeTaskStore { return &fakeTaskStore{tasks: map[string]*domain.Task{}} }

func (f *fakeTaskStore) seed(t *domain.Task) { f.tasks[t.ID] = t }

func (f *fakeTaskStore) CreateTask(_ context.Context, t *domain.Task) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t.Clone()
	return t.Clone(), nil
}
func (f *fakeTaskStore) GetTask(_ context.Context, id string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, core.NewError("get", core.KindNotFound, id, core.ErrTaskNotFound)
	}
	return t.Clone(), nil
}
func (f *fakeTaskStore) UpdateTask(_ context.Context, id string, _ int64, fields store.PartialFields) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, core.NewError("update", core.KindNotFound, id, core.ErrTaskNotFound)
	}
	if fields.Status != nil {
		t.Status = *fields.Status
	}
	if fields.Steps != nil {
		t.Steps = fields.Steps
	}
	if fields.Metadata != nil {
		t.Metadata = fields.Metadata
	}
	t.Version++
	return t.Clone(), nil
}
func (f *fakeTaskStore) ListTasks(_ context.Context, _ store.ListFilter) (store.Page, error) {
	return store.Page{}, nil
}
func (f *fakeTaskStore) DeleteTask(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	return nil
}
func (f *fakeTaskStore) UpdateStepStatus(_ context.Context, taskID, stepID string, newStatus domain.StepStatus, output map[string]interface{}, stepErr *domain.StepError) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, core.NewError("updateStep", core.KindNotFound, taskID, core.ErrTaskNotFound)
	}
	for i := range t.Steps {
		if t.Steps[i].ID == stepID {
			t.Steps[i].Status = newStatus
			if output != nil {
				t.Steps[i].Output = output
			}
			t.Steps[i].Error = stepErr
		}
	}
	t.Version++
	return t.Clone(), nil
}
func (f *fakeTaskStore) SavePreference(_ context.Context, _ *domain.UserPreference) error { return nil }
func (f *fakeTaskStore) FindPreference(_ context.Context, _ string, _ domain.PreferenceScope, _, _ string) (*domain.UserPreference, error) {
	return nil, core.NewError("find", core.KindNotFound, "", core.ErrCheckpointNotFound)
}
func (f *fakeTaskStore) SavePluginExecution(_ context.Context, _ *domain.PluginExecutionRecord) error {
	return nil
}
func (f *fakeTaskStore) AcquireLease(_ context.Context, _, _ string) (bool, error) { return true, nil }
func (f *fakeTaskStore) RenewLease(_ context.Context, _, _ string) (bool, error)   { return true, nil }
func (f *fakeTaskStore) ReleaseLease(_ context.Context, _, _ string) error         { return nil }
func (f *fakeTaskStore) Close() error                                             { return nil }

type fakeCheckpointStore struct {
	mu    sync.Mutex
	byKey map[string]*domain.Checkpoint
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{byKey: map[string]*domain.Checkpoint{}}
}
func cpKey(taskID, stepID string) string { return taskID + "/" + stepID }
func (f *fakeCheckpointStore) GetCheckpoint(_ context.Context, taskID, stepID string) (*domain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.byKey[cpKey(taskID, stepID)]
	if !ok {
		return nil, core.NewError("get", core.KindNotFound, stepID, core.ErrCheckpointNotFound)
	}
	return cp, nil
}
func (f *fakeCheckpointStore) PutCheckpoint(_ context.Context, cp *domain.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byKey[cpKey(cp.TaskID, cp.StepID)] = cp
	return nil
}
func (f *fakeCheckpointStore) PendingCheckpoints(_ context.Context, _ string) ([]*domain.Checkpoint, error) {
	return nil, nil
}
func (f *fakeCheckpointStore) AllPendingAcrossTasks(_ context.Context) ([]*domain.Checkpoint, error) {
	return nil, nil
}
func (f *fakeCheckpointStore) SavePreference(_ context.Context, _ *domain.UserPreference) error {
	return nil
}
func (f *fakeCheckpointStore) FindPreference(_ context.Context, _ string, _ domain.PreferenceScope, _, _ string) (*domain.UserPreference, error) {
	return nil, core.NewError("find", core.KindNotFound, "", core.ErrCheckpointNotFound)
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeScheduler) ScheduleReadyNodes(_ context.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 0, nil
}

type fakePlanner struct{}

func (fakePlanner) Plan(_ context.Context, _ planner.Request) ([]domain.Step, error)        { return nil, nil }
func (fakePlanner) Replan(_ context.Context, _ planner.ReplanRequest) ([]domain.Step, error) { return nil, nil }

type fakeCaps struct{}

func (fakeCaps) List() []domain.PluginDefinition { return nil }

func testTask(id string, status domain.TaskStatus, steps []domain.Step) *domain.Task {
	return &domain.Task{ID: id, Status: status, Goal: "demo", Steps: steps, Version: 1, Metadata: map[string]string{}}
}

func newTestUseCases(t *testing.T, ts *fakeTaskStore, cpStore *fakeCheckpointStore, sched *fakeScheduler) *UseCases {
	t.Helper()
	bus := eventbus.New(16, core.NoOpLogger{})
	mgr := checkpoint.New(cpStore, bus, core.NoOpLogger{})
	orch := orchestrator.New(ts, sched, fakePlanner{}, mgr, fakeCaps{}, bus, core.NoOpLogger{})
	return New(ts, mgr, orch, sched, core.NoOpLogger{})
}

func TestCreateTaskPersistsDraftWithoutAutoStart(t *testing.T) {
	ts := newFakeTaskStore()
	uc := newTestUseCases(t, ts, newFakeCheckpointStore(), &fakeScheduler{})

	task, err := uc.CreateTask(context.Background(), domain.Owner{UserID: "u1"}, "demo goal", domain.Constraints{}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskDraft, task.Status)
	assert.NotEmpty(t, task.ID)
}

func TestCreateTaskWithAutoStartPlansAndRuns(t *testing.T) {
	ts := newFakeTaskStore()
	sched := &fakeScheduler{}
	uc := newTestUseCases(t, ts, newFakeCheckpointStore(), sched)

	task, err := uc.CreateTask(context.Background(), domain.Owner{UserID: "u1"}, "demo goal", domain.Constraints{}, nil, true)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, task.Status)
	assert.Equal(t, 1, sched.calls)
}

func TestStartTaskRejectsTerminalTask(t *testing.T) {
	ts := newFakeTaskStore()
	ts.seed(testTask("t1", domain.TaskCompleted, nil))
	uc := newTestUseCases(t, ts, newFakeCheckpointStore(), &fakeScheduler{})

	_, err := uc.StartTask(context.Background(), "t1")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestResumeCheckpointApprovalSucceedsStepAndSchedules(t *testing.T) {
	ts := newFakeTaskStore()
	ts.seed(testTask("t1", domain.TaskRunning, []domain.Step{
		{ID: "s1", Status: domain.StepWaitingApproval},
	}))
	cpStore := newFakeCheckpointStore()
	cpStore.byKey[cpKey("t1", "s1")] = &domain.Checkpoint{TaskID: "t1", StepID: "s1", Decision: domain.DecisionPending}
	sched := &fakeScheduler{}
	uc := newTestUseCases(t, ts, cpStore, sched)

	task, err := uc.ResumeCheckpoint(context.Background(), "t1", "s1", domain.DecisionApproved, "looks good", false)
	require.NoError(t, err)
	require.Len(t, task.Steps, 1)
	assert.Equal(t, domain.StepSucceeded, task.Steps[0].Status)
	assert.Equal(t, 1, sched.calls)
}

func TestResumeCheckpointRejectionFailsStep(t *testing.T) {
	ts := newFakeTaskStore()
	ts.seed(testTask("t1", domain.TaskRunning, []domain.Step{
		{ID: "s1", Status: domain.StepWaitingApproval},
	}))
	cpStore := newFakeCheckpointStore()
	cpStore.byKey[cpKey("t1", "s1")] = &domain.Checkpoint{TaskID: "t1", StepID: "s1", Decision: domain.DecisionPending}
	uc := newTestUseCases(t, ts, cpStore, &fakeScheduler{})

	task, err := uc.ResumeCheckpoint(context.Background(), "t1", "s1", domain.DecisionRejected, "no", false)
	require.NoError(t, err)
	require.Len(t, task.Steps, 1)
	assert.Equal(t, domain.StepFailed, task.Steps[0].Status)
	require.NotNil(t, task.Steps[0].Error)
	assert.Equal(t, string(core.KindForbidden), task.Steps[0].Error.Kind)
}

func TestLinkConversationRecordsMetadata(t *testing.T) {
	ts := newFakeTaskStore()
	ts.seed(testTask("t1", domain.TaskRunning, nil))
	uc := newTestUseCases(t, ts, newFakeCheckpointStore(), &fakeScheduler{})

	task, err := uc.LinkConversation(context.Background(), "t1", "conv-123")
	require.NoError(t, err)
	assert.Equal(t, "conv-123", task.Metadata["conversation_id"])
}

func TestCancelTaskDelegatesToOrchestrator(t *testing.T) {
	ts := newFakeTaskStore()
	ts.seed(testTask("t1", domain.TaskRunning, []domain.Step{{ID: "s1", Status: domain.StepWaitingApproval}}))
	cpStore := newFakeCheckpointStore()
	cpStore.byKey[cpKey("t1", "s1")] = &domain.Checkpoint{TaskID: "t1", StepID: "s1", Decision: domain.DecisionPending}
	uc := newTestUseCases(t, ts, cpStore, &fakeScheduler{})

	task, err := uc.CancelTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, task.Status)
}
