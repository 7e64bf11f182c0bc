package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
	"github.com/fluxtopus/fluxos-sub009/eventbus"
	"github.com/fluxtopus/fluxos-sub009/store"
)

type fakeUseCases struct {
	tasks map[string]*domain.Task
	cps   map[string][]*domain.Checkpoint
}

func newFakeUseCases() *fakeUseCases {
	return &fakeUseCases{tasks: map[string]*domain.Task{}, cps: map[string][]*domain.Checkpoint{}}
}

func (f *fakeUseCases) CreateTask(_ context.Context, owner domain.Owner, goal string, constraints domain.Constraints, _ []string, _ bool) (*domain.Task, error) {
	task := &domain.Task{ID: "t1", Owner: owner, Goal: goal, Constraints: constraints, Status: domain.TaskDraft, Metadata: map[string]string{}}
	f.tasks[task.ID] = task
	return task, nil
}
func (f *fakeUseCases) StartTask(_ context.Context, taskID string) (*domain.Task, error) {
	return f.tasks[taskID], nil
}
func (f *fakeUseCases) ResumeCheckpoint(_ context.Context, taskID, stepID string, decision domain.CheckpointDecision, _ string, _ bool) (*domain.Task, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, core.NewError("resolve", core.KindNotFound, taskID, core.ErrTaskNotFound)
	}
	_ = stepID
	_ = decision
	return t, nil
}
func (f *fakeUseCases) CancelTask(_ context.Context, taskID string) (*domain.Task, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, core.NewError("cancel", core.KindNotFound, taskID, core.ErrTaskNotFound)
	}
	t.Status = domain.TaskCancelled
	return t, nil
}
func (f *fakeUseCases) LinkConversation(_ context.Context, taskID, conversationID string) (*domain.Task, error) {
	t := f.tasks[taskID]
	t.Metadata["conversation_id"] = conversationID
	return t, nil
}
func (f *fakeUseCases) GetTask(_ context.Context, taskID string) (*domain.Task, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, core.NewError("get", core.KindNotFound, taskID, core.ErrTaskNotFound)
	}
	return t, nil
}
func (f *fakeUseCases) ListTasks(_ context.Context, _ store.ListFilter) (store.Page, error) {
	var items []*domain.Task
	for _, t := range f.tasks {
		items = append(items, t)
	}
	return store.Page{Items: items}, nil
}
func (f *fakeUseCases) PendingCheckpoints(_ context.Context, taskID string) ([]*domain.Checkpoint, error) {
	return f.cps[taskID], nil
}

type fakeCaps struct{ defs []domain.PluginDefinition }

func (f fakeCaps) List() []domain.PluginDefinition { return f.defs }

func newTestServer(uc *fakeUseCases) (*Server, *http.ServeMux) {
	bus := eventbus.New(16, core.NoOpLogger{})
	srv := New(uc, nil, bus, fakeCaps{defs: []domain.PluginDefinition{{Namespace: "http.get"}}}, core.NoOpLogger{})
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	return srv, mux
}

func TestCreateTaskReturns201(t *testing.T) {
	uc := newFakeUseCases()
	_, mux := newTestServer(uc)

	body, _ := json.Marshal(createTaskRequest{Goal: "do the thing"})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	task := resp["task"].(map[string]interface{})
	assert.Equal(t, "do the thing", task["goal"])
}

func TestCreateTaskMissingGoalReturns400(t *testing.T) {
	_, mux := newTestServer(newFakeUseCases())

	body, _ := json.Marshal(createTaskRequest{})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskNotFoundReturns404(t *testing.T) {
	_, mux := newTestServer(newFakeUseCases())

	req := httptest.NewRequest(http.MethodGet, "/tasks/nope", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	errBody := resp["error"].(map[string]interface{})
	assert.Equal(t, string(core.KindNotFound), errBody["kind"])
}

func TestCancelTaskReturns202(t *testing.T) {
	uc := newFakeUseCases()
	uc.tasks["t1"] = &domain.Task{ID: "t1", Status: domain.TaskRunning, Metadata: map[string]string{}}
	_, mux := newTestServer(uc)

	req := httptest.NewRequest(http.MethodPost, "/tasks/t1/cancel", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, domain.TaskCancelled, uc.tasks["t1"].Status)
}

func TestResolveCheckpointRoutesToStepID(t *testing.T) {
	uc := newFakeUseCases()
	uc.tasks["t1"] = &domain.Task{ID: "t1", Status: domain.TaskRunning, Metadata: map[string]string{}}
	_, mux := newTestServer(uc)

	body, _ := json.Marshal(resolveCheckpointRequest{Decision: domain.DecisionApproved})
	req := httptest.NewRequest(http.MethodPost, "/tasks/t1/steps/s1/checkpoint/resolve", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCapabilitiesListsPlugins(t *testing.T) {
	_, mux := newTestServer(newFakeUseCases())

	req := httptest.NewRequest(http.MethodGet, "/capabilities/plugins", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	items := resp["items"].([]interface{})
	require.Len(t, items, 1)
}

func TestUnknownSubrouteReturns404(t *testing.T) {
	_, mux := newTestServer(newFakeUseCases())

	req := httptest.NewRequest(http.MethodGet, "/tasks/t1/nonsense", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
