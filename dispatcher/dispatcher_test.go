package dispatcher

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtopus/fluxos-sub009/checkpoint"
	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
	"github.com/fluxtopus/fluxos-sub009/eventbus"
	"github.com/fluxtopus/fluxos-sub009/plugin"
)

type fakeCheckpointStore struct {
	byKey map[string]*domain.Checkpoint
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{byKey: map[string]*domain.Checkpoint{}}
}

func key(taskID, stepID string) string { return taskID + "/" + stepID }

func (f *fakeCheckpointStore) GetCheckpoint(_ context.Context, taskID, stepID string) (*domain.Checkpoint, error) {
	cp, ok := f.byKey[key(taskID, stepID)]
	if !ok {
		return nil, core.NewError("get", core.KindNotFound, stepID, core.ErrCheckpointNotFound)
	}
	return cp, nil
}

func (f *fakeCheckpointStore) PutCheckpoint(_ context.Context, cp *domain.Checkpoint) error {
	f.byKey[key(cp.TaskID, cp.StepID)] = cp
	return nil
}

func (f *fakeCheckpointStore) PendingCheckpoints(_ context.Context, taskID string) ([]*domain.Checkpoint, error) {
	var out []*domain.Checkpoint
	for _, cp := range f.byKey {
		if cp.TaskID == taskID && cp.IsPending() {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (f *fakeCheckpointStore) AllPendingAcrossTasks(_ context.Context) ([]*domain.Checkpoint, error) {
	var out []*domain.Checkpoint
	for _, cp := range f.byKey {
		if cp.IsPending() {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (f *fakeCheckpointStore) SavePreference(_ context.Context, _ *domain.UserPreference) error { return nil }

func (f *fakeCheckpointStore) FindPreference(_ context.Context, _ string, _ domain.PreferenceScope, _, _ string) (*domain.UserPreference, error) {
	return nil, core.NewError("find", core.KindNotFound, "", core.ErrCheckpointNotFound)
}

type fakeDefStore struct{ defs map[string]domain.PluginDefinition }

func (f *fakeDefStore) ListPluginDefinitions(_ context.Context, origin domain.PluginOrigin) ([]domain.PluginDefinition, error) {
	var out []domain.PluginDefinition
	for _, d := range f.defs {
		if d.Origin == origin {
			out = append(out, d)
		}
	}
	return out, nil
}
func (f *fakeDefStore) UpsertPluginDefinition(_ context.Context, def domain.PluginDefinition) error {
	f.defs[def.Namespace] = def
	return nil
}
func (f *fakeDefStore) DeletePluginDefinition(_ context.Context, ns string) error {
	delete(f.defs, ns)
	return nil
}

type fakeExecStore struct{ records []*domain.PluginExecutionRecord }

func (f *fakeExecStore) SavePluginExecution(_ context.Context, rec *domain.PluginExecutionRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	reg := plugin.New(&fakeDefStore{defs: map[string]domain.PluginDefinition{}}, core.NoOpLogger{})
	plugin.RegisterBuiltins(reg, http.DefaultClient)
	executor := plugin.NewExecutor(reg, &fakeExecStore{}, core.NoOpLogger{})
	mgr := checkpoint.New(newFakeCheckpointStore(), eventbus.New(100, core.NoOpLogger{}), core.NoOpLogger{})
	return New(executor, mgr, nil, nil, eventbus.New(100, core.NoOpLogger{}), core.NoOpLogger{})
}

func TestDispatchResolvesReferencesIntoPlugin(t *testing.T) {
	d := newTestDispatcher(t)
	task := &domain.Task{
		ID: "t1",
		Steps: []domain.Step{
			{ID: "s1", Kind: domain.StepKindPlugin, PluginNamespace: "transform", Status: domain.StepSucceeded,
				Output: map[string]interface{}{"result": map[string]interface{}{"name": "ada"}}},
		},
	}
	step := &domain.Step{
		ID: "s2", Kind: domain.StepKindPlugin, PluginNamespace: "transform",
		Inputs: map[string]interface{}{
			"input":  "{{steps.s1.result}}",
			"fields": []interface{}{"name"},
		},
	}
	out, err := d.Dispatch(context.Background(), task, step)
	require.NoError(t, err)
	result := out["result"].(map[string]interface{})
	assert.Equal(t, "ada", result["name"])
}

func TestDispatchUnresolvedReferenceFails(t *testing.T) {
	d := newTestDispatcher(t)
	task := &domain.Task{ID: "t1"}
	step := &domain.Step{
		ID: "s2", Kind: domain.StepKindPlugin, PluginNamespace: "transform",
		Inputs: map[string]interface{}{"input": "{{steps.missing.result}}"},
	}
	_, err := d.Dispatch(context.Background(), task, step)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestDispatchBranchStep(t *testing.T) {
	d := newTestDispatcher(t)
	task := &domain.Task{ID: "t1", Goal: "check something"}
	step := &domain.Step{
		ID: "b1", Kind: domain.StepKindBranch,
		BranchExpr: `task.goal == "check something"`, BranchDefault: false,
	}
	out, err := d.Dispatch(context.Background(), task, step)
	require.NoError(t, err)
	assert.Equal(t, true, out["result"])
}

func TestDispatchCheckpointStep(t *testing.T) {
	d := newTestDispatcher(t)
	task := &domain.Task{ID: "t1"}
	step := &domain.Step{
		ID: "cp1", Kind: domain.StepKindCheckpoint,
		Checkpoint: &domain.CheckpointDescriptor{Prompt: "approve?", Type: domain.CheckpointApproval},
	}
	out, err := d.Dispatch(context.Background(), task, step)
	require.NoError(t, err)
	assert.Equal(t, "pending", out["decision"])
}
