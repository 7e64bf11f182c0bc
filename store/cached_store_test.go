package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
)

func newTestStore(t *testing.T) *CachedStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	durable, err := NewSQLTaskStore(db, "sqlite")
	require.NoError(t, err)

	return NewCachedStore(durable, newFakeCache(), core.NoOpLogger{})
}

func newTestTask(id string) *domain.Task {
	now := time.Now().UTC()
	return &domain.Task{
		ID:      id,
		Owner:   domain.Owner{UserID: "u1", OrganizationID: "org1"},
		Goal:    "test goal",
		Status:  domain.TaskPlanning,
		TreeID:  id,
		Steps: []domain.Step{
			{ID: "s1", Kind: domain.StepKindPlugin, PluginNamespace: "http.get", Status: domain.StepPending},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TestOptimisticConcurrency seeds S4: two writers racing on the same
// version; exactly one succeeds, the loser retries and succeeds next.
func TestOptimisticConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("t1")
	created, err := s.CreateTask(ctx, task)
	require.NoError(t, err)
	require.EqualValues(t, 1, created.Version)

	statusRunning := domain.TaskRunning
	_, err = s.UpdateTask(ctx, "t1", 1, PartialFields{Status: &statusRunning})
	require.NoError(t, err)

	// second writer still thinks version is 1 -> stale
	statusFailed := domain.TaskFailed
	_, err = s.UpdateTask(ctx, "t1", 1, PartialFields{Status: &statusFailed})
	require.Error(t, err)
	require.True(t, core.IsKind(err, core.KindStaleVersion))

	// loser re-reads and retries at the new version
	fresh, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.EqualValues(t, 2, fresh.Version)

	updated, err := s.UpdateTask(ctx, "t1", 2, PartialFields{Status: &statusFailed})
	require.NoError(t, err)
	require.EqualValues(t, 3, updated.Version)
	require.Equal(t, domain.TaskFailed, updated.Status)
}

func TestUpdateStepStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, newTestTask("t2"))
	require.NoError(t, err)

	updated, err := s.UpdateStepStatus(ctx, "t2", "s1", domain.StepSucceeded, map[string]interface{}{"json": "ok"}, nil)
	require.NoError(t, err)
	step := updated.StepByID("s1")
	require.NotNil(t, step)
	require.Equal(t, domain.StepSucceeded, step.Status)
	require.Equal(t, "ok", step.Output["json"])
}

func TestCacheWriteFailureInvalidatesInsteadOfRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateTask(ctx, newTestTask("t3"))
	require.NoError(t, err)

	// simulate a prior cache population, then a later cache write failure
	// on update: the durable write must still succeed and the cache must
	// end up invalidated (i.e. the next read repopulates from durable),
	// never a stale value.
	_, ok := s.cache.GetTask(ctx, "t3")
	require.True(t, ok)

	fc := s.cache.(*fakeCache)
	s.cache = failingSetCache{fc}
	running := domain.TaskRunning
	updated, err := s.UpdateTask(ctx, "t3", 1, PartialFields{Status: &running})
	require.NoError(t, err)
	require.EqualValues(t, 2, updated.Version)
	_, ok = fc.GetTask(ctx, "t3")
	require.False(t, ok)
}

// failingSetCache is a fakeCache whose writes always fail.
type failingSetCache struct{ *fakeCache }

func (failingSetCache) SetTask(context.Context, *domain.Task) error {
	return errors.New("cache unavailable")
}
