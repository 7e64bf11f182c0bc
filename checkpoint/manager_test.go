package checkpoint

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
	"github.com/fluxtopus/fluxos-sub009/eventbus"
	"github.com/fluxtopus/fluxos-sub009/store"
)

func newTestManager(t *testing.T) (*Manager, Store) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlStore, err := store.NewSQLTaskStore(db, "sqlite")
	require.NoError(t, err)

	bus := eventbus.New(100, core.NoOpLogger{})
	return New(sqlStore, bus, core.NoOpLogger{}), sqlStore
}

// TestAtMostOnePendingCheckpoint implements P2: a step can have at most
// one pending checkpoint at a time.
func TestAtMostOnePendingCheckpoint(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	desc := domain.CheckpointDescriptor{Prompt: "approve?", Type: domain.CheckpointApproval}
	_, err := mgr.CreateCheckpoint(ctx, "t1", "s1", desc, time.Hour)
	require.NoError(t, err)

	_, err = mgr.CreateCheckpoint(ctx, "t1", "s1", desc, time.Hour)
	require.Error(t, err)
	require.True(t, core.IsKind(err, core.KindInvalidInput))
}

// TestResolveCheckpointIdempotent implements L2: resolving an
// already-decided checkpoint with the identical response is a no-op that
// returns the prior decision rather than erroring.
func TestResolveCheckpointIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	desc := domain.CheckpointDescriptor{Prompt: "approve?", Type: domain.CheckpointApproval}
	_, err := mgr.CreateCheckpoint(ctx, "t1", "s1", desc, time.Hour)
	require.NoError(t, err)

	resp := domain.CheckpointResponse{Decision: domain.DecisionApproved}
	first, err := mgr.ResolveCheckpoint(ctx, "t1", "s1", "u1", "", "", resp)
	require.NoError(t, err)
	require.Equal(t, domain.DecisionApproved, first.Decision)

	second, err := mgr.ResolveCheckpoint(ctx, "t1", "s1", "u1", "", "", resp)
	require.NoError(t, err)
	require.Equal(t, domain.DecisionApproved, second.Decision)

	// a conflicting resolution on an already-decided checkpoint is rejected
	_, err = mgr.ResolveCheckpoint(ctx, "t1", "s1", "u1", "", "", domain.CheckpointResponse{Decision: domain.DecisionRejected})
	require.Error(t, err)
}

// TestLearnedPreferenceGeneralizesAcrossTasksViaTaskType implements
// spec §4.3's preference learning: a decision learned with learn=true
// on one task is found by try_auto_decide for a *different* task that
// shares the same task_type, once confidence clears the threshold.
func TestLearnedPreferenceGeneralizesAcrossTasksViaTaskType(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	desc := domain.CheckpointDescriptor{
		Prompt:      "approve?",
		Type:        domain.CheckpointApproval,
		PreviewData: map[string]interface{}{"action": "send_email"},
	}

	// learn the preference against one task, repeating the same agreeing
	// decision until the EMA(alpha=0.3) confidence clears the 0.85
	// auto-approve threshold (four agreeing updates from the 0.5 seed)
	for i := 0; i < 4; i++ {
		_, err := mgr.CreateCheckpoint(ctx, "t1", "s1", desc, time.Hour)
		require.NoError(t, err, "checkpoint %d", i)
		_, err = mgr.ResolveCheckpoint(ctx, "t1", "s1", "u1", "onboarding", "emailer",
			domain.CheckpointResponse{Decision: domain.DecisionApproved, Learn: true})
		require.NoError(t, err, "resolve %d", i)
	}

	// ...and confirm a checkpoint on an unrelated task of the same
	// task_type auto-decides without ever resolving t1 again.
	cp2 := &domain.Checkpoint{TaskID: "t2", StepID: "s1", Type: domain.CheckpointApproval, PreviewData: desc.PreviewData}
	decided, err := mgr.TryAutoDecide(ctx, "u1", "t2", "onboarding", "emailer", cp2)
	require.NoError(t, err)
	require.NotNil(t, decided)
	require.Equal(t, domain.DecisionAutoApproved, decided.Decision)
}

// TestLearnedPreferenceDoesNotGeneralizeAcrossUsers confirms the real
// deciding user id (not a shared placeholder) keys the learned
// preference, so a different user's checkpoints never auto-decide off
// another user's history.
func TestLearnedPreferenceDoesNotGeneralizeAcrossUsers(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	desc := domain.CheckpointDescriptor{
		Prompt: "approve?", Type: domain.CheckpointApproval,
		PreviewData: map[string]interface{}{"action": "send_email"},
	}

	for i := 0; i < 4; i++ {
		_, err := mgr.CreateCheckpoint(ctx, "t1", "s1", desc, time.Hour)
		require.NoError(t, err)
		_, err = mgr.ResolveCheckpoint(ctx, "t1", "s1", "u1", "onboarding", "emailer",
			domain.CheckpointResponse{Decision: domain.DecisionApproved, Learn: true})
		require.NoError(t, err)
	}

	cp := &domain.Checkpoint{TaskID: "t2", StepID: "s1", Type: domain.CheckpointApproval, PreviewData: desc.PreviewData}
	decided, err := mgr.TryAutoDecide(ctx, "u2", "t2", "onboarding", "emailer", cp)
	require.NoError(t, err)
	require.Nil(t, decided)
}

// TestExpirySweep implements B4: a checkpoint past its expiry is
// transitioned to expired by the sweeper.
func TestExpirySweep(t *testing.T) {
	mgr, backing := newTestManager(t)
	ctx := context.Background()

	desc := domain.CheckpointDescriptor{Prompt: "approve?", Type: domain.CheckpointApproval}
	_, err := mgr.CreateCheckpoint(ctx, "t1", "s1", desc, -time.Minute) // already expired
	require.NoError(t, err)

	expired, err := mgr.SweepExpired(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, domain.DecisionExpired, expired[0].Decision)

	cp, err := backing.GetCheckpoint(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Equal(t, domain.DecisionExpired, cp.Decision)
}

func TestFingerprintStableAcrossKeyOrder(t *testing.T) {
	a := Fingerprint("step1", domain.CheckpointApproval, map[string]interface{}{"x": 1, "y": 2})
	b := Fingerprint("step1", domain.CheckpointApproval, map[string]interface{}{"y": 2, "x": 1})
	require.Equal(t, a, b)
}
