// Package checkpoint implements the Checkpoint Manager (C3): creating and
// resolving HITL suspension records, preference-based auto-decision, and
// expiry sweeping (spec §4.3). Grounded on itsneelabh-gomind's HITL
// interfaces (CheckpointStore, ExecutionCheckpoint, InterruptDecision,
// expiry processor) and original_source's checkpoints/models.py for the
// exact field set.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
	"github.com/fluxtopus/fluxos-sub009/eventbus"
)

// Store is the persistence surface the manager needs (a narrow slice of
// the full TaskStore interface, per spec §9's "define explicit
// interfaces" guidance).
type Store interface {
	GetCheckpoint(ctx context.Context, taskID, stepID string) (*domain.Checkpoint, error)
	PutCheckpoint(ctx context.Context, cp *domain.Checkpoint) error
	PendingCheckpoints(ctx context.Context, taskID string) ([]*domain.Checkpoint, error)
	AllPendingAcrossTasks(ctx context.Context) ([]*domain.Checkpoint, error)

	SavePreference(ctx context.Context, p *domain.UserPreference) error
	FindPreference(ctx context.Context, userID string, scope domain.PreferenceScope, scopeValue, fingerprint string) (*domain.UserPreference, error)
}

// Manager is the C3 implementation.
type Manager struct {
	store  Store
	bus    *eventbus.Bus
	logger core.Logger
}

// New builds a Manager.
func New(store Store, bus *eventbus.Bus, logger core.Logger) *Manager {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Manager{store: store, bus: bus, logger: logger}
}

// CreateCheckpoint implements spec §4.3's create_checkpoint: fails with
// AlreadyPending if one exists; publishes task.checkpoint.created.
func (m *Manager) CreateCheckpoint(ctx context.Context, taskID, stepID string, desc domain.CheckpointDescriptor, expiry time.Duration) (*domain.Checkpoint, error) {
	existing, err := m.store.GetCheckpoint(ctx, taskID, stepID)
	if err != nil && !core.IsNotFound(err) {
		return nil, err
	}
	if existing != nil && existing.IsPending() {
		return nil, core.NewError("checkpoint.Create", core.KindInvalidInput, stepID, core.ErrCheckpointPending)
	}

	now := time.Now().UTC()
	cp := &domain.Checkpoint{
		TaskID:      taskID,
		StepID:      stepID,
		Type:        desc.Type,
		Prompt:      desc.Prompt,
		PreviewData: desc.PreviewData,
		CreatedAt:   now,
		ExpiresAt:   now.Add(expiry),
		Decision:    domain.DecisionPending,
	}
	if err := m.store.PutCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	m.bus.Publish(domain.Event{
		Type:   domain.EventCheckpointCreated,
		TaskID: taskID,
		Payload: map[string]interface{}{"step_id": stepID, "checkpoint_type": string(desc.Type)},
	})
	return cp, nil
}

// ResolveCheckpoint implements spec §4.3's resolve_checkpoint and L2's
// idempotence law: a second call on an already-decided checkpoint with
// the same response returns the existing decision without side effects.
// userID, taskType, and agentType identify the deciding user and the
// checkpoint's context, used only when response.Learn is set (spec
// §4.3's preference learning).
func (m *Manager) ResolveCheckpoint(ctx context.Context, taskID, stepID, userID, taskType, agentType string, response domain.CheckpointResponse) (*domain.Checkpoint, error) {
	cp, err := m.store.GetCheckpoint(ctx, taskID, stepID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, core.NewError("checkpoint.Resolve", core.KindNotFound, stepID, core.ErrCheckpointNotFound)
	}
	if !cp.IsPending() {
		if cp.Response != nil && sameResponse(*cp.Response, response) {
			return cp, nil // L2: idempotent replay
		}
		return nil, core.NewError("checkpoint.Resolve", core.KindInvalidInput, stepID, core.ErrCheckpointDecided)
	}

	now := time.Now().UTC()
	cp.Decision = response.Decision
	cp.DecidedAt = &now
	cp.Response = &response

	if err := m.store.PutCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	m.bus.Publish(domain.Event{
		Type:   domain.EventCheckpointResolved,
		TaskID: taskID,
		Payload: map[string]interface{}{"step_id": stepID, "decision": string(response.Decision)},
	})

	if response.Learn {
		if err := m.learnPreference(ctx, userID, taskType, agentType, stepID, cp, response); err != nil {
			m.logger.WarnContext(ctx, "preference learning failed", map[string]interface{}{
				"task_id": taskID, "step_id": stepID, "error": err.Error(),
			})
		}
	}
	return cp, nil
}

func sameResponse(a, b domain.CheckpointResponse) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

// GetCheckpoint returns the checkpoint record for a task/step pair, or
// nil if none exists yet. Used by the scheduler (C7) to read back the
// current decision on each scheduling pass.
func (m *Manager) GetCheckpoint(ctx context.Context, taskID, stepID string) (*domain.Checkpoint, error) {
	cp, err := m.store.GetCheckpoint(ctx, taskID, stepID)
	if core.IsNotFound(err) {
		return nil, nil
	}
	return cp, err
}

// PendingCheckpoints lists a task's outstanding checkpoints, for the
// GET /tasks/{id}/checkpoints/pending transport endpoint.
func (m *Manager) PendingCheckpoints(ctx context.Context, taskID string) ([]*domain.Checkpoint, error) {
	return m.store.PendingCheckpoints(ctx, taskID)
}

// TryAutoDecide implements spec §4.3's try_auto_decide: looks up a
// preference by fingerprint at the narrowest matching scope; if
// confidence is at or above the threshold, pre-decides the checkpoint.
func (m *Manager) TryAutoDecide(ctx context.Context, userID string, taskID, taskType, agentType string, cp *domain.Checkpoint) (*domain.Checkpoint, error) {
	fp := Fingerprint(cp.StepID, cp.Type, cp.PreviewData)
	scopeValues := map[domain.PreferenceScope]string{
		domain.ScopeTask:      taskID,
		domain.ScopeTaskType:  taskType,
		domain.ScopeAgentType: agentType,
		domain.ScopeGlobal:    "",
	}
	for _, scope := range domain.PreferenceOrderedScopes {
		pref, err := m.store.FindPreference(ctx, userID, scope, scopeValues[scope], fp)
		if err != nil {
			return nil, err
		}
		if pref == nil {
			continue
		}
		if pref.Confidence < domain.AutoApproveConfidenceThreshold {
			continue
		}
		now := time.Now().UTC()
		cp.Decision = domain.DecisionAutoApproved
		cp.DecidedAt = &now
		cp.PreferenceID = fp
		cp.Response = &domain.CheckpointResponse{Decision: pref.Decision}
		if err := m.store.PutCheckpoint(ctx, cp); err != nil {
			return nil, err
		}
		return cp, nil
	}
	return nil, nil
}

// learnPreference upserts a preference at the narrowest applicable
// scope (spec §4.3). Task scope is deliberately skipped here: a
// preference keyed to one task's id can only ever be found again by
// that same task (useful for a step the task retries, never for a
// different task), so it cannot generalize — and generalizing is the
// entire point of "learned auto-approval hint" (spec §3's
// UserPreference). The narrowest scope that can be found by a *future*
// checkpoint is therefore task_type, then agent_type, then global.
func (m *Manager) learnPreference(ctx context.Context, userID, taskType, agentType, stepID string, cp *domain.Checkpoint, response domain.CheckpointResponse) error {
	scope, scopeValue := domain.ScopeGlobal, ""
	switch {
	case taskType != "":
		scope, scopeValue = domain.ScopeTaskType, taskType
	case agentType != "":
		scope, scopeValue = domain.ScopeAgentType, agentType
	}

	fp := Fingerprint(stepID, cp.Type, cp.PreviewData)
	existing, err := m.store.FindPreference(ctx, userID, scope, scopeValue, fp)
	if err != nil {
		return err
	}
	pref := existing
	if pref == nil {
		pref = &domain.UserPreference{
			UserID:      userID,
			Scope:       scope,
			ScopeValue:  scopeValue,
			Fingerprint: fp,
			Decision:    response.Decision,
			Confidence:  0.5,
		}
	}
	agree := pref.Decision == response.Decision
	pref.Decision = response.Decision
	pref.UpdateConfidence(agree)
	pref.UsageCount++
	pref.LastUsedAt = time.Now().UTC()
	return m.store.SavePreference(ctx, pref)
}

// Fingerprint derives the preference key from the step identifier +
// normalized preview data + checkpoint type, with SPEC_FULL's
// normalization rule: sorted-key JSON re-encoding, 4KB truncation.
// Both callers in this package pass the checkpoint's step id as
// stepName; the step's display name is not part of the hash.
func Fingerprint(stepName string, cpType domain.CheckpointType, preview map[string]interface{}) string {
	normalized := normalizePreview(preview)
	h := sha256.New()
	h.Write([]byte(stepName))
	h.Write([]byte("|"))
	h.Write([]byte(cpType))
	h.Write([]byte("|"))
	h.Write(normalized)
	return hex.EncodeToString(h.Sum(nil))
}

func normalizePreview(preview map[string]interface{}) []byte {
	keys := make([]string, 0, len(preview))
	for k := range preview {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]interface{}, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, preview[k])
	}
	data, _ := json.Marshal(ordered)
	const maxBytes = 4096
	if len(data) > maxBytes {
		data = data[:maxBytes]
	}
	return data
}

// SweepExpired implements spec §4.3/B4: transitions any pending
// checkpoint past expires_at to expired.
func (m *Manager) SweepExpired(ctx context.Context) ([]*domain.Checkpoint, error) {
	pending, err := m.store.AllPendingAcrossTasks(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var expired []*domain.Checkpoint
	for _, cp := range pending {
		if now.Before(cp.ExpiresAt) {
			continue
		}
		cp.Decision = domain.DecisionExpired
		cp.DecidedAt = &now
		if err := m.store.PutCheckpoint(ctx, cp); err != nil {
			m.logger.WarnContext(ctx, "failed to expire checkpoint", map[string]interface{}{
				"task_id": cp.TaskID, "step_id": cp.StepID, "error": err.Error(),
			})
			continue
		}
		expired = append(expired, cp)
	}
	return expired, nil
}

// RunExpirySweeper runs SweepExpired on interval until ctx is cancelled
// (the background sweeper named in spec §4.3).
func (m *Manager) RunExpirySweeper(ctx context.Context, interval time.Duration, onExpired func(*domain.Checkpoint)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := m.SweepExpired(ctx)
			if err != nil {
				m.logger.Warn("expiry sweep failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			for _, cp := range expired {
				if onExpired != nil {
					onExpired(cp)
				}
			}
		}
	}
}
