package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
)

// GetCheckpoint satisfies checkpoint.Store, reading the single checkpoint
// record for a (task_id, step_id) pair, if any (spec §4.3).
func (s *SQLTaskStore) GetCheckpoint(ctx context.Context, taskID, stepID string) (*domain.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT task_id, step_id, type, prompt, preview_data_json, input_schema_json,
		alternatives_json, expires_at, created_at, decision, decided_at, response_json, preference_id
		FROM checkpoints WHERE task_id=%s AND step_id=%s`, s.ph(1), s.ph(2))
	row := s.db.QueryRowContext(ctx, query, taskID, stepID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewError("store.GetCheckpoint", core.KindInternal, stepID, err)
	}
	return cp, nil
}

// PutCheckpoint upserts a checkpoint row (create on first write, update on
// decision).
func (s *SQLTaskStore) PutCheckpoint(ctx context.Context, cp *domain.Checkpoint) error {
	previewJSON, _ := json.Marshal(cp.PreviewData)
	schemaJSON, _ := json.Marshal(cp.InputSchema)
	altJSON, _ := json.Marshal(cp.Alternatives)
	var responseJSON []byte
	if cp.Response != nil {
		responseJSON, _ = json.Marshal(cp.Response)
	}

	var query string
	if s.dialect == "postgres" {
		query = `INSERT INTO checkpoints (task_id, step_id, type, prompt, preview_data_json,
				input_schema_json, alternatives_json, expires_at, created_at, decision, decided_at,
				response_json, preference_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (task_id, step_id) DO UPDATE SET
				decision=$10, decided_at=$11, response_json=$12, preference_id=$13`
	} else {
		query = `INSERT INTO checkpoints (task_id, step_id, type, prompt, preview_data_json,
				input_schema_json, alternatives_json, expires_at, created_at, decision, decided_at,
				response_json, preference_id)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT (task_id, step_id) DO UPDATE SET
				decision=excluded.decision, decided_at=excluded.decided_at,
				response_json=excluded.response_json, preference_id=excluded.preference_id`
	}
	_, err := s.db.ExecContext(ctx, query, cp.TaskID, cp.StepID, string(cp.Type), cp.Prompt,
		string(previewJSON), string(schemaJSON), string(altJSON), cp.ExpiresAt, cp.CreatedAt,
		string(cp.Decision), cp.DecidedAt, nullableBytes(responseJSON), nullableString(cp.PreferenceID))
	if err != nil {
		return core.NewError("store.PutCheckpoint", core.KindInternal, cp.StepID, err)
	}
	return nil
}

// PendingCheckpoints lists the pending checkpoints for one task (spec §6
// GET /tasks/{id}/checkpoints/pending).
func (s *SQLTaskStore) PendingCheckpoints(ctx context.Context, taskID string) ([]*domain.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT task_id, step_id, type, prompt, preview_data_json, input_schema_json,
		alternatives_json, expires_at, created_at, decision, decided_at, response_json, preference_id
		FROM checkpoints WHERE task_id=%s AND decision=%s`, s.ph(1), s.ph(2))
	return s.queryCheckpoints(ctx, query, taskID, string(domain.DecisionPending))
}

// AllPendingAcrossTasks backs the expiry sweeper (spec §4.3/B4).
func (s *SQLTaskStore) AllPendingAcrossTasks(ctx context.Context) ([]*domain.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT task_id, step_id, type, prompt, preview_data_json, input_schema_json,
		alternatives_json, expires_at, created_at, decision, decided_at, response_json, preference_id
		FROM checkpoints WHERE decision=%s`, s.ph(1))
	return s.queryCheckpoints(ctx, query, string(domain.DecisionPending))
}

func (s *SQLTaskStore) queryCheckpoints(ctx context.Context, query string, args ...interface{}) ([]*domain.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.NewError("store.queryCheckpoints", core.KindInternal, "", err)
	}
	defer rows.Close()
	var out []*domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, core.NewError("store.queryCheckpoints", core.KindInternal, "", err)
		}
		out = append(out, cp)
	}
	return out, nil
}

func scanCheckpoint(row scanner) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var typ, decision string
	var previewJSON, schemaJSON, altJSON, responseJSON, preferenceID sql.NullString
	var decidedAt sql.NullTime

	if err := row.Scan(&cp.TaskID, &cp.StepID, &typ, &cp.Prompt, &previewJSON, &schemaJSON,
		&altJSON, &cp.ExpiresAt, &cp.CreatedAt, &decision, &decidedAt, &responseJSON, &preferenceID); err != nil {
		return nil, err
	}
	cp.Type = domain.CheckpointType(typ)
	cp.Decision = domain.CheckpointDecision(decision)
	cp.PreferenceID = preferenceID.String
	if decidedAt.Valid {
		t := decidedAt.Time
		cp.DecidedAt = &t
	}
	if previewJSON.Valid && previewJSON.String != "" && previewJSON.String != "null" {
		_ = json.Unmarshal([]byte(previewJSON.String), &cp.PreviewData)
	}
	if schemaJSON.Valid && schemaJSON.String != "" && schemaJSON.String != "null" {
		_ = json.Unmarshal([]byte(schemaJSON.String), &cp.InputSchema)
	}
	if altJSON.Valid && altJSON.String != "" && altJSON.String != "null" {
		_ = json.Unmarshal([]byte(altJSON.String), &cp.Alternatives)
	}
	if responseJSON.Valid && responseJSON.String != "" {
		var resp domain.CheckpointResponse
		if err := json.Unmarshal([]byte(responseJSON.String), &resp); err == nil {
			cp.Response = &resp
		}
	}
	return &cp, nil
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
