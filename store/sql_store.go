package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// Database drivers: durable store supports postgres, mysql, or
	// sqlite over database/sql, selected by dialect at construction
	// (grounded on kadirpekel-hector's SQLTaskService).
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
)

// SQLTaskStore is the durable row store (spec §4.1's "source of truth").
// Supports postgres, mysql, and sqlite via database/sql.
type SQLTaskStore struct {
	db      *sql.DB
	dialect string // "postgres", "mysql", or "sqlite"
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(255) PRIMARY KEY,
    version BIGINT NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    organization_id VARCHAR(255) NOT NULL,
    goal TEXT NOT NULL,
    constraints_json TEXT,
    success_criteria_json TEXT,
    steps_json TEXT,
    findings_json TEXT,
    current_step_index INTEGER NOT NULL DEFAULT 0,
    status VARCHAR(50) NOT NULL,
    tree_id VARCHAR(255),
    parent_task_id VARCHAR(255),
    metadata_json TEXT,
    error_kind VARCHAR(100),
    error_message TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_org ON tasks(organization_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS preferences (
    user_id VARCHAR(255) NOT NULL,
    scope VARCHAR(50) NOT NULL,
    scope_value VARCHAR(255) NOT NULL DEFAULT '',
    fingerprint VARCHAR(255) NOT NULL,
    decision VARCHAR(50) NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    usage_count INTEGER NOT NULL,
    last_used_at TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id, scope, scope_value, fingerprint)
);

CREATE TABLE IF NOT EXISTS checkpoints (
    task_id VARCHAR(255) NOT NULL,
    step_id VARCHAR(255) NOT NULL,
    type VARCHAR(50) NOT NULL,
    prompt TEXT,
    preview_data_json TEXT,
    input_schema_json TEXT,
    alternatives_json TEXT,
    expires_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    decision VARCHAR(50) NOT NULL,
    decided_at TIMESTAMP,
    response_json TEXT,
    preference_id VARCHAR(255),
    PRIMARY KEY (task_id, step_id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_decision ON checkpoints(decision);

CREATE TABLE IF NOT EXISTS plugin_definitions (
    namespace VARCHAR(255) PRIMARY KEY,
    description TEXT,
    input_schema_json TEXT,
    output_schema_json TEXT,
    category VARCHAR(50) NOT NULL,
    requires_checkpoint BOOLEAN NOT NULL DEFAULT FALSE,
    policy_json TEXT,
    origin VARCHAR(50) NOT NULL,
    organization_id VARCHAR(255)
);

CREATE TABLE IF NOT EXISTS plugin_executions (
    id VARCHAR(255) PRIMARY KEY,
    task_id VARCHAR(255) NOT NULL,
    step_id VARCHAR(255) NOT NULL,
    namespace VARCHAR(255) NOT NULL,
    started_at TIMESTAMP NOT NULL,
    duration_ms BIGINT NOT NULL,
    success BOOLEAN NOT NULL,
    error_kind VARCHAR(100),
    tokens_used INTEGER,
    cost_usd DOUBLE PRECISION
);
`

// NewSQLTaskStore opens db and ensures the schema exists.
func NewSQLTaskStore(db *sql.DB, dialect string) (*SQLTaskStore, error) {
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect %q (supported: postgres, mysql, sqlite)", dialect)
	}
	s := &SQLTaskStore{db: db, dialect: dialect}
	if _, err := db.Exec(createTablesSQL); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// ph renders the n-th bind placeholder for the active dialect (postgres
// uses $1, $2, ...; mysql and sqlite use ?).
func (s *SQLTaskStore) ph(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

type taskRow struct {
	constraintsJSON, criteriaJSON, stepsJSON, findingsJSON, metadataJSON string
}

func (s *SQLTaskStore) marshalTask(t *domain.Task) (taskRow, error) {
	cj, err := json.Marshal(t.Constraints)
	if err != nil {
		return taskRow{}, err
	}
	sj, err := json.Marshal(t.SuccessCriteria)
	if err != nil {
		return taskRow{}, err
	}
	stj, err := json.Marshal(t.Steps)
	if err != nil {
		return taskRow{}, err
	}
	fj, err := json.Marshal(t.Findings)
	if err != nil {
		return taskRow{}, err
	}
	mj, err := json.Marshal(t.Metadata)
	if err != nil {
		return taskRow{}, err
	}
	return taskRow{string(cj), string(sj), string(stj), string(fj), string(mj)}, nil
}

func (s *SQLTaskStore) Create(ctx context.Context, task *domain.Task) error {
	if task.Version == 0 {
		task.Version = 1
	}
	row, err := s.marshalTask(task)
	if err != nil {
		return core.NewError("store.Create", core.KindInternal, task.ID, err)
	}
	query := fmt.Sprintf(`INSERT INTO tasks
		(id, version, user_id, organization_id, goal, constraints_json, success_criteria_json,
		 steps_json, findings_json, current_step_index, status, tree_id, parent_task_id,
		 metadata_json, error_kind, error_message, created_at, updated_at, completed_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9),
		s.ph(10), s.ph(11), s.ph(12), s.ph(13), s.ph(14), s.ph(15), s.ph(16), s.ph(17), s.ph(18), s.ph(19))

	var completedAt *time.Time
	if task.CompletedAt != nil {
		completedAt = task.CompletedAt
	}
	_, err = s.db.ExecContext(ctx, query,
		task.ID, task.Version, task.Owner.UserID, task.Owner.OrganizationID, task.Goal,
		row.constraintsJSON, row.criteriaJSON, row.stepsJSON, row.findingsJSON,
		task.CurrentStepIndex, string(task.Status), task.TreeID, nullableString(task.ParentTaskID),
		row.metadataJSON, nullableString(task.ErrorKind), nullableString(task.ErrorMessage),
		task.CreatedAt, task.UpdatedAt, completedAt)
	if err != nil {
		return core.NewError("store.Create", core.KindInternal, task.ID, err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLTaskStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	query := fmt.Sprintf(`SELECT id, version, user_id, organization_id, goal, constraints_json,
		success_criteria_json, steps_json, findings_json, current_step_index, status, tree_id,
		parent_task_id, metadata_json, error_kind, error_message, created_at, updated_at, completed_at
		FROM tasks WHERE id = %s`, s.ph(1))
	row := s.db.QueryRowContext(ctx, query, id)
	task, err := s.scanTask(row)
	if err == sql.ErrNoRows {
		return nil, core.NewError("store.Get", core.KindNotFound, id, core.ErrTaskNotFound)
	}
	if err != nil {
		return nil, core.NewError("store.Get", core.KindInternal, id, err)
	}
	return task, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLTaskStore) scanTask(row scanner) (*domain.Task, error) {
	var t domain.Task
	var constraintsJSON, criteriaJSON, stepsJSON, findingsJSON, metadataJSON sql.NullString
	var parentTaskID, errorKind, errorMessage sql.NullString
	var completedAt sql.NullTime
	var status string

	if err := row.Scan(&t.ID, &t.Version, &t.Owner.UserID, &t.Owner.OrganizationID, &t.Goal,
		&constraintsJSON, &criteriaJSON, &stepsJSON, &findingsJSON, &t.CurrentStepIndex, &status,
		&t.TreeID, &parentTaskID, &metadataJSON, &errorKind, &errorMessage,
		&t.CreatedAt, &t.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	t.ParentTaskID = parentTaskID.String
	t.ErrorKind = errorKind.String
	t.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	if constraintsJSON.Valid && constraintsJSON.String != "" {
		_ = json.Unmarshal([]byte(constraintsJSON.String), &t.Constraints)
	}
	if criteriaJSON.Valid && criteriaJSON.String != "" {
		_ = json.Unmarshal([]byte(criteriaJSON.String), &t.SuccessCriteria)
	}
	if stepsJSON.Valid && stepsJSON.String != "" {
		_ = json.Unmarshal([]byte(stepsJSON.String), &t.Steps)
	}
	if findingsJSON.Valid && findingsJSON.String != "" {
		_ = json.Unmarshal([]byte(findingsJSON.String), &t.Findings)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &t.Metadata)
	}
	return &t, nil
}

// Update performs the optimistic-concurrency compare-and-swap of spec
// §4.1/P1: a task that doesn't exist surfaces as Get's NotFound; a
// version that already moved, or that moves between the read and the
// UPDATE (whose WHERE clause pins both id and expected version, so zero
// affected rows), surfaces as StaleVersion, matching spec §4.1
// ("StaleVersion is not retried inside the store").
func (s *SQLTaskStore) Update(ctx context.Context, id string, expectedVersion int64, fields PartialFields) (*domain.Task, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, core.NewError("store.Update", core.KindStaleVersion, id, core.ErrStaleVersion)
	}

	applyPartialFields(current, fields)
	current.Version = expectedVersion + 1
	current.UpdatedAt = time.Now().UTC()

	row, err := s.marshalTask(current)
	if err != nil {
		return nil, core.NewError("store.Update", core.KindInternal, id, err)
	}

	query := fmt.Sprintf(`UPDATE tasks SET version=%s, steps_json=%s, findings_json=%s,
		current_step_index=%s, status=%s, metadata_json=%s, error_kind=%s, error_message=%s,
		updated_at=%s, completed_at=%s WHERE id=%s AND version=%s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11), s.ph(12))

	var completedAt *time.Time
	if current.CompletedAt != nil {
		completedAt = current.CompletedAt
	}
	res, err := s.db.ExecContext(ctx, query,
		current.Version, row.stepsJSON, row.findingsJSON, current.CurrentStepIndex,
		string(current.Status), row.metadataJSON, nullableString(current.ErrorKind),
		nullableString(current.ErrorMessage), current.UpdatedAt, completedAt, id, expectedVersion)
	if err != nil {
		return nil, core.NewError("store.Update", core.KindInternal, id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, core.NewError("store.Update", core.KindStaleVersion, id, core.ErrStaleVersion)
	}
	return current, nil
}

func applyPartialFields(t *domain.Task, fields PartialFields) {
	if fields.Status != nil {
		t.Status = *fields.Status
	}
	if fields.Steps != nil {
		t.Steps = fields.Steps
	}
	if fields.Findings != nil {
		t.Findings = fields.Findings
	}
	if fields.CurrentStepIndex != nil {
		t.CurrentStepIndex = *fields.CurrentStepIndex
	}
	if fields.CompletedAt != nil {
		ts := time.Unix(0, *fields.CompletedAt).UTC()
		t.CompletedAt = &ts
	}
	if fields.Metadata != nil {
		if t.Metadata == nil {
			t.Metadata = map[string]string{}
		}
		for k, v := range fields.Metadata {
			t.Metadata[k] = v
		}
	}
	if fields.ErrorKind != nil {
		t.ErrorKind = *fields.ErrorKind
	}
	if fields.ErrorMessage != nil {
		t.ErrorMessage = *fields.ErrorMessage
	}
}

func (s *SQLTaskStore) List(ctx context.Context, filter ListFilter) (Page, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id, version, user_id, organization_id, goal, constraints_json,
		success_criteria_json, steps_json, findings_json, current_step_index, status, tree_id,
		parent_task_id, metadata_json, error_kind, error_message, created_at, updated_at, completed_at
		FROM tasks WHERE organization_id = %s`, s.ph(1))
	args := []interface{}{filter.OrganizationID}
	argN := 2
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = %s", s.ph(argN))
		args = append(args, string(filter.Status))
		argN++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %s", s.ph(argN))
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, core.NewError("store.List", core.KindInternal, "", err)
	}
	defer rows.Close()

	var items []*domain.Task
	for rows.Next() {
		task, err := s.scanTask(rows)
		if err != nil {
			return Page{}, core.NewError("store.List", core.KindInternal, "", err)
		}
		items = append(items, task)
	}
	next := ""
	if len(items) > limit {
		items = items[:limit]
		next = items[len(items)-1].ID
	}
	return Page{Items: items, NextCursor: next}, nil
}

func (s *SQLTaskStore) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM tasks WHERE id = %s", s.ph(1))
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return core.NewError("store.Delete", core.KindInternal, id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.NewError("store.Delete", core.KindNotFound, id, core.ErrTaskNotFound)
	}
	return nil
}

func (s *SQLTaskStore) SavePreference(ctx context.Context, p *domain.UserPreference) error {
	var query string
	if s.dialect == "postgres" {
		query = `INSERT INTO preferences (user_id, scope, scope_value, fingerprint, decision, confidence, usage_count, last_used_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (user_id, scope, scope_value, fingerprint)
			DO UPDATE SET decision=$5, confidence=$6, usage_count=$7, last_used_at=$8`
	} else {
		query = `INSERT INTO preferences (user_id, scope, scope_value, fingerprint, decision, confidence, usage_count, last_used_at)
			VALUES (?,?,?,?,?,?,?,?)
			ON CONFLICT (user_id, scope, scope_value, fingerprint)
			DO UPDATE SET decision=excluded.decision, confidence=excluded.confidence, usage_count=excluded.usage_count, last_used_at=excluded.last_used_at`
	}
	_, err := s.db.ExecContext(ctx, query, p.UserID, string(p.Scope), p.ScopeValue, p.Fingerprint,
		string(p.Decision), p.Confidence, p.UsageCount, p.LastUsedAt)
	if err != nil {
		return core.NewError("store.SavePreference", core.KindInternal, p.Fingerprint, err)
	}
	return nil
}

func (s *SQLTaskStore) FindPreference(ctx context.Context, userID string, scope domain.PreferenceScope, scopeValue, fingerprint string) (*domain.UserPreference, error) {
	query := fmt.Sprintf(`SELECT user_id, scope, scope_value, fingerprint, decision, confidence, usage_count, last_used_at
		FROM preferences WHERE user_id=%s AND scope=%s AND scope_value=%s AND fingerprint=%s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	row := s.db.QueryRowContext(ctx, query, userID, string(scope), scopeValue, fingerprint)
	var p domain.UserPreference
	var scopeStr, decisionStr string
	if err := row.Scan(&p.UserID, &scopeStr, &p.ScopeValue, &p.Fingerprint, &decisionStr,
		&p.Confidence, &p.UsageCount, &p.LastUsedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, core.NewError("store.FindPreference", core.KindInternal, fingerprint, err)
	}
	p.Scope = domain.PreferenceScope(scopeStr)
	p.Decision = domain.CheckpointDecision(decisionStr)
	return &p, nil
}

func (s *SQLTaskStore) SavePluginExecution(ctx context.Context, rec *domain.PluginExecutionRecord) error {
	query := fmt.Sprintf(`INSERT INTO plugin_executions
		(id, task_id, step_id, namespace, started_at, duration_ms, success, error_kind, tokens_used, cost_usd)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10))
	_, err := s.db.ExecContext(ctx, query, rec.ID, rec.TaskID, rec.StepID, rec.Namespace,
		rec.StartedAt, rec.Duration.Milliseconds(), rec.Success, nullableString(rec.ErrorKind),
		rec.TokensUsed, rec.CostUSD)
	if err != nil {
		return core.NewError("store.SavePluginExecution", core.KindInternal, rec.ID, err)
	}
	return nil
}

func (s *SQLTaskStore) Close() error { return s.db.Close() }
