// Package store implements the dual-backed Task Store (C1): a durable
// SQL row store as source of truth, fronted by a redis fast cache, with
// optimistic versioning and field-level partial updates (spec §4.1).
package store

import (
	"context"

	"github.com/fluxtopus/fluxos-sub009/domain"
)

// ListFilter narrows list_tasks (spec §4.1).
type ListFilter struct {
	OrganizationID string
	Status         domain.TaskStatus
	Cursor         string
	Limit          int
}

// Page is a cursor-paginated result set (spec §6 GET /tasks).
type Page struct {
	Items      []*domain.Task
	NextCursor string
}

// PartialFields is the field-level patch update_task accepts (spec §4.1).
// Only non-nil fields are applied.
type PartialFields struct {
	Status           *domain.TaskStatus
	Steps            []domain.Step
	Findings         []domain.Finding
	CurrentStepIndex *int
	CompletedAt      *int64 // unix nanos, nil means unchanged
	Metadata         map[string]string
	ErrorKind        *string
	ErrorMessage     *string
}

// Durable is the source-of-truth backing (spec §4.1: "durable unavailability
// is fatal to the operation").
type Durable interface {
	Create(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	Update(ctx context.Context, id string, expectedVersion int64, fields PartialFields) (*domain.Task, error)
	List(ctx context.Context, filter ListFilter) (Page, error)
	Delete(ctx context.Context, id string) error

	SavePreference(ctx context.Context, p *domain.UserPreference) error
	FindPreference(ctx context.Context, userID string, scope domain.PreferenceScope, scopeValue, fingerprint string) (*domain.UserPreference, error)

	SavePluginExecution(ctx context.Context, rec *domain.PluginExecutionRecord) error

	Close() error
}

// Cache is the fast-path backing (spec §4.1: "cache unavailability is
// logged and the read falls through to durable").
type Cache interface {
	GetTask(ctx context.Context, id string) (*domain.Task, bool)
	SetTask(ctx context.Context, task *domain.Task) error
	InvalidateTask(ctx context.Context, id string) error

	// AcquireLease implements the per-task lease (spec §3 "Ownership and
	// consistency", spec §4.7 step 1): SETNX-based exclusive claim with
	// a heartbeat TTL. ownerToken identifies the caller so it alone may
	// renew/release.
	AcquireLease(ctx context.Context, taskID, ownerToken string) (bool, error)
	RenewLease(ctx context.Context, taskID, ownerToken string) (bool, error)
	ReleaseLease(ctx context.Context, taskID, ownerToken string) error

	Close() error
}

// TaskStore is the public C1 API (spec §4.1).
type TaskStore interface {
	CreateTask(ctx context.Context, task *domain.Task) (*domain.Task, error)
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	UpdateTask(ctx context.Context, id string, expectedVersion int64, fields PartialFields) (*domain.Task, error)
	ListTasks(ctx context.Context, filter ListFilter) (Page, error)
	DeleteTask(ctx context.Context, id string) error

	// UpdateStepStatus is the step-level helper built atop UpdateTask
	// (spec §4.1): it reads the current step list, replaces the target
	// step, and writes the full list back under the expected version —
	// the single chokepoint serializing concurrent step transitions.
	UpdateStepStatus(ctx context.Context, taskID, stepID string, newStatus domain.StepStatus, output map[string]interface{}, stepErr *domain.StepError) (*domain.Task, error)

	SavePreference(ctx context.Context, p *domain.UserPreference) error
	FindPreference(ctx context.Context, userID string, scope domain.PreferenceScope, scopeValue, fingerprint string) (*domain.UserPreference, error)

	SavePluginExecution(ctx context.Context, rec *domain.PluginExecutionRecord) error

	AcquireLease(ctx context.Context, taskID, ownerToken string) (bool, error)
	RenewLease(ctx context.Context, taskID, ownerToken string) (bool, error)
	ReleaseLease(ctx context.Context, taskID, ownerToken string) error

	Close() error
}
