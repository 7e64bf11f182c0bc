package store

import (
	"context"

	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
)

// CachedStore composes a Durable store with a Cache per spec §4.1/§3's
// ownership-and-consistency model: writers update durable first, then
// cache (a cache-write failure invalidates rather than rolling back);
// readers consult cache first, falling through to durable on miss or
// cache unavailability.
type CachedStore struct {
	durable Durable
	cache   Cache
	logger  core.Logger
}

// NewCachedStore wires a durable store and a cache into the public
// TaskStore API.
func NewCachedStore(durable Durable, cache Cache, logger core.Logger) *CachedStore {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("store")
	}
	return &CachedStore{durable: durable, cache: cache, logger: logger}
}

func (s *CachedStore) CreateTask(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	if err := s.durable.Create(ctx, task); err != nil {
		return nil, err
	}
	s.writeThroughCache(ctx, task)
	return task, nil
}

func (s *CachedStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	if cached, ok := s.cache.GetTask(ctx, id); ok {
		return cached, nil
	}
	task, err := s.durable.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.writeThroughCache(ctx, task)
	return task, nil
}

func (s *CachedStore) UpdateTask(ctx context.Context, id string, expectedVersion int64, fields PartialFields) (*domain.Task, error) {
	task, err := s.durable.Update(ctx, id, expectedVersion, fields)
	if err != nil {
		// A StaleVersion (or any other durable failure) leaves the cache
		// untouched — spec §4.1: "a write that fails durable is reported
		// as error and cache is untouched."
		return nil, err
	}
	s.writeThroughCache(ctx, task)
	return task, nil
}

func (s *CachedStore) writeThroughCache(ctx context.Context, task *domain.Task) {
	if err := s.cache.SetTask(ctx, task); err != nil {
		s.logger.WarnContext(ctx, "cache write failed, invalidating", map[string]interface{}{
			"task_id": task.ID, "error": err.Error(),
		})
		if ierr := s.cache.InvalidateTask(ctx, task.ID); ierr != nil {
			s.logger.WarnContext(ctx, "cache invalidate failed", map[string]interface{}{
				"task_id": task.ID, "error": ierr.Error(),
			})
		}
	}
}

func (s *CachedStore) ListTasks(ctx context.Context, filter ListFilter) (Page, error) {
	return s.durable.List(ctx, filter)
}

func (s *CachedStore) DeleteTask(ctx context.Context, id string) error {
	if err := s.durable.Delete(ctx, id); err != nil {
		return err
	}
	return s.cache.InvalidateTask(ctx, id)
}

// UpdateStepStatus implements the step-list chokepoint of spec §4.1:
// read-modify-write the full step list under the expected version.
func (s *CachedStore) UpdateStepStatus(ctx context.Context, taskID, stepID string, newStatus domain.StepStatus, output map[string]interface{}, stepErr *domain.StepError) (*domain.Task, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	step := task.StepByID(stepID)
	if step == nil {
		return nil, core.NewError("store.UpdateStepStatus", core.KindNotFound, stepID, core.ErrStepNotFound)
	}
	steps := append([]domain.Step(nil), task.Steps...)
	for i := range steps {
		if steps[i].ID == stepID {
			steps[i].Status = newStatus
			if output != nil {
				steps[i].Output = output
			}
			steps[i].Error = stepErr
			break
		}
	}
	return s.UpdateTask(ctx, taskID, task.Version, PartialFields{Steps: steps})
}

func (s *CachedStore) SavePreference(ctx context.Context, p *domain.UserPreference) error {
	return s.durable.SavePreference(ctx, p)
}

func (s *CachedStore) FindPreference(ctx context.Context, userID string, scope domain.PreferenceScope, scopeValue, fingerprint string) (*domain.UserPreference, error) {
	return s.durable.FindPreference(ctx, userID, scope, scopeValue, fingerprint)
}

func (s *CachedStore) SavePluginExecution(ctx context.Context, rec *domain.PluginExecutionRecord) error {
	return s.durable.SavePluginExecution(ctx, rec)
}

func (s *CachedStore) AcquireLease(ctx context.Context, taskID, ownerToken string) (bool, error) {
	return s.cache.AcquireLease(ctx, taskID, ownerToken)
}

func (s *CachedStore) RenewLease(ctx context.Context, taskID, ownerToken string) (bool, error) {
	return s.cache.RenewLease(ctx, taskID, ownerToken)
}

func (s *CachedStore) ReleaseLease(ctx context.Context, taskID, ownerToken string) error {
	return s.cache.ReleaseLease(ctx, taskID, ownerToken)
}

func (s *CachedStore) Close() error {
	cacheErr := s.cache.Close()
	durableErr := s.durable.Close()
	if durableErr != nil {
		return durableErr
	}
	return cacheErr
}
