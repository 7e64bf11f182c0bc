package store

import (
	"context"
	"sync"

	"github.com/fluxtopus/fluxos-sub009/domain"
)

// fakeCache is an in-memory Cache used by store tests so they don't
// require a live redis instance (matches the teacher's fakes-over-mocks
// testing style).
type fakeCache struct {
	mu     sync.Mutex
	tasks  map[string]*domain.Task
	leases map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{tasks: map[string]*domain.Task{}, leases: map[string]string{}}
}

func (f *fakeCache) GetTask(ctx context.Context, id string) (*domain.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	return t, ok
}

func (f *fakeCache) SetTask(ctx context.Context, task *domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = task.Clone()
	return nil
}

func (f *fakeCache) InvalidateTask(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	return nil
}

func (f *fakeCache) AcquireLease(ctx context.Context, taskID, ownerToken string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.leases[taskID]; held {
		return false, nil
	}
	f.leases[taskID] = ownerToken
	return true, nil
}

func (f *fakeCache) RenewLease(ctx context.Context, taskID, ownerToken string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leases[taskID] == ownerToken, nil
}

func (f *fakeCache) ReleaseLease(ctx context.Context, taskID, ownerToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leases[taskID] == ownerToken {
		delete(f.leases, taskID)
	}
	return nil
}

func (f *fakeCache) Close() error { return nil }
