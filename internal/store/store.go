// Package store provides the progress registry that maps task IDs to live task state.
// Implementations must be safe for concurrent use by pollers and background batches.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/nadmax/clipmill/internal/task"
)

var ErrNotFound = errors.New("task not found")

type Store interface {
	Save(ctx context.Context, t *task.Task) error
	Get(ctx context.Context, taskID string) (*task.Task, error)
	List(ctx context.Context) ([]*task.Task, error)
	Close() error
}

type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*task.Task)}
}

func (s *MemoryStore) Save(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, taskID string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}

	return t.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t.Clone())
	}
	sortByCreated(tasks)

	return tasks, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortByCreated(tasks []*task.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
