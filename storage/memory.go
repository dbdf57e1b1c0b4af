package storage

import (
	"context"
	"sync"

	"prism-sync/domain"
)

// Memory is a process-local Backend for development and tests.
type Memory struct {
	mu         sync.RWMutex
	users      map[string]domain.Identity
	tasks      map[string][]domain.Task
	activities map[string][]domain.Activity
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{
		users:      make(map[string]domain.Identity),
		tasks:      make(map[string][]domain.Task),
		activities: make(map[string][]domain.Activity),
	}
}

func (m *Memory) UpsertUser(_ context.Context, user domain.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.Token = ""
	m.users[user.UserID] = user
	return nil
}

func (m *Memory) FetchTasks(_ context.Context, userID string) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.users[userID]; !ok {
		return nil, ErrUserNotFound
	}
	return append([]domain.Task{}, m.tasks[userID]...), nil
}

func (m *Memory) ReplaceTasks(_ context.Context, userID string, tasks []domain.Task) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return nil, ErrUserNotFound
	}
	m.tasks[userID] = append([]domain.Task{}, tasks...)
	return append([]domain.Task{}, tasks...), nil
}

func (m *Memory) FetchActivities(_ context.Context, userID string) ([]domain.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.users[userID]; !ok {
		return nil, ErrUserNotFound
	}
	return append([]domain.Activity{}, m.activities[userID]...), nil
}

func (m *Memory) ReplaceActivities(_ context.Context, userID string, activities []domain.Activity) ([]domain.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return nil, ErrUserNotFound
	}
	m.activities[userID] = append([]domain.Activity{}, activities...)
	return append([]domain.Activity{}, activities...), nil
}
