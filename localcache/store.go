// Package localcache persists the anonymous session's collections on the
// device. Every implementation is keyed by a small set of well-known names
// and stores opaque string values.
package localcache

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Well-known keys, one per collection plus the persisted session.
const (
	TasksKey      = "taskfield"
	ActivitiesKey = "scheduleActivities"
	UserKey       = "user"
	TokenKey      = "token"
)

// ErrUnavailable is returned when the backing storage cannot be used.
var ErrUnavailable = errors.New("local storage unavailable")

var errInvalidKey = errors.New("invalid cache key")

// Store is the key/value contract consumed by the sync engine.
type Store interface {
	// GetItem returns the stored value and whether the key was present.
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
	RemoveItem(key string) error
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %q: %w", ErrUnavailable, op, key, err)
}

func checkKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\:`) || strings.HasPrefix(key, ".") {
		return fmt.Errorf("%w: %w: %q", ErrUnavailable, errInvalidKey, key)
	}
	return nil
}

// MemoryStore keeps values in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]string)}
}

func (m *MemoryStore) GetItem(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *MemoryStore) SetItem(key, value string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *MemoryStore) RemoveItem(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
