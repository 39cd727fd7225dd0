package locks

import (
	"context"
	"sync"
)

// Memory is an in-process Locker.
type Memory struct {
	mu     sync.Mutex
	owners map[string]string
}

// NewMemory returns an empty in-process lock table.
func NewMemory() *Memory {
	return &Memory{owners: make(map[string]string)}
}

// TryLock locks resource for owner unless another owner holds it.
func (m *Memory) TryLock(_ context.Context, resource, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.owners[resource]; ok && held != owner {
		return false, nil
	}
	m.owners[resource] = owner
	return true, nil
}

// Unlock releases resource if owner holds it.
func (m *Memory) Unlock(_ context.Context, resource, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[resource] != owner {
		return ErrNotOwner
	}
	delete(m.owners, resource)
	return nil
}

// Owner returns the owner holding resource.
func (m *Memory) Owner(_ context.Context, resource string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owners[resource], nil
}
