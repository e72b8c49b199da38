package lock

import (
	"context"
	"sync"
)

// Memory is an in-process lock
type Memory struct {
	mu   sync.Mutex
	held bool
}

// NewMemory creates an unlocked in-process lock
func NewMemory() *Memory {
	return &Memory{}
}

// TryLock implements Locker
func (m *Memory) TryLock(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held {
		return false, nil
	}
	m.held = true
	return true, nil
}

// Unlock implements Locker
func (m *Memory) Unlock(context.Context) error {
	m.mu.Lock()
	m.held = false
	m.mu.Unlock()
	return nil
}

// Locked implements Locker
func (m *Memory) Locked(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held, nil
}
