// Package permission decides which supervisor may monitor which extension.
// An empty store permits everyone; deployments opt in to restrictions by
// granting explicit pairs.
package permission

import (
	"context"
	"sync"
	"time"
)

// Grant is one supervisor/target monitoring permission.
type Grant struct {
	Supervisor string    `json:"supervisor"`
	Target     string    `json:"target"`
	GrantedAt  time.Time `json:"granted_at"`
}

// Store is the permission lookup used by the monitor workflow.
type Store interface {
	// Allowed reports whether supervisor may monitor target. A store with
	// no grants at all allows every pair.
	Allowed(ctx context.Context, supervisor, target string) (bool, error)
	Grant(ctx context.Context, supervisor, target string) error
	Revoke(ctx context.Context, supervisor, target string) error
	List(ctx context.Context) ([]Grant, error)
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[[2]string]Grant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[[2]string]Grant)}
}

func (m *MemoryStore) Allowed(_ context.Context, supervisor, target string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.grants) == 0 {
		return true, nil
	}
	_, ok := m.grants[[2]string{supervisor, target}]
	return ok, nil
}

func (m *MemoryStore) Grant(_ context.Context, supervisor, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{supervisor, target}
	if _, ok := m.grants[key]; !ok {
		m.grants[key] = Grant{Supervisor: supervisor, Target: target, GrantedAt: time.Now()}
	}
	return nil
}

func (m *MemoryStore) Revoke(_ context.Context, supervisor, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, [2]string{supervisor, target})
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Grant, 0, len(m.grants))
	for _, g := range m.grants {
		out = append(out, g)
	}
	return out, nil
}
