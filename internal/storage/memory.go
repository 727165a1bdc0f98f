package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memoryStore struct {
	mu          sync.Mutex
	deployments []Deployment
	kv          map[string]string
}

// NewMemory returns a process-local store. The runner uses it when no
// storage driver is configured, so a rotated token lives only until exit.
func NewMemory() Store {
	return &memoryStore{kv: map[string]string{}}
}

func (m *memoryStore) AppendDeployment(ctx context.Context, d Deployment) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	d.Progress = append([]string(nil), d.Progress...)
	m.deployments = append(m.deployments, d)
	return nil
}

func (m *memoryStore) ListDeployments(ctx context.Context, limit int) ([]Deployment, error) {
	_ = ctx
	m.mu.Lock()
	out := append([]Deployment(nil), m.deployments...)
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[strings.TrimSpace(key)]
	return v, ok, nil
}

func (m *memoryStore) Put(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[strings.TrimSpace(key)] = value
	return nil
}

func (m *memoryStore) Close() error { return nil }
