package store

import (
	"context"
	"sync"

	"github.com/rendis/secretkv/internal/secrets"
)

// MemoryRepository is a volatile Repository. Keys enumerate in first-seen order.
type MemoryRepository struct {
	mu      sync.RWMutex
	history map[secrets.Ciphertext][]Version
	order   []secrets.Ciphertext
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{history: make(map[secrets.Ciphertext][]Version)}
}

func (m *MemoryRepository) ListLatestVersion(_ context.Context) []Secret {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Secret, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, latest(key, m.history[key]))
	}
	return out
}

func (m *MemoryRepository) RetrieveByKey(_ context.Context, key secrets.Ciphertext) (Secret, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history, ok := m.history[key]
	if !ok || len(history) == 0 {
		return Secret{}, false
	}
	return latest(key, history), true
}

func (m *MemoryRepository) RetrieveHistory(_ context.Context, key secrets.Ciphertext) []Secret {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return toSecrets(key, m.history[key])
}

func (m *MemoryRepository) Save(_ context.Context, secret Secret) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	history, seen := m.history[secret.Key]
	if !seen {
		m.order = append(m.order, secret.Key)
	}
	m.history[secret.Key] = append(history, Version{Value: secret.Value, Number: nextVersion(history)})
	return true
}

func (m *MemoryRepository) IsEmpty(_ context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history) == 0
}

func (m *MemoryRepository) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = make(map[secrets.Ciphertext][]Version)
	m.order = nil
	return nil
}

func (m *MemoryRepository) Close() error { return nil }

var _ Repository = (*MemoryRepository)(nil)
