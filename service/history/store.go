package history

import (
	"context"
	"errors"
	"sync"
)

// ErrCacheMiss is returned by Store.Load when no envelope exists for a key.
var ErrCacheMiss = errors.New("cache miss")

// Store persists envelopes by key.
type Store interface {
	Load(ctx context.Context, key string) (*Envelope, error)
	Save(ctx context.Context, key string, env *Envelope) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore keeps envelopes in process memory. It is the first cache tier
// and the only one when no persisted backend is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Envelope
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Envelope)}
}

func (m *MemoryStore) Load(ctx context.Context, key string) (*Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return env.clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, key string, env *Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = env.clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
