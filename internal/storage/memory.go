package storage

import (
	"context"
	"sync"

	"github.com/raine/estate-client/internal/session"
)

// MemoryStore is a process-local TokenStore. Useful in tests and for
// throwaway sessions that should not survive a restart.
type MemoryStore struct {
	tokens map[string]session.TokenPair
	lock   sync.RWMutex
}

var _ TokenStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]session.TokenPair)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*session.TokenPair, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	tokens, ok := m.tokens[key]
	if !ok {
		return nil, nil
	}
	return &tokens, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, tokens session.TokenPair) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.tokens[key] = tokens
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.tokens, key)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
