package tokenstore

import (
	"context"
	"sync"
)

// MemoryStore keeps tokens in a process-local map. Suitable for tests and
// for deployments that accept re-reading the stream from the pre-load
// operation time after a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string][]byte)}
}

func (s *MemoryStore) Load(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	tok, ok := s.tokens[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(tok))
	copy(out, tok)
	return out, nil
}

func (s *MemoryStore) Save(ctx context.Context, key string, token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	cp := make([]byte, len(token))
	copy(cp, token)
	s.tokens[key] = cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	delete(s.tokens, key)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.tokens = nil
	return nil
}
