package configstore

import (
	"context"
	"encoding/json"
	"sync"
)

// InMemoryStore keeps the saved configuration in-process, for local/dev use.
type InMemoryStore struct {
	mu  sync.RWMutex
	cfg json.RawMessage
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) SaveSessionConfig(_ context.Context, cfg json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = append(json.RawMessage(nil), cfg...)
	return nil
}

func (s *InMemoryStore) LoadSessionConfig(context.Context) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.cfg) == 0 {
		return nil, nil
	}
	return append(json.RawMessage(nil), s.cfg...), nil
}

func (s *InMemoryStore) Close() error { return nil }
