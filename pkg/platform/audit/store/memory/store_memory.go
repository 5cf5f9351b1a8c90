package memory

import (
	"context"
	"sync"

	id "idlink/pkg/domain"
	audit "idlink/pkg/platform/audit"
)

type InMemoryStore struct {
	mu     sync.RWMutex
	events map[id.ChatID][]audit.Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[id.ChatID][]audit.Event)}
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.ChatID] = append(s.events[event.ChatID], event)
	return nil
}

func (s *InMemoryStore) ListByChatID(_ context.Context, chatID id.ChatID) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event{}, s.events[chatID]...), nil
}
