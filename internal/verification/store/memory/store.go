package memory

import (
	"context"
	"sync"
	"time"

	"idlink/internal/verification/models"
	id "idlink/pkg/domain"
	"idlink/pkg/platform/sentinel"
)

// Store is an in-memory mapping store for tests and local development.
// A single RWMutex makes every method, including Confirm, atomic.
type Store struct {
	mu        sync.RWMutex
	pending   map[id.ChatID]models.PendingVerification
	confirmed map[id.ChatID]models.ConfirmedMapping
}

func New() *Store {
	return &Store{
		pending:   make(map[id.ChatID]models.PendingVerification),
		confirmed: make(map[id.ChatID]models.ConfirmedMapping),
	}
}

func (s *Store) EnsureSchema(context.Context) error { return nil }

func (s *Store) Lookup(_ context.Context, chatID id.ChatID) (*models.Lookup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out models.Lookup
	if m, ok := s.confirmed[chatID]; ok {
		out.Confirmed = &m
	}
	if p, ok := s.pending[chatID]; ok {
		out.Pending = &p
	}
	return &out, nil
}

func (s *Store) IsAliasConfirmed(_ context.Context, alias id.Alias) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.findByAlias(alias)
	return ok, nil
}

func (s *Store) FindByAlias(_ context.Context, alias id.Alias) (*models.ConfirmedMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.findByAlias(alias); ok {
		return &m, nil
	}
	return nil, sentinel.ErrNotFound
}

func (s *Store) Confirm(_ context.Context, chatID id.ChatID, alias id.Alias, at time.Time) (*models.ConfirmedMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if holder, ok := s.findByAlias(alias); ok && holder.ChatID != chatID {
		return nil, sentinel.ErrConflict
	}
	delete(s.pending, chatID)
	m := models.ConfirmedMapping{ChatID: chatID, CanonicalAlias: alias, ConfirmedAt: at}
	s.confirmed[chatID] = m
	return &m, nil
}

func (s *Store) RemoveByChatID(_ context.Context, chatID id.ChatID) (*models.ConfirmedMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.confirmed[chatID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	delete(s.confirmed, chatID)
	return &m, nil
}

func (s *Store) RemoveByAlias(_ context.Context, alias id.Alias) (*models.ConfirmedMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.findByAlias(alias)
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	delete(s.confirmed, m.ChatID)
	return &m, nil
}

func (s *Store) SweepExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for chatID, p := range s.pending {
		if !p.ExpiresAt.After(cutoff) {
			delete(s.pending, chatID)
			n++
		}
	}
	return n, nil
}

func (s *Store) UpsertPending(_ context.Context, pending *models.PendingVerification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[pending.ChatID] = *pending
	return nil
}

func (s *Store) DeletePendingIfCode(_ context.Context, chatID id.ChatID, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[chatID]
	if !ok || p.Code != code {
		return false, nil
	}
	delete(s.pending, chatID)
	return true, nil
}

func (s *Store) FindActivePending(_ context.Context, chatID id.ChatID, code string, now time.Time) (*models.PendingVerification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[chatID]
	if !ok || p.Code != code || !p.IsActive(now) {
		return nil, sentinel.ErrNotFound
	}
	return &p, nil
}

// findByAlias must be called while holding s.mu.
func (s *Store) findByAlias(alias id.Alias) (models.ConfirmedMapping, bool) {
	for _, m := range s.confirmed {
		if m.CanonicalAlias == alias {
			return m, true
		}
	}
	return models.ConfirmedMapping{}, false
}
