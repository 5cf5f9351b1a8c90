// Package storetest is a conformance suite every mapping store runs against.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"idlink/internal/verification/models"
	"idlink/internal/verification/ports"
	id "idlink/pkg/domain"
	"idlink/pkg/platform/sentinel"
)

// Store is the mapping store surface under test.
type Store interface {
	ports.Store
	EnsureSchema(ctx context.Context) error
}

// Suite exercises persistence semantics shared by all backends. NewStore must
// return an empty store with its schema in place.
type Suite struct {
	suite.Suite
	NewStore func(t *testing.T) Store

	store Store
	ctx   context.Context
	now   time.Time
}

func (s *Suite) SetupTest() {
	s.store = s.NewStore(s.T())
	s.ctx = context.Background()
	// Millisecond precision in UTC is what every backend round-trips exactly.
	s.now = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
}

func (s *Suite) pending(chatID id.ChatID, alias id.Alias, code string, expiresAt time.Time) *models.PendingVerification {
	return &models.PendingVerification{ChatID: chatID, CanonicalAlias: alias, Code: code, ExpiresAt: expiresAt}
}

func (s *Suite) TestEnsureSchemaIsIdempotent() {
	s.Require().NoError(s.store.EnsureSchema(s.ctx))
	s.Require().NoError(s.store.EnsureSchema(s.ctx))
}

func (s *Suite) TestLookup() {
	s.Run("unknown chat identity has neither row", func() {
		got, err := s.store.Lookup(s.ctx, "nobody")
		s.Require().NoError(err)
		s.Nil(got.Confirmed)
		s.Nil(got.Pending)
	})

	s.Run("returns pending row", func() {
		s.Require().NoError(s.store.UpsertPending(s.ctx, s.pending("u1", "alice2", "012345", s.now.Add(15*time.Minute))))

		got, err := s.store.Lookup(s.ctx, "u1")
		s.Require().NoError(err)
		s.Nil(got.Confirmed)
		s.Require().NotNil(got.Pending)
		s.Equal(id.Alias("alice2"), got.Pending.CanonicalAlias)
		s.Equal("012345", got.Pending.Code, "leading zeros preserved")
		s.True(got.Pending.ExpiresAt.Equal(s.now.Add(15 * time.Minute)))
	})
}

func (s *Suite) TestUpsertPendingReplacesRow() {
	s.Require().NoError(s.store.UpsertPending(s.ctx, s.pending("u1", "alice2", "111111", s.now.Add(time.Minute))))
	s.Require().NoError(s.store.UpsertPending(s.ctx, s.pending("u1", "bob", "222222", s.now.Add(15*time.Minute))))

	got, err := s.store.Lookup(s.ctx, "u1")
	s.Require().NoError(err)
	s.Require().NotNil(got.Pending)
	s.Equal(id.Alias("bob"), got.Pending.CanonicalAlias)
	s.Equal("222222", got.Pending.Code)
	s.True(got.Pending.ExpiresAt.Equal(s.now.Add(15 * time.Minute)))
}

func (s *Suite) TestFindActivePending() {
	expires := s.now.Add(15 * time.Minute)
	s.Require().NoError(s.store.UpsertPending(s.ctx, s.pending("u1", "alice2", "123456", expires)))

	s.Run("matching code before expiry", func() {
		got, err := s.store.FindActivePending(s.ctx, "u1", "123456", s.now)
		s.Require().NoError(err)
		s.Equal(id.Alias("alice2"), got.CanonicalAlias)
	})

	s.Run("wrong code", func() {
		_, err := s.store.FindActivePending(s.ctx, "u1", "654321", s.now)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("at expiry instant", func() {
		_, err := s.store.FindActivePending(s.ctx, "u1", "123456", expires)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("other chat identity", func() {
		_, err := s.store.FindActivePending(s.ctx, "u2", "123456", s.now)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *Suite) TestSweepExpired() {
	cutoff := s.now.Add(-15 * time.Minute)
	s.Require().NoError(s.store.UpsertPending(s.ctx, s.pending("old", "a", "000001", cutoff.Add(-time.Second))))
	s.Require().NoError(s.store.UpsertPending(s.ctx, s.pending("edge", "b", "000002", cutoff)))
	s.Require().NoError(s.store.UpsertPending(s.ctx, s.pending("grace", "c", "000003", cutoff.Add(time.Second))))
	s.Require().NoError(s.store.UpsertPending(s.ctx, s.pending("fresh", "d", "000004", s.now.Add(time.Minute))))

	n, err := s.store.SweepExpired(s.ctx, cutoff)
	s.Require().NoError(err)
	s.Equal(int64(2), n)

	for chatID, kept := range map[id.ChatID]bool{"old": false, "edge": false, "grace": true, "fresh": true} {
		got, err := s.store.Lookup(s.ctx, chatID)
		s.Require().NoError(err)
		s.Equal(kept, got.Pending != nil, "chat %s", chatID)
	}
}

func (s *Suite) TestDeletePendingIfCode() {
	s.Require().NoError(s.store.UpsertPending(s.ctx, s.pending("u1", "alice2", "111111", s.now.Add(time.Minute))))

	deleted, err := s.store.DeletePendingIfCode(s.ctx, "u1", "999999")
	s.Require().NoError(err)
	s.False(deleted, "newer code must survive")

	deleted, err = s.store.DeletePendingIfCode(s.ctx, "u1", "111111")
	s.Require().NoError(err)
	s.True(deleted)

	deleted, err = s.store.DeletePendingIfCode(s.ctx, "u1", "111111")
	s.Require().NoError(err)
	s.False(deleted)
}

func (s *Suite) TestConfirm() {
	s.Run("promotes pending to confirmed atomically", func() {
		s.Require().NoError(s.store.UpsertPending(s.ctx, s.pending("u1", "alice2", "111111", s.now.Add(time.Minute))))

		m, err := s.store.Confirm(s.ctx, "u1", "alice2", s.now)
		s.Require().NoError(err)
		s.Equal(id.ChatID("u1"), m.ChatID)
		s.Equal(id.Alias("alice2"), m.CanonicalAlias)

		got, err := s.store.Lookup(s.ctx, "u1")
		s.Require().NoError(err)
		s.Nil(got.Pending)
		s.Require().NotNil(got.Confirmed)
		s.Equal(id.Alias("alice2"), got.Confirmed.CanonicalAlias)
		s.True(got.Confirmed.ConfirmedAt.Equal(s.now))

		taken, err := s.store.IsAliasConfirmed(s.ctx, "alice2")
		s.Require().NoError(err)
		s.True(taken)
	})

	s.Run("alias held by another identity conflicts and writes nothing", func() {
		s.Require().NoError(s.store.UpsertPending(s.ctx, s.pending("u2", "alice2", "222222", s.now.Add(time.Minute))))

		_, err := s.store.Confirm(s.ctx, "u2", "alice2", s.now)
		s.ErrorIs(err, sentinel.ErrConflict)

		got, err := s.store.Lookup(s.ctx, "u2")
		s.Require().NoError(err)
		s.Nil(got.Confirmed)
		s.NotNil(got.Pending, "pending row untouched on conflict")

		holder, err := s.store.FindByAlias(s.ctx, "alice2")
		s.Require().NoError(err)
		s.Equal(id.ChatID("u1"), holder.ChatID)
	})

	s.Run("same identity re-confirming its alias is allowed", func() {
		_, err := s.store.Confirm(s.ctx, "u1", "alice2", s.now.Add(time.Hour))
		s.Require().NoError(err)
	})
}

func (s *Suite) TestConfirmConcurrentSameAlias() {
	const contenders = 8
	for i := range contenders {
		chatID := id.ChatID("c" + string(rune('a'+i)))
		s.Require().NoError(s.store.UpsertPending(s.ctx, s.pending(chatID, "shared", "000000", s.now.Add(time.Minute))))
	}

	var wg sync.WaitGroup
	results := make([]error, contenders)
	for i := range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chatID := id.ChatID("c" + string(rune('a'+i)))
			_, results[i] = s.store.Confirm(s.ctx, chatID, "shared", s.now)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, sentinel.ErrConflict):
		default:
			s.Failf("unexpected error", "%v", err)
		}
	}
	s.Equal(1, wins, "exactly one identity may hold an alias")
}

func (s *Suite) TestFindByAlias() {
	_, err := s.store.FindByAlias(s.ctx, "ghost")
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.Confirm(s.ctx, "u1", "alice2", s.now)
	s.Require().NoError(err)

	m, err := s.store.FindByAlias(s.ctx, "alice2")
	s.Require().NoError(err)
	s.Equal(id.ChatID("u1"), m.ChatID)
}

func (s *Suite) TestRemove() {
	_, err := s.store.Confirm(s.ctx, "u1", "alice2", s.now)
	s.Require().NoError(err)
	_, err = s.store.Confirm(s.ctx, "u2", "bob", s.now)
	s.Require().NoError(err)

	s.Run("by chat id", func() {
		m, err := s.store.RemoveByChatID(s.ctx, "u1")
		s.Require().NoError(err)
		s.Equal(id.Alias("alice2"), m.CanonicalAlias)

		taken, err := s.store.IsAliasConfirmed(s.ctx, "alice2")
		s.Require().NoError(err)
		s.False(taken)

		_, err = s.store.RemoveByChatID(s.ctx, "u1")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("by alias", func() {
		m, err := s.store.RemoveByAlias(s.ctx, "bob")
		s.Require().NoError(err)
		s.Equal(id.ChatID("u2"), m.ChatID)

		_, err = s.store.RemoveByAlias(s.ctx, "bob")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}
