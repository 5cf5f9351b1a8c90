//go:build integration

package bucket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"idlink/pkg/requestcontext"
	"idlink/pkg/testutil/containers"
)

type RedisBucketStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *RedisBucketStore
}

func TestRedisBucketStoreSuite(t *testing.T) {
	suite.Run(t, new(RedisBucketStoreSuite))
}

func (s *RedisBucketStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.store = NewRedisBucketStore(s.redis.Client)
}

func (s *RedisBucketStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisBucketStoreSuite) TestAllow() {
	now := time.Now()
	ctx := requestcontext.WithTime(context.Background(), now)

	s.Run("allows up to limit then denies", func() {
		for range 3 {
			result, err := s.store.Allow(ctx, "rl:begin:42", 3, time.Minute)
			s.Require().NoError(err)
			s.True(result.Allowed)
		}
		result, err := s.store.Allow(ctx, "rl:begin:42", 3, time.Minute)
		s.Require().NoError(err)
		s.False(result.Allowed)
	})

	s.Run("window slides", func() {
		later := requestcontext.WithTime(context.Background(), now.Add(time.Minute+time.Second))
		result, err := s.store.Allow(later, "rl:begin:42", 3, time.Minute)
		s.Require().NoError(err)
		s.True(result.Allowed)
	})

	s.Run("bucket key carries the window as ttl", func() {
		ttl, err := s.redis.Client.PTTL(ctx, "rl:begin:42").Result()
		s.Require().NoError(err)
		s.Positive(ttl)
		s.LessOrEqual(ttl, time.Minute)
	})
}
