package bucket

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"idlink/internal/ratelimit/models"
	"idlink/pkg/requestcontext"
)

// slidingWindowScript trims the sorted set to the window, then adds the
// attempt only if it fits. Running it as one script keeps check-and-add atomic
// across service instances.
//
// KEYS[1] bucket key; ARGV: now(ms), window(ms), limit, member
// Returns allowed(0|1).
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  allowed = 1
end
redis.call('PEXPIRE', key, window)
return allowed
`)

// RedisBucketStore implements the sliding window limiter on a Redis sorted set.
type RedisBucketStore struct {
	client redis.Cmdable
}

func NewRedisBucketStore(client redis.Cmdable) *RedisBucketStore {
	return &RedisBucketStore{client: client}
}

func (s *RedisBucketStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error) {
	now := requestcontext.Now(ctx)
	allowed, err := slidingWindowScript.Run(ctx, s.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString()).Int64()
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}
	return &models.RateLimitResult{Allowed: allowed == 1, Limit: limit}, nil
}
