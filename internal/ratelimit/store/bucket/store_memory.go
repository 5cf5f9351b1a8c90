package bucket

import (
	"context"
	"sync"
	"time"

	"idlink/internal/ratelimit/models"
	"idlink/pkg/requestcontext"
)

// InMemoryBucketStore implements a sliding window limiter in process memory.
// Used for single-instance deployments; RedisBucketStore serves shared ones.
type InMemoryBucketStore struct {
	mu        sync.Mutex
	buckets   map[string]*slidingWindow
	nextSweep time.Time
}

// slidingWindow tracks attempt timestamps. A sliding window, rather than a
// fixed one, prevents bursts at window boundaries.
type slidingWindow struct {
	timestamps []time.Time
	window     time.Duration
}

func NewInMemoryBucketStore() *InMemoryBucketStore {
	return &InMemoryBucketStore{
		buckets: make(map[string]*slidingWindow),
	}
}

// Allow records an attempt when it fits in the window and reports the outcome.
// Windows with no attempts left inside them are dropped, at most one window
// after they empty.
func (s *InMemoryBucketStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error) {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !now.Before(s.nextSweep) {
		s.sweep(now)
		s.nextSweep = now.Add(window)
	}

	sw := s.getOrCreateBucket(key, window)
	sw.cleanup(now)
	if len(sw.timestamps) >= limit {
		return &models.RateLimitResult{Allowed: false, Limit: limit}, nil
	}
	sw.timestamps = append(sw.timestamps, now)
	return &models.RateLimitResult{Allowed: true, Limit: limit}, nil
}

// sweep trims every window and deletes the ones with nothing left. Must be
// called while holding s.mu.
func (s *InMemoryBucketStore) sweep(now time.Time) {
	for key, sw := range s.buckets {
		sw.cleanup(now)
		if len(sw.timestamps) == 0 {
			delete(s.buckets, key)
		}
	}
}

func (sw *slidingWindow) cleanup(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for ; i < len(sw.timestamps); i++ {
		if sw.timestamps[i].After(cutoff) {
			break
		}
	}
	sw.timestamps = sw.timestamps[i:]
}

// getOrCreateBucket must be called while holding s.mu.
func (s *InMemoryBucketStore) getOrCreateBucket(key string, window time.Duration) *slidingWindow {
	if sw := s.buckets[key]; sw != nil {
		return sw
	}
	sw := &slidingWindow{window: window}
	s.buckets[key] = sw
	return sw
}
