package bucket

import (
	"context"
	"sync"
	"time"

	"gatekeeper/internal/ratelimit/models"
	psync "gatekeeper/pkg/platform/sync"
	"gatekeeper/pkg/requestcontext"
)

// InMemoryBucketStore implements BucketStore with per-key sliding windows.
// Counters are local to the process; multi-instance deployments use the
// redis or postgres store. mu guards the map; each window is guarded by its
// key's shard in locks, always taken before mu.
type InMemoryBucketStore struct {
	mu      sync.RWMutex
	buckets map[string]*slidingWindow
	locks   *psync.ShardedMutex
}

// slidingWindow keeps the timestamps of admitted requests.
type slidingWindow struct {
	timestamps []time.Time
	window     time.Duration
}

func (sw *slidingWindow) tryConsume(limit int, now time.Time) (allowed bool, remaining int, resetAt time.Time) {
	sw.cleanupExpired(now)

	if len(sw.timestamps)+1 > limit {
		if len(sw.timestamps) == 0 {
			return false, 0, now.Add(sw.window)
		}
		return false, 0, sw.timestamps[0].Add(sw.window)
	}

	sw.timestamps = append(sw.timestamps, now)
	return true, limit - len(sw.timestamps), sw.timestamps[0].Add(sw.window)
}

func (sw *slidingWindow) count(now time.Time) int {
	sw.cleanupExpired(now)
	return len(sw.timestamps)
}

func (sw *slidingWindow) cleanupExpired(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for ; i < len(sw.timestamps); i++ {
		if sw.timestamps[i].After(cutoff) {
			break
		}
	}
	sw.timestamps = sw.timestamps[i:]
}

func NewInMemoryBucketStore() *InMemoryBucketStore {
	return &InMemoryBucketStore{
		buckets: make(map[string]*slidingWindow),
		locks:   psync.NewShardedMutex(),
	}
}

// Allow checks the window for key and records the request when admitted.
func (s *InMemoryBucketStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error) {
	now := requestcontext.Now(ctx)

	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	bucket := s.bucket(key, window)
	allowed, remaining, resetAt := bucket.tryConsume(limit, now)

	return &models.RateLimitResult{
		Allowed:    allowed,
		Limit:      limit,
		Remaining:  remaining,
		ResetAt:    resetAt,
		RetryAfter: retryAfterSeconds(allowed, resetAt, now),
	}, nil
}

// bucket returns the window for key, creating it. Callers hold key's shard.
func (s *InMemoryBucketStore) bucket(key string, window time.Duration) *slidingWindow {
	s.mu.RLock()
	bucket, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return bucket
	}
	bucket = &slidingWindow{window: window}
	s.mu.Lock()
	s.buckets[key] = bucket
	s.mu.Unlock()
	return bucket
}

func (s *InMemoryBucketStore) Reset(_ context.Context, key string) error {
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	s.mu.Lock()
	delete(s.buckets, key)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryBucketStore) GetCurrentCount(ctx context.Context, key string) (int, error) {
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	s.mu.RLock()
	bucket, ok := s.buckets[key]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	return bucket.count(requestcontext.Now(ctx)), nil
}

// Sweep drops buckets whose window holds no admitted requests. Each key is
// rechecked under its shard so a concurrent Allow is never lost.
func (s *InMemoryBucketStore) Sweep(ctx context.Context) (int, error) {
	now := requestcontext.Now(ctx)

	s.mu.RLock()
	keys := make([]string, 0, len(s.buckets))
	for key := range s.buckets {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	removed := 0
	for _, key := range keys {
		s.locks.With(key, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if bucket, ok := s.buckets[key]; ok && bucket.count(now) == 0 {
				delete(s.buckets, key)
				removed++
			}
		})
	}
	return removed, nil
}

// retryAfterSeconds rounds up so a client honouring it never retries early.
func retryAfterSeconds(allowed bool, resetAt, now time.Time) int {
	if allowed {
		return 0
	}
	d := resetAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
