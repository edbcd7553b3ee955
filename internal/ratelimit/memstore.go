package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryWindowStore is an in-process RateWindowStore for single-worker
// deployments and tests. Same per-second bucket approximation as the
// Postgres store, one mutex instead of a key-row lock.
type MemoryWindowStore struct {
	mu      sync.Mutex
	buckets map[string]map[int64]int64
	now     func() time.Time
}

// NewMemoryWindowStore creates an empty in-memory window store.
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{
		buckets: make(map[string]map[int64]int64),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *MemoryWindowStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// TryAcquire admits cost units under (ceiling, window) for key.
func (m *MemoryWindowStore) TryAcquire(_ context.Context, key string, cost, ceiling int64, window time.Duration) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	bucket := now.Unix()
	windowSecs := int64(window / time.Second)
	if windowSecs < 1 {
		windowSecs = 1
	}
	oldest := bucket - windowSecs + 1

	kb := m.buckets[key]
	if kb == nil {
		kb = make(map[int64]int64)
		m.buckets[key] = kb
	}

	var used int64
	var oldestCounted int64 = -1
	for b, c := range kb {
		if b < oldest {
			delete(kb, b)
			continue
		}
		used += c
		if oldestCounted < 0 || b < oldestCounted {
			oldestCounted = b
		}
	}

	if used+cost > ceiling {
		retryAfter := time.Second
		if oldestCounted >= 0 {
			if d := time.Unix(oldestCounted+windowSecs, 0).Sub(now); d > retryAfter {
				retryAfter = d
			}
		}
		return false, retryAfter, nil
	}

	kb[bucket] += cost
	return true, 0, nil
}
