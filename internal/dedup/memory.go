package dedup

import (
	"context"
	"sync"
	"time"
)

const defaultMaxEntries = 2000

type memEntry struct {
	value bool
	until time.Time
}

// Memory is a process-local Store.
type Memory struct {
	max int
	now func() time.Time

	mu sync.Mutex
	m  map[string]memEntry
}

func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Memory{max: maxEntries, now: time.Now, m: map[string]memEntry{}}
}

func (s *Memory) Get(_ context.Context, key string) (bool, bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok {
		return false, false, nil
	}
	if !now.Before(e.until) {
		delete(s.m, key)
		return false, false, nil
	}
	return e.value, true, nil
}

func (s *Memory) Set(_ context.Context, key string, value bool, ttl time.Duration) error {
	if key == "" || ttl <= 0 {
		return nil
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = memEntry{value: value, until: now.Add(ttl)}
	s.pruneLocked(now)
	return nil
}

// pruneLocked drops expired entries, then the earliest-expiring ones until within cap.
func (s *Memory) pruneLocked(now time.Time) {
	for k, e := range s.m {
		if !now.Before(e.until) {
			delete(s.m, k)
		}
	}
	for len(s.m) > s.max {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, e := range s.m {
			if !set || e.until.Before(minT) {
				minKey, minT, set = k, e.until, true
			}
		}
		if !set {
			break
		}
		delete(s.m, minKey)
	}
}

func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *Memory) Close() error { return nil }
