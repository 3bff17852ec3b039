package dedup

import (
	"context"
	"time"
)

// BackendStore keeps markers in the storage driver's dedup table.
// Only true values are representable; Set(false) clears the marker.
type BackendStore struct {
	b   Backend
	now func() time.Time
}

func NewBackendStore(b Backend) *BackendStore {
	return &BackendStore{b: b, now: time.Now}
}

func (s *BackendStore) Get(ctx context.Context, key string) (bool, bool, error) {
	until, ok, err := s.b.GetDedup(ctx, key)
	if err != nil || !ok {
		return false, false, err
	}
	if !s.now().Before(until) {
		return false, false, nil
	}
	return true, true, nil
}

func (s *BackendStore) Set(ctx context.Context, key string, value bool, ttl time.Duration) error {
	until := s.now().Add(ttl)
	if !value {
		until = s.now()
	}
	return s.b.PutDedup(ctx, key, until)
}

// Close is a no-op; the backend is owned by the storage layer.
func (s *BackendStore) Close() error { return nil }
