package dedup

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	logx "remindd/pkg/logx"
)

func TestNotificationKey(t *testing.T) {
	if got := NotificationKey(42); got != "todo_notification_sent_42" {
		t.Fatalf("NotificationKey(42) = %q", got)
	}
}

func TestMemoryExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("empty store reported a hit")
	}
	_ = m.Set(ctx, "k", true, 300*time.Second)
	if v, ok, _ := m.Get(ctx, "k"); !ok || !v {
		t.Fatalf("Get = %v, %v", v, ok)
	}

	now = now.Add(300 * time.Second)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("entry survived its ttl")
	}
}

func TestMemoryCapEvictsEarliest(t *testing.T) {
	t.Parallel()

	m := NewMemory(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = m.Set(ctx, fmt.Sprintf("k%d", i), true, time.Duration(i+1)*time.Minute)
	}
	if m.Len() != 3 {
		t.Fatalf("Len = %d, want 3", m.Len())
	}
	if _, ok, _ := m.Get(ctx, "k0"); ok {
		t.Fatal("earliest entry should be evicted")
	}
	if _, ok, _ := m.Get(ctx, "k4"); !ok {
		t.Fatal("latest entry missing")
	}
}

type fakeBackend struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (b *fakeBackend) PutDedup(_ context.Context, key string, until time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.m == nil {
		b.m = map[string]time.Time{}
	}
	b.m[key] = until
	return nil
}

func (b *fakeBackend) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.m[key]
	return u, ok, nil
}

func TestBackendStore(t *testing.T) {
	t.Parallel()

	s, err := Open(context.Background(), Config{Driver: "store"}, &fakeBackend{}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	key := NotificationKey(7)
	_ = s.Set(ctx, key, true, time.Minute)
	if v, ok, _ := s.Get(ctx, key); !ok || !v {
		t.Fatalf("Get after Set = %v, %v", v, ok)
	}
	_ = s.Set(ctx, key, false, time.Minute)
	if _, ok, _ := s.Get(ctx, key); ok {
		t.Fatal("Set(false) should clear the marker")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "etcd"}, nil, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(context.Background(), Config{Driver: "store"}, nil, logx.Nop()); err == nil {
		t.Fatal("store driver without backend should fail")
	}
}

func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("REMINDD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("REMINDD_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	s, err := OpenRedis(ctx, Config{RedisAddr: addr, KeyPrefix: fmt.Sprintf("remindd-test-%d:", time.Now().UnixNano())}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	defer s.Close()

	key := NotificationKey(1)
	if _, ok, err := s.Get(ctx, key); err != nil || ok {
		t.Fatalf("fresh Get = %v, %v", ok, err)
	}
	if err := s.Set(ctx, key, true, 5*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, err := s.Get(ctx, key); err != nil || !ok || !v {
		t.Fatalf("Get = %v, %v, %v", v, ok, err)
	}
}
