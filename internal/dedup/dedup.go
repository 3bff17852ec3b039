// Package dedup keeps short-lived "already notified" markers.
//
// Drivers:
//   - memory: process-local map with expiry and a size cap
//   - store: the storage driver's dedup table (survives restarts)
//   - redis: shared across processes
package dedup

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	logx "remindd/pkg/logx"
)

// Store is a boolean key/value cache with per-key expiry.
type Store interface {
	Get(ctx context.Context, key string) (value bool, ok bool, err error)
	Set(ctx context.Context, key string, value bool, ttl time.Duration) error
	Close() error
}

const notificationPrefix = "todo_notification_sent_"

// NotificationKey is the marker set after a reminder for item id was delivered.
func NotificationKey(id int64) string {
	return notificationPrefix + strconv.FormatInt(id, 10)
}

type Config struct {
	Driver     string
	MaxEntries int

	RedisAddr     string
	RedisURL      string
	RedisDB       int
	RedisPassword string
	KeyPrefix     string
}

// Backend is the persistence surface the "store" driver needs.
type Backend interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Open returns the configured driver. backend may be nil unless Driver is "store".
func Open(ctx context.Context, cfg Config, backend Backend, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(cfg.MaxEntries), nil
	case "store":
		if backend == nil {
			return nil, errors.New("dedup: store driver needs a storage backend")
		}
		return NewBackendStore(backend), nil
	case "redis":
		return OpenRedis(ctx, cfg, log)
	default:
		return nil, errors.New("dedup: unknown driver: " + cfg.Driver)
	}
}
