package storage

import (
	"context"
	"errors"
	"time"

	"remindd/internal/channel"
	"remindd/internal/todo"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": database file at Path (default)
//   - "postgres": server at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only; 0 means pgx default
}

// Store is the persistence API used by the todo repository and the reminder flow.
type Store interface {
	todo.Store

	// ResolveUserChannels returns the channels linked to the user's
	// notificator settings, in link order. No settings means no channels.
	ResolveUserChannels(ctx context.Context, userID int64) ([]channel.Channel, error)
	CreateChannel(ctx context.Context, ch channel.Channel) (channel.Channel, error)
	// SetUserChannels replaces the user's linked channels.
	SetUserChannels(ctx context.Context, userID int64, channelIDs []int64) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
