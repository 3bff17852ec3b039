package dedup

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "remindd/pkg/logx"
)

type Redis struct {
	rdb    *redis.Client
	prefix string
}

// OpenRedis connects using RedisURL when set, otherwise RedisAddr.
func OpenRedis(ctx context.Context, cfg Config, log logx.Logger) (*Redis, error) {
	var opt *redis.Options
	if u := strings.TrimSpace(cfg.RedisURL); u != "" {
		o, err := redis.ParseURL(u)
		if err != nil {
			return nil, err
		}
		opt = o
	} else {
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, errors.New("dedup: redis_addr or redis_url is required")
		}
		opt = &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	}

	rdb := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	log.Info("dedup redis connected", logx.String("addr", opt.Addr), logx.Int("db", opt.DB))
	return NewRedis(rdb, cfg.KeyPrefix), nil
}

func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (s *Redis) Get(ctx context.Context, key string) (bool, bool, error) {
	v, err := s.rdb.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return v == "1", true, nil
}

func (s *Redis) Set(ctx context.Context, key string, value bool, ttl time.Duration) error {
	v := "0"
	if value {
		v = "1"
	}
	return s.rdb.Set(ctx, s.prefix+key, v, ttl).Err()
}

func (s *Redis) Close() error { return s.rdb.Close() }
