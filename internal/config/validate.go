package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks driver names and duration fields. It never touches the network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Dedup.Driver)) {
	case "", "memory", "store":
	case "redis":
		if strings.TrimSpace(cfg.Dedup.RedisAddr) == "" && strings.TrimSpace(cfg.Dedup.RedisURL) == "" {
			errs = append(errs, errors.New("dedup: redis_addr or redis_url required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("dedup.driver: unknown %q", cfg.Dedup.Driver))
	}

	durations := map[string]string{
		"storage.busy_timeout":        cfg.Storage.BusyTimeout,
		"scheduler.submit_timeout":    cfg.Scheduler.SubmitTimeout,
		"task_engine.default_timeout": cfg.TaskEngine.DefaultTimeout,
		"task_engine.max_queue_delay": cfg.TaskEngine.MaxQueueDelay,
		"reminder.inline_horizon":     cfg.Reminder.InlineHorizon,
		"reminder.sweep_start":        cfg.Reminder.SweepStart,
		"reminder.sweep_end":          cfg.Reminder.SweepEnd,
		"reminder.snapshot_tolerance": cfg.Reminder.SnapshotTolerance,
		"reminder.late_tolerance":     cfg.Reminder.LateTolerance,
		"reminder.dedup_ttl":          cfg.Reminder.DedupTTL,
		"reminder.task_timeout":       cfg.Reminder.TaskTimeout,
		"channels.telegram.timeout":   cfg.Channels.Telegram.Timeout,
		"ops.read_timeout":            cfg.Ops.ReadTimeout,
		"ops.write_timeout":           cfg.Ops.WriteTimeout,
		"ops.idle_timeout":            cfg.Ops.IdleTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	start, _ := ParseDurationField("reminder.sweep_start", cfg.Reminder.SweepStart)
	end, _ := ParseDurationField("reminder.sweep_end", cfg.Reminder.SweepEnd)
	if start > 0 && end > 0 && end <= start {
		errs = append(errs, errors.New("reminder: sweep_end must be after sweep_start"))
	}

	if cfg.Channels.Email.Enabled && (strings.TrimSpace(cfg.Channels.Email.Host) == "" || strings.TrimSpace(cfg.Channels.Email.From) == "") {
		errs = append(errs, errors.New("channels.email: host and from required when enabled"))
	}

	return errors.Join(errs...)
}
