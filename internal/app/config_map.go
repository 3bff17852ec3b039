package app

import (
	"fmt"
	"strings"
	"time"

	"remindd/internal/channel"
	"remindd/internal/config"
	"remindd/internal/dedup"
	"remindd/internal/observability/ops"
	"remindd/internal/reminder"
	"remindd/internal/storage"
	"remindd/internal/task/engine"
	"remindd/internal/task/scheduler"
	logx "remindd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = "./remindd.db"
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        path,
		DSN:         sc.DSN,
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapDedupConfig(cfg *config.Config) dedup.Config {
	dc := cfg.Dedup
	return dedup.Config{
		Driver:        dc.Driver,
		MaxEntries:    dc.MaxEntries,
		RedisAddr:     dc.RedisAddr,
		RedisURL:      dc.RedisURL,
		RedisDB:       dc.RedisDB,
		RedisPassword: dc.RedisPassword,
		KeyPrefix:     dc.KeyPrefix,
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	tc := cfg.TaskEngine
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", tc.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", tc.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		// Reminders are delivered through the engine, so it runs whenever the scheduler does.
		Enabled:        cfg.Scheduler.Enabled,
		Workers:        tc.Workers,
		QueueSize:      tc.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    tc.HistorySize,
		RetryMax:       tc.RetryMax,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	submit, err := config.ParseDurationField("scheduler.submit_timeout", cfg.Scheduler.SubmitTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:       cfg.Scheduler.Enabled,
		Timezone:      cfg.Scheduler.Timezone,
		SubmitTimeout: submit,
	}, nil
}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	rc := cfg.Reminder
	def := reminder.DefaultConfig()
	out := reminder.Config{SweepSchedule: strings.TrimSpace(rc.SweepSchedule), RecoverOnStart: def.RecoverOnStart}
	if rc.RecoverOnStart != nil {
		out.RecoverOnStart = *rc.RecoverOnStart
	}

	fields := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"reminder.inline_horizon", rc.InlineHorizon, def.InlineHorizon, &out.InlineHorizon},
		{"reminder.sweep_start", rc.SweepStart, def.SweepStart, &out.SweepStart},
		{"reminder.sweep_end", rc.SweepEnd, def.SweepEnd, &out.SweepEnd},
		{"reminder.snapshot_tolerance", rc.SnapshotTolerance, def.SnapshotTolerance, &out.SnapshotTolerance},
		{"reminder.late_tolerance", rc.LateTolerance, def.LateTolerance, &out.LateTolerance},
		{"reminder.dedup_ttl", rc.DedupTTL, def.DedupTTL, &out.DedupTTL},
		{"reminder.task_timeout", rc.TaskTimeout, def.TaskTimeout, &out.TaskTimeout},
	}
	for _, f := range fields {
		d, err := config.ParseDurationOrDefault(f.path, f.raw, f.def)
		if err != nil {
			return reminder.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

func mapTelegramConfig(cfg *config.Config) (channel.TelegramConfig, error) {
	timeout, err := config.ParseDurationOrDefault("channels.telegram.timeout", cfg.Channels.Telegram.Timeout, 10*time.Second)
	if err != nil {
		return channel.TelegramConfig{}, err
	}
	return channel.TelegramConfig{APIURL: cfg.Channels.Telegram.APIURL, Timeout: timeout}, nil
}

func mapEmailConfig(cfg *config.Config) channel.EmailConfig {
	ec := cfg.Channels.Email
	port := ec.Port
	if port == 0 {
		port = 587
	}
	return channel.EmailConfig{
		Enabled:  ec.Enabled,
		Host:     ec.Host,
		Port:     port,
		Username: ec.Username,
		Password: ec.Password,
		From:     ec.From,
		Subject:  ec.Subject,
	}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:              oc.Enabled,
		Addr:                 strings.TrimSpace(oc.Addr),
		Prefix:               strings.TrimSpace(oc.Prefix),
		Token:                strings.TrimSpace(oc.Token),
		AllowInsecure:        oc.AllowInsecure,
		MutexProfileFraction: oc.MutexProfileFraction,
		BlockProfileRate:     oc.BlockProfileRate,
	}
	if out.Addr == "" {
		out.Addr = ops.DefaultAddr
	}
	if out.Prefix == "" {
		out.Prefix = ops.DefaultPrefix
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", oc.WriteTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 120*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.MutexProfileFraction < 0 || out.BlockProfileRate < 0 {
		return ops.Config{}, fmt.Errorf("ops: profile rates must be >= 0")
	}
	return out, out.Validate()
}
