package reminder

import "time"

type Config struct {
	// InlineHorizon is the band (0, InlineHorizon] scheduled directly on save.
	InlineHorizon time.Duration
	// The sweep picks up items due in [now+SweepStart, now+SweepEnd).
	SweepStart    time.Duration
	SweepEnd      time.Duration
	SweepSchedule string

	SnapshotTolerance time.Duration
	LateTolerance     time.Duration
	DedupTTL          time.Duration
	TaskTimeout       time.Duration

	RecoverOnStart bool
}

func DefaultConfig() Config {
	return Config{
		InlineHorizon:     time.Hour,
		SweepStart:        time.Hour,
		SweepEnd:          2 * time.Hour,
		SweepSchedule:     "0 * * * *",
		SnapshotTolerance: 10 * time.Second,
		LateTolerance:     5 * time.Minute,
		DedupTTL:          5 * time.Minute,
		TaskTimeout:       30 * time.Second,
		RecoverOnStart:    true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InlineHorizon <= 0 {
		c.InlineHorizon = d.InlineHorizon
	}
	if c.SweepStart <= 0 {
		c.SweepStart = d.SweepStart
	}
	if c.SweepEnd <= c.SweepStart {
		c.SweepEnd = c.SweepStart + time.Hour
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = d.SweepSchedule
	}
	if c.SnapshotTolerance <= 0 {
		c.SnapshotTolerance = d.SnapshotTolerance
	}
	if c.LateTolerance <= 0 {
		c.LateTolerance = d.LateTolerance
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = d.DedupTTL
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	return c
}
