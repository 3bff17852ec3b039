package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindd/internal/task/engine"
	logx "remindd/pkg/logx"
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"

	// SubmitTimeout bounds how long a firing one-shot timer waits for queue space.
	SubmitTimeout time.Duration
}

// Executor is the part of the task engine the scheduler feeds.
type Executor interface {
	Enqueue(t engine.Task) error
	Submit(ctx context.Context, t engine.Task) error
}

type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Job is the unit the scheduler hands to the engine.
type Job = func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string // cron spec, "@every" for intervals
	every   time.Duration
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	opt     TaskOptions
	state   *engine.RunState
}

type onceDef struct {
	at      time.Time
	timeout time.Duration
	job     Job
	opt     TaskOptions
	ver     uint64
	timer   *time.Timer
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	exec Executor

	parser cron.Parser
	c      *cron.Cron
	runCtx context.Context
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	tmu     sync.Mutex
	once    map[string]*onceDef
	onceSeq uint64
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}
