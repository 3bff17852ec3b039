// Package reminder schedules and delivers due-date reminders for todo items.
//
// Two paths put an item into QUEUED. The inline trigger runs on every save
// that sets or changes a due date and schedules items due within the inline
// horizon. The hourly sweep catches items due one to two hours out. Either
// way a one-shot dispatch task is armed for the due instant; at fire time it
// re-reads the item and only sends if nothing moved underneath it.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"remindd/internal/channel"
	"remindd/internal/dedup"
	"remindd/internal/eventbus"
	"remindd/internal/task/engine"
	"remindd/internal/todo"
	logx "remindd/pkg/logx"
)

// Items is the slice of the todo repository the reminder flow uses.
type Items interface {
	GetByID(ctx context.Context, id int64) (todo.Item, error)
	FilterByDueRange(ctx context.Context, start, end time.Time) ([]todo.Item, error)
	UpdateFields(ctx context.Context, id int64, p todo.StatePatch) error
}

type ChannelResolver interface {
	ResolveUserChannels(ctx context.Context, userID int64) ([]channel.Channel, error)
}

type Notifier interface {
	NotifyAll(ctx context.Context, chs []channel.Channel, msg string) channel.Report
}

// Scheduler arms one-shot and recurring jobs.
type Scheduler interface {
	AddOnceOpt(name string, at time.Time, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) (string, error)
	AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) (string, error)
}

type Deps struct {
	Items     Items
	Channels  ChannelResolver
	Notifier  Notifier
	Dedup     dedup.Store
	Scheduler Scheduler
	Log       logx.Logger
	Bus       eventbus.Bus
	// Now defaults to time.Now.
	Now func() time.Time
}

// Event is the payload of reminder.* bus events.
type Event struct {
	ItemID int64
	Due    time.Time
	At     time.Time
	Reason string
}

const sweepJobName = "reminder.sweep"

type Service struct {
	cfg   Config
	items Items
	chs   ChannelResolver
	ntf   Notifier
	dd    dedup.Store
	sched Scheduler
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
}

func New(cfg Config, d Deps) (*Service, error) {
	if d.Items == nil || d.Channels == nil || d.Notifier == nil || d.Dedup == nil || d.Scheduler == nil {
		return nil, errors.New("reminder: items, channels, notifier, dedup and scheduler are required")
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		items: d.Items,
		chs:   d.Channels,
		ntf:   d.Notifier,
		dd:    d.Dedup,
		sched: d.Scheduler,
		log:   d.Log.With(logx.String("comp", "reminder")),
		bus:   d.Bus,
		now:   d.Now,
	}, nil
}

func (s *Service) Config() Config { return s.cfg }

// OnItemSaved is the todo save hook. It runs the inline trigger when a due
// date was established or changed.
func (s *Service) OnItemSaved(ctx context.Context, prev *todo.Item, cur todo.Item) {
	if !cur.HasDueDate() {
		return
	}
	if prev != nil && cur.SameDue(*prev) {
		return
	}
	if _, err := s.Trigger(ctx, cur); err != nil {
		s.log.Error("inline trigger failed", logx.Int64("item_id", cur.ID), logx.Err(err))
	}
}

// Trigger schedules a dispatch for it when it is eligible, IDLE and due
// within the inline horizon. It reports whether a dispatch was scheduled.
func (s *Service) Trigger(ctx context.Context, it todo.Item) (bool, error) {
	now := s.now()
	if !it.Eligible(now) {
		if it.HasDueDate() && !it.DueDate.After(now) {
			s.log.Info("due date already passed, not scheduling", logx.Int64("item_id", it.ID), logx.Time("due", *it.DueDate))
		}
		return false, nil
	}
	if err := Transition(StateOf(it), StateQueued); err != nil {
		s.log.Debug("reminder already owned", logx.Int64("item_id", it.ID), logx.String("state", StateOf(it).String()))
		return false, nil
	}

	left := it.DueIn(now)
	if left > s.cfg.InlineHorizon {
		s.log.Debug("left for sweep", logx.Int64("item_id", it.ID), logx.Duration("due_in", left))
		return false, nil
	}
	if err := s.queue(ctx, it, left); err != nil {
		return false, err
	}
	return true, nil
}

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Start     time.Time
	End       time.Time
	Found     int
	Scheduled int
	Skipped   int
	Failed    int
}

// Sweep schedules dispatches for IDLE items due in [now+SweepStart, now+SweepEnd).
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	now := s.now()
	rep := SweepReport{Start: now.Add(s.cfg.SweepStart), End: now.Add(s.cfg.SweepEnd)}

	items, err := s.items.FilterByDueRange(ctx, rep.Start, rep.End)
	if err != nil {
		return rep, fmt.Errorf("sweep query: %w", err)
	}
	rep.Found = len(items)

	var errs []error
	for _, it := range items {
		if it.IsCompleted || it.NotificationSent || it.NotificationQueued || it.Column.IsClosed() {
			rep.Skipped++
			continue
		}
		left := it.DueIn(s.now())
		if left <= 0 {
			s.log.Warn("sweep found stale item", logx.Int64("item_id", it.ID), logx.Duration("due_in", left))
			rep.Skipped++
			continue
		}
		if err := s.queue(ctx, it, left); err != nil {
			rep.Failed++
			errs = append(errs, err)
			continue
		}
		rep.Scheduled++
	}

	s.log.Info(fmt.Sprintf("Scheduled %d notifications. Found %d todos", rep.Scheduled, rep.Found),
		logx.Time("window_start", rep.Start),
		logx.Time("window_end", rep.End),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
	)
	return rep, errors.Join(errs...)
}

// queue arms the dispatch and then marks the item QUEUED.
func (s *Service) queue(ctx context.Context, it todo.Item, delay time.Duration) error {
	due := *it.DueDate
	if err := s.ScheduleDispatch(ctx, it.ID, due, delay); err != nil {
		return err
	}
	if err := s.items.UpdateFields(ctx, it.ID, todo.MarkQueued()); err != nil {
		return fmt.Errorf("mark item %d queued: %w", it.ID, err)
	}
	s.publish(eventbus.ReminderScheduled, Event{ItemID: it.ID, Due: due, At: s.now().Add(delay)})
	s.log.Info("reminder.scheduled", logx.Int64("item_id", it.ID), logx.Time("due", due), logx.Duration("countdown", delay))
	return nil
}

// ScheduleDispatch arms a dispatch for id to fire after delay.
func (s *Service) ScheduleDispatch(ctx context.Context, id int64, snapshot time.Time, delay time.Duration) error {
	return s.ScheduleDispatchAt(ctx, id, snapshot, s.now().Add(max(delay, 0)))
}

// ScheduleDispatchAt arms a dispatch for id to fire at at. Every call gets its
// own task name; obsolete tasks cancel themselves at fire time.
func (s *Service) ScheduleDispatchAt(_ context.Context, id int64, snapshot, at time.Time) error {
	name := fmt.Sprintf("todo.notify:%d:%s", id, uuid.NewString())
	_, err := s.sched.AddOnceOpt(name, at, s.cfg.TaskTimeout, engine.TaskOptions{RetryMax: 2}, func(ctx context.Context) error {
		return s.runDispatch(ctx, id, snapshot)
	})
	if err != nil {
		return fmt.Errorf("schedule dispatch for item %d: %w", id, err)
	}
	return nil
}

func (s *Service) runDispatch(ctx context.Context, id int64, snapshot time.Time) error {
	err := s.Dispatch(ctx, id, snapshot)
	if err == nil {
		return nil
	}
	if IsSkip(err) {
		lvl := s.log.Info
		if errors.Is(err, ErrNoChannelsConfigured) {
			lvl = s.log.Warn
		}
		lvl("reminder.skipped", logx.Int64("item_id", id), logx.String("reason", err.Error()))
		s.publish(eventbus.ReminderSkipped, Event{ItemID: id, Due: snapshot, At: s.now(), Reason: err.Error()})
		return nil
	}
	s.log.Error("reminder dispatch failed", logx.Int64("item_id", id), logx.Err(err))
	return err
}

// Dispatch re-validates the item and delivers the reminder. It returns nil
// after a delivery, a skip error (see IsSkip) when the reminder no longer
// applies, or a failure.
func (s *Service) Dispatch(ctx context.Context, id int64, snapshot time.Time) error {
	now := s.now()

	it, err := s.items.GetByID(ctx, id)
	if errors.Is(err, todo.ErrNotFound) {
		return fmt.Errorf("%w: id=%d", ErrItemNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load item %d: %w", id, err)
	}
	if it.IsCompleted {
		return stale("item %d completed", id)
	}
	if !it.HasDueDate() {
		return stale("item %d due date cleared", id)
	}
	if it.Column.IsClosed() {
		return stale("item %d in column %s", id, it.Column)
	}
	due := *it.DueDate
	if drift := due.Sub(snapshot).Abs(); drift > s.cfg.SnapshotTolerance {
		return stale("item %d due date moved by %s", id, drift)
	}
	if late := now.Sub(due); late > s.cfg.LateTolerance {
		return stale("item %d fired %s after due", id, late.Truncate(time.Second))
	}

	key := dedup.NotificationKey(id)
	if v, ok, err := s.dd.Get(ctx, key); err != nil {
		s.log.Warn("dedup lookup failed, sending anyway", logx.String("key", key), logx.Err(err))
	} else if ok && v {
		return fmt.Errorf("%w: id=%d", ErrAlreadySent, id)
	}

	chs, err := s.chs.ResolveUserChannels(ctx, it.UserID)
	if err != nil {
		return fmt.Errorf("resolve channels for user %d: %w", it.UserID, err)
	}
	if len(chs) == 0 {
		return fmt.Errorf("%w: user=%d", ErrNoChannelsConfigured, it.UserID)
	}

	msg := FormatReminder(it.Title, due.Sub(now))
	rep := s.ntf.NotifyAll(ctx, chs, msg)
	if rep.Delivered == 0 {
		return engine.NoRetry(fmt.Errorf("%w: item %d: %w", ErrNotDelivered, id, rep.Err()))
	}

	if err := s.dd.Set(ctx, key, true, s.cfg.DedupTTL); err != nil {
		s.log.Warn("dedup set failed", logx.String("key", key), logx.Err(err))
	}
	if err := s.items.UpdateFields(ctx, id, todo.MarkSent()); err != nil {
		return engine.NoRetry(fmt.Errorf("mark item %d sent: %w", id, err))
	}

	s.publish(eventbus.ReminderSent, Event{ItemID: id, Due: due, At: now})
	s.log.Info("reminder.sent",
		logx.Int64("item_id", id),
		logx.Int("channels", rep.Attempted),
		logx.Int("delivered", rep.Delivered),
		logx.Int("failed", len(rep.Failures)),
	)
	return nil
}

// RegisterSweep installs the recurring sweep.
func (s *Service) RegisterSweep() error {
	_, err := s.sched.AddSchedule(sweepJobName, s.cfg.SweepSchedule, s.cfg.TaskTimeout, func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	})
	return err
}

// Recover re-arms dispatches for items left QUEUED by a previous process.
// It covers items due from LateTolerance ago up to the end of the sweep window.
func (s *Service) Recover(ctx context.Context) (int, error) {
	now := s.now()
	items, err := s.items.FilterByDueRange(ctx, now.Add(-s.cfg.LateTolerance), now.Add(s.cfg.SweepEnd))
	if err != nil {
		return 0, fmt.Errorf("recover query: %w", err)
	}

	n := 0
	var errs []error
	for _, it := range items {
		if StateOf(it) != StateQueued || it.IsCompleted || it.Column.IsClosed() {
			continue
		}
		if err := s.ScheduleDispatch(ctx, it.ID, *it.DueDate, it.DueIn(now)); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if n > 0 || len(errs) > 0 {
		s.log.Info("queued reminders recovered", logx.Int("count", n), logx.Int("failed", len(errs)))
	}
	return n, errors.Join(errs...)
}

func (s *Service) publish(typ string, e Event) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: e})
}
