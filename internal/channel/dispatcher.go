package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	logx "remindd/pkg/logx"
)

// DispatchError is one channel's delivery failure.
type DispatchError struct {
	ChannelID int64
	Name      string
	Kind      Kind
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("channel %s (id=%d): %v", e.Kind, e.ChannelID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Report summarizes a NotifyAll fan-out.
type Report struct {
	Attempted int
	Delivered int
	Failures  []*DispatchError
}

// Err joins the per-channel failures, or nil if every channel succeeded.
func (r Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

type Dispatcher struct {
	log logx.Logger

	mu        sync.RWMutex
	factories map[Kind]Factory
	limiter   *rate.Limiter
}

// NewDispatcher returns a dispatcher with no factories. ratePerSec <= 0 disables limiting.
func NewDispatcher(log logx.Logger, ratePerSec int) *Dispatcher {
	d := &Dispatcher{
		log:       log.With(logx.String("comp", "channel")),
		factories: map[Kind]Factory{},
	}
	d.SetRate(ratePerSec)
	return d
}

// Register installs the factory for kind, replacing any previous one.
func (d *Dispatcher) Register(kind Kind, f Factory) {
	d.mu.Lock()
	d.factories[kind] = f
	d.mu.Unlock()
}

// SetRate changes the global send rate. Safe to call while sending.
func (d *Dispatcher) SetRate(perSec int) {
	var lim *rate.Limiter
	if perSec > 0 {
		lim = rate.NewLimiter(rate.Limit(perSec), perSec)
	}
	d.mu.Lock()
	d.limiter = lim
	d.mu.Unlock()
}

// Notify sends msg on a single channel.
func (d *Dispatcher) Notify(ctx context.Context, ch Channel, msg string) error {
	d.mu.RLock()
	factory, ok := d.factories[ch.Kind]
	lim := d.limiter
	d.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedChannelType, ch.Kind)
	}
	if err := ch.Validate(); err != nil {
		return err
	}
	sender, err := factory(ch)
	if err != nil {
		return err
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	return sender.Send(ctx, msg)
}

// NotifyAll sends msg on every channel in order. A failing channel is logged
// and recorded in the report; the remaining channels are still attempted.
func (d *Dispatcher) NotifyAll(ctx context.Context, chs []Channel, msg string) Report {
	rep := Report{Attempted: len(chs)}
	for _, ch := range chs {
		if err := d.Notify(ctx, ch, msg); err != nil {
			de := &DispatchError{ChannelID: ch.ID, Name: ch.Name, Kind: ch.Kind, Err: err}
			rep.Failures = append(rep.Failures, de)
			d.log.Warn("channel dispatch failed",
				logx.Int64("channel_id", ch.ID),
				logx.String("kind", string(ch.Kind)),
				logx.String("name", ch.Name),
				logx.Err(err),
			)
			continue
		}
		rep.Delivered++
	}
	return rep
}
