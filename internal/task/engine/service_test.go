package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"remindd/internal/eventbus"
	logx "remindd/pkg/logx"
)

func newTestEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRetriesUntilSuccess(t *testing.T) {
	s := newTestEngine(t, Config{Workers: 1, RetryMax: 3})
	var calls int32
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })

	h := s.Snapshot().History[0]
	if h.Error != "" || h.Attempts != 3 {
		t.Fatalf("history = %+v, want success after 3 attempts", h)
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	s := newTestEngine(t, Config{Workers: 1, RetryMax: 5})
	var calls int32
	_ = s.Enqueue(Task{
		Name: "permanent",
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return NoRetry(errors.New("bad input"))
		},
	})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if h := s.Snapshot().History[0]; h.Error != "bad input" {
		t.Fatalf("error = %q, want unwrapped cause", h.Error)
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	s := newTestEngine(t, Config{Workers: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	run := func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}
	if err := s.Enqueue(Task{Name: "sweep", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: run}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	<-started
	err := s.Enqueue(Task{Name: "sweep", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: run})
	if !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err = %v, want ErrOverlapSkip", err)
	}
	close(release)
}

func TestPanicBecomesError(t *testing.T) {
	s := newTestEngine(t, Config{Workers: 1, RetryMax: 1})
	_ = s.Enqueue(Task{
		Name: "boom",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond},
		Run:  func(ctx context.Context) error { panic("kaboom") },
	})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if h := s.Snapshot().History[0]; h.Error == "" {
		t.Fatal("expected panic recorded as error")
	}
}

func TestEnqueueWhenDisabledOrStopped(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	s = New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	if got := backoffDelay(opt, 1, nil); got != 100*time.Millisecond {
		t.Fatalf("retry 1 = %v", got)
	}
	if got := backoffDelay(opt, 3, nil); got != 400*time.Millisecond {
		t.Fatalf("retry 3 = %v", got)
	}
	if got := backoffDelay(opt, 10, nil); got != time.Second {
		t.Fatalf("retry 10 = %v, want cap", got)
	}
	if got := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), 5*time.Second), nil); got != time.Second {
		t.Fatalf("hint = %v, want capped at max", got)
	}
}
