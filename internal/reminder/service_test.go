package reminder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"remindd/internal/channel"
	"remindd/internal/dedup"
	"remindd/internal/eventbus"
	"remindd/internal/task/engine"
	"remindd/internal/todo"
	logx "remindd/pkg/logx"
)

type onceCall struct {
	name string
	at   time.Time
	job  func(ctx context.Context) error
}

type fakeScheduler struct {
	mu        sync.Mutex
	once      []onceCall
	schedules map[string]string
}

func (f *fakeScheduler) AddOnceOpt(name string, at time.Time, _ time.Duration, _ engine.TaskOptions, job func(ctx context.Context) error) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.once = append(f.once, onceCall{name: name, at: at, job: job})
	return name, nil
}

func (f *fakeScheduler) AddSchedule(name, schedule string, _ time.Duration, _ func(ctx context.Context) error) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.schedules == nil {
		f.schedules = map[string]string{}
	}
	f.schedules[name] = schedule
	return name, nil
}

func (f *fakeScheduler) calls() []onceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]onceCall(nil), f.once...)
}

type fakeResolver map[int64][]channel.Channel

func (f fakeResolver) ResolveUserChannels(_ context.Context, userID int64) ([]channel.Channel, error) {
	return f[userID], nil
}

// outbox records telegram sends per chat id; chats in fail always error.
type outbox struct {
	mu   sync.Mutex
	sent map[string][]string
	fail map[string]bool
}

func (o *outbox) factory(ch channel.Channel) (channel.Sender, error) {
	chat := ch.Telegram.ChatID
	return channel.SenderFunc(func(_ context.Context, text string) error {
		if o.fail[chat] {
			return errors.New("telegram: chat not found")
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.sent == nil {
			o.sent = map[string][]string{}
		}
		o.sent[chat] = append(o.sent[chat], text)
		return nil
	}), nil
}

func (o *outbox) count(chat string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent[chat])
}

func (o *outbox) last(chat string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.sent[chat]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

func tg(id int64, chat string) channel.Channel {
	return channel.Channel{ID: id, Kind: channel.KindTelegram, Telegram: &channel.Telegram{BotToken: "enc:v1:t", ChatID: chat}}
}

const testUser = int64(7)

type harness struct {
	svc   *Service
	repo  *todo.Repository
	store *todo.MemoryStore
	sched *fakeScheduler
	out   *outbox
	dd    *dedup.Memory
	chs   fakeResolver
	bus   eventbus.Bus
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: todo.NewMemoryStore(),
		sched: &fakeScheduler{},
		out:   &outbox{fail: map[string]bool{}},
		dd:    dedup.NewMemory(0),
		chs:   fakeResolver{testUser: {tg(1, "100")}},
		bus:   eventbus.New(),
		now:   time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	h.repo = todo.NewRepository(h.store, logx.Nop())

	disp := channel.NewDispatcher(logx.Nop(), 0)
	disp.Register(channel.KindTelegram, h.out.factory)

	svc, err := New(DefaultConfig(), Deps{
		Items:     h.repo,
		Channels:  h.chs,
		Notifier:  disp,
		Dedup:     h.dd,
		Scheduler: h.sched,
		Log:       logx.Nop(),
		Bus:       h.bus,
		Now:       func() time.Time { return h.now },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.svc = svc
	return h
}

func (h *harness) insert(t *testing.T, it todo.Item) todo.Item {
	t.Helper()
	if it.UserID == 0 {
		it.UserID = testUser
	}
	if it.Title == "" {
		it.Title = "water plants"
	}
	if it.Column == "" {
		it.Column = todo.ColumnToDo
	}
	saved, err := h.store.InsertItem(context.Background(), it)
	if err != nil {
		t.Fatalf("InsertItem: %v", err)
	}
	return saved
}

func (h *harness) get(t *testing.T, id int64) todo.Item {
	t.Helper()
	it, err := h.store.GetItem(context.Background(), id)
	if err != nil {
		t.Fatalf("GetItem(%d): %v", id, err)
	}
	return it
}

func at(t time.Time) *time.Time { return &t }

func TestTriggerSchedulesNearTermItem(t *testing.T) {
	h := newHarness(t)
	it := h.insert(t, todo.Item{DueDate: at(h.now.Add(30 * time.Minute))})

	ok, err := h.svc.Trigger(context.Background(), it)
	if err != nil || !ok {
		t.Fatalf("Trigger = %v, %v", ok, err)
	}
	calls := h.sched.calls()
	if len(calls) != 1 {
		t.Fatalf("scheduled %d dispatches, want 1", len(calls))
	}
	if countdown := calls[0].at.Sub(h.now); countdown != 1800*time.Second {
		t.Fatalf("countdown = %s, want 1800s", countdown)
	}
	if !strings.HasPrefix(calls[0].name, "todo.notify:") {
		t.Fatalf("task name = %q", calls[0].name)
	}
	if got := StateOf(h.get(t, it.ID)); got != StateQueued {
		t.Fatalf("state = %s, want QUEUED", got)
	}

	// Already QUEUED: a second trigger must not schedule again.
	ok, _ = h.svc.Trigger(context.Background(), h.get(t, it.ID))
	if ok || len(h.sched.calls()) != 1 {
		t.Fatal("QUEUED item was scheduled twice")
	}
}

func TestFarItemIsLeftToSweep(t *testing.T) {
	h := newHarness(t)
	it := h.insert(t, todo.Item{DueDate: at(h.now.Add(90 * time.Minute))})

	ok, err := h.svc.Trigger(context.Background(), it)
	if err != nil || ok {
		t.Fatalf("Trigger = %v, %v; want no schedule", ok, err)
	}
	if len(h.sched.calls()) != 0 {
		t.Fatal("trigger scheduled a far item")
	}

	rep, err := h.svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Found != 1 || rep.Scheduled != 1 {
		t.Fatalf("sweep report = %+v", rep)
	}
	if !rep.Start.Equal(h.now.Add(time.Hour)) || !rep.End.Equal(h.now.Add(2*time.Hour)) {
		t.Fatalf("window = [%s, %s)", rep.Start, rep.End)
	}
	calls := h.sched.calls()
	if len(calls) != 1 || calls[0].at.Sub(h.now) != 90*time.Minute {
		t.Fatalf("sweep calls = %+v", calls)
	}
	if got := StateOf(h.get(t, it.ID)); got != StateQueued {
		t.Fatalf("state = %s, want QUEUED", got)
	}

	// A second sweep in the same hour finds it QUEUED.
	rep, _ = h.svc.Sweep(context.Background())
	if rep.Scheduled != 0 || rep.Skipped != 1 {
		t.Fatalf("second sweep = %+v", rep)
	}
}

func TestIneligibleItemsAreNeverScheduled(t *testing.T) {
	h := newHarness(t)
	inWindow := h.now.Add(90 * time.Minute)
	soon := h.now.Add(10 * time.Minute)

	items := []todo.Item{
		h.insert(t, todo.Item{Title: "no due"}),
		h.insert(t, todo.Item{Title: "completed soon", DueDate: at(soon), IsCompleted: true}),
		h.insert(t, todo.Item{Title: "completed later", DueDate: at(inWindow), IsCompleted: true}),
		h.insert(t, todo.Item{Title: "done", DueDate: at(soon), Column: todo.ColumnDone}),
		h.insert(t, todo.Item{Title: "archived", DueDate: at(inWindow), Column: todo.ColumnArchived}),
		h.insert(t, todo.Item{Title: "past due", DueDate: at(h.now.Add(-time.Minute))}),
		h.insert(t, todo.Item{Title: "due now", DueDate: at(h.now)}),
	}
	for _, it := range items {
		if ok, err := h.svc.Trigger(context.Background(), it); ok || err != nil {
			t.Fatalf("Trigger(%q) = %v, %v", it.Title, ok, err)
		}
	}
	if _, err := h.svc.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n := len(h.sched.calls()); n != 0 {
		t.Fatalf("scheduled %d dispatches for ineligible items", n)
	}
}

func TestDispatchDeliversAndMarksSent(t *testing.T) {
	h := newHarness(t)
	due := h.now.Add(30 * time.Minute)
	it := h.insert(t, todo.Item{Title: "file taxes", DueDate: at(due), NotificationQueued: true})

	h.now = due.Add(-90 * time.Second)
	if err := h.svc.Dispatch(context.Background(), it.ID, due); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	want := "Reminder: Your todo 'file taxes' is due soon!\nDue in 1 mins 30 secs."
	if got := h.out.last("100"); got != want {
		t.Fatalf("message = %q, want %q", got, want)
	}
	if got := StateOf(h.get(t, it.ID)); got != StateSent {
		t.Fatalf("state = %s, want SENT", got)
	}
	if v, ok, _ := h.dd.Get(context.Background(), "todo_notification_sent_"+"1"); !ok || !v {
		t.Fatal("dedup marker not set")
	}
}

func TestDispatchIsIdempotentThroughDedup(t *testing.T) {
	h := newHarness(t)
	due := h.now.Add(10 * time.Minute)
	h.insert(t, todo.Item{ID: 42, DueDate: at(due), NotificationQueued: true})
	h.now = due

	if err := h.svc.Dispatch(context.Background(), 42, due); err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	if v, ok, _ := h.dd.Get(context.Background(), "todo_notification_sent_42"); !ok || !v {
		t.Fatal("todo_notification_sent_42 not set")
	}

	err := h.svc.Dispatch(context.Background(), 42, due)
	if !errors.Is(err, ErrAlreadySent) || !IsSkip(err) {
		t.Fatalf("second Dispatch err = %v, want ErrAlreadySent", err)
	}
	if n := h.out.count("100"); n != 1 {
		t.Fatalf("sent %d messages, want 1", n)
	}
}

func TestPresetDedupKeyBlocksSend(t *testing.T) {
	h := newHarness(t)
	due := h.now.Add(10 * time.Minute)
	h.insert(t, todo.Item{ID: 42, DueDate: at(due), NotificationQueued: true})
	_ = h.dd.Set(context.Background(), "todo_notification_sent_42", true, 5*time.Minute)

	if err := h.svc.Dispatch(context.Background(), 42, due); !errors.Is(err, ErrAlreadySent) {
		t.Fatalf("err = %v", err)
	}
	if h.out.count("100") != 0 {
		t.Fatal("notify called despite dedup marker")
	}
	if StateOf(h.get(t, 42)) != StateQueued {
		t.Fatal("state changed on a skipped dispatch")
	}
}

func TestDispatchRejectsMovedDueDate(t *testing.T) {
	h := newHarness(t)
	snapshot := h.now.Add(20 * time.Minute)
	it := h.insert(t, todo.Item{DueDate: at(snapshot), NotificationQueued: true})

	// A due move resets the flags; re-queue to model a task still armed for the old date.
	it.DueDate = at(snapshot.Add(60 * time.Second))
	if err := h.store.UpdateItem(context.Background(), it); err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	_ = h.store.PatchItemState(context.Background(), it.ID, todo.MarkQueued())
	h.now = snapshot

	err := h.svc.Dispatch(context.Background(), it.ID, snapshot)
	if !errors.Is(err, ErrStaleSchedule) {
		t.Fatalf("err = %v, want ErrStaleSchedule", err)
	}
	if h.out.count("100") != 0 {
		t.Fatal("stale dispatch sent a message")
	}
	if got := h.get(t, it.ID); !got.NotificationQueued || got.NotificationSent {
		t.Fatalf("flags changed: queued=%v sent=%v", got.NotificationQueued, got.NotificationSent)
	}

	// Drift inside the tolerance still sends.
	it.DueDate = at(snapshot.Add(5 * time.Second))
	_ = h.store.UpdateItem(context.Background(), it)
	if err := h.svc.Dispatch(context.Background(), it.ID, snapshot); err != nil {
		t.Fatalf("Dispatch within tolerance: %v", err)
	}
}

func TestDispatchLateTolerance(t *testing.T) {
	cases := []struct {
		name    string
		late    time.Duration
		wantMsg string
		wantErr error
	}{
		{"exactly due", 0, "Reminder: Your todo 'water plants' was due 0 mins 0 secs ago!", nil},
		{"200s late", 200 * time.Second, "Reminder: Your todo 'water plants' was due 3 mins 20 secs ago!", nil},
		{"at the limit", 300 * time.Second, "Reminder: Your todo 'water plants' was due 5 mins 0 secs ago!", nil},
		{"400s late", 400 * time.Second, "", ErrStaleSchedule},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			due := h.now.Add(15 * time.Minute)
			it := h.insert(t, todo.Item{DueDate: at(due), NotificationQueued: true})
			h.now = due.Add(tc.late)

			err := h.svc.Dispatch(context.Background(), it.ID, due)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				if h.out.count("100") != 0 {
					t.Fatal("stale dispatch sent a message")
				}
				return
			}
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if got := h.out.last("100"); got != tc.wantMsg {
				t.Fatalf("message = %q, want %q", got, tc.wantMsg)
			}
		})
	}
}

func TestDispatchAbortsWhenItemChanged(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*todo.Item)
		wantErr error
	}{
		{"completed", func(it *todo.Item) { it.IsCompleted = true }, ErrStaleSchedule},
		{"due cleared", func(it *todo.Item) { it.DueDate = nil }, ErrStaleSchedule},
		{"archived", func(it *todo.Item) { it.Column = todo.ColumnArchived }, ErrStaleSchedule},
		{"done", func(it *todo.Item) { it.Column = todo.ColumnDone }, ErrStaleSchedule},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			due := h.now.Add(5 * time.Minute)
			it := h.insert(t, todo.Item{DueDate: at(due), NotificationQueued: true})
			tc.mutate(&it)
			_ = h.store.UpdateItem(context.Background(), it)

			if err := h.svc.Dispatch(context.Background(), it.ID, due); !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if h.out.count("100") != 0 {
				t.Fatal("message sent for a changed item")
			}
		})
	}

	t.Run("deleted", func(t *testing.T) {
		h := newHarness(t)
		err := h.svc.Dispatch(context.Background(), 999, h.now)
		if !errors.Is(err, ErrItemNotFound) || !IsSkip(err) {
			t.Fatalf("err = %v, want ErrItemNotFound", err)
		}
	})
}

func TestDispatchIsolatesChannelFailures(t *testing.T) {
	h := newHarness(t)
	h.chs[testUser] = []channel.Channel{tg(1, "broken"), tg(2, "200")}
	h.out.fail["broken"] = true

	due := h.now.Add(2 * time.Minute)
	it := h.insert(t, todo.Item{DueDate: at(due), NotificationQueued: true})

	if err := h.svc.Dispatch(context.Background(), it.ID, due); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if h.out.count("200") != 1 {
		t.Fatal("healthy channel did not receive the reminder")
	}
	if !h.get(t, it.ID).NotificationSent {
		t.Fatal("item not marked sent after partial delivery")
	}
}

func TestDispatchAllChannelsFailed(t *testing.T) {
	h := newHarness(t)
	h.chs[testUser] = []channel.Channel{tg(1, "broken")}
	h.out.fail["broken"] = true

	due := h.now.Add(2 * time.Minute)
	it := h.insert(t, todo.Item{DueDate: at(due), NotificationQueued: true})

	err := h.svc.Dispatch(context.Background(), it.ID, due)
	if !errors.Is(err, ErrNotDelivered) || !engine.IsNoRetry(err) {
		t.Fatalf("err = %v, want no-retry ErrNotDelivered", err)
	}
	if IsSkip(err) {
		t.Fatal("a failed delivery is not a skip")
	}
	if StateOf(h.get(t, it.ID)) != StateQueued {
		t.Fatal("undelivered item should stay QUEUED")
	}
	if _, ok, _ := h.dd.Get(context.Background(), dedup.NotificationKey(it.ID)); ok {
		t.Fatal("dedup marker set without a delivery")
	}
}

func TestDispatchWithoutChannels(t *testing.T) {
	h := newHarness(t)
	delete(h.chs, testUser)
	due := h.now.Add(2 * time.Minute)
	it := h.insert(t, todo.Item{DueDate: at(due), NotificationQueued: true})

	err := h.svc.Dispatch(context.Background(), it.ID, due)
	if !errors.Is(err, ErrNoChannelsConfigured) || !IsSkip(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestScheduledJobSwallowsSkips(t *testing.T) {
	h := newHarness(t)
	events, unsub := h.bus.Subscribe(8)
	defer unsub()

	it := h.insert(t, todo.Item{DueDate: at(h.now.Add(time.Minute))})
	if ok, _ := h.svc.Trigger(context.Background(), it); !ok {
		t.Fatal("Trigger did not schedule")
	}
	job := h.sched.calls()[0].job

	h.now = it.DueDate.Add(time.Second)
	if err := job(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := job(context.Background()); err != nil {
		t.Fatalf("second run should be a quiet skip, got %v", err)
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	want := []string{eventbus.ReminderScheduled, eventbus.ReminderSent, eventbus.ReminderSkipped}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

func TestSaveHookDrivesTrigger(t *testing.T) {
	h := newHarness(t)
	h.repo.OnSave(h.svc.OnItemSaved)
	ctx := context.Background()

	// The repository stamps CreatedAt with the wall clock; only due dates matter here.
	h.now = time.Now()
	it, err := h.repo.Create(ctx, todo.Item{UserID: testUser, Title: "call mom", DueDate: at(h.now.Add(10 * time.Minute))})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(h.sched.calls()) != 1 {
		t.Fatalf("create scheduled %d dispatches, want 1", len(h.sched.calls()))
	}

	it = h.get(t, it.ID)
	it.Title = "call mom back"
	if _, err := h.repo.Save(ctx, it); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(h.sched.calls()) != 1 {
		t.Fatal("an unrelated edit rescheduled the reminder")
	}

	if _, err := h.repo.SetDueDate(ctx, it.ID, at(h.now.Add(20*time.Minute))); err != nil {
		t.Fatalf("SetDueDate: %v", err)
	}
	if len(h.sched.calls()) != 2 {
		t.Fatal("a due date change did not reschedule")
	}
	if StateOf(h.get(t, it.ID)) != StateQueued {
		t.Fatal("rescheduled item not QUEUED")
	}

	if _, err := h.repo.SetDueDate(ctx, it.ID, at(h.now.Add(3*time.Hour))); err != nil {
		t.Fatalf("SetDueDate: %v", err)
	}
	if len(h.sched.calls()) != 2 {
		t.Fatal("a far due date was scheduled inline")
	}
	if StateOf(h.get(t, it.ID)) != StateIdle {
		t.Fatal("a due date change should reset the item to IDLE")
	}
}

func TestRecoverRearmsQueuedItems(t *testing.T) {
	h := newHarness(t)
	queued := h.insert(t, todo.Item{DueDate: at(h.now.Add(20 * time.Minute)), NotificationQueued: true})
	h.insert(t, todo.Item{DueDate: at(h.now.Add(-2 * time.Minute)), NotificationQueued: true})
	h.insert(t, todo.Item{DueDate: at(h.now.Add(-10 * time.Minute)), NotificationQueued: true})
	h.insert(t, todo.Item{DueDate: at(h.now.Add(20 * time.Minute)), NotificationSent: true})
	h.insert(t, todo.Item{DueDate: at(h.now.Add(20 * time.Minute))})

	n, err := h.svc.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered %d, want 2", n)
	}
	calls := h.sched.calls()
	var sawQueued bool
	for _, c := range calls {
		if c.at.Equal(*queued.DueDate) {
			sawQueued = true
		}
		if c.at.Before(h.now) {
			t.Fatalf("recovered task armed in the past: %s", c.at)
		}
	}
	if !sawQueued {
		t.Fatal("queued item not re-armed at its due date")
	}
}

func TestRecoverResendsUndeliveredItem(t *testing.T) {
	h := newHarness(t)
	h.out.fail["100"] = true

	due := h.now.Add(2 * time.Minute)
	it := h.insert(t, todo.Item{DueDate: at(due), NotificationQueued: true})
	if err := h.svc.Dispatch(context.Background(), it.ID, due); !errors.Is(err, ErrNotDelivered) {
		t.Fatalf("err = %v, want ErrNotDelivered", err)
	}

	// Restart inside the late tolerance with the channel healthy again.
	h.out.fail["100"] = false
	h.now = due.Add(time.Minute)
	n, err := h.svc.Recover(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v; want 1 re-armed", n, err)
	}
	calls := h.sched.calls()
	if err := calls[len(calls)-1].job(context.Background()); err != nil {
		t.Fatalf("re-armed job: %v", err)
	}
	if h.out.count("100") != 1 || StateOf(h.get(t, it.ID)) != StateSent {
		t.Fatalf("sent=%d state=%v, want one delivery and SENT", h.out.count("100"), StateOf(h.get(t, it.ID)))
	}

	// Past the late tolerance the undelivered item stays QUEUED and is left alone.
	late := h.insert(t, todo.Item{DueDate: at(h.now.Add(-6 * time.Minute)), NotificationQueued: true})
	if n, _ := h.svc.Recover(context.Background()); n != 0 {
		t.Fatalf("recovered %d items past the late tolerance", n)
	}
	if StateOf(h.get(t, late.ID)) != StateQueued {
		t.Fatal("stale undelivered item changed state")
	}
}

func TestRegisterSweep(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.RegisterSweep(); err != nil {
		t.Fatalf("RegisterSweep: %v", err)
	}
	if got := h.sched.schedules[sweepJobName]; got != "0 * * * *" {
		t.Fatalf("sweep schedule = %q", got)
	}
}
