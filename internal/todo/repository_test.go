package todo

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "remindd/pkg/logx"
)

type hookCall struct {
	prev *Item
	cur  Item
}

func newRepo(t *testing.T) (*Repository, *MemoryStore, *[]hookCall) {
	t.Helper()
	store := NewMemoryStore()
	repo := NewRepository(store, logx.Nop())
	calls := &[]hookCall{}
	repo.OnSave(func(ctx context.Context, prev *Item, cur Item) {
		*calls = append(*calls, hookCall{prev: prev, cur: cur})
	})
	return repo, store, calls
}

func ptr(t time.Time) *time.Time { return &t }

func TestCreateRunsHooksWithDefaults(t *testing.T) {
	repo, _, calls := newRepo(t)
	due := time.Now().Add(30 * time.Minute)

	it, err := repo.Create(context.Background(), Item{UserID: 7, Title: "pay rent", DueDate: &due, NotificationSent: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if it.ID == 0 || it.Column != ColumnUnassigned || it.CreatedAt.IsZero() {
		t.Fatalf("defaults not applied: %+v", it)
	}
	if it.NotificationSent {
		t.Fatal("new items must start IDLE")
	}
	if len(*calls) != 1 || (*calls)[0].prev != nil {
		t.Fatalf("hook calls = %+v, want one create call", *calls)
	}

	if _, err := repo.Create(context.Background(), Item{Title: "  "}); !errors.Is(err, ErrInvalidItem) {
		t.Fatalf("blank title err = %v", err)
	}
}

func TestUpdateFieldsSkipsHooks(t *testing.T) {
	repo, _, calls := newRepo(t)
	ctx := context.Background()
	it, _ := repo.Create(ctx, Item{Title: "x"})

	if err := repo.UpdateFields(ctx, it.ID, MarkQueued()); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	if len(*calls) != 1 {
		t.Fatalf("hooks ran on patch: %d calls", len(*calls))
	}
	got, _ := repo.GetByID(ctx, it.ID)
	if !got.NotificationQueued || got.NotificationSent {
		t.Fatalf("state = %+v, want queued", got)
	}

	if err := repo.UpdateFields(ctx, 999, MarkSent()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing item err = %v", err)
	}
}

func TestSaveKeepsFlagsUnlessDueChanges(t *testing.T) {
	repo, _, calls := newRepo(t)
	ctx := context.Background()
	due := time.Now().Add(time.Hour).Truncate(time.Second)
	it, _ := repo.Create(ctx, Item{Title: "x", DueDate: &due})
	_ = repo.UpdateFields(ctx, it.ID, MarkQueued())

	// Title edit: flags survive even though the caller passed zero flags.
	it.Title = "renamed"
	saved, err := repo.Save(ctx, it)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !saved.NotificationQueued {
		t.Fatal("queued flag lost on unrelated edit")
	}

	// Due change: back to IDLE.
	saved.DueDate = ptr(due.Add(time.Hour))
	saved, err = repo.Save(ctx, saved)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.NotificationQueued || saved.NotificationSent {
		t.Fatalf("flags = %+v, want reset after due change", saved)
	}
	last := (*calls)[len(*calls)-1]
	if last.prev == nil || last.prev.DueDate == nil || !last.prev.DueDate.Equal(due) {
		t.Fatalf("hook prev = %+v, want previous due", last.prev)
	}
}

// racingStore lands a dispatcher's MarkSent between Save's read and its write.
type racingStore struct {
	*MemoryStore
}

func (s racingStore) UpdateItem(ctx context.Context, it Item) error {
	if err := s.MemoryStore.PatchItemState(ctx, it.ID, MarkSent()); err != nil {
		return err
	}
	return s.MemoryStore.UpdateItem(ctx, it)
}

func TestSaveDoesNotClobberConcurrentStatePatch(t *testing.T) {
	mem := NewMemoryStore()
	repo := NewRepository(racingStore{mem}, logx.Nop())
	var seen Item
	repo.OnSave(func(_ context.Context, _ *Item, cur Item) { seen = cur })
	ctx := context.Background()

	due := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	it, err := mem.InsertItem(ctx, Item{UserID: 1, Title: "x", DueDate: &due, Column: ColumnUnassigned, CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("InsertItem: %v", err)
	}
	_ = mem.PatchItemState(ctx, it.ID, MarkQueued())
	it, _ = mem.GetItem(ctx, it.ID)

	it.Title = "renamed"
	saved, err := repo.Save(ctx, it)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _ := mem.GetItem(ctx, it.ID)
	if !got.NotificationSent || got.NotificationQueued {
		t.Fatalf("stored flags queued=%v sent=%v, want SENT", got.NotificationQueued, got.NotificationSent)
	}
	if got.Title != "renamed" {
		t.Fatalf("title = %q", got.Title)
	}
	if !saved.NotificationSent || !seen.NotificationSent {
		t.Fatalf("Save returned %+v, hook saw %+v; want SENT", saved, seen)
	}
}

func TestMemoryStoreUpdateItemOwnsFlags(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	due := time.Now().Add(time.Hour).Truncate(time.Second)

	cases := []struct {
		name      string
		newDue    *time.Time
		wantSent  bool
		wantQueue bool
	}{
		{"same due keeps flags", ptr(due), true, false},
		{"moved due resets", ptr(due.Add(time.Minute)), false, false},
		{"cleared due resets", nil, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := NewMemoryStore()
			it, _ := st.InsertItem(ctx, Item{Title: "x", DueDate: ptr(due)})
			_ = st.PatchItemState(ctx, it.ID, MarkSent())

			// Caller holds stale IDLE flags.
			it.NotificationQueued, it.NotificationSent = true, false
			it.DueDate = tc.newDue
			if err := st.UpdateItem(ctx, it); err != nil {
				t.Fatalf("UpdateItem: %v", err)
			}
			got, _ := st.GetItem(ctx, it.ID)
			if got.NotificationSent != tc.wantSent || got.NotificationQueued != tc.wantQueue {
				t.Fatalf("queued=%v sent=%v, want queued=%v sent=%v",
					got.NotificationQueued, got.NotificationSent, tc.wantQueue, tc.wantSent)
			}
		})
	}
}

func TestColumnHelpers(t *testing.T) {
	repo, _, _ := newRepo(t)
	ctx := context.Background()
	it, _ := repo.Create(ctx, Item{Title: "x"})

	moved, err := repo.MoveColumn(ctx, it.ID, ColumnInProgress, 3)
	if err != nil || moved.Column != ColumnInProgress || moved.ColumnOrder != 3 {
		t.Fatalf("MoveColumn = %+v, %v", moved, err)
	}
	if _, err := repo.MoveColumn(ctx, it.ID, Column("LATER"), 0); !errors.Is(err, ErrInvalidItem) {
		t.Fatalf("bad column err = %v", err)
	}
	archived, _ := repo.Archive(ctx, it.ID)
	if archived.Column != ColumnArchived || !archived.Column.IsClosed() {
		t.Fatalf("Archive = %+v", archived)
	}
	done, _ := repo.Complete(ctx, it.ID)
	if !done.IsCompleted {
		t.Fatal("Complete did not set flag")
	}
	if err := repo.Delete(ctx, it.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.GetByID(ctx, it.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete err = %v", err)
	}
}

func TestFilterByDueRangeHalfOpen(t *testing.T) {
	repo, _, _ := newRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for _, off := range []time.Duration{59 * time.Minute, 60 * time.Minute, 119 * time.Minute, 120 * time.Minute} {
		_, _ = repo.Create(ctx, Item{Title: off.String(), DueDate: ptr(base.Add(off))})
	}
	_, _ = repo.Create(ctx, Item{Title: "no due"})

	got, err := repo.FilterByDueRange(ctx, base.Add(time.Hour), base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("FilterByDueRange: %v", err)
	}
	if len(got) != 2 || got[0].Title != "1h0m0s" || got[1].Title != "1h59m0s" {
		t.Fatalf("got %d items: %+v", len(got), got)
	}
}

func TestEligible(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Minute)
	tests := []struct {
		name string
		it   Item
		want bool
	}{
		{"open future", Item{DueDate: &future, Column: ColumnToDo}, true},
		{"no due", Item{Column: ColumnToDo}, false},
		{"due now", Item{DueDate: &now}, false},
		{"completed", Item{DueDate: &future, IsCompleted: true}, false},
		{"done column", Item{DueDate: &future, Column: ColumnDone}, false},
		{"archived", Item{DueDate: &future, Column: ColumnArchived}, false},
	}
	for _, tt := range tests {
		if got := tt.it.Eligible(now); got != tt.want {
			t.Fatalf("%s: Eligible = %v, want %v", tt.name, got, tt.want)
		}
	}
}
