package todo

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "remindd/pkg/logx"
)

// Store is the persistence port implemented by the storage drivers.
type Store interface {
	GetItem(ctx context.Context, id int64) (Item, error)
	InsertItem(ctx context.Context, it Item) (Item, error)
	// UpdateItem writes the user-editable fields of it. The stored scheduler
	// flags are never taken from it: they are kept as stored, or reset to
	// false in the same write when the due date changes.
	UpdateItem(ctx context.Context, it Item) error
	PatchItemState(ctx context.Context, id int64, p StatePatch) error
	// ItemsDueBetween returns items whose due date is in [start, end).
	ItemsDueBetween(ctx context.Context, start, end time.Time) ([]Item, error)
	DeleteItem(ctx context.Context, id int64) error
}

// SaveHook runs after a full save is persisted. prev is nil on create.
type SaveHook func(ctx context.Context, prev *Item, cur Item)

// Repository is the entry point for todo mutations.
//
// Create, Save and the column helpers are full saves: they persist the item
// and then run save hooks. UpdateFields patches scheduler flags and never
// runs hooks, so the scheduler can mark state without re-triggering itself.
type Repository struct {
	store Store
	log   logx.Logger
	now   func() time.Time

	mu    sync.RWMutex
	hooks []SaveHook
}

func NewRepository(store Store, log logx.Logger) *Repository {
	return &Repository{store: store, log: log.With(logx.String("comp", "todo")), now: time.Now}
}

// OnSave registers a hook for full saves.
func (r *Repository) OnSave(h SaveHook) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

func (r *Repository) GetByID(ctx context.Context, id int64) (Item, error) {
	return r.store.GetItem(ctx, id)
}

// FilterByDueRange returns items due in [start, end).
func (r *Repository) FilterByDueRange(ctx context.Context, start, end time.Time) ([]Item, error) {
	if !end.After(start) {
		return nil, nil
	}
	return r.store.ItemsDueBetween(ctx, start, end)
}

// UpdateFields applies a scheduler state patch. No hooks run.
func (r *Repository) UpdateFields(ctx context.Context, id int64, p StatePatch) error {
	if p.Empty() {
		return nil
	}
	return r.store.PatchItemState(ctx, id, p)
}

func (r *Repository) Create(ctx context.Context, it Item) (Item, error) {
	if it.Column == "" {
		it.Column = ColumnUnassigned
	}
	if err := it.validate(); err != nil {
		return Item{}, err
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = r.now()
	}
	it.NotificationQueued, it.NotificationSent = false, false

	saved, err := r.store.InsertItem(ctx, it)
	if err != nil {
		return Item{}, fmt.Errorf("insert todo: %w", err)
	}
	r.log.Debug("todo created", logx.Int64("id", saved.ID), logx.Int64("user_id", saved.UserID))
	r.runHooks(ctx, nil, saved)
	return saved, nil
}

// Save persists every user-editable field of it and runs hooks.
//
// Scheduler flags on it are ignored. The store keeps its own flags, except
// when the due date changed, in which case it resets them to IDLE so the new
// date gets its own reminder cycle. The flags are never written back from a
// read, so a concurrent UpdateFields is not lost.
func (r *Repository) Save(ctx context.Context, it Item) (Item, error) {
	if err := it.validate(); err != nil {
		return Item{}, err
	}
	prev, err := r.store.GetItem(ctx, it.ID)
	if err != nil {
		return Item{}, err
	}

	it.CreatedAt = prev.CreatedAt
	if err := r.store.UpdateItem(ctx, it); err != nil {
		return Item{}, fmt.Errorf("update todo %d: %w", it.ID, err)
	}
	saved, err := r.store.GetItem(ctx, it.ID)
	if err != nil {
		return Item{}, fmt.Errorf("reload todo %d: %w", it.ID, err)
	}
	r.runHooks(ctx, &prev, saved)
	return saved, nil
}

// SetDueDate changes only the due date (nil clears it).
func (r *Repository) SetDueDate(ctx context.Context, id int64, due *time.Time) (Item, error) {
	return r.mutate(ctx, id, func(it *Item) { it.DueDate = due })
}

// MoveColumn places the item in col at order. This is a full save.
func (r *Repository) MoveColumn(ctx context.Context, id int64, col Column, order int) (Item, error) {
	if _, err := ParseColumn(string(col)); err != nil {
		return Item{}, err
	}
	return r.mutate(ctx, id, func(it *Item) {
		it.Column = col
		it.ColumnOrder = order
	})
}

func (r *Repository) Complete(ctx context.Context, id int64) (Item, error) {
	return r.mutate(ctx, id, func(it *Item) { it.IsCompleted = true })
}

func (r *Repository) Archive(ctx context.Context, id int64) (Item, error) {
	return r.mutate(ctx, id, func(it *Item) { it.Column = ColumnArchived })
}

// Delete removes the item. A reminder already queued for it aborts at fire time.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	return r.store.DeleteItem(ctx, id)
}

func (r *Repository) mutate(ctx context.Context, id int64, fn func(*Item)) (Item, error) {
	it, err := r.store.GetItem(ctx, id)
	if err != nil {
		return Item{}, err
	}
	fn(&it)
	return r.Save(ctx, it)
}

func (r *Repository) runHooks(ctx context.Context, prev *Item, cur Item) {
	r.mu.RLock()
	hooks := append([]SaveHook(nil), r.hooks...)
	r.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, prev, cur)
	}
}
