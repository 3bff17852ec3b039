package todo

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It backs tests and embedded use
// where persistence is not needed.
type MemoryStore struct {
	mu     sync.Mutex
	seq    int64
	items  map[int64]Item
	writes int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[int64]Item{}}
}

func (s *MemoryStore) GetItem(_ context.Context, id int64) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return clone(it), nil
}

func (s *MemoryStore) InsertItem(_ context.Context, it Item) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it.ID == 0 {
		s.seq++
		it.ID = s.seq
	} else if it.ID > s.seq {
		s.seq = it.ID
	}
	s.items[it.ID] = clone(it)
	s.writes++
	return clone(it), nil
}

func (s *MemoryStore) UpdateItem(_ context.Context, it Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[it.ID]
	if !ok {
		return ErrNotFound
	}
	it.NotificationQueued, it.NotificationSent = cur.NotificationQueued, cur.NotificationSent
	if !it.SameDue(cur) {
		it.NotificationQueued, it.NotificationSent = false, false
	}
	s.items[it.ID] = clone(it)
	s.writes++
	return nil
}

func (s *MemoryStore) PatchItemState(_ context.Context, id int64, p StatePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	p.apply(&it)
	s.items[id] = it
	s.writes++
	return nil
}

func (s *MemoryStore) ItemsDueBetween(_ context.Context, start, end time.Time) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Item
	for _, it := range s.items {
		if !it.HasDueDate() || it.DueDate.Before(start) || !it.DueDate.Before(end) {
			continue
		}
		out = append(out, clone(it))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(*out[j].DueDate) })
	return out, nil
}

func (s *MemoryStore) DeleteItem(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

// Writes counts successful mutations.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func clone(it Item) Item {
	if it.DueDate != nil {
		d := *it.DueDate
		it.DueDate = &d
	}
	return it
}
