package todo

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("todo item not found")
	ErrInvalidItem = errors.New("invalid todo item")
)

// Column is a kanban column.
type Column string

const (
	ColumnUnassigned Column = "UNASSIGNED"
	ColumnToDo       Column = "TO_DO"
	ColumnInProgress Column = "IN_PROGRESS"
	ColumnDone       Column = "DONE"
	ColumnArchived   Column = "ARCHIVED"
)

var columns = []Column{ColumnUnassigned, ColumnToDo, ColumnInProgress, ColumnDone, ColumnArchived}

func ParseColumn(s string) (Column, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ColumnUnassigned, nil
	}
	for _, c := range columns {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: unknown column %q", ErrInvalidItem, s)
}

// IsClosed reports whether items in this column never get reminders.
func (c Column) IsClosed() bool { return c == ColumnDone || c == ColumnArchived }

// Item is a todo card. NotificationQueued and NotificationSent are owned by
// the reminder scheduler and only change through Repository.UpdateFields.
type Item struct {
	ID          int64
	UserID      int64
	Title       string
	Description string
	DueDate     *time.Time
	IsCompleted bool
	Column      Column
	ColumnOrder int
	CreatedAt   time.Time

	NotificationQueued bool
	NotificationSent   bool
}

func (it Item) HasDueDate() bool { return it.DueDate != nil && !it.DueDate.IsZero() }

// DueIn is the time left until the due date; negative once past due.
// It is zero when no due date is set.
func (it Item) DueIn(now time.Time) time.Duration {
	if !it.HasDueDate() {
		return 0
	}
	return it.DueDate.Sub(now)
}

// Eligible is the gate shared by every scheduling path: a due date strictly
// in the future on an open, incomplete item.
func (it Item) Eligible(now time.Time) bool {
	return it.HasDueDate() && it.DueDate.After(now) && !it.IsCompleted && !it.Column.IsClosed()
}

// SameDue reports whether both items carry the same due instant (or both none).
func (it Item) SameDue(other Item) bool {
	if it.HasDueDate() != other.HasDueDate() {
		return false
	}
	return !it.HasDueDate() || it.DueDate.Equal(*other.DueDate)
}

func (it Item) validate() error {
	if strings.TrimSpace(it.Title) == "" {
		return fmt.Errorf("%w: title required", ErrInvalidItem)
	}
	if _, err := ParseColumn(string(it.Column)); err != nil {
		return err
	}
	return nil
}

// StatePatch changes scheduler flags only. Nil fields are left alone.
type StatePatch struct {
	Queued *bool
	Sent   *bool
}

func (p StatePatch) Empty() bool { return p.Queued == nil && p.Sent == nil }

func (p StatePatch) apply(it *Item) {
	if p.Queued != nil {
		it.NotificationQueued = *p.Queued
	}
	if p.Sent != nil {
		it.NotificationSent = *p.Sent
	}
}

// MarkQueued is the IDLE to QUEUED patch.
func MarkQueued() StatePatch {
	t := true
	return StatePatch{Queued: &t}
}

// MarkSent is the QUEUED to SENT patch.
func MarkSent() StatePatch {
	t, f := true, false
	return StatePatch{Queued: &f, Sent: &t}
}
