package reminder

import (
	"errors"
	"fmt"
)

// Outcomes of a dispatch that are expected and end the task quietly.
var (
	ErrItemNotFound         = errors.New("reminder: item not found")
	ErrStaleSchedule        = errors.New("reminder: stale schedule")
	ErrAlreadySent          = errors.New("reminder: already sent")
	ErrNoChannelsConfigured = errors.New("reminder: no channels configured")
)

// ErrNotDelivered means every channel failed. The item stays QUEUED.
var ErrNotDelivered = errors.New("reminder: no channel delivered")

func stale(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStaleSchedule, fmt.Sprintf(format, args...))
}

// IsSkip reports whether err is a no-op outcome rather than a failure.
func IsSkip(err error) bool {
	return errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrStaleSchedule) ||
		errors.Is(err, ErrAlreadySent) ||
		errors.Is(err, ErrNoChannelsConfigured)
}
