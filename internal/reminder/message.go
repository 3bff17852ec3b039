package reminder

import (
	"fmt"
	"time"
)

// FormatReminder composes the reminder text. remaining is due minus now;
// zero or negative reads as overdue.
func FormatReminder(title string, remaining time.Duration) string {
	secs := int64(remaining / time.Second)
	if secs > 0 {
		return fmt.Sprintf("Reminder: Your todo '%s' is due soon!\nDue in %d mins %d secs.", title, secs/60, secs%60)
	}
	secs = -secs
	return fmt.Sprintf("Reminder: Your todo '%s' was due %d mins %d secs ago!", title, secs/60, secs%60)
}
