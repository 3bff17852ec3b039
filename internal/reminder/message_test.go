package reminder

import (
	"testing"
	"time"

	"remindd/internal/todo"
)

func TestFormatReminder(t *testing.T) {
	t.Parallel()

	cases := []struct {
		remaining time.Duration
		want      string
	}{
		{30 * time.Minute, "Reminder: Your todo 'x' is due soon!\nDue in 30 mins 0 secs."},
		{61*time.Second + 900*time.Millisecond, "Reminder: Your todo 'x' is due soon!\nDue in 1 mins 1 secs."},
		{0, "Reminder: Your todo 'x' was due 0 mins 0 secs ago!"},
		{-200 * time.Second, "Reminder: Your todo 'x' was due 3 mins 20 secs ago!"},
	}
	for _, tc := range cases {
		t.Run(tc.remaining.String(), func(t *testing.T) {
			if got := FormatReminder("x", tc.remaining); got != tc.want {
				t.Fatalf("FormatReminder(%s) = %q, want %q", tc.remaining, got, tc.want)
			}
		})
	}
}

func TestStateOfAndTransition(t *testing.T) {
	t.Parallel()

	if s := StateOf(todo.Item{}); s != StateIdle {
		t.Fatalf("zero item = %s", s)
	}
	if s := StateOf(todo.Item{NotificationQueued: true}); s != StateQueued {
		t.Fatalf("queued item = %s", s)
	}
	if s := StateOf(todo.Item{NotificationQueued: true, NotificationSent: true}); s != StateSent {
		t.Fatalf("sent wins, got %s", s)
	}

	legal := [][2]State{{StateIdle, StateQueued}, {StateQueued, StateSent}, {StateSent, StateIdle}, {StateQueued, StateIdle}}
	for _, p := range legal {
		if err := Transition(p[0], p[1]); err != nil {
			t.Fatalf("Transition(%s, %s) = %v", p[0], p[1], err)
		}
	}
	illegal := [][2]State{{StateIdle, StateSent}, {StateSent, StateQueued}, {StateQueued, StateQueued}}
	for _, p := range illegal {
		if err := Transition(p[0], p[1]); err == nil {
			t.Fatalf("Transition(%s, %s) allowed", p[0], p[1])
		}
	}
}
