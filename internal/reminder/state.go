package reminder

import (
	"fmt"

	"remindd/internal/todo"
)

// State is the reminder lifecycle of one item, derived from its two flags.
//
//	IDLE   (queued=false, sent=false)
//	QUEUED (queued=true,  sent=false)
//	SENT   (queued=false, sent=true)
//
// Allowed moves: IDLE to QUEUED when a dispatch is scheduled, QUEUED to SENT
// when the dispatch delivers, and any state to IDLE when the due date changes.
// Completing, archiving or clearing the due date does not touch the flags; a
// queued dispatch notices at fire time and does nothing.
type State int

const (
	StateIdle State = iota
	StateQueued
	StateSent
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateQueued:
		return "QUEUED"
	case StateSent:
		return "SENT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateOf reads the item's flags. Sent wins over queued.
func StateOf(it todo.Item) State {
	switch {
	case it.NotificationSent:
		return StateSent
	case it.NotificationQueued:
		return StateQueued
	default:
		return StateIdle
	}
}

// Transition reports whether from to to is a legal move.
func Transition(from, to State) error {
	switch {
	case to == StateIdle:
		return nil
	case from == StateIdle && to == StateQueued:
		return nil
	case from == StateQueued && to == StateSent:
		return nil
	default:
		return fmt.Errorf("reminder: illegal transition %s -> %s", from, to)
	}
}
