package session

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a Session. Sessions only move forward:
// connecting, active, ended.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventType enumerates the lifecycle events a session exposes to logging
// and metrics collaborators.
type EventType int

const (
	EventClientConnected EventType = iota
	EventClientDisconnected
	EventTurnStarted
	EventTurnEnded
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventClientConnected:
		return "client-connected"
	case EventClientDisconnected:
		return "client-disconnected"
	case EventTurnStarted:
		return "turn-started"
	case EventTurnEnded:
		return "turn-ended"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is an outward notification. TurnID is set on turn events; Stage and
// Err on errors.
type Event struct {
	SessionID string
	Type      EventType
	Time      time.Time

	TurnID    uint64
	Synthetic bool

	Stage string
	Err   error
}

// EventHandler receives session events. It is called synchronously from the
// session's goroutines and must not block.
type EventHandler func(Event)
