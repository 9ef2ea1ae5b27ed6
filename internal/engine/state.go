package engine

import (
	"fmt"
	"time"
)

// RunState is the scheduler lifecycle state.
type RunState int

const (
	StateIdle RunState = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s RunState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// PauseInfo describes the wait the loop is currently in. It is also the
// payload of scheduler.paused and quota.exhausted events.
type PauseInfo struct {
	Reason   PauseReason   `json:"reason"`
	Duration time.Duration `json:"duration_ns"`
	Until    time.Time     `json:"until"`
}

// State is the observable status of a scheduler.
type State struct {
	Status        RunState   `json:"status"`
	Running       bool       `json:"running"`
	Paused        bool       `json:"paused"`
	CurrentAction string     `json:"current_action,omitempty"`
	Pause         *PauseInfo `json:"pause,omitempty"`

	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	Window    time.Time `json:"window"`

	Daily   Counts `json:"daily"`
	Limits  Counts `json:"limits"`
	Session Counts `json:"session"`
	Totals  Counts `json:"totals"`
	Errors  int    `json:"errors"`
	Blocks  int    `json:"blocks"`
}

// ActionEvent is the payload of action.* and block.detected events.
type ActionEvent struct {
	Kind  ActionKind    `json:"kind"`
	Seq   uint64        `json:"seq"`
	OK    bool          `json:"ok"`
	Class string        `json:"class,omitempty"`
	Error string        `json:"error,omitempty"`
	Took  time.Duration `json:"took_ns"`
	Daily int           `json:"daily"`
	Limit int           `json:"limit"`
	// Errors is the session error count after this action.
	Errors int `json:"errors"`
}

// StateEvent is the payload of scheduler.state events.
type StateEvent struct {
	From RunState `json:"from"`
	To   RunState `json:"to"`
}
