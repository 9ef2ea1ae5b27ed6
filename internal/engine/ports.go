package engine

import (
	"context"
	"time"
)

// Action is one request to the executor.
type Action struct {
	Kind ActionKind
	// Pace is the suggested spacing between the inner steps of one action
	// (e.g. between two follows in a batch). Zero means no hint.
	Pace time.Duration
	// Seq numbers executions within a session, starting at 1.
	Seq uint64
}

// Executor performs one action against the remote application. A nil error
// means the action succeeded; otherwise the error text is classified.
type Executor interface {
	Run(ctx context.Context, a Action) error
}

type ExecutorFunc func(ctx context.Context, a Action) error

func (f ExecutorFunc) Run(ctx context.Context, a Action) error { return f(ctx, a) }

// Snapshot is the persisted view of the scheduler's counters.
type Snapshot struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Window is the start of the daily window Daily belongs to.
	Window time.Time `json:"window"`
	Daily  Counts    `json:"daily"`

	Session Counts `json:"session"`
	Errors  int    `json:"errors"`
	Blocks  int    `json:"blocks"`

	// Totals accumulate across process restarts.
	Totals Counts `json:"totals"`
}

// ActionRecord is one executed action, appended to the store's journal.
type ActionRecord struct {
	SessionID string        `json:"session_id"`
	Seq       uint64        `json:"seq"`
	Kind      ActionKind    `json:"kind"`
	At        time.Time     `json:"at"`
	Took      time.Duration `json:"took_ns"`
	OK        bool          `json:"ok"`
	Class     string        `json:"class,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// StatsStore persists counters. Errors are logged by the scheduler and never
// stop the loop.
type StatsStore interface {
	Persist(ctx context.Context, s Snapshot) error
	Load(ctx context.Context) (Snapshot, bool, error)
	AppendAction(ctx context.Context, r ActionRecord) error
}
