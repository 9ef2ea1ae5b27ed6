package engine

import (
	"context"
	"fmt"
	"time"
)

// PauseReason says why the scheduler is waiting.
type PauseReason int

const (
	PauseBetweenActions PauseReason = iota
	PauseBetweenCycles
	PauseError
	PauseDaily
	PauseBlock
	PauseRateLimit
	PauseRetry
)

func (r PauseReason) String() string {
	switch r {
	case PauseBetweenActions:
		return "between_actions"
	case PauseBetweenCycles:
		return "between_cycles"
	case PauseError:
		return "error_pause"
	case PauseDaily:
		return "daily_pause"
	case PauseBlock:
		return "block_pause"
	case PauseRateLimit:
		return "rate_limit"
	case PauseRetry:
		return "retry"
	default:
		return fmt.Sprintf("pause(%d)", int(r))
	}
}

func (r PauseReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Sleeper waits for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when cut short.
type Sleeper interface {
	Sleep(ctx context.Context, reason PauseReason, d time.Duration) error
}

type SleeperFunc func(ctx context.Context, reason PauseReason, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, reason PauseReason, d time.Duration) error {
	return f(ctx, reason, d)
}

// TimerSleeper races a timer against ctx, so cancellation latency does not
// depend on d.
type TimerSleeper struct{}

func (TimerSleeper) Sleep(ctx context.Context, _ PauseReason, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
