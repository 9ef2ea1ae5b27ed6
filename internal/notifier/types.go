package notifier

import (
	"context"
	"time"
)

// Config controls the alert pipeline.
type Config struct {
	Enabled     bool
	RatePerMin  int // default 20
	QueueSize   int // default 64
	RetryMax    int // extra attempts after the first send; default 2
	RetryBase   time.Duration
	DedupWindow time.Duration // default 10m; <0 disables
}

// Sender delivers one message to the operator chat.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Notifier lifecycle events published on the bus.
const (
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDropped = "notifier.dropped"
)

// NotificationEvent is the payload of notifier.* events.
type NotificationEvent struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
