package storage

import (
	"context"
	"errors"
	"time"

	"instabot/internal/engine"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot plus a JSON Lines action journal
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty, "none", "off" or "disabled", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is a StatsStore that can also list the action journal.
type Store interface {
	engine.StatsStore

	// RecentActions returns up to limit records, newest last.
	RecentActions(ctx context.Context, limit int) ([]engine.ActionRecord, error)
	Close() error
}
