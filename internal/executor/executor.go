// Package executor provides the engine.Executor implementations: an HTTP client
// for an external browser-automation driver and an offline simulator.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"instabot/internal/engine"
	logx "instabot/pkg/logx"
)

// Driver is an executor that can report when the remote side is usable.
type Driver interface {
	engine.Executor
	WaitReady(ctx context.Context) error
}

// Config configures the driver. Durations are already parsed.
type Config struct {
	Mode    string // http | simulate
	URL     string
	Token   string
	Timeout time.Duration

	ReadyAttempts int
	ReadyInterval time.Duration

	FailureRate float64
	BlockRate   float64
	Latency     time.Duration
	Seed        int64
}

const (
	DefaultTimeout       = 60 * time.Second
	DefaultReadyAttempts = 10
	DefaultReadyInterval = 2 * time.Second
)

// New picks the driver from cfg.Mode. An empty mode means simulate.
func New(cfg Config, log logx.Logger) (Driver, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "http":
		return NewHTTPDriver(cfg, log)
	case "simulate", "":
		return NewSimulator(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown driver mode %q", cfg.Mode)
	}
}
