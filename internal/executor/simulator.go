package executor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"instabot/internal/engine"
	logx "instabot/pkg/logx"
)

// Simulated failure messages. The block text matches a default block phrase.
const (
	SimulatedBlockMessage   = "Action Blocked: try again later"
	SimulatedFailureMessage = "simulated timeout waiting for page"
)

// Simulator is a dry-run executor. Each action waits a random latency in
// [0, Latency] and then fails with the configured probabilities.
type Simulator struct {
	log logx.Logger

	mu          sync.Mutex
	rng         *rand.Rand
	failureRate float64
	blockRate   float64
	latency     time.Duration

	sleep engine.Sleeper
}

func NewSimulator(cfg Config, log logx.Logger) *Simulator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		log:         log.With(logx.String("comp", "driver.simulate")),
		rng:         rand.New(rand.NewSource(seed)),
		failureRate: clamp01(cfg.FailureRate),
		blockRate:   clamp01(cfg.BlockRate),
		latency:     cfg.Latency,
		sleep:       engine.TimerSleeper{},
	}
}

// SetSleeper replaces the latency sleeper (tests).
func (s *Simulator) SetSleeper(sl engine.Sleeper) {
	if sl != nil {
		s.sleep = sl
	}
}

func (s *Simulator) Run(ctx context.Context, a engine.Action) error {
	s.mu.Lock()
	var wait time.Duration
	if s.latency > 0 {
		wait = time.Duration(s.rng.Int63n(int64(s.latency) + 1))
	}
	roll := s.rng.Float64()
	s.mu.Unlock()

	if wait > 0 {
		if err := s.sleep.Sleep(ctx, engine.PauseRetry, wait); err != nil {
			return &engine.ActionError{Kind: a.Kind, Message: "cancelled", Err: err}
		}
	}
	switch {
	case roll < s.blockRate:
		s.log.Debug("simulated block", logx.String("kind", a.Kind.String()), logx.Uint64("seq", a.Seq))
		return engine.NewActionError(a.Kind, SimulatedBlockMessage)
	case roll < s.blockRate+s.failureRate:
		return engine.NewActionError(a.Kind, SimulatedFailureMessage)
	}
	s.log.Trace("simulated action", logx.String("kind", a.Kind.String()), logx.Uint64("seq", a.Seq))
	return nil
}

func (s *Simulator) WaitReady(ctx context.Context) error { return ctx.Err() }

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

var _ Driver = (*Simulator)(nil)
