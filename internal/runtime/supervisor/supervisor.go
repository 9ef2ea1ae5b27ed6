package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "instabot/pkg/logx"
)

// Supervisor runs the process's long-lived goroutines (scheduler watch,
// config watcher, notifier, HTTP server) under one cancellable context.
//   - every goroutine is named, panic-safe and tracked for /status
//   - the first error is kept; optionally it cancels all siblings
//   - Stop waits for every goroutine, bounded by the caller's ctx
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	errOnce  sync.Once
	firstErr atomic.Value // error

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	tasks map[string]*TaskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first error or panic.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// TaskStats is a best-effort view of one named goroutine.
type TaskStats struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	LastErr   string    `json:"last_err,omitempty"`
}

// Snapshot is reported on the status endpoint.
type Snapshot struct {
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		tasks:  map[string]*TaskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error reported by any goroutine.
func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	snap.Tasks = make([]TaskStats, 0, len(s.tasks))
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, *t)
	}
	s.mu.Unlock()
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Name < snap.Tasks[j].Name })
	return snap
}

func (s *Supervisor) note(name string, fn func(t *TaskStats)) {
	s.mu.Lock()
	t := s.tasks[name]
	if t == nil {
		t = &TaskStats{Name: name}
		s.tasks[name] = t
	}
	fn(t)
	s.mu.Unlock()
}

// runOnce executes fn, converting a panic into an error.
func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.note(name, func(t *TaskStats) { t.Panics++ })
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) fail(name string, err error, publish bool) {
	err = fmt.Errorf("%s: %w", name, err)
	s.note(name, func(t *TaskStats) { t.LastErr = err.Error() })
	if !publish {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn once. A non-nil error other than context.Canceled is recorded as
// the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.note(name, func(t *TaskStats) { t.Running, t.StartedAt = true, time.Now() })
		s.log.Debug("goroutine started", logx.String("name", name))

		err := s.runOnce(name, fn)

		s.note(name, func(t *TaskStats) { t.Running, t.StoppedAt = false, time.Now() })
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(name, err, true)
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 means unlimited
	publish     bool
}

type RestartOption func(*restartCfg)

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(c *restartCfg) {
		if lo > 0 {
			c.minBackoff = lo
		}
		if hi > 0 {
			c.maxBackoff = hi
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError surfaces restart-loop failures through Err.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publish = enabled }
}

// GoRestart runs fn and restarts it after an error or panic with jittered
// exponential backoff. A nil return or a cancelled context stops the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := cfg.minBackoff
		for restarts := 0; ; restarts++ {
			startedAt := time.Now()
			s.note(name, func(t *TaskStats) {
				t.Running, t.StartedAt = true, startedAt
				if restarts > 0 {
					t.Restarts++
				}
			})

			err := s.runOnce(name, fn)

			s.note(name, func(t *TaskStats) { t.Running, t.StoppedAt = false, time.Now() })
			if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return
			}
			s.fail(name, err, cfg.publish)

			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}
			// A long healthy run resets the backoff.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := backoff
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % (j + 1))
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	}()
}

// Stop cancels the context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
