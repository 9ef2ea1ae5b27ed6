package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instabot/internal/eventbus"
)

var fixedNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

// recordingSleeper never waits; hook decides what each call returns.
type recordingSleeper struct {
	mu      sync.Mutex
	reasons []PauseReason
	durs    []time.Duration
	hook    func(ctx context.Context, reason PauseReason, n int) error
}

func (r *recordingSleeper) Sleep(ctx context.Context, reason PauseReason, d time.Duration) error {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.durs = append(r.durs, d)
	n := len(r.reasons)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		return hook(ctx, reason, n)
	}
	return ctx.Err()
}

func (r *recordingSleeper) snapshot() ([]PauseReason, []time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PauseReason(nil), r.reasons...), append([]time.Duration(nil), r.durs...)
}

// park signals reached once and blocks until the loop is cancelled.
func park(reached chan<- struct{}) func(ctx context.Context) error {
	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() { close(reached) })
		<-ctx.Done()
		return ctx.Err()
	}
}

type memStore struct {
	mu       sync.Mutex
	snap     Snapshot
	has      bool
	records  []ActionRecord
	persists int
	fail     error
}

func (m *memStore) Persist(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persists++
	if m.fail != nil {
		return m.fail
	}
	m.snap, m.has = s, true
	return nil
}

func (m *memStore) Load(context.Context) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, m.has, nil
}

func (m *memStore) AppendAction(_ context.Context, r ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memStore) last() (Snapshot, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, len(m.records)
}

type countingExec struct {
	calls atomic.Int64
	fn    func(n int64, a Action) error
}

func (c *countingExec) Run(_ context.Context, a Action) error {
	n := c.calls.Add(1)
	if c.fn != nil {
		return c.fn(n, a)
	}
	return nil
}

func testSettings(limits Counts) Settings {
	set := DefaultSettings()
	set.Limits = limits
	set.Location = time.UTC
	return set
}

func newTestScheduler(t *testing.T, opts Options) *Scheduler {
	t.Helper()
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(1))
	}
	if opts.Now == nil {
		opts.Now = clock
	}
	s := NewScheduler(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for scheduler")
	}
}

func TestSchedulerRunsUntilQuotaExhausted(t *testing.T) {
	t.Parallel()
	reached := make(chan struct{})
	block := park(reached)
	sl := &recordingSleeper{hook: func(ctx context.Context, r PauseReason, _ int) error {
		if r == PauseDaily {
			return block(ctx)
		}
		return nil
	}}
	exec := &countingExec{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(128)
	defer unsub()

	s := newTestScheduler(t, Options{Settings: testSettings(Counts{Like: 2}), Executor: exec, Sleeper: sl, Bus: bus})
	require.NoError(t, s.Start(context.Background()))
	waitFor(t, reached)

	st := s.State()
	assert.EqualValues(t, 2, exec.calls.Load())
	assert.Equal(t, 2, st.Session.Get(Like))
	assert.Equal(t, 2, st.Daily.Get(Like))
	assert.Equal(t, 2, st.Totals.Get(Like))
	assert.Equal(t, StateRunning, st.Status)
	require.NotNil(t, st.Pause)
	assert.Equal(t, PauseDaily, st.Pause.Reason)
	assert.Equal(t, 18*time.Hour, st.Pause.Duration)

	reasons, _ := sl.snapshot()
	assert.Equal(t, []PauseReason{PauseBetweenActions, PauseBetweenActions, PauseDaily}, reasons)

	typed := map[string]int{}
	for {
		select {
		case e := <-events:
			typed[e.Type]++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 2, typed[eventbus.ActionSucceeded])
	assert.Equal(t, 1, typed[eventbus.QuotaExhausted])
	assert.Equal(t, 1, typed[eventbus.StateChanged])
}

func TestSchedulerResetsAfterExactlyOneDailyPause(t *testing.T) {
	t.Parallel()
	reached := make(chan struct{})
	block := park(reached)
	dailies := 0
	sl := &recordingSleeper{hook: func(ctx context.Context, r PauseReason, _ int) error {
		if r != PauseDaily {
			return nil
		}
		dailies++
		if dailies == 1 {
			return nil
		}
		return block(ctx)
	}}
	exec := &countingExec{}
	s := newTestScheduler(t, Options{Settings: testSettings(Counts{Like: 2}), Executor: exec, Sleeper: sl})
	require.NoError(t, s.Start(context.Background()))
	waitFor(t, reached)

	reasons, _ := sl.snapshot()
	assert.Equal(t, []PauseReason{
		PauseBetweenActions, PauseBetweenActions, PauseDaily,
		PauseBetweenActions, PauseBetweenActions, PauseDaily,
	}, reasons)
	st := s.State()
	assert.EqualValues(t, 4, exec.calls.Load())
	assert.Equal(t, 2, st.Daily.Get(Like), "daily counters reset after the first pause")
	assert.Equal(t, 4, st.Session.Get(Like), "session counters never reset")
}

func TestSchedulerErrorThresholdTakesCyclePause(t *testing.T) {
	t.Parallel()
	reached := make(chan struct{})
	block := park(reached)
	sl := &recordingSleeper{hook: func(ctx context.Context, _ PauseReason, n int) error {
		if n == 4 {
			return block(ctx)
		}
		return nil
	}}
	exec := &countingExec{fn: func(int64, Action) error { return errors.New("network timeout") }}
	set := testSettings(Counts{Like: 10})
	set.MaxErrorsPerSession = 3
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()
	s := newTestScheduler(t, Options{Settings: set, Executor: exec, Sleeper: sl, Bus: bus})
	require.NoError(t, s.Start(context.Background()))
	waitFor(t, reached)

	reasons, durs := sl.snapshot()
	assert.Equal(t, []PauseReason{PauseError, PauseError, PauseBetweenCycles, PauseBetweenCycles}, reasons)
	assert.Equal(t, 300*time.Second, durs[0])
	assert.Zero(t, durs[2]%time.Hour)

	var thresholds []int
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.ErrorThreshold {
			thresholds = append(thresholds, e.Data.(ActionEvent).Errors)
		}
	}
	assert.Equal(t, []int{3, 4}, thresholds)

	st := s.State()
	assert.Equal(t, 4, st.Errors)
	assert.Zero(t, st.Daily.Total(), "failures never touch daily counters")
	assert.Zero(t, st.Session.Total())
}

func TestSchedulerBlockDetected(t *testing.T) {
	t.Parallel()
	reached := make(chan struct{})
	block := park(reached)
	sl := &recordingSleeper{hook: func(ctx context.Context, _ PauseReason, _ int) error { return block(ctx) }}
	exec := &countingExec{fn: func(_ int64, a Action) error {
		return NewActionError(a.Kind, "Ação bloqueada. Tente novamente mais tarde.")
	}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	s := newTestScheduler(t, Options{Settings: testSettings(Counts{Follow: 5}), Executor: exec, Sleeper: sl, Bus: bus})
	require.NoError(t, s.Start(context.Background()))
	waitFor(t, reached)

	reasons, durs := sl.snapshot()
	require.Len(t, reasons, 1)
	assert.Equal(t, PauseBlock, reasons[0])
	assert.Equal(t, 24*time.Hour, durs[0])

	st := s.State()
	assert.Equal(t, 1, st.Errors)
	assert.Equal(t, 1, st.Blocks)

	var sawBlock bool
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.BlockDetected {
			sawBlock = true
			ev, ok := e.Data.(ActionEvent)
			require.True(t, ok)
			assert.Equal(t, Follow, ev.Kind)
			assert.Equal(t, "block_detected", ev.Class)
		}
	}
	assert.True(t, sawBlock)
}

func TestSchedulerStopInterruptsLongSleep(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	var once sync.Once
	exec := &countingExec{fn: func(int64, Action) error {
		once.Do(func() { close(started) })
		return nil
	}}
	set := testSettings(Counts{Like: 5})
	set.Delays.BetweenActions = Range{Min: 3600, Max: 3600}
	store := &memStore{}
	s := newTestScheduler(t, Options{Settings: set, Executor: exec, Store: store, Sleeper: TimerSleeper{}})
	require.NoError(t, s.Start(context.Background()))
	waitFor(t, started)
	require.Eventually(t, func() bool {
		p := s.State().Pause
		return p != nil && p.Reason == PauseBetweenActions
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	begin := time.Now()
	require.NoError(t, s.Stop(ctx))
	assert.Less(t, time.Since(begin), time.Second)

	st := s.State()
	assert.Equal(t, StateStopped, st.Status)
	assert.False(t, st.Running)
	assert.Nil(t, st.Pause)

	snap, records := store.last()
	assert.Equal(t, 1, snap.Session.Get(Like))
	assert.Equal(t, 1, records)
	assert.ErrorIs(t, s.Stop(ctx), ErrNotRunning)
}

func TestSchedulerInvalidConfigStaysIdle(t *testing.T) {
	t.Parallel()
	set := testSettings(Counts{Like: 1})
	set.MaxErrorsPerSession = 0
	s := newTestScheduler(t, Options{Settings: set, Executor: &countingExec{}})
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.ErrorContains(t, err, "max_errors_per_session")
	assert.Equal(t, StateIdle, s.State().Status)

	s = newTestScheduler(t, Options{Settings: testSettings(Counts{Like: 1})})
	assert.ErrorIs(t, s.Start(context.Background()), ErrNoExecutor)
}

func TestSchedulerStartIsIdempotentAndRestartable(t *testing.T) {
	t.Parallel()
	reached := make(chan struct{})
	block := park(reached)
	sl := &recordingSleeper{hook: func(ctx context.Context, _ PauseReason, _ int) error { return block(ctx) }}
	exec := &countingExec{}
	s := newTestScheduler(t, Options{Settings: testSettings(Counts{Like: 5}), Executor: exec, Sleeper: sl})

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	waitFor(t, reached)
	assert.EqualValues(t, 1, exec.calls.Load())

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateRunning, s.State().Status)
	require.Eventually(t, func() bool { return exec.calls.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestSchedulerPauseResume(t *testing.T) {
	t.Parallel()
	var s *Scheduler
	second := make(chan struct{})
	exec := &countingExec{}
	exec.fn = func(n int64, _ Action) error {
		switch n {
		case 1:
			assert.NoError(t, s.Pause())
		case 2:
			close(second)
		}
		return nil
	}
	reached := make(chan struct{})
	block := park(reached)
	sl := &recordingSleeper{hook: func(ctx context.Context, _ PauseReason, n int) error {
		if n >= 2 {
			return block(ctx)
		}
		return nil
	}}
	s = newTestScheduler(t, Options{Settings: testSettings(Counts{Like: 5}), Executor: exec, Sleeper: sl})
	assert.ErrorIs(t, s.Pause(), ErrNotRunning)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		st := s.State()
		return st.Paused && st.Pause == nil && exec.calls.Load() == 1
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, exec.calls.Load(), "paused loop performs no executor calls")
	st := s.State()
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Daily.Get(Like))

	require.NoError(t, s.Resume())
	waitFor(t, second)
	assert.Equal(t, StateRunning, s.State().Status)
}

func TestSchedulerRestoresSameWindow(t *testing.T) {
	t.Parallel()
	b, err := ParseDailyBoundary("06:00", time.UTC)
	require.NoError(t, err)

	cases := []struct {
		name      string
		window    time.Time
		wantCalls int64
	}{
		{"same window", b.WindowStart(fixedNow), 1},
		{"previous window", b.WindowStart(fixedNow).AddDate(0, 0, -1), 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := &memStore{has: true, snap: Snapshot{
				Window: tc.window,
				Daily:  Counts{Like: 1},
				Totals: Counts{Like: 5},
			}}
			reached := make(chan struct{})
			block := park(reached)
			sl := &recordingSleeper{hook: func(ctx context.Context, r PauseReason, _ int) error {
				if r == PauseDaily {
					return block(ctx)
				}
				return nil
			}}
			exec := &countingExec{}
			s := newTestScheduler(t, Options{Settings: testSettings(Counts{Like: 2}), Executor: exec, Store: store, Sleeper: sl})
			require.NoError(t, s.Start(context.Background()))
			waitFor(t, reached)

			assert.Equal(t, tc.wantCalls, exec.calls.Load())
			st := s.State()
			assert.Equal(t, 2, st.Daily.Get(Like))
			assert.Equal(t, 5+int(tc.wantCalls), st.Totals.Get(Like))
		})
	}
}

func TestSchedulerSwallowsPersistErrors(t *testing.T) {
	t.Parallel()
	reached := make(chan struct{})
	block := park(reached)
	sl := &recordingSleeper{hook: func(ctx context.Context, r PauseReason, _ int) error {
		if r == PauseDaily {
			return block(ctx)
		}
		return nil
	}}
	store := &memStore{fail: errors.New("disk full")}
	exec := &countingExec{}
	s := newTestScheduler(t, Options{Settings: testSettings(Counts{Like: 2, Story: 1}), Executor: exec, Store: store, Sleeper: sl})
	require.NoError(t, s.Start(context.Background()))
	waitFor(t, reached)

	st := s.State()
	assert.Equal(t, 3, st.Session.Total())
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 3, store.persists)
}

func TestSchedulerHourlyCeiling(t *testing.T) {
	t.Parallel()
	reached := make(chan struct{})
	block := park(reached)
	sl := &recordingSleeper{hook: func(ctx context.Context, r PauseReason, _ int) error {
		if r == PauseRateLimit {
			return block(ctx)
		}
		return nil
	}}
	set := testSettings(Counts{Like: 10})
	set.MaxActionsPerHour = 1
	exec := &countingExec{}
	s := newTestScheduler(t, Options{Settings: set, Executor: exec, Sleeper: sl})
	require.NoError(t, s.Start(context.Background()))
	waitFor(t, reached)

	assert.EqualValues(t, 1, exec.calls.Load())
	reasons, durs := sl.snapshot()
	assert.Equal(t, []PauseReason{PauseBetweenActions, PauseRateLimit}, reasons)
	assert.Equal(t, time.Hour, durs[1])
}

func TestSchedulerExecutorPanicIsAFailure(t *testing.T) {
	t.Parallel()
	reached := make(chan struct{})
	block := park(reached)
	sl := &recordingSleeper{hook: func(ctx context.Context, _ PauseReason, _ int) error { return block(ctx) }}
	exec := &countingExec{fn: func(int64, Action) error { panic("driver crashed") }}
	s := newTestScheduler(t, Options{Settings: testSettings(Counts{Like: 1}), Executor: exec, Sleeper: sl})
	require.NoError(t, s.Start(context.Background()))
	waitFor(t, reached)

	reasons, _ := sl.snapshot()
	assert.Equal(t, []PauseReason{PauseError}, reasons)
	assert.Equal(t, 1, s.State().Errors)
}

func TestSchedulerStartRefusedUntilTimedOutLoopExits(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var inFlight, peak atomic.Int64
	exec := ExecutorFunc(func(context.Context, Action) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release // ignores ctx like a wedged driver
		return nil
	})
	reached := make(chan struct{})
	block := park(reached)
	sl := &recordingSleeper{hook: func(ctx context.Context, r PauseReason, _ int) error {
		if r == PauseDaily {
			return block(ctx)
		}
		return nil
	}}
	s := newTestScheduler(t, Options{Settings: testSettings(Counts{Like: 3}), Executor: exec, Sleeper: sl})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, entered)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("Stop() error = %v, want %v", err, ErrStopTimeout)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStopPending) {
		t.Fatalf("Start() while old loop drains error = %v, want %v", err, ErrStopPending)
	}
	if got := s.State().Status; got != StateStopped {
		t.Fatalf("State().Status = %s, want %s", got, StateStopped)
	}

	close(release)
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := s.Start(context.Background())
		if err == nil {
			break
		}
		if !errors.Is(err, ErrStopPending) || time.Now().After(deadline) {
			t.Fatalf("Start() after old loop exit error: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitFor(t, reached)
	if got := peak.Load(); got != 1 {
		t.Fatalf("concurrent executor calls peak = %d, want 1", got)
	}
}

func TestSchedulerPauseAfterSelectionSkipsAction(t *testing.T) {
	t.Parallel()
	var (
		s           *Scheduler
		armed       atomic.Bool
		whilePaused atomic.Int64
	)
	paused := make(chan struct{})
	// The first clock read of an iteration happens after the loop has
	// already checked for a pause, so a Pause issued there lands between
	// the check and the executor call.
	now := func() time.Time {
		if armed.CompareAndSwap(true, false) {
			if err := s.Pause(); err != nil {
				t.Errorf("Pause() error: %v", err)
			}
			close(paused)
		}
		return fixedNow
	}
	exec := &countingExec{fn: func(int64, Action) error {
		if s.State().Paused {
			whilePaused.Add(1)
		}
		return nil
	}}
	reached := make(chan struct{})
	block := park(reached)
	sl := &recordingSleeper{hook: func(ctx context.Context, _ PauseReason, n int) error {
		if n == 1 {
			armed.Store(true)
			return nil
		}
		return block(ctx)
	}}
	s = newTestScheduler(t, Options{Settings: testSettings(Counts{Like: 5}), Executor: exec, Sleeper: sl, Now: now})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, paused)
	time.Sleep(50 * time.Millisecond)
	if got := exec.calls.Load(); got != 1 {
		t.Fatalf("executor calls after Pause = %d, want 1", got)
	}
	if got := s.State().Daily.Get(Like); got != 1 {
		t.Fatalf("daily like count = %d, want 1", got)
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	waitFor(t, reached)
	if got := exec.calls.Load(); got != 2 {
		t.Fatalf("executor calls after Resume = %d, want 2", got)
	}
	if got := whilePaused.Load(); got != 0 {
		t.Fatalf("executor calls while paused = %d, want 0", got)
	}
}
