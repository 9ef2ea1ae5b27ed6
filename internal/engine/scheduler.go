package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"instabot/internal/eventbus"
	logx "instabot/pkg/logx"
)

// Options wires a Scheduler. Only Settings and Executor are required.
type Options struct {
	Settings Settings
	Executor Executor

	Store   StatsStore
	Bus     eventbus.Bus
	Log     logx.Logger
	Sleeper Sleeper

	// Rand seeds selection and delay sampling; nil seeds from the clock.
	Rand      *rand.Rand
	Now       func() time.Time
	SessionID string
}

// Scheduler runs the action loop: pick an eligible kind, execute it, account
// for the result, wait, repeat. One loop goroutine at most; every wait is a
// cancellation point.
type Scheduler struct {
	log     logx.Logger
	exec    Executor
	store   StatsStore
	bus     eventbus.Bus
	sleeper Sleeper
	now     func() time.Time

	cfgErr     error
	priority   []ActionKind
	maxErrors  int
	boundary   *DailyBoundary
	delays     *DelayPolicy
	selector   *Selector
	classifier *Classifier
	limiter    *rate.Limiter

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex
	restored  bool

	mu        sync.Mutex
	status    RunState
	quota     *QuotaTracker
	window    time.Time
	sessionID string
	startedAt time.Time
	session   Counts
	totals    Counts
	errors    int
	blocks    int
	seq       uint64
	current   ActionKind
	busy      bool
	pause     *PauseInfo
	cancel    context.CancelFunc
	done      chan struct{}
	resume    chan struct{}
}

// NewScheduler builds a scheduler. Invalid settings do not fail here; they are
// reported by Start and Err, and the scheduler stays Idle.
func NewScheduler(opts Options) *Scheduler {
	s := &Scheduler{
		log:       opts.Log.With(logx.String("comp", "scheduler")),
		exec:      opts.Executor,
		store:     opts.Store,
		bus:       opts.Bus,
		sleeper:   opts.Sleeper,
		now:       opts.Now,
		sessionID: opts.SessionID,
		quota:     NewQuotaTracker(Counts{}),
	}
	if s.bus == nil {
		s.bus = eventbus.Nop{}
	}
	if s.sleeper == nil {
		s.sleeper = TimerSleeper{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sessionID == "" {
		s.sessionID = uuid.NewString()
	}
	s.startedAt = s.now()

	set := opts.Settings
	if err := set.Validate(); err != nil {
		s.cfgErr = err
		return s
	}
	if s.exec == nil {
		s.cfgErr = ErrNoExecutor
		return s
	}
	boundary, err := ParseDailyBoundary(set.DailyReset, set.Location)
	if err != nil {
		s.cfgErr = err
		return s
	}

	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s.boundary = boundary
	s.quota = NewQuotaTracker(set.Limits)
	s.delays = NewDelayPolicy(set.Delays, boundary, rng)
	s.delays.SetClock(s.now)
	s.selector = NewSelector(set.RetainProbability, rng)
	s.classifier = NewClassifier(set.BlockPhrases...)
	s.priority = append([]ActionKind(nil), set.Priority...)
	s.maxErrors = set.MaxErrorsPerSession
	if n := set.MaxActionsPerHour; n > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(n)), max(1, n/4))
	}
	s.window = boundary.WindowStart(s.startedAt)
	return s
}

// Err returns the settings error captured at construction, if any.
func (s *Scheduler) Err() error {
	if s.cfgErr == nil {
		return nil
	}
	return &ConfigError{Err: s.cfgErr}
}

// Start launches the loop from Idle or Stopped. It is a no-op while the loop
// is Running or Paused. ctx bounds only the initial stats restore; the loop
// lives until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Err(); err != nil {
		return err
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	prev, old := s.status, s.done
	s.mu.Unlock()
	if prev == StateRunning || prev == StatePaused {
		s.log.Warn("start ignored; scheduler already active", logx.String("state", prev.String()))
		return nil
	}
	// A Stop that hit its deadline leaves the previous loop draining an
	// executor call. Only one loop may exist at a time.
	if old != nil {
		select {
		case <-old:
		default:
			return ErrStopPending
		}
	}

	s.restore(ctx)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.mu.Lock()
	s.status = StateRunning
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.publishState(prev, StateRunning)
	s.log.Info("scheduler started",
		logx.String("session", s.sessionID),
		logx.String("daily_reset", s.boundary.String()),
		logx.Time("window", s.window),
	)
	go s.loop(loopCtx, done)
	return nil
}

// Stop cancels the loop, waits for it to exit (bounded by ctx), flushes the
// final snapshot and moves to Stopped. On ErrStopTimeout the old loop is still
// finishing its current call and Start reports ErrStopPending until it exits.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	prev := s.status
	if prev != StateRunning && prev != StatePaused {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("%w: %w", ErrStopTimeout, ctx.Err())
	}

	s.mu.Lock()
	s.status = StateStopped
	s.pause = nil
	s.busy = false
	snap := s.snapshotLocked()
	s.mu.Unlock()

	fctx := ctx
	if ctx.Err() != nil {
		var c context.CancelFunc
		fctx, c = context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
	}
	s.persist(fctx, snap)
	s.publishState(prev, StateStopped)
	s.log.Info("scheduler stopped",
		logx.Int("session_actions", snap.Session.Total()),
		logx.Int("errors", snap.Errors),
	)
	return waitErr
}

// Pause parks the loop at the top of its next iteration. A wait already in
// progress runs to completion first.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	switch s.status {
	case StatePaused:
		s.mu.Unlock()
		return nil
	case StateRunning:
	default:
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.status = StatePaused
	s.resume = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("scheduler paused")
	s.publishState(StateRunning, StatePaused)
	return nil
}

func (s *Scheduler) Resume() error {
	s.mu.Lock()
	switch s.status {
	case StateRunning:
		s.mu.Unlock()
		return nil
	case StatePaused:
	default:
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.status = StateRunning
	close(s.resume)
	s.mu.Unlock()

	s.log.Info("scheduler resumed")
	s.publishState(StatePaused, StateRunning)
	return nil
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Status:    s.status,
		Running:   s.status == StateRunning || s.status == StatePaused,
		Paused:    s.status == StatePaused,
		SessionID: s.sessionID,
		StartedAt: s.startedAt,
		Window:    s.window,
		Daily:     s.quota.Counters(),
		Limits:    s.quota.Limits(),
		Session:   s.session,
		Totals:    s.totals,
		Errors:    s.errors,
		Blocks:    s.blocks,
	}
	if s.busy {
		st.CurrentAction = s.current.String()
	}
	if s.pause != nil {
		p := *s.pause
		st.Pause = &p
	}
	return st
}

// restore loads the last snapshot once per scheduler. Totals always carry
// over; daily counters only when the snapshot belongs to the current window.
func (s *Scheduler) restore(ctx context.Context) {
	if s.store == nil || s.restored {
		return
	}
	s.restored = true
	snap, ok, err := s.store.Load(ctx)
	if err != nil {
		s.log.Warn("stats restore failed; starting from zero", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	s.mu.Lock()
	s.totals = snap.Totals
	same := snap.Window.Equal(s.window)
	if same {
		s.quota.Restore(snap.Daily)
	}
	daily := s.quota.Counters()
	s.mu.Unlock()
	s.log.Info("stats restored",
		logx.Bool("same_window", same),
		logx.Int("daily_total", daily.Total()),
		logx.Int("lifetime_total", snap.Totals.Total()),
	)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler loop panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			s.mu.Lock()
			prev := s.status
			s.status = StateStopped
			s.mu.Unlock()
			s.publishState(prev, StateStopped)
		}
	}()
	for ctx.Err() == nil {
		if !s.waitResumed(ctx) {
			return
		}
		s.iterate(ctx)
	}
}

func (s *Scheduler) waitResumed(ctx context.Context) bool {
	s.mu.Lock()
	if s.status != StatePaused {
		s.mu.Unlock()
		return true
	}
	ch := s.resume
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return false
	case <-ch:
		return true
	}
}

func (s *Scheduler) iterate(ctx context.Context) {
	s.rollWindow()

	s.mu.Lock()
	exhausted := s.quota.AllExhausted()
	var (
		kind ActionKind
		ok   bool
	)
	if !exhausted {
		kind, ok = s.selector.Next(s.quota, s.priority)
	}
	s.mu.Unlock()

	if exhausted {
		s.dailyPause(ctx)
		return
	}
	if !ok {
		_ = s.sleep(ctx, PauseBetweenCycles, s.delays.Sample(BetweenCycles))
		return
	}
	if wait := s.reserve(); wait > 0 {
		_ = s.sleep(ctx, PauseRateLimit, wait)
		return
	}
	s.execute(ctx, kind)
}

// rollWindow resets the daily counters when the clock has crossed into a new
// window without the quota having been exhausted.
func (s *Scheduler) rollWindow() {
	w := s.boundary.WindowStart(s.now())
	s.mu.Lock()
	if !w.After(s.window) {
		s.mu.Unlock()
		return
	}
	s.quota.Reset()
	s.window = w
	s.mu.Unlock()
	s.log.Info("daily window rolled over", logx.Time("window", w))
}

func (s *Scheduler) dailyPause(ctx context.Context) {
	d := s.delays.Sample(DailyPause)
	s.publish(eventbus.QuotaExhausted, PauseInfo{Reason: PauseDaily, Duration: d, Until: s.now().Add(d)})
	s.log.Info("daily quota exhausted", logx.Duration("pause", d))
	if err := s.sleep(ctx, PauseDaily, d); err != nil {
		return
	}

	s.mu.Lock()
	s.quota.Reset()
	s.window = s.boundary.WindowStart(s.now())
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.log.Info("daily counters reset", logx.Time("window", snap.Window))
	s.persist(ctx, snap)
}

// reserve takes a token from the hourly limiter. A positive result is the wait
// before a token is available; the reservation is returned so the next
// iteration can take it.
func (s *Scheduler) reserve() time.Duration {
	if s.limiter == nil {
		return 0
	}
	now := s.now()
	r := s.limiter.ReserveN(now, 1)
	if !r.OK() {
		return 0
	}
	d := r.DelayFrom(now)
	if d > 0 {
		r.CancelAt(now)
	}
	return d
}

func (s *Scheduler) execute(ctx context.Context, kind ActionKind) {
	pace := s.delays.SampleAction(kind)
	s.mu.Lock()
	if s.status != StateRunning || ctx.Err() != nil {
		// Paused (or stopped) after selection; the loop parks on its next turn.
		s.mu.Unlock()
		return
	}
	s.seq++
	a := Action{Kind: kind, Pace: pace, Seq: s.seq}
	s.current, s.busy = kind, true
	s.mu.Unlock()

	log := s.log.With(logx.String("kind", kind.String()), logx.Uint64("seq", a.Seq))
	log.Debug("action starting", logx.Duration("pace", pace))

	start := time.Now()
	err := s.run(ctx, a)
	took := time.Since(start)

	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()

	if err != nil && ctx.Err() != nil {
		log.Debug("action interrupted by stop", logx.Err(err))
		return
	}
	if err == nil {
		s.succeeded(ctx, log, a, took)
		return
	}
	s.failed(ctx, log, a, took, err)
}

func (s *Scheduler) run(ctx context.Context, a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ActionError{Kind: a.Kind, Message: fmt.Sprintf("executor panic: %v", r)}
		}
	}()
	return s.exec.Run(ctx, a)
}

func (s *Scheduler) succeeded(ctx context.Context, log logx.Logger, a Action, took time.Duration) {
	s.mu.Lock()
	s.quota.Increment(a.Kind)
	s.session[a.Kind]++
	s.totals[a.Kind]++
	ev := s.actionEventLocked(a, took)
	ev.OK = true
	snap := s.snapshotLocked()
	s.mu.Unlock()

	log.Info("action succeeded",
		logx.Int("daily", ev.Daily),
		logx.Int("limit", ev.Limit),
		logx.Duration("took", took),
	)
	s.record(ctx, ActionRecord{SessionID: s.sessionID, Seq: a.Seq, Kind: a.Kind, At: s.now(), Took: took, OK: true})
	s.persist(ctx, snap)
	s.publish(eventbus.ActionSucceeded, ev)

	_ = s.sleep(ctx, PauseBetweenActions, s.delays.Sample(BetweenActions))
}

func (s *Scheduler) failed(ctx context.Context, log logx.Logger, a Action, took time.Duration, err error) {
	class := s.classifier.ClassifyError(err)

	s.mu.Lock()
	s.errors++
	if class == Blocked {
		s.blocks++
	}
	ev := s.actionEventLocked(a, took)
	ev.Class = class.String()
	ev.Error = err.Error()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	log.Warn("action failed", logx.Err(err), logx.String("class", ev.Class), logx.Int("errors", ev.Errors))
	s.record(ctx, ActionRecord{
		SessionID: s.sessionID, Seq: a.Seq, Kind: a.Kind, At: s.now(), Took: took,
		Class: ev.Class, Error: ev.Error,
	})
	s.persist(ctx, snap)
	s.publish(eventbus.ActionFailed, ev)

	switch {
	case class == Blocked:
		d := s.delays.BlockPause()
		log.Error("block detected; pausing", logx.Duration("pause", d))
		s.publish(eventbus.BlockDetected, ev)
		_ = s.sleep(ctx, PauseBlock, d)
	case ev.Errors >= s.maxErrors:
		log.Warn("error threshold reached; taking cycle pause", logx.Int("max_errors", s.maxErrors))
		s.publish(eventbus.ErrorThreshold, ev)
		_ = s.sleep(ctx, PauseBetweenCycles, s.delays.Sample(BetweenCycles))
	default:
		_ = s.sleep(ctx, PauseError, s.delays.Sample(ErrorPause))
	}
}

func (s *Scheduler) sleep(ctx context.Context, reason PauseReason, d time.Duration) error {
	info := PauseInfo{Reason: reason, Duration: d, Until: s.now().Add(d)}
	s.mu.Lock()
	s.pause = &info
	s.mu.Unlock()

	s.publish(eventbus.Paused, info)
	s.log.Debug("waiting", logx.String("reason", reason.String()), logx.Duration("for", d))
	err := s.sleeper.Sleep(ctx, reason, d)

	s.mu.Lock()
	s.pause = nil
	s.mu.Unlock()
	return err
}

func (s *Scheduler) actionEventLocked(a Action, took time.Duration) ActionEvent {
	return ActionEvent{
		Kind:   a.Kind,
		Seq:    a.Seq,
		Took:   took,
		Daily:  s.quota.Counters().Get(a.Kind),
		Limit:  s.quota.Limits().Get(a.Kind),
		Errors: s.errors,
	}
}

func (s *Scheduler) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID: s.sessionID,
		StartedAt: s.startedAt,
		UpdatedAt: s.now(),
		Window:    s.window,
		Daily:     s.quota.Counters(),
		Session:   s.session,
		Errors:    s.errors,
		Blocks:    s.blocks,
		Totals:    s.totals,
	}
}

func (s *Scheduler) persist(ctx context.Context, snap Snapshot) {
	s.publish(eventbus.StatsUpdated, snap)
	if s.store == nil {
		return
	}
	if err := s.store.Persist(ctx, snap); err != nil {
		s.log.Warn("stats persist failed", logx.Err(err))
	}
}

func (s *Scheduler) record(ctx context.Context, r ActionRecord) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendAction(ctx, r); err != nil {
		s.log.Warn("action journal append failed", logx.Err(err))
	}
}

func (s *Scheduler) publish(typ string, data any) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

func (s *Scheduler) publishState(from, to RunState) {
	s.publish(eventbus.StateChanged, StateEvent{From: from, To: to})
}
