package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"instabot/internal/engine"
	"instabot/internal/eventbus"
	rtsup "instabot/internal/runtime/supervisor"
	logx "instabot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historySize = 100

type job struct {
	text string
	key  string
}

// Service is an async alert pipeline: queue + single worker (alerts keep
// their order) + rate limit + retry + dedup. It is safe for concurrent use.
type Service struct {
	log    logx.Logger
	sender Sender
	bus    eventbus.Bus
	now    func() time.Time

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	accepting bool
	queue     chan job
	sup       *rtsup.Supervisor
	sendWG    sync.WaitGroup

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	} else if cfg.RetryMax == 0 {
		cfg.RetryMax = 2
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	return &Service{
		log:    log.With(logx.String("comp", "notifier")),
		sender: sender,
		bus:    bus,
		now:    time.Now,
		cfg:    cfg,
		// Burst of a few messages so a block alert is not held behind a state change.
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), min(cfg.RatePerMin, 5)),
		dedup:   map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Start launches the worker. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	q := make(chan job, s.cfg.QueueSize)
	s.queue = q
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("notifier.worker", func(c context.Context) error {
		s.workerLoop(c, q)
		if c.Err() != nil {
			return c.Err()
		}
		// Closed queue means Stop is draining.
		return nil
	})
}

// Stop stops intake and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
	}

	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
}

// Notify enqueues text. Identical text within the dedup window is dropped
// silently.
func (s *Service) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(text)
	if window > 0 && !s.dedupAllow(key, window) {
		return nil
	}
	select {
	case q <- job{text: text, key: key}:
		return nil
	default:
		s.publish(EventDropped, key, ErrQueueFull)
		return ErrQueueFull
	}
}

// History returns the most recent delivered messages, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: s.now(), Text: text})
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, j)
		}
	}
}

func (s *Service) send(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	policy := engine.RetryPolicy{
		Attempts: 1 + cfg.RetryMax,
		Base:     cfg.RetryBase,
		Max:      10 * time.Second,
		Jitter:   0.3,
	}
	err := engine.Retry(ctx, policy, func(ctx context.Context, attempt int) error {
		if err := lim.Wait(ctx); err != nil {
			return engine.NoRetry(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		err := s.sender.Send(callCtx, j.text)
		if err != nil {
			s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt))
		}
		return err
	})
	if err != nil {
		s.log.Warn("notification dropped after retries", logx.Err(err))
		s.publish(EventFailed, j.key, err)
		return
	}
	s.appendHistory(j.text)
	s.publish(EventSent, j.key, nil)
}

func (s *Service) publish(typ, key string, err error) {
	ev := NotificationEvent{Key: key, At: s.now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func dedupKey(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}
