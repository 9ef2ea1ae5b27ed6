package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler. Data carries the payload
// documented next to each constant.
const (
	ActionSucceeded = "action.succeeded" // engine.ActionEvent
	ActionFailed    = "action.failed"    // engine.ActionEvent
	BlockDetected   = "block.detected"   // engine.ActionEvent
	ErrorThreshold  = "errors.threshold" // engine.ActionEvent
	QuotaExhausted  = "quota.exhausted"  // engine.PauseInfo
	Paused          = "scheduler.paused" // engine.PauseInfo
	StateChanged    = "scheduler.state"  // engine.StateEvent
	StatsUpdated    = "stats.updated"    // engine.Snapshot
)

// Event is a lightweight, in-memory signal used to decouple the scheduler
// from its observers (metrics, notifier, status surfaces).
//
// Contract:
//   - Publish never blocks the scheduling loop.
//   - Subscribers get buffered channels; slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Hold the read lock while sending: unsubscribe takes the write lock before
	// closing, so a send can never hit a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}

// Nop is a Bus that discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
