package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryPolicy bounds Retry. Zero fields take defaults (3 attempts, 500ms base,
// 15s cap); zero Jitter disables jitter. Set Max equal to Base for a fixed interval.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	Jitter   float64

	// Sleep waits between attempts; nil uses a timer raced against ctx.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  *rand.Rand
}

// Retry calls fn until it succeeds, returns a NoRetry error, ctx ends, or the
// attempts run out. attempt starts at 1.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) error) error {
	p = p.withDefaults()
	var last error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return fmt.Errorf("%w: %w", err, last)
			}
			return err
		}
		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		if IsNoRetry(last) {
			return last
		}
		if attempt == p.Attempts {
			break
		}
		if err := p.Sleep(ctx, p.delay(attempt, last)); err != nil {
			return fmt.Errorf("%w: %w", err, last)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhaust, p.Attempts, last)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 15 * time.Second
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Sleep == nil {
		p.Sleep = func(ctx context.Context, d time.Duration) error {
			return TimerSleeper{}.Sleep(ctx, PauseRetry, d)
		}
	}
	return p
}

// delay doubles Base per attempt up to Max, honours RetryAfter hints (capped
// by Max) and applies symmetric jitter.
func (p RetryPolicy) delay(attempt int, err error) time.Duration {
	d := p.Base
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = min(ra.RetryAfter(), p.Max)
	} else {
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > p.Max {
				d = p.Max
				break
			}
		}
	}
	if p.Jitter > 0 && d > 0 {
		var f float64
		if p.Rand != nil {
			f = p.Rand.Float64()
		} else {
			f = rand.Float64()
		}
		d = time.Duration(float64(d) * (1 + (f*2-1)*p.Jitter))
		if d < 0 {
			d = 0
		}
	}
	return d
}
