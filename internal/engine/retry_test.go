package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepLog struct{ waits []time.Duration }

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	t.Parallel()
	var sl sleepLog
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 10, Base: 2 * time.Second, Max: 2 * time.Second, Sleep: sl.sleep},
		func(ctx context.Context, attempt int) error {
			calls++
			if attempt < 4 {
				return errors.New("not ready")
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}, sl.waits)
}

func TestRetryExhausts(t *testing.T) {
	t.Parallel()
	var sl sleepLog
	boom := errors.New("boom")
	err := Retry(context.Background(), RetryPolicy{Attempts: 3, Base: time.Second, Max: 10 * time.Second, Sleep: sl.sleep},
		func(context.Context, int) error { return boom })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryExhaust)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sl.waits)
}

func TestRetryStopsOnNoRetry(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 5, Sleep: (&sleepLog{}).sleep},
		func(context.Context, int) error {
			calls++
			return NoRetry(errors.New("bad url"))
		})
	assert.True(t, IsNoRetry(err))
	assert.Equal(t, 1, calls)
}

func TestRetryHonoursRetryAfter(t *testing.T) {
	t.Parallel()
	var sl sleepLog
	_ = Retry(context.Background(), RetryPolicy{Attempts: 2, Base: time.Second, Max: 5 * time.Second, Sleep: sl.sleep},
		func(context.Context, int) error { return RetryAfter(errors.New("429"), time.Minute) })
	assert.Equal(t, []time.Duration{5 * time.Second}, sl.waits)
}

func TestRetryCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	start := time.Now()
	err := Retry(ctx, RetryPolicy{Attempts: 10, Base: time.Hour, Max: time.Hour},
		func(context.Context, int) error {
			calls++
			cancel()
			return errors.New("down")
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}
