package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("failing", func(context.Context) error { return boom })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "failing")

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 2)
	assert.Equal(t, "failing", snap.Tasks[0].Name)
	assert.False(t, snap.Tasks[1].Running)
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("panicky", func(context.Context) error { panic("oops") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorContains(t, s.Wait(ctx), "panic: oops")
	assert.Equal(t, uint64(1), s.Snapshot().Tasks[0].Panics)
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Wait(ctx), "restart failures are not published by default")
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, uint64(2), s.Snapshot().Tasks[0].Restarts)
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("broken", func(context.Context) error {
		runs.Add(1)
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2), WithPublishFirstError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorContains(t, s.Wait(ctx), "broken: nope")
	assert.Equal(t, int32(3), runs.Load())
}

func TestStopCancelsRestartLoop(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	started := make(chan struct{})
	s.GoRestart("blocking", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
