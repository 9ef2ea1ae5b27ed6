package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instabot/internal/engine"
	logx "instabot/pkg/logx"
)

func newDriver(t *testing.T, h http.Handler) *HTTPDriver {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	d, err := NewHTTPDriver(Config{
		URL:           srv.URL + "/",
		Token:         "tok",
		Timeout:       2 * time.Second,
		ReadyAttempts: 3,
		ReadyInterval: time.Millisecond,
	}, logx.Nop())
	require.NoError(t, err)
	return d
}

func TestNewPicksDriver(t *testing.T) {
	t.Parallel()
	d, err := New(Config{Mode: ""}, logx.Logger{})
	require.NoError(t, err)
	assert.IsType(t, &Simulator{}, d)

	d, err = New(Config{Mode: "HTTP", URL: "http://127.0.0.1:9222"}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &HTTPDriver{}, d)

	_, err = New(Config{Mode: "http"}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Mode: "selenium"}, logx.Nop())
	assert.ErrorContains(t, err, "selenium")
}

func TestHTTPDriverRunSuccess(t *testing.T) {
	t.Parallel()
	var got actionRequest
	d := newDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/actions/follow", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	err := d.Run(context.Background(), engine.Action{Kind: engine.Follow, Pace: 7 * time.Second, Seq: 3})
	require.NoError(t, err)
	assert.Equal(t, engine.Follow, got.Kind)
	assert.InDelta(t, 7.0, got.PaceSeconds, 1e-9)
	assert.Equal(t, uint64(3), got.Seq)
}

func TestHTTPDriverRunFailures(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"driver error", 200, `{"ok":false,"error":"Action Blocked"}`, "Action Blocked"},
		{"message field", 409, `{"ok":false,"message":"please wait a few minutes"}`, "please wait a few minutes"},
		{"plain text", 502, `upstream gone`, "upstream gone"},
		{"empty", 500, ``, "driver returned http 500"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := newDriver(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			err := d.Run(context.Background(), engine.Action{Kind: engine.Like})
			var ae *engine.ActionError
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, engine.Like, ae.Kind)
			assert.Equal(t, tc.wantMsg, ae.Message)
		})
	}
}

func TestHTTPDriverBlockIsClassified(t *testing.T) {
	t.Parallel()
	d := newDriver(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error":"We restrict certain activity to protect our community"}`))
	}))
	err := d.Run(context.Background(), engine.Action{Kind: engine.Comment})
	assert.Equal(t, engine.Transient, engine.NewClassifier().ClassifyError(err))
	assert.Equal(t, engine.Blocked, engine.NewClassifier("we restrict certain activity").ClassifyError(err))
}

func TestHTTPDriverWaitReady(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	d := newDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	require.NoError(t, d.WaitReady(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPDriverWaitReadyGivesUp(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	d := newDriver(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	err := d.WaitReady(context.Background())
	assert.ErrorIs(t, err, engine.ErrRetryExhaust)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	d = newDriver(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	err = d.WaitReady(context.Background())
	assert.True(t, engine.IsNoRetry(err))
	assert.Equal(t, int32(1), calls.Load(), "auth failures are not retried")
}

func TestRetryAfterHeader(t *testing.T) {
	t.Parallel()
	d, ok := retryAfter(" 5 ")
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
	_, ok = retryAfter("Wed, 21 Oct 2015 07:28:00 GMT")
	assert.False(t, ok)
}

func TestSimulatorRates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ok := NewSimulator(Config{Seed: 1}, logx.Nop())
	for i := 0; i < 100; i++ {
		require.NoError(t, ok.Run(ctx, engine.Action{Kind: engine.Like}))
	}

	blocked := NewSimulator(Config{Seed: 1, BlockRate: 1}, logx.Nop())
	err := blocked.Run(ctx, engine.Action{Kind: engine.Follow})
	assert.Equal(t, engine.Blocked, engine.NewClassifier().ClassifyError(err))

	failing := NewSimulator(Config{Seed: 1, FailureRate: 5}, logx.Nop())
	err = failing.Run(ctx, engine.Action{Kind: engine.Story})
	assert.ErrorContains(t, err, SimulatedFailureMessage)
	assert.Equal(t, engine.Transient, engine.NewClassifier().ClassifyError(err))
}

func TestSimulatorLatencyHonoursContext(t *testing.T) {
	t.Parallel()
	sim := NewSimulator(Config{Seed: 7, Latency: time.Hour}, logx.Nop())
	var slept time.Duration
	sim.SetSleeper(engine.SleeperFunc(func(ctx context.Context, _ engine.PauseReason, d time.Duration) error {
		slept = d
		return context.Canceled
	}))
	err := sim.Run(context.Background(), engine.Action{Kind: engine.Like})
	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, slept, time.Hour)
}
