package systemd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	sent []string
}

func (r *recorder) send(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, state)
	return true, nil
}

func (r *recorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func TestNotifierMessages(t *testing.T) {
	r := &recorder{}
	n := Notifier{send: r.send}
	require.NoError(t, n.Status("waiting for driver"))
	require.NoError(t, n.Ready())
	require.NoError(t, n.Stopping())
	assert.Equal(t, []string{"STATUS=waiting for driver", daemon.SdNotifyReady, daemon.SdNotifyStopping}, r.states())
}

func TestWatchdogPingsUntilCancel(t *testing.T) {
	r := &recorder{}
	n := Notifier{send: r.send}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.watchdogEvery(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return len(r.states()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	for _, s := range r.states() {
		assert.Equal(t, daemon.SdNotifyWatchdog, s)
	}
}

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	var n Notifier
	assert.NoError(t, n.Ready())
	assert.NoError(t, n.Watchdog(context.Background()))
}
