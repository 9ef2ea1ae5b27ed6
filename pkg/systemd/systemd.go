// Package systemd reports service state to systemd via sd_notify. Every call
// is a no-op when the process was not started by systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages. The zero value uses daemon.SdNotify.
type Notifier struct {
	// send is swapped in tests.
	send func(unsetEnv bool, state string) (bool, error)
}

func (n Notifier) notify(state string) (bool, error) {
	if n.send != nil {
		return n.send(false, state)
	}
	return daemon.SdNotify(false, state)
}

// Ready marks startup complete (Type=notify units).
func (n Notifier) Ready() error {
	_, err := n.notify(daemon.SdNotifyReady)
	return err
}

// Stopping tells systemd shutdown has begun.
func (n Notifier) Stopping() error {
	_, err := n.notify(daemon.SdNotifyStopping)
	return err
}

// Status sets the free-form status line shown by systemctl status.
func (n Notifier) Status(msg string) error {
	_, err := n.notify("STATUS=" + msg)
	return err
}

// Watchdog pings the watchdog at half the configured WatchdogSec until ctx
// ends. It returns immediately when the watchdog is not enabled.
func (n Notifier) Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	return n.watchdogEvery(ctx, interval/2)
}

func (n Notifier) watchdogEvery(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := n.notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
