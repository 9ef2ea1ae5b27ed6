package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"instabot/internal/engine"
	"instabot/internal/eventbus"
	logx "instabot/pkg/logx"
)

// Alert formats the operator message for e. ok is false for events that do
// not warrant an alert.
func Alert(e eventbus.Event) (text string, ok bool) {
	switch e.Type {
	case eventbus.BlockDetected:
		ev, _ := e.Data.(engine.ActionEvent)
		return fmt.Sprintf("🚨 Block detected on %s: %s\nPausing before the next attempt.", ev.Kind, oneLine(ev.Error, 200)), true
	case eventbus.ErrorThreshold:
		ev, _ := e.Data.(engine.ActionEvent)
		return fmt.Sprintf("⚠️ %d errors this session (last on %s: %s)\nTaking a cycle pause.", ev.Errors, ev.Kind, oneLine(ev.Error, 200)), true
	case eventbus.QuotaExhausted:
		p, _ := e.Data.(engine.PauseInfo)
		return fmt.Sprintf("ℹ️ Daily quota reached. Resuming in %s (at %s).", humanDuration(p.Duration), p.Until.Format("Jan 2 15:04 MST")), true
	case eventbus.StateChanged:
		ev, _ := e.Data.(engine.StateEvent)
		if ev.To == engine.StateStopped {
			return "⏹ Scheduler stopped.", true
		}
	}
	return "", false
}

// Watch forwards alerts from bus until ctx ends. It is meant to run under a
// supervisor.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			text, ok := Alert(e)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, text); err != nil && ctx.Err() == nil {
				s.log.Debug("alert not queued", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "unknown error"
	}
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "…"
	}
	return s
}

func humanDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("%dh%dm", h, m)
	case h > 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dm", m)
	}
}
