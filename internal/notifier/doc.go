// Package notifier sends operator alerts and serves a tiny owner-only command
// surface.
//
// # Alerts
//
// Watch subscribes to the event bus and turns high-signal scheduler events
// (block detected, daily quota reached, error threshold, scheduler stopped)
// into short messages. Messages go through a queue with a token-bucket rate
// limit, bounded retry and a dedup window, so a flapping condition cannot
// flood the chat.
//
// # Transport
//
// Delivery is delegated to a Sender. The Telegram sender (gopkg.in/telebot.v4)
// also registers /status, /pause and /resume for the configured owners.
package notifier
