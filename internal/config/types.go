package config

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Config struct {
	Limits   *LimitsConfig  `json:"limits"`
	Delays   DelaysConfig   `json:"delays"`
	Rules    RulesConfig    `json:"rules"`
	Schedule ScheduleConfig `json:"schedule"`
	Driver   DriverConfig   `json:"driver"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Logging  LoggingConfig   `json:"logging"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	HTTP     HTTPConfig      `json:"http,omitempty"`
}

// LimitsConfig holds the daily quota per action kind. Zero disables a kind.
type LimitsConfig struct {
	LikePerDay     int `json:"like_per_day"`
	FollowPerDay   int `json:"follow_per_day"`
	UnfollowPerDay int `json:"unfollow_per_day"`
	CommentPerDay  int `json:"comment_per_day"`
	StoriesPerDay  int `json:"stories_per_day"`
	DMPerDay       int `json:"dm_per_day"`
}

// DelaysConfig describes every wait the scheduler takes.
//
// Each DelaySpec is either a {min,max} range in seconds or one of the fixed
// shorthands {seconds}, {minutes}, {hours}.
//
// Example:
//
//	"delays": {
//	  "between_actions": { "min": 20, "max": 60 },
//	  "error_pause": { "minutes": 5 },
//	  "cycle_pause": { "min_hours": 1, "max_hours": 3 },
//	  "block_pause": "24h",
//	  "randomization": { "enabled": true, "variance_percentage": 20 },
//	  "actions": { "follow": { "min": 5, "max": 15 } }
//	}
type DelaysConfig struct {
	BetweenActions *DelaySpec           `json:"between_actions,omitempty"`
	ErrorPause     *DelaySpec           `json:"error_pause,omitempty"`
	CyclePause     *CyclePauseConfig    `json:"cycle_pause,omitempty"`
	BlockPause     string               `json:"block_pause,omitempty"` // Go duration string, default "24h"
	Randomization  RandomizationConfig  `json:"randomization"`
	Actions        map[string]DelaySpec `json:"actions,omitempty"`
}

type DelaySpec struct {
	Min     *int `json:"min,omitempty"`
	Max     *int `json:"max,omitempty"`
	Seconds *int `json:"seconds,omitempty"`
	Minutes *int `json:"minutes,omitempty"`
	Hours   *int `json:"hours,omitempty"`
}

type CyclePauseConfig struct {
	MinHours int `json:"min_hours"`
	MaxHours int `json:"max_hours"`
}

type RandomizationConfig struct {
	Enabled            bool    `json:"enabled"`
	VariancePercentage float64 `json:"variance_percentage"`
}

// RulesConfig controls failure handling and selection.
//
// max_errors_per_session is required and must be >= 1. Defaults when omitted:
//   - retain_probability: 0.7 (an explicit 0 always re-rolls)
//   - priority: like, follow, comment, unfollow, story, direct_message
//   - max_actions_per_hour: 0 (no hourly ceiling)
type RulesConfig struct {
	MaxErrorsPerSession *int     `json:"max_errors_per_session"`
	MaxActionsPerHour   int      `json:"max_actions_per_hour,omitempty"`
	RetainProbability   *float64 `json:"retain_probability,omitempty"`
	Priority            []string `json:"priority,omitempty"`
	BlockPhrases        []string `json:"block_phrases,omitempty"`
}

// ScheduleConfig controls the daily window.
//
// DailyReset is "HH:MM" local time or a standard 5-field cron expression.
type ScheduleConfig struct {
	DailyReset string `json:"daily_reset,omitempty"` // default "06:00"
	Timezone   string `json:"timezone,omitempty"`
	AutoStart  *bool  `json:"auto_start,omitempty"` // default true
}

// DriverConfig selects the action executor.
//
//	"driver": { "mode": "http", "url": "http://127.0.0.1:9222", "timeout": "60s" }
//	"driver": { "mode": "simulate", "failure_rate": 0.05, "block_rate": 0.01 }
type DriverConfig struct {
	Mode    string `json:"mode"` // http | simulate
	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
	Timeout string `json:"timeout,omitempty"`

	ReadyAttempts int    `json:"ready_attempts,omitempty"` // default 10
	ReadyInterval string `json:"ready_interval,omitempty"` // default "2s"

	FailureRate float64 `json:"failure_rate,omitempty"`
	BlockRate   float64 `json:"block_rate,omitempty"`
	Latency     string  `json:"latency,omitempty"` // simulate: max per-action latency
	Seed        int64   `json:"seed,omitempty"`
}

// StorageConfig controls where stats are persisted.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./instabot_data" }
type StorageConfig struct {
	Driver      string `json:"driver"` // file | sqlite | none
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// NotifierConfig controls Telegram operator alerts.
//
// If the section is omitted the notifier is disabled.
type NotifierConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	ChatID       int64   `json:"chat_id"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
	RatePerMin   int     `json:"rate_per_min,omitempty"` // default 20
	Commands     bool    `json:"commands,omitempty"`
}

// HTTPConfig controls the status/control/metrics server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8089").
//   - A non-loopback address requires a token or an explicit allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8089"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// UnmarshalJSON rejects unknown keys inside a delay spec so typos such as
// "secs" fail at load time instead of silently falling back to defaults.
func (d *DelaySpec) UnmarshalJSON(b []byte) error {
	type raw DelaySpec
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var r raw
	if err := dec.Decode(&r); err != nil {
		return fmt.Errorf("delay spec: %w", err)
	}
	*d = DelaySpec(r)
	return nil
}
