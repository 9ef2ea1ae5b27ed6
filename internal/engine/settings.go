package engine

import (
	"errors"
	"fmt"
	"time"
)

// Settings is the validated, read-only configuration of one scheduler run.
type Settings struct {
	Limits Counts
	Delays DelaySettings

	// Priority orders selection; kinds left out rank after it.
	Priority          []ActionKind
	RetainProbability float64

	MaxErrorsPerSession int
	// MaxActionsPerHour caps throughput with a token bucket; 0 disables it.
	MaxActionsPerHour int

	BlockPhrases []string

	DailyReset string
	Location   *time.Location
}

func DefaultSettings() Settings {
	return Settings{
		Limits:              Counts{Like: 100, Follow: 30, Unfollow: 30, Comment: 10, Story: 50, DirectMessage: 5},
		Delays:              DefaultDelaySettings(),
		Priority:            DefaultPriority(),
		RetainProbability:   DefaultRetainProbability,
		MaxErrorsPerSession: 5,
		DailyReset:          DefaultDailyReset,
	}
}

// Validate checks every field and joins all problems into one error.
func (s Settings) Validate() error {
	var errs []error
	for i, v := range s.Limits {
		if v < 0 {
			errs = append(errs, fmt.Errorf("limits.%s: must be >= 0", ActionKind(i)))
		}
	}
	if err := s.Delays.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("delays.%w", err))
	}
	seen := map[ActionKind]bool{}
	for _, k := range s.Priority {
		if !k.Valid() {
			errs = append(errs, fmt.Errorf("rules.priority: invalid kind %d", int(k)))
			continue
		}
		if seen[k] {
			errs = append(errs, fmt.Errorf("rules.priority: duplicate %s", k))
		}
		seen[k] = true
	}
	if s.RetainProbability < 0 || s.RetainProbability > 1 {
		errs = append(errs, errors.New("rules.retain_probability: must be within [0,1]"))
	}
	if s.MaxErrorsPerSession < 1 {
		errs = append(errs, errors.New("rules.max_errors_per_session: must be >= 1"))
	}
	if s.MaxActionsPerHour < 0 {
		errs = append(errs, errors.New("rules.max_actions_per_hour: must be >= 0"))
	}
	if _, err := ParseDailyBoundary(s.DailyReset, s.Location); err != nil {
		errs = append(errs, fmt.Errorf("schedule.daily_reset: %w", err))
	}
	return errors.Join(errs...)
}
