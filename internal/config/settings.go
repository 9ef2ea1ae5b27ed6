package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"instabot/internal/engine"
)

// Range normalizes a delay spec to whole seconds. Shorthands produce fixed
// ranges; a {min,max} pair produces a jittered range.
func (d DelaySpec) Range(path string) (engine.Range, error) {
	set := 0
	for _, p := range []*int{d.Seconds, d.Minutes, d.Hours} {
		if p != nil {
			set++
		}
	}
	hasRange := d.Min != nil || d.Max != nil
	switch {
	case hasRange && set > 0:
		return engine.Range{}, fmt.Errorf("%s: use either min/max or one of seconds/minutes/hours", path)
	case set > 1:
		return engine.Range{}, fmt.Errorf("%s: only one of seconds/minutes/hours may be set", path)
	case hasRange:
		if d.Min == nil || d.Max == nil {
			return engine.Range{}, fmt.Errorf("%s: min and max must both be set", path)
		}
		r := engine.Range{Min: *d.Min, Max: *d.Max}
		if err := r.Validate(); err != nil {
			return engine.Range{}, fmt.Errorf("%s: %w", path, err)
		}
		return r, nil
	case d.Seconds != nil:
		return fixed(path, *d.Seconds, 1)
	case d.Minutes != nil:
		return fixed(path, *d.Minutes, 60)
	case d.Hours != nil:
		return fixed(path, *d.Hours, 3600)
	default:
		return engine.Range{}, fmt.Errorf("%s: empty delay", path)
	}
}

func fixed(path string, v, unit int) (engine.Range, error) {
	if v < 0 {
		return engine.Range{}, fmt.Errorf("%s: must be >= 0", path)
	}
	return engine.FixedRange(v * unit), nil
}

// Location resolves schedule.timezone; empty means the host's local zone.
func (s ScheduleConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone: %w", err)
	}
	return loc, nil
}

// AutoStartEnabled defaults to true when omitted.
func (s ScheduleConfig) AutoStartEnabled() bool {
	return s.AutoStart == nil || *s.AutoStart
}

// Counts maps the limits section onto engine counters. A missing section
// counts as all zero.
func (l *LimitsConfig) Counts() engine.Counts {
	if l == nil {
		return engine.Counts{}
	}
	return engine.Counts{
		engine.Like:          l.LikePerDay,
		engine.Follow:        l.FollowPerDay,
		engine.Unfollow:      l.UnfollowPerDay,
		engine.Comment:       l.CommentPerDay,
		engine.Story:         l.StoriesPerDay,
		engine.DirectMessage: l.DMPerDay,
	}
}

// EngineSettings converts the loaded config into scheduler settings. Omitted
// optional sections fall back to engine.DefaultSettings. The limits section and
// rules.max_errors_per_session have no default and must be written out.
// On error the partially converted settings are returned alongside it.
func (c *Config) EngineSettings() (engine.Settings, error) {
	set := engine.DefaultSettings()

	var errs []error
	if c.Limits == nil {
		errs = append(errs, errors.New("limits: required section is missing"))
	}
	set.Limits = c.Limits.Counts()

	d := &set.Delays
	if c.Delays.BetweenActions != nil {
		r, err := c.Delays.BetweenActions.Range("delays.between_actions")
		errs = append(errs, err)
		d.BetweenActions = r
	}
	if c.Delays.ErrorPause != nil {
		r, err := c.Delays.ErrorPause.Range("delays.error_pause")
		errs = append(errs, err)
		d.ErrorPause = r
	}
	if cp := c.Delays.CyclePause; cp != nil {
		d.CycleHours = engine.Range{Min: cp.MinHours, Max: cp.MaxHours}
	}
	if bp, err := DurationAt("delays.block_pause", c.Delays.BlockPause, 24*time.Hour); err != nil {
		errs = append(errs, err)
	} else {
		d.BlockPause = bp
	}
	if r := c.Delays.Randomization; r.Enabled {
		d.Variance = r.VariancePercentage / 100
	}
	for name, spec := range c.Delays.Actions {
		k, err := engine.ParseActionKind(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("delays.actions: %w", err))
			continue
		}
		r, err := spec.Range("delays.actions." + name)
		errs = append(errs, err)
		d.Actions[k] = r
	}

	switch n := c.Rules.MaxErrorsPerSession; {
	case n == nil:
		errs = append(errs, errors.New("rules.max_errors_per_session: required"))
	case *n < 1:
		errs = append(errs, fmt.Errorf("rules.max_errors_per_session: must be >= 1, got %d", *n))
	default:
		set.MaxErrorsPerSession = *n
	}
	if p := c.Rules.RetainProbability; p != nil {
		set.RetainProbability = *p
	}
	set.MaxActionsPerHour = c.Rules.MaxActionsPerHour
	set.BlockPhrases = append([]string(nil), c.Rules.BlockPhrases...)
	if len(c.Rules.Priority) > 0 {
		set.Priority = set.Priority[:0]
		for _, name := range c.Rules.Priority {
			k, err := engine.ParseActionKind(name)
			if err != nil {
				errs = append(errs, fmt.Errorf("rules.priority: %w", err))
				continue
			}
			set.Priority = append(set.Priority, k)
		}
	}

	if s := strings.TrimSpace(c.Schedule.DailyReset); s != "" {
		set.DailyReset = s
	}
	loc, err := c.Schedule.Location()
	errs = append(errs, err)
	set.Location = loc

	return set, errors.Join(errs...)
}

// DurationAt parses the Go duration string found at a config path. A blank
// value yields def; an explicit "0s" is kept. Bare numbers are rejected since
// the delay specs elsewhere in the file are plain seconds and mixing the two
// is the usual typo.
func DurationAt(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil && s != "0" {
		return 0, fmt.Errorf("%s: %q has no unit (write e.g. \"%ss\")", path, raw, s)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must be >= 0, got %s", path, d)
	}
	return d, nil
}
