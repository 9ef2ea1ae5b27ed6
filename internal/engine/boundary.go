package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultDailyReset is the local time at which daily counters roll over.
const DefaultDailyReset = "06:00"

// maxWindowSteps bounds the walk in WindowStart for dense cron expressions.
const maxWindowSteps = 10000

var reClock = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// DailyBoundary marks the start of each daily quota window.
type DailyBoundary struct {
	spec  string
	loc   *time.Location
	sched cron.Schedule
}

// ParseDailyBoundary accepts "HH:MM" or a standard 5-field cron expression
// (descriptors such as "@daily" included). Empty means DefaultDailyReset.
func ParseDailyBoundary(spec string, loc *time.Location) (*DailyBoundary, error) {
	if loc == nil {
		loc = time.Local
	}
	s := strings.TrimSpace(spec)
	if s == "" {
		s = DefaultDailyReset
	}
	expr := s
	if m := reClock.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		mi, _ := strconv.Atoi(m[2])
		if h > 23 || mi > 59 {
			return nil, fmt.Errorf("daily reset %q: clock out of range", spec)
		}
		expr = fmt.Sprintf("%d %d * * *", mi, h)
	}
	if strings.HasPrefix(expr, "@every") {
		return nil, fmt.Errorf("daily reset %q: intervals are not supported", spec)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("daily reset %q: %w", spec, err)
	}
	if ss, ok := sched.(*cron.SpecSchedule); ok {
		ss.Location = loc
	}
	return &DailyBoundary{spec: s, loc: loc, sched: sched}, nil
}

func (b *DailyBoundary) String() string { return b.spec }

// Next returns the first boundary strictly after now.
func (b *DailyBoundary) Next(now time.Time) time.Time {
	return b.sched.Next(now.In(b.loc))
}

// Until is the wall-clock delay from now to the next boundary.
func (b *DailyBoundary) Until(now time.Time) time.Duration {
	return b.Next(now).Sub(now)
}

// WindowStart returns the most recent boundary at or before now. Two snapshots
// taken in the same window share the same WindowStart.
func (b *DailyBoundary) WindowStart(now time.Time) time.Time {
	t := now.In(b.loc).AddDate(0, 0, -2)
	var last time.Time
	for i := 0; i < maxWindowSteps; i++ {
		n := b.sched.Next(t)
		if n.IsZero() || n.After(now) {
			break
		}
		last, t = n, n
	}
	if last.IsZero() {
		// Sparse expression (e.g. weekly): fall back to one day before the next boundary.
		return b.Next(now).AddDate(0, 0, -1)
	}
	return last
}
