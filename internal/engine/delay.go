package engine

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// DelayCategory names a kind of wait drawn from the DelayPolicy.
type DelayCategory int

const (
	BetweenActions DelayCategory = iota
	BetweenCycles
	ErrorPause
	DailyPause
)

func (c DelayCategory) String() string {
	switch c {
	case BetweenActions:
		return "between_actions"
	case BetweenCycles:
		return "between_cycles"
	case ErrorPause:
		return "error_pause"
	case DailyPause:
		return "daily_pause"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Range is an inclusive interval of whole seconds. Fixed ranges come from the
// {seconds}/{minutes}/{hours} shorthand and are never jittered.
type Range struct {
	Min   int  `json:"min"`
	Max   int  `json:"max"`
	Fixed bool `json:"fixed,omitempty"`
}

// FixedRange is the range produced by a single-value shorthand.
func FixedRange(seconds int) Range { return Range{Min: seconds, Max: seconds, Fixed: true} }

func (r Range) IsZero() bool { return r.Min == 0 && r.Max == 0 }

func (r Range) Validate() error {
	if r.Min < 0 || r.Max < 0 {
		return fmt.Errorf("range [%d,%d]: bounds must be >= 0", r.Min, r.Max)
	}
	if r.Min > r.Max {
		return fmt.Errorf("range [%d,%d]: min > max", r.Min, r.Max)
	}
	return nil
}

// DelaySettings holds the configured ranges, normalized to seconds.
type DelaySettings struct {
	BetweenActions Range
	ErrorPause     Range

	// CycleHours is drawn in whole hours.
	CycleHours Range

	BlockPause time.Duration

	// Actions are per-kind pacing ranges handed to the executor as a hint.
	Actions map[ActionKind]Range

	// Variance is the jitter fraction in [0,1]; 0 disables jitter.
	Variance float64
}

func DefaultDelaySettings() DelaySettings {
	return DelaySettings{
		BetweenActions: Range{Min: 20, Max: 60},
		ErrorPause:     FixedRange(300),
		CycleHours:     Range{Min: 1, Max: 3},
		BlockPause:     24 * time.Hour,
		Actions: map[ActionKind]Range{
			Like:          {Min: 2, Max: 8},
			Follow:        {Min: 5, Max: 15},
			Comment:       {Min: 5, Max: 15},
			Unfollow:      {Min: 10, Max: 21},
			Story:         {Min: 2, Max: 8},
			DirectMessage: {Min: 10, Max: 30},
		},
	}
}

func (s DelaySettings) Validate() error {
	if err := s.BetweenActions.Validate(); err != nil {
		return fmt.Errorf("between_actions: %w", err)
	}
	if err := s.ErrorPause.Validate(); err != nil {
		return fmt.Errorf("error_pause: %w", err)
	}
	if err := s.CycleHours.Validate(); err != nil {
		return fmt.Errorf("cycle_pause: %w", err)
	}
	if s.BlockPause < 0 {
		return fmt.Errorf("block_pause: must be >= 0")
	}
	for k, r := range s.Actions {
		if !k.Valid() {
			return fmt.Errorf("actions: invalid kind %d", int(k))
		}
		if err := r.Validate(); err != nil {
			return fmt.Errorf("actions.%s: %w", k, err)
		}
	}
	if s.Variance < 0 || s.Variance > 1 || math.IsNaN(s.Variance) {
		return fmt.Errorf("variance: must be within [0,1]")
	}
	return nil
}

// DelayPolicy turns DelaySettings into concrete waits.
//
// It owns its random source and is not safe for concurrent use.
type DelayPolicy struct {
	cfg      DelaySettings
	boundary *DailyBoundary
	rng      *rand.Rand
	now      func() time.Time
}

func NewDelayPolicy(cfg DelaySettings, boundary *DailyBoundary, rng *rand.Rand) *DelayPolicy {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &DelayPolicy{cfg: cfg, boundary: boundary, rng: rng, now: time.Now}
}

// SetClock overrides the wall clock used for DailyPause.
func (p *DelayPolicy) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// SampleSeconds draws a wait in whole seconds. The result is never below 1.
//
//   - BetweenActions: uniform in range, jittered.
//   - BetweenCycles: uniform whole hours.
//   - ErrorPause: uniform in range (usually fixed), jittered unless fixed.
//   - DailyPause: seconds until the next daily boundary, rounded up.
func (p *DelayPolicy) SampleSeconds(c DelayCategory) int {
	switch c {
	case BetweenActions:
		return p.draw(p.cfg.BetweenActions)
	case ErrorPause:
		return p.draw(p.cfg.ErrorPause)
	case BetweenCycles:
		return max(1, p.uniform(p.cfg.CycleHours)*3600)
	case DailyPause:
		if p.boundary == nil {
			return 24 * 3600
		}
		d := p.boundary.Until(p.now())
		return max(1, int(math.Ceil(d.Seconds())))
	default:
		return 1
	}
}

func (p *DelayPolicy) Sample(c DelayCategory) time.Duration {
	return time.Duration(p.SampleSeconds(c)) * time.Second
}

// SampleAction draws the pacing hint for one action kind. Kinds without a
// configured range get zero.
func (p *DelayPolicy) SampleAction(k ActionKind) time.Duration {
	r, ok := p.cfg.Actions[k]
	if !ok || r.IsZero() {
		return 0
	}
	return time.Duration(p.draw(r)) * time.Second
}

// BlockPause is the fixed wait after a block is detected.
func (p *DelayPolicy) BlockPause() time.Duration {
	if p.cfg.BlockPause <= 0 {
		return 24 * time.Hour
	}
	return p.cfg.BlockPause
}

func (p *DelayPolicy) draw(r Range) int {
	base := p.uniform(r)
	if r.Fixed || p.cfg.Variance <= 0 {
		return max(1, base)
	}
	return p.jitter(base)
}

func (p *DelayPolicy) uniform(r Range) int {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + p.rng.Intn(r.Max-r.Min+1)
}

// jitter applies base + base*v*U(-1,1), floored and clamped to 1.
func (p *DelayPolicy) jitter(base int) int {
	b := float64(base)
	u := (p.rng.Float64() - 0.5) * 2
	return max(1, int(math.Floor(b+b*p.cfg.Variance*u)))
}
