package engine

import (
	"math/rand"
	"time"
)

// DefaultRetainProbability is the chance each eligible kind survives thinning.
const DefaultRetainProbability = 0.7

// Eligibility is the view of the quota the selector needs.
type Eligibility interface {
	CanRun(k ActionKind) bool
}

// Selector picks the next action kind: every eligible kind is kept with
// probability p, and the highest-priority survivor wins. If thinning removes
// everything the full eligible set is used instead.
//
// Any eligible kind is reachable on every draw, so lower-priority kinds are
// picked with small but non-zero probability while higher ones remain.
type Selector struct {
	retain float64
	rng    *rand.Rand
}

func NewSelector(retain float64, rng *rand.Rand) *Selector {
	if retain <= 0 || retain > 1 {
		retain = DefaultRetainProbability
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Selector{retain: retain, rng: rng}
}

// Next returns the chosen kind, or false if nothing is eligible.
// Kinds missing from order are ranked after it in declaration order.
func (s *Selector) Next(q Eligibility, order []ActionKind) (ActionKind, bool) {
	var (
		seen       [kindCount]bool
		candidates = make([]ActionKind, 0, kindCount)
	)
	add := func(k ActionKind) {
		if !k.Valid() || seen[k] {
			return
		}
		seen[k] = true
		if q.CanRun(k) {
			candidates = append(candidates, k)
		}
	}
	for _, k := range order {
		add(k)
	}
	for k := range ActionKind(kindCount) {
		add(k)
	}
	if len(candidates) == 0 {
		return 0, false
	}

	for _, k := range candidates {
		if s.rng.Float64() < s.retain {
			return k, true
		}
	}
	return candidates[0], true
}
