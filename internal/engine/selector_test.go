package engine

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eligible map[ActionKind]bool

func (e eligible) CanRun(k ActionKind) bool { return e[k] }

func TestSelectorNothingEligible(t *testing.T) {
	t.Parallel()
	s := NewSelector(0.7, rand.New(rand.NewSource(1)))
	_, ok := s.Next(eligible{}, DefaultPriority())
	assert.False(t, ok)
}

func TestSelectorSingleCandidate(t *testing.T) {
	t.Parallel()
	s := NewSelector(0.7, rand.New(rand.NewSource(1)))
	for i := 0; i < 100; i++ {
		k, ok := s.Next(eligible{Story: true}, DefaultPriority())
		require.True(t, ok)
		require.Equal(t, Story, k)
	}
}

func TestSelectorPrefersPriority(t *testing.T) {
	t.Parallel()
	s := NewSelector(0.7, rand.New(rand.NewSource(3)))
	q := eligible{Like: true, Follow: true, Comment: true}
	counts := map[ActionKind]int{}
	for i := 0; i < 5000; i++ {
		k, ok := s.Next(q, DefaultPriority())
		require.True(t, ok)
		counts[k]++
	}
	assert.Greater(t, counts[Like], counts[Follow])
	assert.Greater(t, counts[Follow], counts[Comment])
}

func TestSelectorNeverStarves(t *testing.T) {
	t.Parallel()
	s := NewSelector(0.7, rand.New(rand.NewSource(11)))

	three := eligible{Like: true, Follow: true, Comment: true}
	seen := map[ActionKind]bool{}
	for i := 0; i < 200 && len(seen) < 3; i++ {
		k, _ := s.Next(three, DefaultPriority())
		seen[k] = true
	}
	assert.Len(t, seen, 3)

	all := eligible{}
	for _, k := range Kinds() {
		all[k] = true
	}
	seen = map[ActionKind]bool{}
	for i := 0; i < 20000 && len(seen) < len(all); i++ {
		k, _ := s.Next(all, DefaultPriority())
		seen[k] = true
	}
	assert.Len(t, seen, len(all))
}

func TestSelectorCustomOrder(t *testing.T) {
	t.Parallel()
	// retain=1 keeps every candidate, so the first eligible kind in order wins.
	s := NewSelector(1, rand.New(rand.NewSource(1)))
	q := eligible{Like: true, DirectMessage: true}
	k, ok := s.Next(q, []ActionKind{DirectMessage, Like})
	require.True(t, ok)
	assert.Equal(t, DirectMessage, k)

	// Kinds left out of the order still rank after it.
	k, ok = s.Next(eligible{Unfollow: true}, []ActionKind{Like})
	require.True(t, ok)
	assert.Equal(t, Unfollow, k)
}

func TestSelectorSeededIsReproducible(t *testing.T) {
	t.Parallel()
	q := eligible{Like: true, Follow: true, Comment: true, Story: true}
	draw := func() []ActionKind {
		s := NewSelector(0.7, rand.New(rand.NewSource(42)))
		out := make([]ActionKind, 50)
		for i := range out {
			out[i], _ = s.Next(q, DefaultPriority())
		}
		return out
	}
	assert.Equal(t, draw(), draw())
}
