package engine

import (
	"strings"
)

// FailureClass is the outcome of classifying a failed action.
type FailureClass int

const (
	Transient FailureClass = iota
	Blocked
)

func (c FailureClass) String() string {
	if c == Blocked {
		return "block_detected"
	}
	return "transient"
}

// DefaultBlockPhrases are matched case-insensitively against failure messages.
var DefaultBlockPhrases = []string{
	"action blocked",
	"try again later",
	"temporarily blocked",
	"ação bloqueada",
	"tente novamente mais tarde",
	"temporariamente bloqueado",
}

// Classifier maps failure text to a FailureClass. It holds no mutable state.
type Classifier struct {
	phrases []string
}

// NewClassifier returns a classifier matching DefaultBlockPhrases plus extra.
func NewClassifier(extra ...string) *Classifier {
	seen := map[string]bool{}
	phrases := make([]string, 0, len(DefaultBlockPhrases)+len(extra))
	for _, group := range [][]string{DefaultBlockPhrases, extra} {
		for _, p := range group {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			phrases = append(phrases, p)
		}
	}
	return &Classifier{phrases: phrases}
}

func (c *Classifier) Classify(message string) FailureClass {
	msg := strings.ToLower(message)
	for _, p := range c.phrases {
		if strings.Contains(msg, p) {
			return Blocked
		}
	}
	return Transient
}

// ClassifyError classifies err.Error(); nil is Transient.
func (c *Classifier) ClassifyError(err error) FailureClass {
	if err == nil {
		return Transient
	}
	return c.Classify(err.Error())
}

func (c *Classifier) Phrases() []string {
	return append([]string(nil), c.phrases...)
}
