package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ActionKind is one engagement action. The set is fixed.
type ActionKind int

const (
	Like ActionKind = iota
	Follow
	Unfollow
	Comment
	Story
	DirectMessage

	kindCount = iota
)

var kindNames = [kindCount]string{
	Like:          "like",
	Follow:        "follow",
	Unfollow:      "unfollow",
	Comment:       "comment",
	Story:         "story",
	DirectMessage: "direct_message",
}

// Kinds returns every action kind in declaration order.
func Kinds() []ActionKind {
	out := make([]ActionKind, kindCount)
	for i := range out {
		out[i] = ActionKind(i)
	}
	return out
}

// DefaultPriority is the selection order used when none is configured.
func DefaultPriority() []ActionKind {
	return []ActionKind{Like, Follow, Comment, Unfollow, Story, DirectMessage}
}

func (k ActionKind) Valid() bool { return k >= 0 && int(k) < kindCount }

func (k ActionKind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("action(%d)", int(k))
	}
	return kindNames[k]
}

// ParseActionKind accepts the canonical names plus the plural and short
// forms used in config files ("likes", "stories", "dm", "direct").
func ParseActionKind(s string) (ActionKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "like", "likes":
		return Like, nil
	case "follow", "follows":
		return Follow, nil
	case "unfollow", "unfollows":
		return Unfollow, nil
	case "comment", "comments":
		return Comment, nil
	case "story", "stories":
		return Story, nil
	case "direct_message", "direct", "dm", "dms":
		return DirectMessage, nil
	default:
		return 0, fmt.Errorf("unknown action kind %q", s)
	}
}

func (k ActionKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid action kind %d", int(k))
	}
	return []byte(kindNames[k]), nil
}

func (k *ActionKind) UnmarshalText(b []byte) error {
	v, err := ParseActionKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Counts holds one integer per action kind. It is a value type: copies never alias.
type Counts [kindCount]int

// CountsOf builds Counts from a name-keyed map. Unknown names are an error.
func CountsOf(m map[string]int) (Counts, error) {
	var c Counts
	for name, v := range m {
		k, err := ParseActionKind(name)
		if err != nil {
			return Counts{}, err
		}
		c[k] = v
	}
	return c, nil
}

func (c Counts) Get(k ActionKind) int {
	if !k.Valid() {
		return 0
	}
	return c[k]
}

func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Map returns the counts keyed by canonical kind name.
func (c Counts) Map() map[string]int {
	m := make(map[string]int, kindCount)
	for i, v := range c {
		m[kindNames[i]] = v
	}
	return m
}

func (c Counts) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, v := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%q:%d", kindNames[i], v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (c *Counts) UnmarshalJSON(b []byte) error {
	var m map[string]int
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	v, err := CountsOf(m)
	if err != nil {
		return err
	}
	*c = v
	return nil
}
