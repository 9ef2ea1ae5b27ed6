package notifier

import (
	"fmt"
	"sort"
	"strings"

	"instabot/internal/engine"
)

// Controller is the part of the scheduler the chat commands drive.
type Controller interface {
	State() engine.State
	Pause() error
	Resume() error
}

// Commands handles owner-only chat commands.
type Commands struct {
	ctrl   Controller
	owners map[int64]bool
}

func NewCommands(ctrl Controller, owners []int64) *Commands {
	c := &Commands{ctrl: ctrl, owners: map[int64]bool{}}
	for _, id := range owners {
		c.owners[id] = true
	}
	return c
}

func (c *Commands) IsOwner(userID int64) bool { return c.owners[userID] }

// Handle returns the reply for cmd ("/status", "/pause", "/resume") sent by
// userID. Non-owners get no reply.
func (c *Commands) Handle(userID int64, cmd string) (reply string, ok bool) {
	if !c.IsOwner(userID) {
		return "", false
	}
	name := strings.ToLower(strings.TrimSpace(cmd))
	if i := strings.IndexAny(name, " @"); i >= 0 {
		name = name[:i]
	}
	switch name {
	case "/status":
		return FormatStatus(c.ctrl.State()), true
	case "/pause":
		if err := c.ctrl.Pause(); err != nil {
			return "Cannot pause: " + err.Error(), true
		}
		return "⏸ Paused. The current wait finishes first.", true
	case "/resume":
		if err := c.ctrl.Resume(); err != nil {
			return "Cannot resume: " + err.Error(), true
		}
		return "▶️ Resumed.", true
	}
	return "Unknown command. Try /status, /pause or /resume.", true
}

// FormatStatus renders st for chat.
func FormatStatus(st engine.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s\n", st.Status)
	if st.CurrentAction != "" {
		fmt.Fprintf(&b, "Running: %s\n", st.CurrentAction)
	}
	if p := st.Pause; p != nil {
		fmt.Fprintf(&b, "Waiting: %s until %s\n", p.Reason, p.Until.Format("15:04:05"))
	}
	fmt.Fprintf(&b, "Errors: %d  Blocks: %d\n", st.Errors, st.Blocks)

	lines := make([]string, 0, len(engine.Kinds()))
	for _, k := range engine.Kinds() {
		limit := st.Limits.Get(k)
		if limit == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("  %s %d/%d", k, st.Daily.Get(k), limit))
	}
	sort.Strings(lines)
	b.WriteString("Today:\n")
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}
