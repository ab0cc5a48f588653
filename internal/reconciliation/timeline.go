package reconciliation

import (
	"log/slog"
	"sync"

	"github.com/mbd888/escrowsync/internal/messages"
)

// Timeline is a goroutine-safe holder of one State. All producers feed it
// through Apply, so there is a single mutation site.
type Timeline struct {
	mu     sync.Mutex
	state  State
	logger *slog.Logger
}

// NewTimeline starts an empty timeline for thread.
func NewTimeline(thread messages.Thread, logger *slog.Logger) *Timeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timeline{state: NewState(thread), logger: logger}
}

// Apply reduces ev into the held state.
func (t *Timeline) Apply(ev Event) Outcome {
	t.mu.Lock()
	next, out := Reduce(t.state, ev)
	t.state = next
	thread := next.Thread
	t.mu.Unlock()

	observe(ev, out)
	if !out.Applied {
		t.logger.Debug("reconciliation discarded event",
			"thread", thread.ID, "source", ev.EventSource(), "reason", out.Reason)
	}
	return out
}

// State returns the current state.
func (t *Timeline) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
