package monitor

import (
	"github.com/agent-nexus/backend/internal/lifecycle"
	"github.com/agent-nexus/backend/internal/usage"
)

// LiveTracker mirrors registry transitions into the lightweight live
// registry used for running-agent counts.
type LiveTracker struct {
	live *usage.Live
}

func NewLiveTracker(live *usage.Live) *LiveTracker {
	return &LiveTracker{live: live}
}

func (t *LiveTracker) SessionCreated(s lifecycle.Session) {
	t.live.Set(s.ID, s.Tool, s.State.String())
}

func (t *LiveTracker) MessageAppended(lifecycle.Session, lifecycle.Message) {}

func (t *LiveTracker) StateChanged(s lifecycle.Session, _ lifecycle.State) {
	t.live.Set(s.ID, s.Tool, s.State.String())
}

func (t *LiveTracker) SessionRemoved(id string) {
	t.live.Remove(id)
}
