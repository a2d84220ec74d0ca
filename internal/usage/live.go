package usage

import "sync"

// Live is the lightweight registry of currently known sessions, kept
// separately from the token ledgers so "running agents" counts do not
// depend on usage data having arrived yet.
type Live struct {
	mu       sync.Mutex
	sessions map[string]liveEntry
}

type liveEntry struct {
	Tool  string
	State string
}

func NewLive() *Live {
	return &Live{sessions: make(map[string]liveEntry)}
}

func (l *Live) Set(sessionID, tool, state string) {
	l.mu.Lock()
	l.sessions[sessionID] = liveEntry{Tool: tool, State: state}
	l.mu.Unlock()
}

func (l *Live) Remove(sessionID string) {
	l.mu.Lock()
	delete(l.sessions, sessionID)
	l.mu.Unlock()
}

// Counts returns the number of known sessions per tool.
func (l *Live) Counts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int)
	for _, e := range l.sessions {
		out[e.Tool]++
	}
	return out
}

// ActiveCount returns the number of sessions in the given state.
func (l *Live) ActiveCount(state string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.sessions {
		if e.State == state {
			n++
		}
	}
	return n
}
