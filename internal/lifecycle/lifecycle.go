// Package lifecycle owns the canonical session registry and the
// active/idle/cooling/gone state machine. File and process monitors
// supply signals (new lines, liveness verdicts); only this package
// mutates session state. Timers are modeled as explicit deadlines in a
// single scheduler, so superseding a pending idle or cooldown timer is
// one map write rather than a callback cancellation chain.
package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type State int

const (
	StateActive State = iota
	StateIdle
	StateCooling
	StateGone
)

var stateNames = map[State]string{
	StateActive:  "active",
	StateIdle:    "idle",
	StateCooling: "cooling",
	StateGone:    "gone",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Message is one conversational turn stored on a session.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is the canonical record for one observed log file.
type Session struct {
	ID               string     `json:"sessionId"`
	Tool             string     `json:"tool"`
	DisplayName      string     `json:"displayName"`
	FilePath         string     `json:"filePath"`
	LogRootDir       string     `json:"logRootDir"`
	State            State      `json:"state"`
	Messages         []Message  `json:"messages"`
	StartedAt        time.Time  `json:"startedAt"`
	LastModifiedAt   time.Time  `json:"lastModifiedAt"`
	CoolingStartedAt *time.Time `json:"coolingStartedAt,omitempty"`
}

// Clone returns a copy safe to hand outside the registry lock.
func (s *Session) Clone() Session {
	c := *s
	c.Messages = append([]Message(nil), s.Messages...)
	if s.CoolingStartedAt != nil {
		t := *s.CoolingStartedAt
		c.CoolingStartedAt = &t
	}
	return c
}

// Listener receives state-machine events. Sessions are passed by value;
// callbacks run outside the registry lock and may block briefly.
type Listener interface {
	SessionCreated(s Session)
	MessageAppended(s Session, m Message)
	StateChanged(s Session, prev State)
	SessionRemoved(id string)
}

// Config holds the state-machine timing knobs.
type Config struct {
	IdleTimeout      time.Duration
	CooldownFraction float64
	CooldownMin      time.Duration
	CooldownMax      time.Duration
}

type deadlineKind int

const (
	deadlineIdle deadlineKind = iota
	deadlineRemove
)

type deadline struct {
	at   time.Time
	kind deadlineKind
}

// Registry is the session store plus the deadline scheduler driving
// idle and cooldown transitions.
type Registry struct {
	cfg      Config
	clk      clock.Clock
	logger   *zap.Logger
	listener Listener

	mu        sync.Mutex
	sessions  map[string]*Session
	deadlines map[string]deadline
	recalc    chan struct{}
}

func NewRegistry(cfg Config, clk clock.Clock, logger *zap.Logger, listener Listener) *Registry {
	return &Registry{
		cfg:       cfg,
		clk:       clk,
		logger:    logger,
		listener:  listener,
		sessions:  make(map[string]*Session),
		deadlines: make(map[string]deadline),
		recalc:    make(chan struct{}, 1),
	}
}

// Run drives the deadline scheduler until ctx is canceled. It must be
// running for idle and cooldown transitions to fire.
func (r *Registry) Run(ctx context.Context) {
	for {
		next, ok := r.nextDeadline()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.recalc:
				continue
			}
		}

		wait := next.Sub(r.clk.Now())
		if wait <= 0 {
			r.fireDue()
			continue
		}

		timer := r.clk.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.recalc:
			timer.Stop()
		case <-timer.C:
			r.fireDue()
		}
	}
}

// Observe registers a session for filePath if none exists and returns a
// snapshot. A new session starts active with its idle deadline armed;
// initial holds messages already present in the file, so the creation
// event carries them instead of a burst of per-message events.
func (r *Registry) Observe(id, tool, displayName, filePath, logRootDir string, initial []Message) Session {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		snap := s.Clone()
		r.mu.Unlock()
		return snap
	}

	now := r.clk.Now()
	s := &Session{
		ID:             id,
		Tool:           tool,
		DisplayName:    displayName,
		FilePath:       filePath,
		LogRootDir:     logRootDir,
		State:          StateActive,
		StartedAt:      now,
		LastModifiedAt: now,
	}
	for _, m := range initial {
		if n := len(s.Messages); n > 0 && s.Messages[n-1] == m {
			continue
		}
		s.Messages = append(s.Messages, m)
	}
	r.sessions[id] = s
	r.schedule(id, deadline{at: now.Add(r.cfg.IdleTimeout), kind: deadlineIdle})
	snap := s.Clone()
	r.mu.Unlock()

	r.logger.Info("session created",
		zap.String("session", id),
		zap.String("tool", tool),
		zap.String("project", displayName))
	r.listener.SessionCreated(snap)
	return snap
}

// RecordActivity reports newly observed lines for a session: messages
// are appended with adjacent-duplicate suppression, the idle deadline is
// reset, and an idle or cooling session is revived to active. Unknown
// sessions are ignored; the caller re-observes first.
func (r *Registry) RecordActivity(id string, msgs []Message) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	now := r.clk.Now()
	s.LastModifiedAt = now

	var appended []Message
	for _, m := range msgs {
		if n := len(s.Messages); n > 0 && s.Messages[n-1] == m {
			continue
		}
		s.Messages = append(s.Messages, m)
		appended = append(appended, m)
	}

	prev := s.State
	revived := prev == StateIdle || prev == StateCooling
	if revived {
		s.State = StateActive
		s.CoolingStartedAt = nil
	}
	r.schedule(id, deadline{at: now.Add(r.cfg.IdleTimeout), kind: deadlineIdle})
	snap := s.Clone()
	r.mu.Unlock()

	for _, m := range appended {
		r.listener.MessageAppended(snap, m)
	}
	if revived {
		r.logger.Info("session revived",
			zap.String("session", id),
			zap.String("from", prev.String()))
		r.listener.StateChanged(snap, prev)
	}
}

// MarkNotLive moves an active or idle session to cooling and arms the
// removal deadline. The cooldown is a fraction of the session's lifetime
// so far, clamped to the configured bounds. Already-cooling sessions
// keep their original deadline.
func (r *Registry) MarkNotLive(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.State == StateCooling {
		r.mu.Unlock()
		return
	}

	now := r.clk.Now()
	prev := s.State
	s.State = StateCooling
	t := now
	s.CoolingStartedAt = &t

	cooldown := r.cooldownFor(now.Sub(s.StartedAt))
	r.schedule(id, deadline{at: now.Add(cooldown), kind: deadlineRemove})
	snap := s.Clone()
	r.mu.Unlock()

	r.logger.Info("session cooling",
		zap.String("session", id),
		zap.Duration("cooldown", cooldown))
	r.listener.StateChanged(snap, prev)
}

func (r *Registry) cooldownFor(lifetime time.Duration) time.Duration {
	d := time.Duration(float64(lifetime) * r.cfg.CooldownFraction)
	if d < r.cfg.CooldownMin {
		return r.cfg.CooldownMin
	}
	if d > r.cfg.CooldownMax {
		return r.cfg.CooldownMax
	}
	return d
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.Clone(), true
}

// All returns snapshots of every registered session.
func (r *Registry) All() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	return out
}

// Has reports whether the session is registered.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// schedule replaces the session's pending deadline. Caller holds r.mu.
func (r *Registry) schedule(id string, d deadline) {
	r.deadlines[id] = d
	select {
	case r.recalc <- struct{}{}:
	default:
	}
}

func (r *Registry) nextDeadline() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		earliest time.Time
		found    bool
	)
	for _, d := range r.deadlines {
		if !found || d.at.Before(earliest) {
			earliest = d.at
			found = true
		}
	}
	return earliest, found
}

// fireDue applies every deadline at or before the current clock time.
func (r *Registry) fireDue() {
	now := r.clk.Now()

	type stateEvent struct {
		snap Session
		prev State
	}
	var (
		changed []stateEvent
		removed []string
	)

	r.mu.Lock()
	for id, d := range r.deadlines {
		if d.at.After(now) {
			continue
		}
		delete(r.deadlines, id)
		s, ok := r.sessions[id]
		if !ok {
			continue
		}

		switch d.kind {
		case deadlineIdle:
			if s.State != StateActive {
				continue
			}
			prev := s.State
			s.State = StateIdle
			changed = append(changed, stateEvent{snap: s.Clone(), prev: prev})
		case deadlineRemove:
			if s.State != StateCooling {
				continue
			}
			s.State = StateGone
			delete(r.sessions, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	for _, ev := range changed {
		r.logger.Info("session idle", zap.String("session", ev.snap.ID))
		r.listener.StateChanged(ev.snap, ev.prev)
	}
	for _, id := range removed {
		r.logger.Info("session removed", zap.String("session", id))
		r.listener.SessionRemoved(id)
	}
}
