package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu       sync.Mutex
	created  []string
	messages []Message
	changes  []string // "prev>next"
	removed  []string
}

func (r *recorder) SessionCreated(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, s.ID)
}

func (r *recorder) MessageAppended(_ Session, m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) StateChanged(s Session, prev State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, prev.String()+">"+s.State.String())
}

func (r *recorder) SessionRemoved(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
}

func (r *recorder) snapshot() (changes, removed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.changes...), append([]string(nil), r.removed...)
}

func testConfig() Config {
	return Config{
		IdleTimeout:      2 * time.Minute,
		CooldownFraction: 0.1,
		CooldownMin:      3 * time.Second,
		CooldownMax:      5 * time.Minute,
	}
}

func newTestRegistry(t *testing.T) (*Registry, *clock.Mock, *recorder) {
	t.Helper()
	mock := clock.NewMock()
	rec := &recorder{}
	reg := NewRegistry(testConfig(), mock, zap.NewNop(), rec)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go reg.Run(ctx)
	// Let the scheduler goroutine start before the mock clock moves.
	time.Sleep(50 * time.Millisecond)
	return reg, mock, rec
}

func advance(mock *clock.Mock, d time.Duration) {
	// Small settle gap so freshly armed timers observe the new time.
	time.Sleep(20 * time.Millisecond)
	mock.Add(d)
}

func TestObserveCreatesActiveSession(t *testing.T) {
	reg, _, rec := newTestRegistry(t)

	s := reg.Observe("s1", "claude-code", "myproj", "/logs/s1.jsonl", "/logs", nil)
	assert.Equal(t, StateActive, s.State)

	// Second observation of the same file is a no-op.
	reg.Observe("s1", "claude-code", "myproj", "/logs/s1.jsonl", "/logs", nil)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"s1"}, rec.created)
}

func TestObserveWithInitialMessages(t *testing.T) {
	reg, _, rec := newTestRegistry(t)

	s := reg.Observe("s1", "openclaw", "p", "/x/s1.jsonl", "/x", []Message{
		{Role: "user", Content: "hello"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	})

	// Dedup applies to the initial batch, and the creation event carries
	// the messages instead of per-message events.
	require.Len(t, s.Messages, 2)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.messages)
}

func TestAdjacentDuplicateSuppression(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	reg.Observe("s1", "codex", "p", "/x/s1.jsonl", "/x", nil)

	reg.RecordActivity("s1", []Message{
		{Role: "user", Content: "hi"},
		{Role: "user", Content: "hi"},
	})
	s, _ := reg.Get("s1")
	require.Len(t, s.Messages, 1)

	// The same content separated by another message is kept.
	reg.RecordActivity("s1", []Message{
		{Role: "assistant", Content: "ok"},
		{Role: "user", Content: "hi"},
	})
	s, _ = reg.Get("s1")
	require.Len(t, s.Messages, 3)
	assert.Equal(t, Message{Role: "user", Content: "hi"}, s.Messages[2])
}

func TestIdleTimeoutAndRevival(t *testing.T) {
	reg, mock, rec := newTestRegistry(t)
	reg.Observe("s1", "claude-code", "p", "/x/s1.jsonl", "/x", nil)

	advance(mock, 2*time.Minute)
	require.Eventually(t, func() bool {
		s, ok := reg.Get("s1")
		return ok && s.State == StateIdle
	}, 3*time.Second, 10*time.Millisecond)

	// A fresh line revives the session without a liveness re-scan.
	reg.RecordActivity("s1", []Message{{Role: "user", Content: "more"}})
	s, _ := reg.Get("s1")
	assert.Equal(t, StateActive, s.State)

	changes, _ := rec.snapshot()
	assert.Equal(t, []string{"active>idle", "idle>active"}, changes)
}

func TestActivityResetsIdleTimer(t *testing.T) {
	reg, mock, _ := newTestRegistry(t)
	reg.Observe("s1", "claude-code", "p", "/x/s1.jsonl", "/x", nil)

	advance(mock, 90*time.Second)
	reg.RecordActivity("s1", []Message{{Role: "user", Content: "ping"}})
	advance(mock, 90*time.Second)

	// 90s since the last activity: still under the 2m idle timeout.
	s, _ := reg.Get("s1")
	assert.Equal(t, StateActive, s.State)
}

func TestCoolingToGone(t *testing.T) {
	reg, mock, rec := newTestRegistry(t)
	reg.Observe("s1", "openclaw", "p", "/x/s1.jsonl", "/x", nil)

	reg.MarkNotLive("s1")
	s, _ := reg.Get("s1")
	require.Equal(t, StateCooling, s.State)
	require.NotNil(t, s.CoolingStartedAt)

	advance(mock, 3*time.Second)
	require.Eventually(t, func() bool {
		return !reg.Has("s1")
	}, 3*time.Second, 10*time.Millisecond)

	changes, removed := rec.snapshot()
	assert.Equal(t, []string{"active>cooling"}, changes)
	assert.Equal(t, []string{"s1"}, removed)
}

func TestCoolingRevival(t *testing.T) {
	reg, mock, rec := newTestRegistry(t)
	reg.Observe("s1", "claude-code", "p", "/x/s1.jsonl", "/x", nil)
	reg.MarkNotLive("s1")

	// Activity before the cooldown fires cancels the pending removal.
	reg.RecordActivity("s1", []Message{{Role: "assistant", Content: "back"}})
	s, _ := reg.Get("s1")
	require.Equal(t, StateActive, s.State)
	assert.Nil(t, s.CoolingStartedAt)

	advance(mock, time.Minute)
	assert.True(t, reg.Has("s1"))
	_, removed := rec.snapshot()
	assert.Empty(t, removed)
}

func TestMarkNotLiveWhileCoolingKeepsDeadline(t *testing.T) {
	reg, mock, _ := newTestRegistry(t)
	reg.Observe("s1", "claude-code", "p", "/x/s1.jsonl", "/x", nil)

	advance(mock, 10*time.Second)
	reg.MarkNotLive("s1")
	first, _ := reg.Get("s1")

	reg.MarkNotLive("s1")
	second, _ := reg.Get("s1")
	assert.Equal(t, first.CoolingStartedAt, second.CoolingStartedAt)
}

func TestCooldownBounds(t *testing.T) {
	reg := NewRegistry(testConfig(), clock.NewMock(), zap.NewNop(), &recorder{})

	assert.Equal(t, 3*time.Second, reg.cooldownFor(time.Second), "short sessions clamp to the minimum")
	assert.Equal(t, 3*time.Second, reg.cooldownFor(10*time.Second), "10s of activity still sits below the floor")
	assert.Equal(t, 30*time.Second, reg.cooldownFor(5*time.Minute))
	assert.Equal(t, 5*time.Minute, reg.cooldownFor(time.Hour), "long sessions clamp to the maximum")
}
