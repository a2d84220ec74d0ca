package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/agent-nexus/backend/internal/lifecycle"
	"github.com/agent-nexus/backend/internal/usage"
)

type fakeSessions struct {
	list []lifecycle.Session
}

func (f *fakeSessions) All() []lifecycle.Session { return f.list }

type fakeTotals struct {
	payload usage.TotalsPayload
}

func (f *fakeTotals) Totals() usage.TotalsPayload { return f.payload }

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		h.AddClient(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestInitialSnapshotBeforeIncrementals(t *testing.T) {
	sessions := &fakeSessions{list: []lifecycle.Session{
		{ID: "s1", Tool: "claude-code", DisplayName: "proj", State: lifecycle.StateActive,
			Messages: []lifecycle.Message{{Role: "user", Content: "hello"}}},
		{ID: "s2", Tool: "codex", State: lifecycle.StateIdle},
	}}
	totals := &fakeTotals{payload: usage.TotalsPayload{Scope: "all_history"}}
	h := NewHub(sessions, totals, 10*time.Millisecond, zap.NewNop())

	conn := dialHub(t, h)

	var types []string
	for i := 0; i < 3; i++ {
		types = append(types, gjson.Get(readEvent(t, conn), "type").String())
	}
	assert.Equal(t, []string{"session_init", "session_init", "usage_totals"}, types)
}

func TestSnapshotSessionInitShape(t *testing.T) {
	sessions := &fakeSessions{list: []lifecycle.Session{
		{ID: "s1", Tool: "claude-code", DisplayName: "proj", State: lifecycle.StateActive,
			Messages: []lifecycle.Message{{Role: "user", Content: "hello"}, {Role: "assistant", Content: "hi there"}}},
	}}
	h := NewHub(sessions, &fakeTotals{}, 10*time.Millisecond, zap.NewNop())

	conn := dialHub(t, h)
	ev := readEvent(t, conn)

	assert.Equal(t, "s1", gjson.Get(ev, "payload.sessionId").String())
	assert.Equal(t, "active", gjson.Get(ev, "payload.state").String())
	assert.Equal(t, int64(2), gjson.Get(ev, "payload.messages.#").Int())
	assert.Equal(t, "hi there", gjson.Get(ev, "payload.messages.1.content").String())
}

func TestLifecycleEventsFanOut(t *testing.T) {
	h := NewHub(&fakeSessions{}, &fakeTotals{}, 10*time.Millisecond, zap.NewNop())
	conn := dialHub(t, h)
	readEvent(t, conn) // drain the usage_totals snapshot

	s := lifecycle.Session{ID: "s1", Tool: "codex", State: lifecycle.StateActive}
	h.SessionCreated(s)
	h.MessageAppended(s, lifecycle.Message{Role: "assistant", Content: "ok"})
	h.StateChanged(lifecycle.Session{ID: "s1", State: lifecycle.StateIdle}, lifecycle.StateActive)
	h.SessionRemoved("s1")

	assert.Equal(t, "session_init", gjson.Get(readEvent(t, conn), "type").String())

	ev := readEvent(t, conn)
	assert.Equal(t, "message_add", gjson.Get(ev, "type").String())
	assert.Equal(t, "ok", gjson.Get(ev, "payload.message.content").String())

	ev = readEvent(t, conn)
	assert.Equal(t, "state_change", gjson.Get(ev, "type").String())
	assert.Equal(t, "idle", gjson.Get(ev, "payload.state").String())

	ev = readEvent(t, conn)
	assert.Equal(t, "session_remove", gjson.Get(ev, "type").String())
	assert.Equal(t, "s1", gjson.Get(ev, "payload.sessionId").String())
}

func TestUsageChangedThrottles(t *testing.T) {
	totals := &fakeTotals{payload: usage.TotalsPayload{Scope: "all_history"}}
	h := NewHub(&fakeSessions{}, totals, 50*time.Millisecond, zap.NewNop())
	conn := dialHub(t, h)
	readEvent(t, conn) // snapshot totals

	// A burst collapses into a single broadcast.
	h.UsageChanged()
	h.UsageChanged()
	h.UsageChanged()

	ev := readEvent(t, conn)
	assert.Equal(t, "usage_totals", gjson.Get(ev, "type").String())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "no second totals message for the same burst")
}

func TestClientCount(t *testing.T) {
	h := NewHub(&fakeSessions{}, &fakeTotals{}, 10*time.Millisecond, zap.NewNop())
	assert.Equal(t, 0, h.ClientCount())

	dialHub(t, h)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestBroadcastMarshalsCleanly(t *testing.T) {
	s := lifecycle.Session{ID: "s1", Tool: "claude-code", State: lifecycle.StateCooling}
	data, err := json.Marshal(sessionInit(s))
	require.NoError(t, err)
	assert.Equal(t, "cooling", gjson.GetBytes(data, "payload.state").String())
	assert.True(t, gjson.GetBytes(data, "payload.messages").IsArray(), "messages is never null")
}
