package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agent-nexus/backend/internal/lifecycle"
	"github.com/agent-nexus/backend/internal/usage"
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// SessionSource supplies the current session set for late-joiner
// snapshots.
type SessionSource interface {
	All() []lifecycle.Session
}

// UsageSource supplies the current usage totals.
type UsageSource interface {
	Totals() usage.TotalsPayload
}

// Hub fans session and usage events out to websocket subscribers. A new
// subscriber receives a full snapshot (every current session plus usage
// totals) before any incremental event, so late joiners converge
// without history replay. Delivery is best-effort; a client that cannot
// keep up is disconnected.
type Hub struct {
	sessions SessionSource
	totals   UsageSource
	throttle time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*client]bool

	totalsMu    sync.Mutex
	totalsTimer *time.Timer
}

func NewHub(sessions SessionSource, totals UsageSource, throttle time.Duration, logger *zap.Logger) *Hub {
	return &Hub{
		sessions: sessions,
		totals:   totals,
		throttle: throttle,
		logger:   logger,
		clients:  make(map[*client]bool),
	}
}

// AddClient registers a connection and queues its initial snapshot.
func (h *Hub) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	for _, s := range h.sessions.All() {
		h.sendTo(c, sessionInit(s))
	}
	h.sendTo(c, usageTotals(h.totals.Totals()))
	return c
}

func (h *Hub) RemoveClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SessionCreated implements the lifecycle listener contract.
func (h *Hub) SessionCreated(s lifecycle.Session) {
	h.broadcast(sessionInit(s))
}

func (h *Hub) MessageAppended(s lifecycle.Session, m lifecycle.Message) {
	h.broadcast(Event{Type: EvtMessageAdd, Payload: MessageAddPayload{
		SessionID: s.ID,
		Message:   m,
	}})
}

func (h *Hub) StateChanged(s lifecycle.Session, _ lifecycle.State) {
	h.broadcast(Event{Type: EvtStateChange, Payload: StateChangePayload{
		SessionID: s.ID,
		State:     s.State,
	}})
}

func (h *Hub) SessionRemoved(id string) {
	h.broadcast(Event{Type: EvtSessionRemove, Payload: SessionRemovePayload{SessionID: id}})
}

// UsageChanged schedules a throttled usage_totals broadcast. Bursts of
// ingestion collapse into one message carrying the latest totals.
func (h *Hub) UsageChanged() {
	h.totalsMu.Lock()
	defer h.totalsMu.Unlock()
	if h.totalsTimer != nil {
		return
	}
	h.totalsTimer = time.AfterFunc(h.throttle, func() {
		h.totalsMu.Lock()
		h.totalsTimer = nil
		h.totalsMu.Unlock()
		h.broadcast(usageTotals(h.totals.Totals()))
	})
}

func (h *Hub) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("broadcast marshal", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !h.trySend(c, data) {
			h.logger.Warn("ws client too slow, disconnecting")
			h.RemoveClient(c)
		}
	}
}

func (h *Hub) sendTo(c *client, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("snapshot marshal", zap.Error(err))
		return
	}
	h.trySend(c, data)
}

func (h *Hub) trySend(c *client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}
