package ws

import (
	"github.com/agent-nexus/backend/internal/lifecycle"
	"github.com/agent-nexus/backend/internal/usage"
)

type EventType string

const (
	EvtSessionInit   EventType = "session_init"
	EvtMessageAdd    EventType = "message_add"
	EvtStateChange   EventType = "state_change"
	EvtSessionRemove EventType = "session_remove"
	EvtUsageTotals   EventType = "usage_totals"
)

type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload"`
}

type SessionInitPayload struct {
	SessionID string              `json:"sessionId"`
	Tool      string              `json:"tool"`
	Name      string              `json:"name"`
	Messages  []lifecycle.Message `json:"messages"`
	State     lifecycle.State     `json:"state"`
}

type MessageAddPayload struct {
	SessionID string            `json:"sessionId"`
	Message   lifecycle.Message `json:"message"`
}

type StateChangePayload struct {
	SessionID string          `json:"sessionId"`
	State     lifecycle.State `json:"state"`
}

type SessionRemovePayload struct {
	SessionID string `json:"sessionId"`
}

func sessionInit(s lifecycle.Session) Event {
	msgs := s.Messages
	if msgs == nil {
		msgs = []lifecycle.Message{}
	}
	return Event{Type: EvtSessionInit, Payload: SessionInitPayload{
		SessionID: s.ID,
		Tool:      s.Tool,
		Name:      s.DisplayName,
		Messages:  msgs,
		State:     s.State,
	}}
}

func usageTotals(t usage.TotalsPayload) Event {
	return Event{Type: EvtUsageTotals, Payload: t}
}
