package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// PricingInfo reports the active rate table's provenance for the
// /api/pricing endpoint.
type PricingInfo func(ctx context.Context) (source string, models int)

type Server struct {
	hub            *Hub
	sessions       SessionSource
	totals         UsageSource
	pricingInfo    PricingInfo
	auditPath      string
	authToken      string
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	logger         *zap.Logger
}

func NewServer(hub *Hub, sessions SessionSource, totals UsageSource, pricingInfo PricingInfo, auditPath, authToken string, allowedOrigins []string, logger *zap.Logger) *Server {
	s := &Server{
		hub:            hub,
		sessions:       sessions,
		totals:         totals,
		pricingInfo:    pricingInfo,
		auditPath:      auditPath,
		authToken:      authToken,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		logger:         logger,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/usage", s.handleUsage)
	mux.HandleFunc("/api/usage/history", s.handleUsageHistory)
	mux.HandleFunc("/api/pricing", s.handlePricing)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade", zap.Error(err))
		return
	}

	s.logger.Info("ws client connected", zap.String("remote", r.RemoteAddr))
	c := s.hub.AddClient(conn)

	go func() {
		defer func() {
			s.hub.RemoveClient(c)
			s.logger.Info("ws client disconnected", zap.String("remote", r.RemoteAddr))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.sessions.All())
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.totals.Totals())
}

// handleUsageHistory serves the tail of the cost-audit log as a JSON
// array, newest last. Optional query params: limit (default 200, capped
// at 1000), session, tool.
func (s *Server) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	limit := 200
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > 1000 {
		limit = 1000
	}
	session := r.URL.Query().Get("session")
	tool := r.URL.Query().Get("tool")

	entries := []json.RawMessage{}
	if data, err := os.ReadFile(s.auditPath); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if line == "" || !gjson.Valid(line) {
				continue
			}
			if session != "" && gjson.Get(line, "sessionId").String() != session {
				continue
			}
			if tool != "" && gjson.Get(line, "tool").String() != tool {
				continue
			}
			entries = append(entries, json.RawMessage(line))
		}
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	source, models := s.pricingInfo(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"source": source,
		"models": models,
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Agent-Nexus-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func ListenAndServe(host string, port int, mux *http.ServeMux, logger *zap.Logger) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	logger.Info("server listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, mux)
}
