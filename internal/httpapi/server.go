// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PayRelay Contributors

// Package httpapi is the control-plane surface of the relay: a small REST
// API that reports server status and lets a trusted external caller inject
// an event into a room's broadcast stream without being a member of it.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/oops"

	"github.com/payrelay/payrelay/internal/event"
	"github.com/payrelay/payrelay/internal/registry"
)

// ConnectionCounter reports how many websocket connections are open,
// affiliated with a room or not.
type ConnectionCounter interface {
	ConnectionCount() int
}

// apiResponse is the JSON envelope every control-plane endpoint returns.
type apiResponse struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// statusData is the payload of GET /api/server/status.
type statusData struct {
	Status           string `json:"status"`
	Uptime           int64  `json:"uptime"`
	TotalConnections int    `json:"totalConnections"`
	TotalRooms       int    `json:"totalRooms"`
	Timestamp        int64  `json:"timestamp"`
	Version          string `json:"version"`
}

// broadcastRequest is the body of POST /api/message/room/{roomId}/broadcast.
// All three fields are required.
type broadcastRequest struct {
	EventType string `json:"eventType"`
	Message   string `json:"message"`
	IDSeguro  string `json:"idSeguro"`
}

// broadcastData is the success payload of the broadcast endpoint.
type broadcastData struct {
	RoomID        string `json:"roomId"`
	EventType     string `json:"eventType"`
	Message       string `json:"message"`
	IDSeguro      string `json:"idSeguro"`
	SentToClients int    `json:"sentToClients"`
	Timestamp     int64  `json:"timestamp"`
}

// Server serves the control-plane API and, when configured, mounts the
// websocket endpoint on the same listener.
type Server struct {
	addr      string
	registry  *registry.Registry
	conns     ConnectionCounter
	version   string
	wsHandler http.Handler
	startedAt time.Time

	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool
}

// New creates a control-plane server. conns may be nil (connection count
// reports zero); wsHandler may be nil (no websocket endpoint mounted).
func New(addr string, reg *registry.Registry, conns ConnectionCounter, version string, wsHandler http.Handler) *Server {
	return &Server{
		addr:      addr,
		registry:  reg,
		conns:     conns,
		version:   version,
		wsHandler: wsHandler,
		startedAt: time.Now(),
	}
}

// Routes builds the chi router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/api/server/status", s.handleStatus)
	r.Post("/api/message/room/{roomId}/broadcast", s.handleBroadcast)

	if s.wsHandler != nil {
		r.Handle("/ws", s.wsHandler)
	}

	return r
}

// Start begins serving. It returns an error channel that receives any error
// from the HTTP server after it starts; the channel is closed on graceful
// stop.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("api server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("api server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("api server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown_api_server").Wrap(err)
		}
	}

	slog.Info("api server stopped")
	return nil
}

// Addr returns the address the server is listening on, or empty when not
// running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "payrelay is running",
		"endpoints": map[string]string{
			"status":    "/api/server/status",
			"broadcast": "/api/message/room/{roomId}/broadcast",
			"health":    "/health",
			"websocket": "/ws",
		},
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.registry.Stats()

	connections := 0
	if s.conns != nil {
		connections = s.conns.ConnectionCount()
	}

	now := time.Now()
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Data: statusData{
			Status:           "running",
			Uptime:           now.Sub(s.startedAt).Milliseconds(),
			TotalConnections: connections,
			TotalRooms:       stats.TotalRooms,
			Timestamp:        now.UnixMilli(),
			Version:          s.version,
		},
		Timestamp: now.UnixMilli(),
	})
}

// handleBroadcast injects a synthetic event into a room. The caller is not
// a member, so nobody is excluded: every current member receives it. An
// absent room is a 404 with zero registry mutation.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.EventType == "" || req.Message == "" || req.IDSeguro == "" {
		writeError(w, http.StatusBadRequest, "required fields: eventType, message, idSeguro")
		return
	}

	if !s.registry.RoomExists(roomID) {
		slog.Info("control-plane broadcast to unknown room", "room_id", roomID)
		writeError(w, http.StatusNotFound, "room "+roomID+" not found")
		return
	}

	evt := event.NewControlBroadcast(req.EventType, req.Message, req.IDSeguro)
	sent := s.registry.Broadcast(roomID, evt, "")

	slog.Info("control-plane broadcast delivered",
		"room_id", roomID,
		"event_type", req.EventType,
		"sent_to", sent,
	)

	now := time.Now().UnixMilli()
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Data: broadcastData{
			RoomID:        roomID,
			EventType:     req.EventType,
			Message:       req.Message,
			IDSeguro:      req.IDSeguro,
			SentToClients: sent,
			Timestamp:     now,
		},
		Timestamp: now,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiResponse{
		Success:   false,
		Error:     message,
		Timestamp: time.Now().UnixMilli(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}
