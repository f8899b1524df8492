// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PayRelay Contributors

package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/payrelay/payrelay/internal/event"
	"github.com/payrelay/payrelay/internal/observability"
	"github.com/payrelay/payrelay/internal/registry"
)

// Server accepts websocket connections and wires each one to the router.
// It tracks live connections only for shutdown and counting; room
// membership belongs to the registry.
type Server struct {
	router   *Router
	registry *registry.Registry
	limiter  *RateLimiter
	metrics  *observability.Metrics // optional, can be nil

	sendBuffer int
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
}

// ServerOption configures a Server during construction.
type ServerOption func(*Server)

// WithConnectionMetrics configures the server to count accepted connections.
func WithConnectionMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithSendBuffer sets the per-connection outbound channel capacity.
func WithSendBuffer(n int) ServerOption {
	return func(s *Server) {
		s.sendBuffer = n
	}
}

// NewServer creates a websocket relay server.
func NewServer(router *Router, reg *registry.Registry, limiter *RateLimiter, opts ...ServerOption) *Server {
	s := &Server{
		router:     router,
		registry:   reg,
		limiter:    limiter,
		sendBuffer: DefaultSendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced upstream; both peers connect from
			// app webviews with no stable origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the websocket upgrade handler. Connections outlive the
// upgrade request, so pumps run under serverCtx, not the request context.
func (s *Server) Handler(serverCtx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		clientID := newClientID()
		client := newClient(clientID, conn, s, s.sendBuffer)

		s.mu.Lock()
		s.clients[clientID] = client
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.ConnectionsTotal.Inc()
		}
		slog.Info("connection accepted", "client_id", clientID, "remote", r.RemoteAddr)

		// Queue the welcome before the pumps start so it is the first frame
		// the peer sees. No room membership yet.
		welcome, _ := json.Marshal(event.NewConnectionEstablished(clientID))
		if err := client.Send(welcome); err != nil {
			slog.Warn("failed to queue welcome event", "client_id", clientID, "error", err)
		}

		go client.writePump()
		go client.readPump(serverCtx)
	})
}

// ConnectionCount returns the number of currently open connections,
// affiliated or not.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Shutdown closes every open connection with a normal-closure frame and the
// given reason. The read pumps handle deregistration as usual.
func (s *Server) Shutdown(reason string) {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.closeWithStatus(websocket.CloseNormalClosure, reason)
	}
	slog.Info("relay shutdown initiated", "connections_closed", len(clients))
}

// dropClient removes a connection from the live set. Called by the read
// pump on exit.
func (s *Server) dropClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, clientID)
}
