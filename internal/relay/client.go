// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PayRelay Contributors

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/oops"

	"github.com/payrelay/payrelay/internal/event"
	"github.com/payrelay/payrelay/internal/observability"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// DefaultSendBuffer is the default outbound channel capacity per
	// connection.
	DefaultSendBuffer = 32
)

// Client wraps a single websocket connection. It owns the connection's
// outbound channel and implements the registry's send capability: Send is a
// non-blocking enqueue, so a hung peer shows up as a delivery failure
// instead of stalling a broadcast.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send chan []byte
	done chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once

	// Close frame sent to the peer when the relay initiates the close.
	closeCode   int
	closeReason string
}

func newClient(id string, conn *websocket.Conn, server *Server, sendBuffer int) *Client {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	return &Client{
		id:        id,
		conn:      conn,
		server:    server,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

// ID returns the connection identifier.
func (c *Client) ID() string {
	return c.id
}

// Send enqueues an outbound frame. It never blocks: a full buffer or a
// closed connection is an error the caller treats as a delivery failure.
func (c *Client) Send(data []byte) error {
	if c.closed.Load() {
		return oops.Code("CONN_CLOSED").With("client_id", c.id).Errorf("connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return oops.Code("SEND_BUFFER_FULL").With("client_id", c.id).Errorf("send buffer full")
	}
}

// IsOpen reports whether the connection can still accept outbound frames.
func (c *Client) IsOpen() bool {
	return !c.closed.Load()
}

// closeWithStatus marks the connection closed and tells the write pump to
// send a close frame with the given code and reason. Safe to call multiple
// times; only the first call wins.
func (c *Client) closeWithStatus(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.closed.Store(true)
		close(c.done)
	})
}

// readPump pumps frames from the websocket to the router.
//
// The server runs readPump in a per-connection goroutine; all reads happen
// here, so there is at most one reader per connection. On exit the client
// is unconditionally deregistered, whether or not it ever joined a room.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.server.registry.RemoveClient(c.id)
		c.server.limiter.Forget(c.id)
		c.server.dropClient(c.id)
		c.closeWithStatus(websocket.CloseNormalClosure, "")
		//nolint:errcheck // connection teardown, close error carries no signal
		c.conn.Close()
		slog.Info("connection closed", "client_id", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	//nolint:errcheck // deadline errors surface on the next read
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		// Liveness probes refresh the deadline and never touch room state.
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("read error", "client_id", c.id, "error", err)
			}
			return
		}

		if allowed, cooldownMs := c.server.limiter.Allow(c.id); !allowed {
			observability.RecordEventError("rate_limited")
			c.replyError(fmt.Sprintf("rate limit exceeded, retry in %dms", cooldownMs))
			continue
		}

		// Frames are routed in arrival order; the next read does not start
		// until this one is fully handled.
		c.server.router.Route(ctx, raw, c.id, c)
	}
}

// writePump pumps frames from the outbound channel to the websocket.
//
// A goroutine running writePump is started per connection; all writes,
// including pings and the final close frame, happen here.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		//nolint:errcheck // connection teardown, close error carries no signal
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			//nolint:errcheck // deadline errors surface on the write itself
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("write error", "client_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			//nolint:errcheck // deadline errors surface on the write itself
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			//nolint:errcheck // deadline errors surface on the write itself
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			//nolint:errcheck // best-effort close frame on the way out
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeReason))
			return
		}
	}
}

// replyError sends a direct ERROR event to this connection.
func (c *Client) replyError(message string) {
	data, _ := json.Marshal(event.NewError(message))
	if err := c.Send(data); err != nil {
		slog.Debug("failed to deliver error reply", "client_id", c.id, "error", err)
	}
}
