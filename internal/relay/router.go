// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PayRelay Contributors

// Package relay implements the websocket relay boundary and the event
// router: the connection lifecycle, frame decoding, and the per-event-type
// behavior that decides whether to register membership, reply directly, or
// fan an event out to a room.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/payrelay/payrelay/internal/event"
	"github.com/payrelay/payrelay/internal/observability"
	"github.com/payrelay/payrelay/internal/registry"
)

var tracer = otel.Tracer("payrelay/relay")

// Router classifies inbound events and dispatches them. A JOIN_ROOM from
// the initiator registers membership and is answered with a direct
// confirmation, never a broadcast. Lifecycle events from the responder join
// the sender lazily on first sight, then fan out verbatim to every other
// member of the room.
type Router struct {
	registry *registry.Registry
	metrics  *observability.Metrics // optional, can be nil
}

// RouterOption configures a Router during construction.
type RouterOption func(*Router)

// WithMetrics configures the router to record per-event-type metrics.
func WithMetrics(m *observability.Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

// NewRouter creates an event router bound to the given registry.
func NewRouter(reg *registry.Registry, opts ...RouterOption) *Router {
	r := &Router{registry: reg}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route processes one inbound frame from a connection. Every failure mode
// here is per-message: the sender gets a direct ERROR event and the
// connection stays open. A panic in handling is caught at this boundary.
func (r *Router) Route(ctx context.Context, raw []byte, clientID string, sender registry.Sender) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic while routing event", "client_id", clientID, "panic", rec)
			replyError(sender, "internal server error")
		}
	}()

	env, err := event.Decode(raw)
	if err != nil {
		observability.RecordEventError("malformed_frame")
		slog.Warn("rejected malformed frame", "client_id", clientID, "error", err)
		replyError(sender, "invalid event format")
		return
	}

	role, err := event.ClassifyRole(env.Type)
	if err != nil {
		observability.RecordEventError("unknown_type")
		slog.Warn("rejected unknown event type",
			"client_id", clientID,
			"type", string(env.Type),
		)
		replyError(sender, "unsupported event type: "+string(env.Type))
		return
	}

	ctx, span := tracer.Start(ctx, "relay.route",
		trace.WithAttributes(
			attribute.String("event.type", string(env.Type)),
			attribute.String("client.id", clientID),
			attribute.String("room.id", env.RoomID),
		),
	)
	defer span.End()

	if r.metrics != nil {
		r.metrics.EventsTotal.WithLabelValues(string(env.Type)).Inc()
	}

	switch role {
	case event.RoleInitiator:
		r.handleJoinRoom(ctx, env, clientID, sender)
	case event.RoleResponder:
		r.handleLifecycle(ctx, env, clientID, sender)
	}
}

// handleJoinRoom registers the sender as the initiator member of the target
// room and confirms with a direct ROOM_JOINED. The room is never notified.
func (r *Router) handleJoinRoom(ctx context.Context, env event.Envelope, clientID string, sender registry.Sender) {
	r.registry.AddClient(clientID, event.RoleInitiator, env.RoomID, sender)

	confirmation := event.NewRoomJoined(env.RoomID, env.DeviceID, clientID)
	r.registry.SendToClient(clientID, confirmation)

	slog.InfoContext(ctx, "initiator joined room",
		"client_id", clientID,
		"room_id", env.RoomID,
		"device_id", env.DeviceID,
	)
}

// handleLifecycle relays a payment-lifecycle event to every other member of
// its room. The responder never sends an explicit join: its first event
// affiliates it with the room as a side effect. PAYMENT_SUCCESS and
// PAYMENT_ERROR get no special treatment; room closure is left to natural
// membership drain.
func (r *Router) handleLifecycle(ctx context.Context, env event.Envelope, clientID string, sender registry.Sender) {
	if !r.registry.IsClientInRoom(clientID, env.RoomID) {
		r.registry.AddClient(clientID, event.RoleResponder, env.RoomID, sender)
	}

	delivered := r.registry.Broadcast(env.RoomID, env, clientID)

	slog.InfoContext(ctx, "lifecycle event relayed",
		"type", string(env.Type),
		"client_id", clientID,
		"room_id", env.RoomID,
		"delivered", delivered,
	)
}

// replyError sends a direct ERROR event on the sender's own capability.
// It bypasses the registry because the sender may not be a member yet.
func replyError(sender registry.Sender, message string) {
	data, _ := json.Marshal(event.NewError(message))
	if err := sender.Send(data); err != nil {
		slog.Debug("failed to deliver error reply", "error", err)
	}
}
