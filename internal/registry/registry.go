// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PayRelay Contributors

// Package registry owns the room and connection indexes: which connections
// belong to which room, and how to deliver an event to the right subset of
// them. It knows nothing about event semantics; routing decisions live in
// the relay package.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/payrelay/payrelay/internal/event"
	"github.com/payrelay/payrelay/internal/observability"
)

// DefaultSweepInterval is how often the defensive empty-room sweep runs.
const DefaultSweepInterval = 5 * time.Minute

// Sender is the outbound-send capability of one connection. The registry
// holds only a non-owning reference; the transport that created the sender
// owns it and may close it at any time. Send must never block on a slow
// peer: implementations enqueue and report failure instead.
type Sender interface {
	Send(data []byte) error
	IsOpen() bool
}

// Client is one connection's room membership record.
type Client struct {
	ID     string
	Role   event.Role
	RoomID string

	sender Sender
}

// Room is a lazily created group of clients sharing one payment session.
// A room with zero members never survives: it is deleted synchronously the
// moment its last member is removed.
type Room struct {
	ID        string
	Clients   map[string]*Client
	CreatedAt time.Time
}

// RoomStats describes one room in a stats snapshot.
type RoomStats struct {
	RoomID      string `json:"roomId"`
	ClientCount int    `json:"clientCount"`
	CreatedAt   int64  `json:"createdAt"`
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	TotalRooms   int         `json:"totalRooms"`
	TotalClients int         `json:"totalClients"`
	Rooms        []RoomStats `json:"rooms"`
}

// Registry tracks rooms and their member connections. All mutations and all
// reads used by Broadcast and Stats go through one mutex, so no half-removed
// member is ever delivered to or counted. Registry operations are total:
// absence is communicated through return values, never errors, because a
// room closing mid-call is a routine condition here.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]*Room
	clients map[string]*Client
}

// New creates an empty registry. Construct one per process (or per test)
// and inject it explicitly; there is no ambient instance.
func New() *Registry {
	return &Registry{
		rooms:   make(map[string]*Room),
		clients: make(map[string]*Client),
	}
}

// GetOrCreateRoom returns the room with the given id, creating an empty one
// on first sight. Room ids are opaque strings compared by exact equality.
func (r *Registry) GetOrCreateRoom(roomID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateRoomLocked(roomID)
}

func (r *Registry) getOrCreateRoomLocked(roomID string) *Room {
	room, ok := r.rooms[roomID]
	if !ok {
		room = &Room{
			ID:        roomID,
			Clients:   make(map[string]*Client),
			CreatedAt: time.Now(),
		}
		r.rooms[roomID] = room
		observability.SetActiveRooms(len(r.rooms))
		slog.Info("room created", "room_id", roomID)
	}
	return room
}

// AddClient inserts a connection into a room, creating the room if needed.
// This is a documented upsert: re-joining the same room replaces the stale
// entry (idempotent), and joining a different room while already a member
// elsewhere is an explicit re-affiliation - the old membership is removed
// first, deleting the old room if it empties.
func (r *Registry) AddClient(clientID string, role event.Role, roomID string, sender Sender) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.clients[clientID]; ok && existing.RoomID != roomID {
		r.removeClientLocked(clientID)
		slog.Info("client re-affiliated",
			"client_id", clientID,
			"old_room", existing.RoomID,
			"new_room", roomID,
		)
	}

	room := r.getOrCreateRoomLocked(roomID)
	client := &Client{
		ID:     clientID,
		Role:   role,
		RoomID: roomID,
		sender: sender,
	}
	room.Clients[clientID] = client
	r.clients[clientID] = client

	slog.Info("client joined room",
		"client_id", clientID,
		"role", role.String(),
		"room_id", roomID,
		"members", len(room.Clients),
	)
	return client
}

// RemoveClient removes a connection from both indexes. When the last member
// leaves, the room is deleted synchronously - there is no grace period.
// Unknown clients are a logged no-op; the transport calls this on every
// close regardless of prior join state.
func (r *Registry) RemoveClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeClientLocked(clientID)
}

func (r *Registry) removeClientLocked(clientID string) {
	client, ok := r.clients[clientID]
	if !ok {
		slog.Debug("remove called for unknown client", "client_id", clientID)
		return
	}

	if room, ok := r.rooms[client.RoomID]; ok {
		delete(room.Clients, clientID)
		slog.Info("client left room",
			"client_id", clientID,
			"room_id", client.RoomID,
			"members", len(room.Clients),
		)
		if len(room.Clients) == 0 {
			delete(r.rooms, client.RoomID)
			observability.SetActiveRooms(len(r.rooms))
			slog.Info("room deleted", "room_id", client.RoomID)
		}
	}

	delete(r.clients, clientID)
}

// ClientsInRoom returns the room's members in arbitrary order, or an empty
// slice when the room does not exist.
func (r *Registry) ClientsInRoom(roomID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	clients := make([]*Client, 0, len(room.Clients))
	for _, c := range room.Clients {
		clients = append(clients, c)
	}
	return clients
}

// IsClientInRoom reports whether the connection is currently a member of
// the given room.
func (r *Registry) IsClientInRoom(clientID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[clientID]
	return ok && client.RoomID == roomID
}

// RoomExists reports whether the room currently has any members. Because
// empty rooms are deleted synchronously, existence implies membership.
func (r *Registry) RoomExists(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[roomID]
	return ok
}

// Broadcast delivers an event to every member of the room except excludeID.
// The event is marshaled once; each delivery is an enqueue onto the member's
// owned outbound channel. A failed or closed member is logged and skipped
// without aborting delivery to the rest, and is never removed here - removal
// happens only via the transport's own close signal. Returns the number of
// successful deliveries. An absent room yields 0 with a warning; that is a
// routine condition, not an error.
func (r *Registry) Broadcast(roomID string, evt any, excludeID string) int {
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Error("failed to marshal broadcast event", "room_id", roomID, "error", err)
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		slog.Warn("broadcast to nonexistent room", "room_id", roomID)
		return 0
	}

	delivered := 0
	for clientID, client := range room.Clients {
		if clientID == excludeID {
			continue
		}
		if !client.sender.IsOpen() {
			observability.RecordDeliveryFailure("closed")
			slog.Debug("skipping closed client", "client_id", clientID, "room_id", roomID)
			continue
		}
		if err := client.sender.Send(data); err != nil {
			observability.RecordDeliveryFailure("send_error")
			slog.Warn("failed to deliver event",
				"client_id", clientID,
				"room_id", roomID,
				"error", err,
			)
			continue
		}
		delivered++
	}

	observability.RecordBroadcastDeliveries(delivered)
	slog.Debug("event broadcast", "room_id", roomID, "delivered", delivered)
	return delivered
}

// SendToClient delivers an event to exactly one connection. Returns false
// (and logs) when the client is unknown or its transport has closed.
func (r *Registry) SendToClient(clientID string, evt any) bool {
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Error("failed to marshal unicast event", "client_id", clientID, "error", err)
		return false
	}

	r.mu.RLock()
	client, ok := r.clients[clientID]
	r.mu.RUnlock()

	if !ok || !client.sender.IsOpen() {
		slog.Warn("unicast to unavailable client", "client_id", clientID)
		return false
	}

	if err := client.sender.Send(data); err != nil {
		observability.RecordDeliveryFailure("send_error")
		slog.Warn("failed to deliver event", "client_id", clientID, "error", err)
		return false
	}
	return true
}

// Stats returns a snapshot of room and connection counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]RoomStats, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, RoomStats{
			RoomID:      room.ID,
			ClientCount: len(room.Clients),
			CreatedAt:   room.CreatedAt.UnixMilli(),
		})
	}

	return Stats{
		TotalRooms:   len(r.rooms),
		TotalClients: len(r.clients),
		Rooms:        rooms,
	}
}

// EvictEmptyRooms removes any room whose member count is zero and returns
// how many were removed. Synchronous deletion should make this a no-op; it
// guards against missed removals. Only rooms observed empty at the moment
// of the check are deleted, so rooms created concurrently are untouched.
func (r *Registry) EvictEmptyRooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for roomID, room := range r.rooms {
		if len(room.Clients) == 0 {
			delete(r.rooms, roomID)
			evicted++
			slog.Warn("evicted empty room", "room_id", roomID)
		}
	}
	if evicted > 0 {
		observability.SetActiveRooms(len(r.rooms))
	}
	return evicted
}

// RunSweeper runs the periodic empty-room sweep until the context is
// cancelled, logging registry stats on every second tick. Call it in its
// own goroutine.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			slog.Debug("room sweeper stopped")
			return
		case <-ticker.C:
			if evicted := r.EvictEmptyRooms(); evicted > 0 {
				slog.Info("room sweep removed empty rooms", "evicted", evicted)
			}
			tick++
			if tick%2 == 0 {
				stats := r.Stats()
				slog.Info("registry stats",
					"total_rooms", stats.TotalRooms,
					"total_clients", stats.TotalClients,
				)
			}
		}
	}
}
