// Package event defines the wire protocol shared by both payment peers:
// the closed set of event types, the JSON envelope they travel in, and the
// role classification that decides how the relay routes each one.
package event

import (
	"encoding/json"
	"time"

	"github.com/samber/oops"
)

// Type identifies the kind of event crossing the relay.
type Type string

// Client-originated event types.
const (
	// TypeJoinRoom is sent by the link generator to claim a room.
	TypeJoinRoom Type = "JOIN_ROOM"

	// Payment lifecycle events, sent by the payment processor.
	TypeEnteredSummary       Type = "ENTERED_SUMMARY"
	TypeClickedProceed       Type = "CLICKED_PROCEED"
	TypePaymentMethodChanged Type = "PAYMENT_METHOD_CHANGED"
	TypeDataFilled           Type = "DATA_FILLED"
	TypeClickedPay           Type = "CLICKED_PAY"
	TypePaymentSuccess       Type = "PAYMENT_SUCCESS"
	TypePaymentError         Type = "PAYMENT_ERROR"
)

// Server-originated event types.
const (
	TypeRoomJoined            Type = "ROOM_JOINED"
	TypeError                 Type = "ERROR"
	TypeConnectionEstablished Type = "CONNECTION_ESTABLISHED"
)

// Role identifies which peer is allowed to send an event type.
type Role uint8

const (
	// RoleInitiator is the peer that generates the payment link. It only
	// ever joins a room and listens.
	RoleInitiator Role = iota

	// RoleResponder is the peer performing the payment steps. It emits the
	// lifecycle events.
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// Envelope is the wire form of every event: a type tag plus a payload whose
// shape is determined by the tag. Envelopes are immutable; the relay forwards
// the payload bytes verbatim and never rewrites a received event.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`

	// RoomID and DeviceID are extracted from the payload during Decode for
	// routing. They are not re-serialized; the original payload bytes are.
	RoomID   string `json:"-"`
	DeviceID string `json:"-"`
}

// routingFields are the payload fields the relay itself needs to route an
// event. Everything else in the payload is opaque to the relay.
type routingFields struct {
	RoomID   string `json:"roomId"`
	DeviceID string `json:"deviceId"`
}

// RoomJoinedPayload confirms a successful room join to the initiator.
type RoomJoinedPayload struct {
	RoomID    string `json:"roomId"`
	DeviceID  string `json:"deviceId"`
	ClientID  string `json:"clientId"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorPayload is a direct error reply to a single sender.
type ErrorPayload struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ConnectionEstablishedPayload greets a freshly accepted connection.
type ConnectionEstablishedPayload struct {
	ClientID        string   `json:"clientId"`
	Message         string   `json:"message"`
	Timestamp       int64    `json:"timestamp"`
	SupportedEvents []string `json:"supportedEvents"`
}

// ControlBroadcastPayload is the payload of an event injected through the
// control-plane API rather than by a connected peer.
type ControlBroadcastPayload struct {
	Message   string `json:"message"`
	IDSeguro  string `json:"idSeguro"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

// SourceControlPlane marks events injected via the control-plane API.
const SourceControlPlane = "control-plane"

// ClassifyRole returns the role permitted to send the given event type.
// Types outside the closed client-event set are a classification failure;
// this is the mandatory default arm of the routing switch.
func ClassifyRole(t Type) (Role, error) {
	switch t {
	case TypeJoinRoom:
		return RoleInitiator, nil
	case TypeEnteredSummary, TypeClickedProceed, TypePaymentMethodChanged,
		TypeDataFilled, TypeClickedPay, TypePaymentSuccess, TypePaymentError:
		return RoleResponder, nil
	default:
		return 0, oops.
			Code("UNKNOWN_EVENT_TYPE").
			With("type", string(t)).
			Errorf("unknown event type %q", string(t))
	}
}

// Decode parses a raw inbound frame into an Envelope and validates its
// structure: a JSON object with a non-empty type tag and an object payload.
// For recognized client types the payload must embed a roomId. A decode
// failure is a per-message error, never a connection failure.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, oops.
			Code("MALFORMED_FRAME").
			Wrapf(err, "frame is not a valid event object")
	}

	if env.Type == "" {
		return Envelope{}, oops.
			Code("MALFORMED_FRAME").
			Errorf("event is missing a type tag")
	}

	if len(env.Payload) == 0 {
		return Envelope{}, oops.
			Code("MALFORMED_FRAME").
			With("type", string(env.Type)).
			Errorf("event is missing a payload")
	}

	var fields routingFields
	if err := json.Unmarshal(env.Payload, &fields); err != nil {
		return Envelope{}, oops.
			Code("MALFORMED_FRAME").
			With("type", string(env.Type)).
			Wrapf(err, "event payload is not an object")
	}
	env.RoomID = fields.RoomID
	env.DeviceID = fields.DeviceID

	// Room-scoped client events must name their room. Unknown types pass
	// through here; the router rejects them on classification instead.
	if _, err := ClassifyRole(env.Type); err == nil && env.RoomID == "" {
		return Envelope{}, oops.
			Code("MALFORMED_FRAME").
			With("type", string(env.Type)).
			Errorf("event payload is missing roomId")
	}

	return env, nil
}

// SupportedTypes lists every client event type, in protocol order. Sent to
// each new connection in the welcome event.
func SupportedTypes() []string {
	return []string{
		string(TypeJoinRoom),
		string(TypeEnteredSummary),
		string(TypeClickedProceed),
		string(TypePaymentMethodChanged),
		string(TypeDataFilled),
		string(TypeClickedPay),
		string(TypePaymentSuccess),
		string(TypePaymentError),
	}
}

// nowMillis returns the current wall clock in milliseconds since epoch.
// Every server-constructed event gets a fresh capture-time value; timestamps
// are never copied from the triggering inbound event.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewRoomJoined builds the confirmation event unicast to an initiator after
// a successful JOIN_ROOM.
func NewRoomJoined(roomID, deviceID, clientID string) Envelope {
	payload, _ := json.Marshal(RoomJoinedPayload{
		RoomID:    roomID,
		DeviceID:  deviceID,
		ClientID:  clientID,
		Timestamp: nowMillis(),
	})
	return Envelope{Type: TypeRoomJoined, Payload: payload, RoomID: roomID}
}

// NewError builds a direct error reply.
func NewError(message string) Envelope {
	payload, _ := json.Marshal(ErrorPayload{
		Message:   message,
		Timestamp: nowMillis(),
	})
	return Envelope{Type: TypeError, Payload: payload}
}

// NewConnectionEstablished builds the welcome event for a new connection.
func NewConnectionEstablished(clientID string) Envelope {
	payload, _ := json.Marshal(ConnectionEstablishedPayload{
		ClientID:        clientID,
		Message:         "websocket connection established",
		Timestamp:       nowMillis(),
		SupportedEvents: SupportedTypes(),
	})
	return Envelope{Type: TypeConnectionEstablished, Payload: payload}
}

// NewControlBroadcast builds a synthetic event from control-plane caller
// fields. The source marker distinguishes it from peer-originated events.
func NewControlBroadcast(eventType, message, idSeguro string) Envelope {
	payload, _ := json.Marshal(ControlBroadcastPayload{
		Message:   message,
		IDSeguro:  idSeguro,
		Timestamp: nowMillis(),
		Source:    SourceControlPlane,
	})
	return Envelope{Type: Type(eventType), Payload: payload}
}
