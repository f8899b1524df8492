// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PayRelay Contributors

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/payrelay/payrelay/internal/event"
	"github.com/payrelay/payrelay/internal/logging"
	"github.com/payrelay/payrelay/internal/registry"
)

type recordingSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordingSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, data)
	return nil
}

func (s *recordingSender) IsOpen() bool { return true }

func (s *recordingSender) envelopes(t *testing.T) []event.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Envelope, len(s.frames))
	for i, frame := range s.frames {
		require.NoError(t, json.Unmarshal(frame, &out[i]))
	}
	return out
}

func TestRouteJoinRoom(t *testing.T) {
	reg := registry.New()
	router := NewRouter(reg)
	initiator := &recordingSender{}

	router.Route(context.Background(), []byte(`{"type":"JOIN_ROOM","payload":{"roomId":"pay_1","deviceId":"d1"}}`), "init-1", initiator)

	t.Run("membership is registered", func(t *testing.T) {
		assert.True(t, reg.IsClientInRoom("init-1", "pay_1"))
	})

	t.Run("confirmation goes to the joiner only", func(t *testing.T) {
		got := initiator.envelopes(t)
		require.Len(t, got, 1)
		assert.Equal(t, event.TypeRoomJoined, got[0].Type)

		var payload event.RoomJoinedPayload
		require.NoError(t, json.Unmarshal(got[0].Payload, &payload))
		assert.Equal(t, "pay_1", payload.RoomID)
		assert.Equal(t, "d1", payload.DeviceID)
		assert.Equal(t, "init-1", payload.ClientID)
		assert.Positive(t, payload.Timestamp)
	})

	t.Run("join is not broadcast to existing members", func(t *testing.T) {
		other := &recordingSender{}
		reg.AddClient("bystander", event.RoleResponder, "pay_1", other)

		router.Route(context.Background(), []byte(`{"type":"JOIN_ROOM","payload":{"roomId":"pay_1","deviceId":"d9"}}`), "init-2", &recordingSender{})
		assert.Empty(t, other.frames)
	})
}

func TestRouteLifecycle(t *testing.T) {
	reg := registry.New()
	router := NewRouter(reg)

	initiator := &recordingSender{}
	router.Route(context.Background(), []byte(`{"type":"JOIN_ROOM","payload":{"roomId":"pay_1","deviceId":"d1"}}`), "init-1", initiator)
	initiator.mu.Lock()
	initiator.frames = nil
	initiator.mu.Unlock()

	responder := &recordingSender{}
	raw := []byte(`{"type":"PAYMENT_SUCCESS","payload":{"roomId":"pay_1","deviceId":"d2","transactionId":"tx-7","amount":150.5}}`)
	router.Route(context.Background(), raw, "resp-1", responder)

	t.Run("first lifecycle event joins the sender lazily", func(t *testing.T) {
		assert.True(t, reg.IsClientInRoom("resp-1", "pay_1"))
	})

	t.Run("payload reaches other members verbatim", func(t *testing.T) {
		got := initiator.envelopes(t)
		require.Len(t, got, 1)
		assert.Equal(t, event.TypePaymentSuccess, got[0].Type)
		assert.JSONEq(t,
			`{"roomId":"pay_1","deviceId":"d2","transactionId":"tx-7","amount":150.5}`,
			string(got[0].Payload),
		)
	})

	t.Run("sender gets no echo", func(t *testing.T) {
		assert.Empty(t, responder.frames)
	})

	t.Run("subsequent events do not re-register", func(t *testing.T) {
		router.Route(context.Background(), []byte(`{"type":"DATA_FILLED","payload":{"roomId":"pay_1","deviceId":"d2"}}`), "resp-1", responder)
		assert.Len(t, reg.ClientsInRoom("pay_1"), 2)
		assert.Len(t, initiator.envelopes(t), 2)
	})
}

func TestRouteLifecycleEmptyRoom(t *testing.T) {
	// A lifecycle event into a room with no one else creates the room,
	// joins the sender, and delivers nothing. Not an error.
	reg := registry.New()
	router := NewRouter(reg)
	responder := &recordingSender{}

	router.Route(context.Background(), []byte(`{"type":"ENTERED_SUMMARY","payload":{"roomId":"pay_solo","deviceId":"d2"}}`), "resp-1", responder)

	assert.True(t, reg.IsClientInRoom("resp-1", "pay_solo"))
	assert.Empty(t, responder.frames)
}

// faultySender panics on its first Send, then behaves like recordingSender.
type faultySender struct {
	recordingSender
	tripped bool
}

func (s *faultySender) Send(data []byte) error {
	s.mu.Lock()
	first := !s.tripped
	s.tripped = true
	s.mu.Unlock()
	if first {
		panic("transport wedged")
	}
	return s.recordingSender.Send(data)
}

func TestRoutePanicRecovery(t *testing.T) {
	reg := registry.New()
	router := NewRouter(reg)
	sender := &faultySender{}

	// The confirmation unicast hits the panicking Send; the boundary must
	// recover and answer with a generic error instead of crashing.
	router.Route(context.Background(), []byte(`{"type":"JOIN_ROOM","payload":{"roomId":"pay_1","deviceId":"d1"}}`), "init-1", sender)

	got := sender.envelopes(t)
	require.Len(t, got, 1)
	assert.Equal(t, event.TypeError, got[0].Type)

	var payload event.ErrorPayload
	require.NoError(t, json.Unmarshal(got[0].Payload, &payload))
	assert.Equal(t, "internal server error", payload.Message)

	t.Run("connection keeps receiving after recovery", func(t *testing.T) {
		// Membership was registered before the panic, so a lifecycle event
		// from the other peer still reaches this sender.
		router.Route(context.Background(), []byte(`{"type":"CLICKED_PAY","payload":{"roomId":"pay_1","deviceId":"d2"}}`), "resp-1", &recordingSender{})

		got := sender.envelopes(t)
		require.Len(t, got, 2)
		assert.Equal(t, event.TypeClickedPay, got[1].Type)
	})
}

func TestRouteLogsCarryTraceContext(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(logging.Setup("payrelay", "test", "json", "info", &buf))
	defer slog.SetDefault(prev)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0xaa, 0xbb, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14},
		SpanID:  trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	router := NewRouter(registry.New())
	router.Route(ctx, []byte(`{"type":"JOIN_ROOM","payload":{"roomId":"pay_1","deviceId":"d1"}}`), "init-1", &recordingSender{})

	joined := false
	for _, line := range bytes.Split(buf.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var record map[string]any
		require.NoError(t, json.Unmarshal(line, &record))
		if record["msg"] == "initiator joined room" {
			joined = true
			assert.Equal(t, sc.TraceID().String(), record["trace_id"])
		}
	}
	assert.True(t, joined, "expected the join to be logged")
}

func TestRouteRejections(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantMessage string
	}{
		{
			name:        "invalid json",
			raw:         `{not json`,
			wantMessage: "invalid event format",
		},
		{
			name:        "missing type",
			raw:         `{"payload":{"roomId":"pay_1"}}`,
			wantMessage: "invalid event format",
		},
		{
			name:        "missing room id",
			raw:         `{"type":"CLICKED_PAY","payload":{"deviceId":"d2"}}`,
			wantMessage: "invalid event format",
		},
		{
			name:        "unknown type",
			raw:         `{"type":"REFUND_REQUESTED","payload":{"roomId":"pay_1"}}`,
			wantMessage: "unsupported event type: REFUND_REQUESTED",
		},
		{
			name:        "server-origin type from a client",
			raw:         `{"type":"ROOM_JOINED","payload":{"roomId":"pay_1"}}`,
			wantMessage: "unsupported event type: ROOM_JOINED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := registry.New()
			router := NewRouter(reg)
			sender := &recordingSender{}

			router.Route(context.Background(), []byte(tt.raw), "c-1", sender)

			got := sender.envelopes(t)
			require.Len(t, got, 1)
			assert.Equal(t, event.TypeError, got[0].Type)

			var payload event.ErrorPayload
			require.NoError(t, json.Unmarshal(got[0].Payload, &payload))
			assert.Equal(t, tt.wantMessage, payload.Message)

			// A rejected frame never creates membership.
			assert.Equal(t, 0, reg.Stats().TotalClients)
		})
	}
}
