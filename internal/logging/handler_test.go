// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PayRelay Contributors

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("payrelay", "1.0.0", "json", "info", &buf)

	logger.Info("hello", "key", "value")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "hello", record["msg"])
	assert.Equal(t, "value", record["key"])
	assert.Equal(t, "payrelay", record["service"])
	assert.Equal(t, "1.0.0", record["version"])
	assert.NotContains(t, record, "trace_id")
}

func TestSetupText(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("payrelay", "dev", "text", "info", &buf)

	logger.Info("hello")

	out := buf.String()
	assert.Contains(t, out, "msg=hello")
	assert.Contains(t, out, "service=payrelay")
	assert.False(t, strings.HasPrefix(out, "{"))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("payrelay", "dev", "json", "warn", &buf)

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestTraceContext(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("payrelay", "dev", "json", "info", &buf)

	traceID := trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	spanID := trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.InfoContext(ctx, "traced")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, traceID.String(), record["trace_id"])
	assert.Equal(t, spanID.String(), record["span_id"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}

func TestWithAttrsKeepsIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("payrelay", "dev", "json", "info", &buf)

	logger.With("room_id", "pay_1").Info("scoped")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "pay_1", record["room_id"])
	assert.Equal(t, "payrelay", record["service"])
}
