package lgr

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/mdobak/go-xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestJSONErrorCarriesStack(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "info", Writer: &buf})

	l.Error("spawn failed", slog.Any("error", xerrors.New("exec: not found")))

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))

	errAttr, ok := rec["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "exec: not found", errAttr["msg"])
	assert.NotEmpty(t, errAttr["trace"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "warn", Writer: &buf})

	l.Info("hidden")
	l.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestTraceIDsFromContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Writer: &buf})

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1, 2, 3},
		SpanID:  trace.SpanID{4, 5, 6},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.InfoContext(ctx, "frame processed")

	out := buf.String()
	assert.Contains(t, out, sc.TraceID().String())
	assert.Contains(t, out, sc.SpanID().String())
}

func TestPrettyOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Pretty: true, Writer: &buf, Level: "debug"})

	l.Debug("switch pipe toggled", slog.Int("live", 1))

	line := buf.String()
	assert.True(t, strings.Contains(line, "switch pipe toggled"))
	assert.Contains(t, line, `"live": 1`)
}
