package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextAttrsAppended(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Writer: &buf, Level: "debug"})

	ctx := ContextAttrs(context.Background(), slog.String("job_id", "j1"))
	l.With("component", "test").InfoContext(ctx, "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "hello", rec["msg"])
	require.Equal(t, "j1", rec["job_id"])
	require.Equal(t, "test", rec["component"])
}

func TestContextAttrsDoesNotAlias(t *testing.T) {
	base := ContextAttrs(context.Background(), slog.String("a", "1"))
	c1 := ContextAttrs(base, slog.String("b", "2"))
	c2 := ContextAttrs(base, slog.String("c", "3"))

	a1 := c1.Value(ctxKey{}).([]slog.Attr)
	a2 := c2.Value(ctxKey{}).([]slog.Attr)
	require.Len(t, a1, 2)
	require.Len(t, a2, 2)
	require.Equal(t, "b", a1[1].Key)
	require.Equal(t, "c", a2[1].Key)
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Writer: &buf, Level: "warn"})
	l.Info("dropped")
	require.Zero(t, buf.Len())
	l.Warn("kept")
	require.Contains(t, buf.String(), "kept")

	require.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
	require.Equal(t, slog.LevelDebug, ParseLevel(" DEBUG "))
}
