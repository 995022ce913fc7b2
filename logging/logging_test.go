package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo)

	ctx := WithJobID(context.Background(), "j1")
	ctx = ContextAttrs(ctx, slog.String("request_id", "r1"))
	logger.With("component", "test").InfoContext(ctx, "Processing job")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "Processing job", rec["msg"])
	assert.Equal(t, "j1", rec["job_id"])
	assert.Equal(t, "r1", rec["request_id"])
	assert.Equal(t, "test", rec["component"])
}

func TestContextAttrsDoesNotLeakBetweenChildren(t *testing.T) {
	parent := ContextAttrs(context.Background(), slog.String("a", "1"))
	left := ContextAttrs(parent, slog.String("b", "2"))
	right := ContextAttrs(parent, slog.String("c", "3"))

	assert.Len(t, left.Value(attrsKey).([]slog.Attr), 2)
	assert.Len(t, right.Value(attrsKey).([]slog.Attr), 2)
	assert.Equal(t, "c", right.Value(attrsKey).([]slog.Attr)[1].Key)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelWarn)
	logger.Info("hidden")
	assert.Zero(t, buf.Len())
	logger.Warn("shown")
	assert.NotZero(t, buf.Len())
}

func TestContextHandlerKeepsAttrsThroughGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil))).WithGroup("sim")

	logger.InfoContext(WithJobID(context.Background(), "j2"), "Job finished", "dps", 1.5)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	group, ok := rec["sim"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "j2", group["job_id"])
	assert.Equal(t, 1.5, group["dps"])
}
