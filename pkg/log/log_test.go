package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		level    Level
		expected slog.Level
	}{
		{name: "debug", level: DebugLevel, expected: slog.LevelDebug},
		{name: "info", level: InfoLevel, expected: slog.LevelInfo},
		{name: "warn", level: WarnLevel, expected: slog.LevelWarn},
		{name: "warning alias", level: "WARNING", expected: slog.LevelWarn},
		{name: "error", level: ErrorLevel, expected: slog.LevelError},
		{name: "unknown falls back to info", level: "verbose", expected: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.level))
		})
	}
}

func TestSetupWithOutput_Formats(t *testing.T) {
	var buf bytes.Buffer

	logger := SetupWithOutput(Config{Level: InfoLevel, Format: TextFormat}, &buf)
	require.NotNil(t, logger)
	logger.Info("stored memory", "memory_id", "abc123")
	assert.Contains(t, buf.String(), "stored memory")
	assert.Contains(t, buf.String(), "memory_id=abc123")

	buf.Reset()
	logger = SetupWithOutput(Config{Level: InfoLevel, Format: JSONFormat}, &buf)
	logger.Info("stored memory", "memory_id", "abc123")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "stored memory", entry["msg"])
	assert.Equal(t, "abc123", entry["memory_id"])
}

func TestLogLevels_Filtering(t *testing.T) {
	var buf bytes.Buffer

	logger := SetupWithOutput(Config{Level: WarnLevel, Format: TextFormat}, &buf)
	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")

	output := buf.String()
	assert.NotContains(t, output, "debug message")
	assert.NotContains(t, output, "info message")
	assert.Contains(t, output, "warn message")
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithOutput(Config{Level: DebugLevel, Format: TextFormat}, &buf)

	ctx := WithLogger(context.Background(), logger)
	FromContext(ctx).Info("context logger test")
	assert.Contains(t, buf.String(), "context logger test")

	buf.Reset()
	tagged := WithMemoryID(WithComponent(logger, "engine"), "deadbeef")
	tagged.Info("tagged")
	assert.Contains(t, buf.String(), "component=engine")
	assert.Contains(t, buf.String(), "memory_id=deadbeef")

	buf.Reset()
	DebugContext(ctx, "debug context")
	WarnContext(ctx, "warn context")
	assert.Contains(t, buf.String(), "debug context")
	assert.Contains(t, buf.String(), "warn context")
}

func TestFromContext_DefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	previous := slog.Default()
	defer slog.SetDefault(previous)

	slog.SetDefault(SetupWithOutput(Config{Level: DebugLevel}, &buf))

	Info("info global")
	ErrorContext(context.Background(), "error via default")

	assert.Contains(t, buf.String(), "info global")
	assert.Contains(t, buf.String(), "error via default")
}
