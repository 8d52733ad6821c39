package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/marketsync/errors"
)

func TestLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "info", Format: "json", Output: &buf})
	logger.WithComponent("queue").WithMarketplace("mp-1").Info("enqueued", slog.Int("size", 3))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "enqueued", rec["msg"])
	assert.Equal(t, "queue", rec["component"])
	assert.Equal(t, "mp-1", rec["marketplace_id"])
	assert.EqualValues(t, 3, rec["size"])

	buf.Reset()
	text := NewLogger(Config{Level: "debug", Format: "text", Output: &buf})
	text.Debug("visible")
	assert.Contains(t, buf.String(), "msg=visible")
}

func TestLogErrorIncludesSyncError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Format: "json", Output: &buf})

	syncErr := errors.NewPermanentError("mp-2", fmt.Errorf("422 invalid sku"))
	logger.LogError(context.Background(), fmt.Errorf("execute: %w", syncErr), "operation failed")

	out := buf.String()
	assert.Contains(t, out, `"kind":"permanent"`)
	assert.Contains(t, out, `"marketplace_id":"mp-2"`)
	assert.Contains(t, out, `"caller"`)
}

func TestLogOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Format: "text", Output: &buf})

	err := logger.LogOperation(context.Background(), "resolve", "resolver", func() error { return nil })
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "operation completed")

	boom := fmt.Errorf("boom")
	err = logger.LogOperation(context.Background(), "resolve", "resolver", func() error { return boom })
	assert.Equal(t, boom, err)
	assert.Contains(t, buf.String(), "operation failed")
}

func TestTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Format: "text", Output: &buf})
	logger.Trace(context.Background(), "hidden")
	assert.Empty(t, buf.String())

	logger = NewLogger(Config{Level: "trace", Format: "text", Output: &buf})
	logger.Trace(context.Background(), "very verbose")
	assert.Contains(t, buf.String(), "very verbose")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("MARKETSYNC_LOG_LEVEL", "WARN")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("MARKETSYNC_LOG_FORMAT", "")
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("LOG_ADD_SOURCE", "")

	cfg := ApplyEnv(DefaultConfig)
	assert.Equal(t, "warn", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.True(t, cfg.AddSource)

	t.Setenv("ENVIRONMENT", "")
	t.Setenv("MARKETSYNC_LOG_LEVEL", "")
	t.Setenv("LOG_LEVEL", "")
	file := Config{Level: "error", Format: "json"}
	assert.Equal(t, file, ApplyEnv(file), "an empty environment leaves the file settings alone")
}
