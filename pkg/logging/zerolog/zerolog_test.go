package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("msg") }, "debug"},
		{"info", func(l *Logger) { l.Info("msg") }, "info"},
		{"warn", func(l *Logger) { l.Warn("msg") }, "warn"},
		{"error", func(l *Logger) { l.Error("msg") }, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewLogger(zerolog.New(&buf)))
			line := decodeLine(t, &buf)
			assert.Equal(t, tt.level, line["level"])
			assert.Equal(t, "msg", line["message"])
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))

	logger.Info("usage recorded",
		logging.Workspace("ws_1"),
		logging.Meter("ai_credits"),
		logging.F("total", 3.5),
		logging.Err(errors.New("boom")),
	)

	line := decodeLine(t, &buf)
	assert.Equal(t, "ws_1", line["workspace_id"])
	assert.Equal(t, "ai_credits", line["meter"])
	assert.Equal(t, 3.5, line["total"])
	assert.Equal(t, "boom", line["error"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))

	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.NotZero(t, buf.Len())
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf)).With(logging.Queue("billing-events"))

	logger.Info("polling")

	line := decodeLine(t, &buf)
	assert.Equal(t, "billing-events", line["queue"])
}

func TestOrNoop(t *testing.T) {
	assert.IsType(t, &logging.NoopLogger{}, logging.OrNoop(nil))

	l := NewLogger(zerolog.Nop())
	assert.Same(t, l, logging.OrNoop(l))
}
