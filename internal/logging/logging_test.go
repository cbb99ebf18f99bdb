package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warning", LevelWarn},
		{"Error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelDebug, Format: FormatJSON, Output: &buf})

	log.WithComponent("dispatch").
		WithFields(map[string]any{"thread": 7}).
		WithError(errors.New("boom")).
		Warn("event set %d dropped", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "dispatch", rec["component"])
	assert.Equal(t, float64(7), rec["thread"])
	assert.Equal(t, "boom", rec["error"])
	assert.Equal(t, "event set 3 dropped", rec["msg"])
	assert.Equal(t, "warning", rec["level"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelWarn, Output: &buf})
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	log.Error("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestFromEnv(t *testing.T) {
	t.Setenv("VMDEBUG_LOG_LEVEL", "debug")
	t.Setenv("VMDEBUG_LOG_FORMAT", "JSON")
	cfg := FromEnv()
	assert.Equal(t, LevelDebug, cfg.Level)
	assert.Equal(t, FormatJSON, cfg.Format)
}
