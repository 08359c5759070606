package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewJSONRespectsLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := New(Config{Level: LevelInfo, Format: "json", Output: &buf})
	log.Debug("hidden")
	log.Info("compiled", "agents", 5)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, "compiled", rec["msg"])
	assert.Equal(t, float64(5), rec["agents"])
}

func TestNewText(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := New(Config{Level: LevelDebug, Format: "text", Output: &buf})
	log.Warn("stalled", "agent", 3)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "agent=3")
}

func TestOrNop(t *testing.T) {
	t.Parallel()
	assert.Equal(t, NoOpLogger{}, OrNop(nil))
	l := New(DefaultConfig())
	assert.Same(t, l, OrNop(l))
	assert.Equal(t, "WARN", LevelWarn.String())
}
