package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"DEBUG", DEBUG},
		{"info", INFO},
		{"warning", WARN},
		{"error", ERROR},
		{"fatal", FATAL},
		{"nonsense", INFO},
		{"", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Format: "json", Component: "jobs", Output: &buf})

	logger.WithField("job_id", "abc").Info("Job started", map[string]interface{}{"command": "gather"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Job started", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "jobs", entry["component"])
	assert.Equal(t, "abc", entry["job_id"])
	assert.Equal(t, "gather", entry["command"])
	assert.Contains(t, entry, "time")
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WARN, &buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "shown")
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "debug", Format: "console", Output: &buf})
	logger.Debug("console line", map[string]interface{}{"k": "v"})

	out := buf.String()
	assert.Contains(t, out, "console line")
	assert.Contains(t, out, "k=v")
}

func TestGenerateLogrotateConfig(t *testing.T) {
	cfg := GenerateLogrotateConfig("server")
	assert.Contains(t, cfg, "/var/log/playscope/server/*.log")
	assert.Contains(t, cfg, "systemctl reload playscope-server")
}
