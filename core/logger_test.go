package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(buf *bytes.Buffer, level int, format string) *ProductionLogger {
	return &ProductionLogger{
		out:        buf,
		level:      level,
		format:     format,
		timeFormat: "2006-01-02T15:04:05.000Z07:00",
		component:  "flex/test",
	}
}

func TestProductionLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, levelInfo, "json")

	logger.Info("Capability registered", map[string]interface{}{
		"operation":     "capability_register",
		"capability_id": "contentGenerator",
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "Capability registered", entry["message"])
	assert.Equal(t, "capability_register", entry["operation"])
	assert.Equal(t, "contentGenerator", entry["capability_id"])
	assert.Equal(t, "flex/test", entry["component"])
	assert.NotEmpty(t, entry["time"])
}

func TestProductionLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, levelWarn, "json")

	logger.Debug("dropped", nil)
	logger.Info("dropped", nil)
	assert.Zero(t, buf.Len())

	logger.Warn("kept", nil)
	assert.NotZero(t, buf.Len())
}

func TestProductionLoggerFlattensErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, levelInfo, "json")

	logger.Error("Store write failed", map[string]interface{}{
		"operation": "run_persist",
		"error":     errors.New("connection reset"),
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "connection reset", entry["error"])
}

func TestProductionLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, levelInfo, "text")

	logger.Info("Run started", map[string]interface{}{
		"operation": "run_start",
		"run_id":    "run-1",
	})

	line := buf.String()
	assert.Contains(t, line, "[INFO]")
	assert.Contains(t, line, "flex/test: Run started")
	assert.Contains(t, line, "operation=run_start")
	assert.Contains(t, line, "run_id=run-1")
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestWithComponentScopesLogger(t *testing.T) {
	var buf bytes.Buffer
	parent := newTestLogger(&buf, levelInfo, "json")

	child := parent.WithComponent("flex/registry")
	child.Info("scoped", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "flex/registry", entry["component"])
}

func TestNewProductionLoggerDevOverrides(t *testing.T) {
	logger := NewProductionLogger(
		LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		DevelopmentConfig{Enabled: true, DebugLogging: true, PrettyLogs: true},
		"flexd",
	)
	assert.Equal(t, levelDebug, logger.level)
	assert.Equal(t, "text", logger.format)
}
