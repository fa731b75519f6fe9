package core

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultLoggingConfig(t *testing.T) {
	cfg := DefaultLoggingConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
}

func TestDefaultLoggingConfigEnvOverride(t *testing.T) {
	os.Setenv("FLEX_LOG_LEVEL", "debug")
	os.Setenv("FLEX_LOG_FORMAT", "text")
	defer os.Unsetenv("FLEX_LOG_LEVEL")
	defer os.Unsetenv("FLEX_LOG_FORMAT")

	cfg := DefaultLoggingConfig()
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
}

func TestEnvHelpers(t *testing.T) {
	t.Run("string fallback", func(t *testing.T) {
		assert.Equal(t, "fallback", getEnvString("FLEX_TEST_UNSET", "fallback"))
	})

	t.Run("int parses and falls back", func(t *testing.T) {
		os.Setenv("FLEX_TEST_INT", "42")
		defer os.Unsetenv("FLEX_TEST_INT")
		assert.Equal(t, 42, getEnvInt("FLEX_TEST_INT", 7))

		os.Setenv("FLEX_TEST_INT", "not-a-number")
		assert.Equal(t, 7, getEnvInt("FLEX_TEST_INT", 7))
	})

	t.Run("bool", func(t *testing.T) {
		os.Setenv("FLEX_TEST_BOOL", "true")
		defer os.Unsetenv("FLEX_TEST_BOOL")
		assert.True(t, getEnvBool("FLEX_TEST_BOOL", false))
	})

	t.Run("duration", func(t *testing.T) {
		os.Setenv("FLEX_TEST_DUR", "250ms")
		defer os.Unsetenv("FLEX_TEST_DUR")
		assert.Equal(t, 250*time.Millisecond, getEnvDuration("FLEX_TEST_DUR", time.Second))

		os.Setenv("FLEX_TEST_DUR", "bogus")
		assert.Equal(t, time.Second, getEnvDuration("FLEX_TEST_DUR", time.Second))
	})
}
