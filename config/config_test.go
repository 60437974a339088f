package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBusConfig(t *testing.T) {
	cfg := DefaultBusConfig()
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.False(t, cfg.DebugMsgTrace)
	assert.True(t, cfg.EnableMetrics)
	assert.False(t, cfg.EnableTracing)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.False(t, cfg.RecoverHandlerPanics)
	assert.Equal(t, 64, cfg.QueueCapacityHint)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: DEBUG
debug_msg_trace: true
enable_tracing: true
otlp_endpoint: collector:4317
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.True(t, cfg.DebugMsgTrace)
	assert.True(t, cfg.EnableTracing)
	assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
	// Untouched fields keep their defaults.
	assert.True(t, cfg.EnableMetrics)
	assert.Equal(t, 64, cfg.QueueCapacityHint)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "log_level: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsNegativeQueueHint(t *testing.T) {
	path := writeConfig(t, "queue_capacity_hint: -1")
	_, err := Load(path)
	assert.Error(t, err)
}
