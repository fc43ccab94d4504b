package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"HELIOS_LOG_LEVEL", "HELIOS_NATS_URL", "OTEL_EXPORTER_OTLP_ENDPOINT", "HELIOS_BLOB_CONNECTION_STRING"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "helios", cfg.ServiceName)
	assert.Equal(t, "helios.jobreports", cfg.NATSSubject)
	assert.Equal(t, 1.0, cfg.SampleRatio)
	assert.False(t, cfg.TracingEnabled())
	assert.False(t, cfg.NATSEnabled())
	assert.False(t, cfg.BlobEnabled())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("HELIOS_LOG_LEVEL", "debug")
	t.Setenv("HELIOS_NATS_URL", "nats://127.0.0.1:4222")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "127.0.0.1:4318")
	t.Setenv("HELIOS_TRACE_SAMPLE_RATIO", "0.25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.NATSEnabled())
	assert.True(t, cfg.TracingEnabled())
	assert.Equal(t, 0.25, cfg.SampleRatio)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("HELIOS_TRACE_SAMPLE_RATIO", "often")
	_, err := Load()
	assert.Error(t, err)
}
