package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

func TestSetupInstallsProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	cfg := DefaultConfig("helios-test")
	cfg.ProcessName = "RECO"

	// the exporter connects lazily, so no collector is needed
	p, err := Setup(context.Background(), cfg, nil)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "span")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	_ = p.Shutdown()
}

func TestSetupRejectsBadRatio(t *testing.T) {
	cfg := DefaultConfig("helios-test")
	cfg.SampleRatio = 1.5
	_, err := Setup(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestAttributes(t *testing.T) {
	cfg := DefaultConfig("helios")
	attrs := cfg.attributes()
	assert.Len(t, attrs, 3)

	cfg.ProcessName = "RECO"
	cfg.WorkerIndex = 2
	attrs = cfg.attributes()
	assert.Contains(t, attrs, attribute.String("helios.process", "RECO"))
	assert.Contains(t, attrs, attribute.Int("helios.worker_index", 2))
}
