// Package config reads the process environment of the helios executable.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Runtime holds settings that come from the environment rather than from
// the job configuration.
type Runtime struct {
	LogLevel  string `env:"HELIOS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"HELIOS_LOG_FORMAT" envDefault:"json"`

	ServiceName  string  `env:"OTEL_SERVICE_NAME" envDefault:"helios"`
	OTLPEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	SampleRatio  float64 `env:"HELIOS_TRACE_SAMPLE_RATIO" envDefault:"1.0"`

	NATSURL     string `env:"HELIOS_NATS_URL" envDefault:""`
	NATSSubject string `env:"HELIOS_NATS_SUBJECT" envDefault:"helios.jobreports"`

	BlobConnectionString string `env:"HELIOS_BLOB_CONNECTION_STRING" envDefault:""`
	BlobContainer        string `env:"HELIOS_BLOB_CONTAINER" envDefault:"jobreports"`
	BlobPrefix           string `env:"HELIOS_BLOB_PREFIX" envDefault:""`

	SentryDSN   string `env:"SENTRY_DSN" envDefault:""`
	Environment string `env:"HELIOS_ENVIRONMENT" envDefault:"development"`
}

// Load parses the runtime settings from the environment
func Load() (*Runtime, error) {
	var cfg Runtime
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse runtime config: %w", err)
	}
	return &cfg, nil
}

// TracingEnabled reports whether spans are exported
func (r *Runtime) TracingEnabled() bool { return r.OTLPEndpoint != "" }

// NATSEnabled reports whether job reports are published on NATS
func (r *Runtime) NATSEnabled() bool { return r.NATSURL != "" }

// BlobEnabled reports whether job reports are uploaded to blob storage
func (r *Runtime) BlobEnabled() bool { return r.BlobConnectionString != "" }
