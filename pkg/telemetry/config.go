// Package telemetry provides structured logging and Prometheus metrics for
// the provisioning engine and the fleet reconciler.
package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string

	// Environment specifies the deployment environment (dev, staging, prod).
	Environment string

	// Logging contains logging configuration.
	Logging LoggingConfig

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string

	// Format specifies the log format (console, json).
	Format string

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool
}

// MetricsConfig configures Prometheus metrics collection.
type MetricsConfig struct {
	// Enabled turns metrics collection on.
	Enabled bool

	// Namespace is the metric namespace prefix.
	Namespace string

	// ListenAddr is the address of the metrics HTTP endpoint.
	ListenAddr string

	// Path is the HTTP path serving the metrics.
	Path string

	// ReadHeaderTimeout bounds header reads on the metrics server.
	ReadHeaderTimeout time.Duration
}

// DefaultConfig returns the default telemetry configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName: "skyform",
		Environment: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:           false,
			Namespace:         "skyform",
			ListenAddr:        ":9090",
			Path:              "/metrics",
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal", "":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json", "":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics enabled without listen address")
	}
	return nil
}
