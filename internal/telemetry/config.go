// Package telemetry sets up OpenTelemetry metrics and tracing for newsrag.
package telemetry

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fyrsmithlabs/newsrag/internal/config"
)

// Config controls OTLP export. The Prometheus scrape endpoint does not
// depend on it.
type Config struct {
	Enabled        bool
	Endpoint       string
	Protocol       string // grpc or http/protobuf
	ServiceName    string
	ServiceVersion string
	Insecure       bool
	TLSSkipVerify  bool
	SampleRate     float64
	ExportInterval config.Duration
	ShutdownAfter  config.Duration
}

// NewDefaultConfig returns a disabled config aimed at a local collector.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:       "localhost:4317",
		Protocol:       "grpc",
		ServiceName:    "newsrag",
		ServiceVersion: "0.1.0",
		Insecure:       true,
		SampleRate:     1.0,
		ExportInterval: config.Duration(15 * time.Second),
		ShutdownAfter:  config.Duration(5 * time.Second),
	}
}

// FromSettings maps the operator-facing telemetry section onto a Config.
// Loopback collectors are always reached without TLS.
func FromSettings(s config.TelemetryConfig, version string) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = s.Enabled
	cfg.SampleRate = s.SampleRate
	for dst, src := range map[*string]string{
		&cfg.Endpoint:       s.Endpoint,
		&cfg.Protocol:       s.Protocol,
		&cfg.ServiceName:    s.ServiceName,
		&cfg.ServiceVersion: version,
	} {
		if src != "" {
			*dst = src
		}
	}
	cfg.Insecure = s.Insecure || isLoopback(cfg.Endpoint)
	return cfg
}

// Validate only checks export settings when telemetry is enabled.
func (c *Config) Validate() error {
	if c.ShutdownAfter.Duration() <= 0 {
		return errors.New("telemetry shutdown timeout must be positive")
	}
	if !c.Enabled {
		return nil
	}

	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("telemetry endpoint is required"))
	} else if c.Insecure && !isLoopback(c.Endpoint) {
		errs = append(errs, fmt.Errorf("telemetry endpoint %q is remote and needs TLS", c.Endpoint))
	}
	if c.ServiceName == "" {
		errs = append(errs, errors.New("telemetry service name is required"))
	}
	if c.Protocol != "grpc" && c.Protocol != protocolHTTP {
		errs = append(errs, fmt.Errorf("telemetry protocol must be grpc or %s, got %q", protocolHTTP, c.Protocol))
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry sample rate %v outside [0,1]", c.SampleRate))
	}
	if c.ExportInterval.Duration() <= 0 {
		errs = append(errs, errors.New("telemetry export interval must be positive"))
	}
	return errors.Join(errs...)
}

func isLoopback(endpoint string) bool {
	host := stripScheme(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
