// Package telemetry bootstraps the process-wide zap logger and Prometheus
// registry every other component is constructed against, consolidating
// what would otherwise be ad-hoc per-package globals into one place
// constructed once in cmd/mu-controlplaned, grounded on kubernaut's
// zap+prometheus wiring and the teacher's single-construction-point
// discipline for its own process-wide resources.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFormat selects the zap encoder.
type LogFormat string

const (
	LogFormatJSON    LogFormat = "json"
	LogFormatConsole LogFormat = "console"
)

// Config controls logger construction. An empty Level defaults to "info".
type Config struct {
	Format LogFormat
	Level  string
}

// NewLogger builds a zap.Logger per cfg: JSON encoding in production,
// human-readable console encoding in development, matching zap's own
// NewProduction/NewDevelopment split.
func NewLogger(cfg Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == LogFormatConsole {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}

// Registry is the process-wide Prometheus registry every component's
// metrics constructor (pipeline.NewMetrics, reload.NewMetrics, …) is
// handed at startup.
type Registry struct {
	*prometheus.Registry
}

// NewRegistry builds an empty registry, matching what promhttp-fronted
// services in the pack register against.
func NewRegistry() *Registry {
	return &Registry{Registry: prometheus.NewRegistry()}
}

// Handler returns the /metrics HTTP handler for reg.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{})
}
