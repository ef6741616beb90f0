package driver

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run modes and outcomes used as metric labels.
const (
	ModeBatch       = "batch"
	ModeInteractive = "interactive"

	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Metrics counts SPIDER invocations on its own registry so a CLI run can
// dump them to a textfile collector.
type Metrics struct {
	Registry *prometheus.Registry

	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the driver collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emspider_tool_runs_total",
			Help: "Number of SPIDER invocations.",
		}, []string{"mode", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "emspider_tool_run_seconds",
			Help:    "Duration of SPIDER invocations.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"mode"}),
	}
}

func (m *Metrics) observe(mode string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeFailed
	}
	m.runs.WithLabelValues(mode, outcome).Inc()
	m.duration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

// WriteFile writes the current values in Prometheus text format.
func (m *Metrics) WriteFile(path string) error {
	return errors.Wrapf(prometheus.WriteToTextfile(path, m.Registry), "write metrics %s", path)
}
