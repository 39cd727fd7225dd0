package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nomis52/goactivity/metrics"
)

const metricsNamespace = "goactivity"

type engineMetrics struct {
	running   metrics.Gauge
	delayed   metrics.Gauge
	completed metrics.CounterVec
}

func newEngineMetrics(reg metrics.Registry) (*engineMetrics, error) {
	if reg == nil {
		reg = metrics.Nop()
	}

	running, err := reg.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "engine",
		Name:      "running",
		Help:      "Number of executables currently running.",
	})
	if err != nil {
		return nil, err
	}
	delayed, err := reg.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "engine",
		Name:      "delayed",
		Help:      "Number of machines waiting for an execute trigger.",
	})
	if err != nil {
		return nil, err
	}
	completed, err := reg.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "engine",
		Name:      "completed_total",
		Help:      "Number of executables completed, by completion cause.",
	}, []string{"cause"})
	if err != nil {
		return nil, err
	}
	return &engineMetrics{running: running, delayed: delayed, completed: completed}, nil
}
