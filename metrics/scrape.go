package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// ScrapeRegistry implements Registry for the server. Metrics are held in a
// Prometheus registry and served from /metrics.
type ScrapeRegistry struct {
	prom        *prometheus.Registry
	constLabels prometheus.Labels
	started     time.Time
}

// ScrapeOption configures a ScrapeRegistry.
type ScrapeOption func(*ScrapeRegistry)

// WithConstLabels adds labels to every metric created by the registry,
// typically the dispatcher name of the engine being observed.
func WithConstLabels(labels prometheus.Labels) ScrapeOption {
	return func(r *ScrapeRegistry) {
		r.constLabels = labels
	}
}

// NewScrapeRegistry creates a registry with the Go and process collectors and
// a goactivity_uptime_seconds gauge.
func NewScrapeRegistry(opts ...ScrapeOption) (*ScrapeRegistry, error) {
	r := &ScrapeRegistry{
		prom:    prometheus.NewRegistry(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(r)
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "goactivity",
		Name:        "uptime_seconds",
		Help:        "Seconds since the registry was created.",
		ConstLabels: r.constLabels,
	}, func() float64 { return time.Since(r.started).Seconds() })

	for name, c := range map[string]prometheus.Collector{
		"go":      collectors.NewGoCollector(),
		"process": collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		"uptime":  uptime,
	} {
		if err := r.prom.Register(c); err != nil {
			return nil, fmt.Errorf("registering %s collector: %w", name, err)
		}
	}
	return r, nil
}

// Handler serves the registry in the OpenMetrics format.
func (r *ScrapeRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gather returns the current metric families.
func (r *ScrapeRegistry) Gather() ([]*dto.MetricFamily, error) {
	return r.prom.Gather()
}

func (r *ScrapeRegistry) NewGauge(opts prometheus.GaugeOpts) (Gauge, error) {
	opts.ConstLabels = r.merge(opts.ConstLabels)
	return register(r, opts.Name, prometheus.NewGauge(opts))
}

func (r *ScrapeRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error) {
	opts.ConstLabels = r.merge(opts.ConstLabels)
	g, err := register(r, opts.Name, prometheus.NewGaugeVec(opts, labels))
	if err != nil {
		return nil, err
	}
	return gaugeVec{g}, nil
}

func (r *ScrapeRegistry) NewCounter(opts prometheus.CounterOpts) (Counter, error) {
	opts.ConstLabels = r.merge(opts.ConstLabels)
	return register(r, opts.Name, prometheus.NewCounter(opts))
}

func (r *ScrapeRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error) {
	opts.ConstLabels = r.merge(opts.ConstLabels)
	c, err := register(r, opts.Name, prometheus.NewCounterVec(opts, labels))
	if err != nil {
		return nil, err
	}
	return counterVec{c}, nil
}

func (r *ScrapeRegistry) merge(labels prometheus.Labels) prometheus.Labels {
	if len(r.constLabels) == 0 {
		return labels
	}
	merged := make(prometheus.Labels, len(r.constLabels)+len(labels))
	for k, v := range r.constLabels {
		merged[k] = v
	}
	for k, v := range labels {
		merged[k] = v
	}
	return merged
}

func register[C prometheus.Collector](r *ScrapeRegistry, name string, c C) (C, error) {
	if err := r.prom.Register(c); err != nil {
		var zero C
		return zero, fmt.Errorf("registering %q: %w", name, err)
	}
	return c, nil
}

// The client_golang vec types return their own metric types from With, so
// they are adapted to the package interfaces.
type gaugeVec struct{ vec *prometheus.GaugeVec }

func (g gaugeVec) With(labels prometheus.Labels) Gauge { return g.vec.With(labels) }

type counterVec struct{ vec *prometheus.CounterVec }

func (c counterVec) With(labels prometheus.Labels) Counter { return c.vec.With(labels) }
