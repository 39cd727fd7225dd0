package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
)

// DefaultTimeout bounds a single remote write request.
const DefaultTimeout = 30 * time.Second

// PushConfig configures a PushRegistry.
type PushConfig struct {
	// URL is the base URL of the remote write endpoint, for example
	// "http://localhost:8428". Samples are posted to URL/api/v1/write.
	URL string
	// Prefix is prepended to every metric name, followed by an underscore.
	Prefix string
	// Job and Instance are added as labels to every series.
	Job      string
	Instance string
	// Timeout is the HTTP client timeout. Defaults to DefaultTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Metric is a single sample passed to Flush.
type Metric struct {
	Name      string
	Value     float64
	Labels    map[string]string
	Timestamp time.Time
}

// PushRegistry implements Registry for short lived processes such as a CLI
// run. Metric updates are buffered and sent in one remote write by Flush.
type PushRegistry struct {
	url      string
	client   *http.Client
	prefix   string
	job      string
	instance string
	logger   *slog.Logger

	mu     sync.Mutex
	series map[string]Metric
}

// NewPushRegistry creates a PushRegistry writing to cfg.URL.
func NewPushRegistry(cfg PushConfig) *PushRegistry {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PushRegistry{
		url:      strings.TrimSuffix(cfg.URL, "/") + "/api/v1/write",
		client:   &http.Client{Timeout: timeout},
		prefix:   cfg.Prefix,
		job:      cfg.Job,
		instance: cfg.Instance,
		logger:   logger.With("component", "metrics"),
		series:   make(map[string]Metric),
	}
}

// Flush writes the latest value of every buffered series together with
// extra in a single request. Buffered values are kept so counters stay
// cumulative across flushes.
func (r *PushRegistry) Flush(ctx context.Context, extra ...Metric) error {
	r.mu.Lock()
	metrics := slices.Collect(maps.Values(r.series))
	r.mu.Unlock()
	metrics = append(metrics, extra...)
	if len(metrics) == 0 {
		return nil
	}

	now := time.Now()
	timeseries := make([]prompb.TimeSeries, 0, len(metrics))
	for _, m := range metrics {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		timeseries = append(timeseries, r.timeSeries(m))
	}
	slices.SortFunc(timeseries, func(a, b prompb.TimeSeries) int {
		return strings.Compare(seriesKey(a.Labels), seriesKey(b.Labels))
	})
	if err := r.write(ctx, timeseries); err != nil {
		return err
	}
	r.logger.Debug("pushed metrics", "series", len(timeseries))
	return nil
}

// Len returns the number of buffered series.
func (r *PushRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.series)
}

func (r *PushRegistry) NewGauge(opts prometheus.GaugeOpts) (Gauge, error) {
	return &pushSeries{registry: r, name: fqName(opts.Namespace, opts.Subsystem, opts.Name), labels: opts.ConstLabels}, nil
}

func (r *PushRegistry) NewGaugeVec(opts prometheus.GaugeOpts, _ []string) (GaugeVec, error) {
	return &pushVec{registry: r, name: fqName(opts.Namespace, opts.Subsystem, opts.Name), constLabels: opts.ConstLabels}, nil
}

func (r *PushRegistry) NewCounter(opts prometheus.CounterOpts) (Counter, error) {
	return &pushSeries{registry: r, name: fqName(opts.Namespace, opts.Subsystem, opts.Name), labels: opts.ConstLabels}, nil
}

func (r *PushRegistry) NewCounterVec(opts prometheus.CounterOpts, _ []string) (CounterVec, error) {
	return pushCounterVec{&pushVec{registry: r, name: fqName(opts.Namespace, opts.Subsystem, opts.Name), constLabels: opts.ConstLabels}}, nil
}

func fqName(namespace, subsystem, name string) string {
	return prometheus.BuildFQName(namespace, subsystem, name)
}

// update applies fn to the buffered value of the series.
func (r *PushRegistry) update(name string, labels map[string]string, fn func(float64) float64) {
	key := name + "{" + labelsToKey(labels) + "}"
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.series[key]
	if !ok {
		m = Metric{Name: name, Labels: labels}
	}
	m.Value = fn(m.Value)
	m.Timestamp = time.Now()
	r.series[key] = m
}

func (r *PushRegistry) write(ctx context.Context, timeseries []prompb.TimeSeries) error {
	data, err := proto.Marshal(&prompb.WriteRequest{Timeseries: timeseries})
	if err != nil {
		return fmt.Errorf("marshaling write request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(snappy.Encode(nil, data)))
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// timeSeries converts m to a remote write series with sorted labels.
func (r *PushRegistry) timeSeries(m Metric) prompb.TimeSeries {
	name := m.Name
	if r.prefix != "" {
		name = r.prefix + "_" + name
	}
	labels := make([]prompb.Label, 0, len(m.Labels)+3)
	labels = append(labels, prompb.Label{Name: "__name__", Value: name})
	if r.job != "" {
		labels = append(labels, prompb.Label{Name: "job", Value: r.job})
	}
	if r.instance != "" {
		labels = append(labels, prompb.Label{Name: "instance", Value: r.instance})
	}
	for k, v := range m.Labels {
		labels = append(labels, prompb.Label{Name: k, Value: v})
	}
	slices.SortFunc(labels, func(a, b prompb.Label) int {
		return strings.Compare(a.Name, b.Name)
	})

	return prompb.TimeSeries{
		Labels:  labels,
		Samples: []prompb.Sample{{Value: m.Value, Timestamp: m.Timestamp.UnixMilli()}},
	}
}

func seriesKey(labels []prompb.Label) string {
	var b strings.Builder
	for _, l := range labels {
		if l.Name == "__name__" {
			b.WriteString(l.Value)
			break
		}
	}
	for _, l := range labels {
		b.WriteString(l.Name)
		b.WriteByte('=')
		b.WriteString(l.Value)
		b.WriteByte(',')
	}
	return b.String()
}

// pushSeries is both the Gauge and the Counter of push mode.
type pushSeries struct {
	registry *PushRegistry
	name     string
	labels   map[string]string
}

func (s *pushSeries) Set(v float64) {
	s.registry.update(s.name, s.labels, func(float64) float64 { return v })
}

func (s *pushSeries) Inc() {
	s.Add(1)
}

func (s *pushSeries) Add(v float64) {
	s.registry.update(s.name, s.labels, func(old float64) float64 { return old + v })
}

type pushVec struct {
	registry    *PushRegistry
	name        string
	constLabels prometheus.Labels
}

func (v *pushVec) series(labels prometheus.Labels) *pushSeries {
	merged := make(map[string]string, len(v.constLabels)+len(labels))
	maps.Copy(merged, v.constLabels)
	maps.Copy(merged, labels)
	return &pushSeries{registry: v.registry, name: v.name, labels: merged}
}

func (v *pushVec) With(labels prometheus.Labels) Gauge { return v.series(labels) }

// pushCounterVec narrows pushVec to the CounterVec interface.
type pushCounterVec struct{ *pushVec }

func (v pushCounterVec) With(labels prometheus.Labels) Counter { return v.series(labels) }

// labelsToKey creates a stable string key from labels.
func labelsToKey(labels map[string]string) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(',')
	}
	return b.String()
}
