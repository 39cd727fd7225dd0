package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveWrites(t *testing.T) (*httptest.Server, <-chan []prompb.TimeSeries) {
	t.Helper()
	received := make(chan []prompb.TimeSeries, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/write", r.URL.Path)
		assert.Equal(t, "snappy", r.Header.Get("Content-Encoding"))
		assert.Equal(t, "application/x-protobuf", r.Header.Get("Content-Type"))
		assert.Equal(t, "0.1.0", r.Header.Get("X-Prometheus-Remote-Write-Version"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		decoded, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		var writeReq prompb.WriteRequest
		require.NoError(t, proto.Unmarshal(decoded, &writeReq))
		received <- writeReq.Timeseries
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)
	return server, received
}

func nextWrite(t *testing.T, received <-chan []prompb.TimeSeries) []prompb.TimeSeries {
	t.Helper()
	select {
	case series := <-received:
		return series
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for remote write")
		return nil
	}
}

func label(ts prompb.TimeSeries, name string) string {
	for _, l := range ts.Labels {
		if l.Name == name {
			return l.Value
		}
	}
	return ""
}

func TestPushRegistry_BuffersUntilFlush(t *testing.T) {
	server, received := receiveWrites(t)
	registry := NewPushRegistry(PushConfig{URL: server.URL + "/", Prefix: "lab", Job: "goactivity", Instance: "bench-1"})

	running, err := registry.NewGauge(prometheus.GaugeOpts{Namespace: "goactivity", Subsystem: "engine", Name: "running"})
	require.NoError(t, err)
	running.Set(2)
	running.Set(1)

	select {
	case <-received:
		t.Fatal("metrics written before Flush")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 1, registry.Len())

	require.NoError(t, registry.Flush(context.Background()))
	series := nextWrite(t, received)
	require.Len(t, series, 1)
	assert.Equal(t, "lab_goactivity_engine_running", label(series[0], "__name__"))
	assert.Equal(t, "goactivity", label(series[0], "job"))
	assert.Equal(t, "bench-1", label(series[0], "instance"))
	require.Len(t, series[0].Samples, 1)
	assert.Equal(t, 1.0, series[0].Samples[0].Value)
}

func TestPushRegistry_Counters(t *testing.T) {
	server, received := receiveWrites(t)
	registry := NewPushRegistry(PushConfig{URL: server.URL})

	completed, err := registry.NewCounterVec(prometheus.CounterOpts{
		Name:        "completed_total",
		ConstLabels: prometheus.Labels{"dispatcher": "lab"},
	}, []string{"cause"})
	require.NoError(t, err)
	completed.With(prometheus.Labels{"cause": "finished"}).Inc()
	completed.With(prometheus.Labels{"cause": "finished"}).Add(2)
	completed.With(prometheus.Labels{"cause": "faulted"}).Inc()

	require.NoError(t, registry.Flush(context.Background()))
	series := nextWrite(t, received)
	require.Len(t, series, 2)

	values := map[string]float64{}
	for _, ts := range series {
		assert.Equal(t, "lab", label(ts, "dispatcher"))
		values[label(ts, "cause")] = ts.Samples[0].Value
	}
	assert.Equal(t, map[string]float64{"finished": 3, "faulted": 1}, values)

	completed.With(prometheus.Labels{"cause": "faulted"}).Inc()
	require.NoError(t, registry.Flush(context.Background()))
	for _, ts := range nextWrite(t, received) {
		if label(ts, "cause") == "faulted" {
			assert.Equal(t, 2.0, ts.Samples[0].Value)
		}
	}
}

func TestPushRegistry_FlushExtra(t *testing.T) {
	server, received := receiveWrites(t)
	registry := NewPushRegistry(PushConfig{URL: server.URL, Job: "goactivity"})
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	err := registry.Flush(context.Background(),
		Metric{Name: "run_duration_seconds", Value: 1.5, Labels: map[string]string{"selector": "MoveTray"}, Timestamp: at},
		Metric{Name: "run_success", Value: 1},
	)
	require.NoError(t, err)

	series := nextWrite(t, received)
	require.Len(t, series, 2)
	assert.Equal(t, "run_duration_seconds", label(series[0], "__name__"))
	assert.Equal(t, at.UnixMilli(), series[0].Samples[0].Timestamp)
	names := make([]string, 0, len(series[0].Labels))
	for _, l := range series[0].Labels {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{"__name__", "job", "selector"}, names)
	assert.NotZero(t, series[1].Samples[0].Timestamp)
}

func TestPushRegistry_FlushError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad write", http.StatusBadRequest)
	}))
	defer server.Close()
	registry := NewPushRegistry(PushConfig{URL: server.URL, Timeout: time.Second})

	err := registry.Flush(context.Background(), Metric{Name: "run_success", Value: 0})

	assert.ErrorContains(t, err, "unexpected status 400")
	assert.NoError(t, NewPushRegistry(PushConfig{URL: server.URL}).Flush(context.Background()))
}

func TestLabelsToKey_Stable(t *testing.T) {
	labels := prometheus.Labels{"cause": "Finished", "kind": "machine", "station": "Reader"}
	want := "cause=Finished,kind=machine,station=Reader,"
	for range 20 {
		assert.Equal(t, want, labelsToKey(labels))
	}
}

func TestScrapeRegistry(t *testing.T) {
	registry, err := NewScrapeRegistry()
	require.NoError(t, err)

	gauge, err := registry.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "A test gauge"})
	require.NoError(t, err)
	gauge.Set(42.0)

	counter, err := registry.NewCounterVec(prometheus.CounterOpts{Name: "test_counter", Help: "A test counter"}, []string{"cause"})
	require.NoError(t, err)
	counter.With(prometheus.Labels{"cause": "finished"}).Inc()

	_, err = registry.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "A test gauge"})
	assert.ErrorContains(t, err, `registering "test_gauge"`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	registry.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "test_gauge 42")
	assert.Contains(t, body, `test_counter{cause="finished"} 1`)
	assert.Contains(t, body, "goactivity_uptime_seconds")
}

func TestScrapeRegistry_ConstLabels(t *testing.T) {
	registry, err := NewScrapeRegistry(WithConstLabels(prometheus.Labels{"dispatcher": "lab"}))
	require.NoError(t, err)

	gauge, err := registry.NewGauge(prometheus.GaugeOpts{Name: "running", ConstLabels: prometheus.Labels{"kind": "machine"}})
	require.NoError(t, err)
	gauge.Set(3)

	families, err := registry.Gather()
	require.NoError(t, err)
	labels := map[string]string{}
	for _, f := range families {
		if f.GetName() != "running" {
			continue
		}
		for _, l := range f.GetMetric()[0].GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
	}
	assert.Equal(t, map[string]string{"dispatcher": "lab", "kind": "machine"}, labels)
}

func TestNop(t *testing.T) {
	reg := Nop()

	gauge, err := reg.NewGauge(prometheus.GaugeOpts{Name: "g"})
	require.NoError(t, err)
	gauge.Set(1)

	vec, err := reg.NewCounterVec(prometheus.CounterOpts{Name: "c"}, []string{"cause"})
	require.NoError(t, err)
	vec.With(prometheus.Labels{"cause": "Finished"}).Inc()
}
