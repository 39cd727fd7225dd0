package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/goactivity/builder"
	"github.com/nomis52/goactivity/config"
	"github.com/nomis52/goactivity/engine"
	"github.com/nomis52/goactivity/executable"
	"github.com/nomis52/goactivity/history"
	"github.com/nomis52/goactivity/logging"
	"github.com/nomis52/goactivity/machine"
	"github.com/nomis52/goactivity/server/handlers"
	"github.com/nomis52/goactivity/server/types"
)

const (
	waitTimeout  = 2 * time.Second
	pollInterval = 5 * time.Millisecond
)

type fixture struct {
	srv     *Server
	http    *httptest.Server
	engine  *engine.Engine
	store   *history.MemoryStore
	greeted chan map[string]any
}

func newFixture(t *testing.T, cfg *config.Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   history.NewMemoryStore(10),
		greeted: make(chan map[string]any, 4),
	}

	reg := builder.NewRegistry()
	reg.RegisterBuilder("Hello", machine.BuilderFunc(func(m *machine.Machine) error {
		data := m.Configuration().Data()
		return m.AddActivity(executable.Do("Greet", func() {
			m.Logger().Info("hello", "who", data["Who"])
			f.greeted <- data
		}))
	}))
	reg.RegisterBuilder("Hold", machine.BuilderFunc(func(m *machine.Machine) error {
		return m.AddActivity(executable.NewDelay("Hold", time.Hour))
	}))

	eng, err := engine.New(engine.WithFactory(reg))
	require.NoError(t, err)
	eng.Start()
	t.Cleanup(eng.Stop)
	f.engine = eng

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithLogger(logger), WithHistory(f.store)}, opts...)
	srv, err := New(eng, reg, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	f.srv = srv

	f.http = httptest.NewServer(srv.Handler())
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(f.http.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func (f *fixture) launch(t *testing.T, selector string, data map[string]any) uuid.UUID {
	t.Helper()
	resp := f.post(t, "/api/machines", handlers.LaunchRequest{Selector: selector, Data: data})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var launched handlers.LaunchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&launched))
	return launched.ID
}

func (f *fixture) awaitRecord(t *testing.T, id uuid.UUID) history.RunRecord {
	t.Helper()
	var record history.RunRecord
	require.Eventually(t, func() bool {
		r, ok, err := f.store.Get(id.String())
		record = r
		return err == nil && ok
	}, waitTimeout, pollInterval)
	return record
}

func TestServer_LaunchMergesConfiguredData(t *testing.T) {
	cfg := config.Default()
	cfg.Machines = map[string]map[string]any{
		"Hello": {"Who": "world", "Loud": true},
	}
	f := newFixture(t, cfg)

	id := f.launch(t, "Hello", map[string]any{"Who": "lab"})

	select {
	case data := <-f.greeted:
		assert.Equal(t, "lab", data["Who"])
		assert.Equal(t, true, data["Loud"])
	case <-time.After(waitTimeout):
		t.Fatal("machine did not run")
	}

	record := f.awaitRecord(t, id)
	assert.Equal(t, "Hello", record.Name)
	assert.Equal(t, machine.CauseFinished.String(), record.Cause)
	assert.Equal(t, "world", cfg.Machines["Hello"]["Who"])
}

func TestServer_LogsFollowMachineIntoHistory(t *testing.T) {
	f := newFixture(t, config.Default())

	id := f.launch(t, "Hello", map[string]any{"Who": "lab"})
	f.awaitRecord(t, id)

	var logs []logging.LogEntry
	require.Equal(t, http.StatusOK, f.get(t, "/api/machines/"+id.String()+"/logs", &logs))

	var messages []string
	for _, entry := range logs {
		messages = append(messages, entry.Message)
	}
	assert.Contains(t, messages, "hello")
	assert.Contains(t, messages, "machine completed")
	assert.Empty(t, f.srv.hook.Collector().GetLogs(id.String()))
}

func TestServer_UnknownSelector(t *testing.T) {
	f := newFixture(t, config.Default())

	resp := f.post(t, "/api/machines", handlers.LaunchRequest{Selector: "Missing"})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ControlRunningMachine(t *testing.T) {
	f := newFixture(t, config.Default())

	id := f.launch(t, "Hold", nil)
	require.Eventually(t, func() bool { return f.engine.IsExecutableRunning(id) }, waitTimeout, pollInterval)

	var machines []types.MachineInfo
	require.Equal(t, http.StatusOK, f.get(t, "/api/machines", &machines))
	require.Len(t, machines, 1)
	assert.Equal(t, id, machines[0].ID)
	assert.Equal(t, "Hold", machines[0].Name)
	assert.NotNil(t, machines[0].StartedAt)

	assert.Equal(t, http.StatusNoContent, f.post(t, "/api/machines/"+id.String()+"/pause", nil).StatusCode)
	assert.Eventually(t, func() bool {
		ms := f.srv.Machines()
		return len(ms) == 1 && ms[0].Paused
	}, waitTimeout, pollInterval)
	assert.Equal(t, http.StatusNoContent, f.post(t, "/api/machines/"+id.String()+"/resume", nil).StatusCode)

	assert.Equal(t, http.StatusNoContent, f.post(t, "/api/machines/"+id.String()+"/emergency-quit", nil).StatusCode)
	record := f.awaitRecord(t, id)
	assert.Equal(t, machine.CauseInterrupted.String(), record.Cause)
	assert.Empty(t, f.srv.Machines())
}

func TestServer_ControlUnknownMachine(t *testing.T) {
	f := newFixture(t, config.Default())
	id := uuid.NewString()

	assert.Equal(t, http.StatusNotFound, f.post(t, "/api/machines/"+id+"/quit", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/machines/"+id+"/logs", nil))
	assert.Equal(t, http.StatusBadRequest, f.post(t, "/api/machines/nope/pause", nil).StatusCode)
}

func TestServer_Selectors(t *testing.T) {
	f := newFixture(t, config.Default())

	var resp handlers.SelectorsResponse
	require.Equal(t, http.StatusOK, f.get(t, "/api/selectors", &resp))

	assert.Equal(t, []string{"Hello", "Hold"}, resp.Selectors)
}

func TestServer_HistoryEndpoints(t *testing.T) {
	f := newFixture(t, config.Default())
	id := f.launch(t, "Hello", nil)
	f.awaitRecord(t, id)

	var records []history.RunRecord
	require.Equal(t, http.StatusOK, f.get(t, "/api/history", &records))
	require.Len(t, records, 1)
	assert.Equal(t, id.String(), records[0].ID)

	var record history.RunRecord
	require.Equal(t, http.StatusOK, f.get(t, "/api/history/"+id.String(), &record))
	assert.Equal(t, "Hello", record.Name)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/history/"+uuid.NewString(), nil))
}

func TestServer_SummaryListsSchedules(t *testing.T) {
	cfg := config.Default()
	cfg.Schedules = "Hello:0 2 * * *;Hello,Hold:@hourly"
	f := newFixture(t, cfg)

	var summary types.Summary
	require.Equal(t, http.StatusOK, f.get(t, "/api/status", &summary))

	require.Len(t, summary.Schedules, 2)
	assert.Equal(t, []string{"Hello"}, summary.Schedules[0].Selectors)
	assert.Equal(t, "0 2 * * *", summary.Schedules[0].Cron)
	assert.Equal(t, []string{"Hello", "Hold"}, summary.Schedules[1].Selectors)
	assert.True(t, summary.Schedules[1].NextRun.After(time.Now()))
	assert.Equal(t, 0, summary.Running)
	assert.NotEmpty(t, summary.Server.Build.GitCommit)
}

func TestServer_ScheduleForUnknownSelector(t *testing.T) {
	cfg := config.Default()
	cfg.Schedules = "Missing:0 2 * * *"

	reg := builder.NewRegistry()
	eng, err := engine.New(engine.WithFactory(reg))
	require.NoError(t, err)

	_, err = New(eng, reg, cfg)

	assert.ErrorContains(t, err, "creating cron triggers")
}

func TestServer_LaunchAll(t *testing.T) {
	f := newFixture(t, config.Default())

	err := f.srv.LaunchAll([]string{"Hello", "Missing"})

	assert.ErrorIs(t, err, builder.ErrUnknownSelector)
	assert.ErrorContains(t, err, "Missing")
	select {
	case <-f.greeted:
	case <-time.After(waitTimeout):
		t.Fatal("Hello was not launched")
	}
}

type levelRecorder struct {
	levels []string
}

func (r *levelRecorder) SetLevel(level string) error {
	r.levels = append(r.levels, level)
	return nil
}

func TestServer_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("machines:\n  Hello:\n    Who: first\n"), 0o644))
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	levels := &levelRecorder{}
	f := newFixture(t, cfg, WithConfigPath(path), WithLogLevel(levels))

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\nmachines:\n  Hello:\n    Who: second\n"), 0o644))
	resp := f.post(t, "/api/reload", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Equal(t, "second", f.srv.Config().Machines["Hello"]["Who"])
	assert.Equal(t, []string{"debug"}, levels.levels)
}

func TestServer_ReloadWithoutPath(t *testing.T) {
	f := newFixture(t, config.Default())

	resp := f.post(t, "/api/reload", nil)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("goactivity_engine_running 0\n"))
	})
	f := newFixture(t, config.Default(), WithMetricsHandler(metrics))

	resp, err := http.Get(f.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "goactivity_engine_running")

	f.engine.Stop()
	resp, err = http.Get(f.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_ReloadDiskHistory(t *testing.T) {
	store, err := history.NewDiskStore(t.TempDir(), 10, nil)
	require.NoError(t, err)
	f := newFixture(t, config.Default(), WithHistory(store))

	id := f.launch(t, "Hello", nil)
	require.Eventually(t, func() bool {
		_, ok, _ := store.Get(id.String())
		return ok
	}, waitTimeout, pollInterval)

	resp := f.post(t, "/api/history/reload", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	records, err := store.Records()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestServer_NoHistoryReloadForMemoryStore(t *testing.T) {
	f := newFixture(t, config.Default())

	resp := f.post(t, "/api/history/reload", nil)

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
