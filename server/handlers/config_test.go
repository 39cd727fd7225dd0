package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/nomis52/goactivity/config"
)

type mockConfigProvider struct {
	config *config.Config
}

func (m *mockConfigProvider) Config() *config.Config {
	return m.config
}

func labConfig() *config.Config {
	return &config.Config{
		ListenAddr: ":9090",
		Engine: config.EngineConfig{
			DispatcherName: "Lab",
			DefaultTimeout: 10 * time.Minute,
		},
		Locks: config.LocksConfig{
			Backend: config.BackendRedis,
			Redis:   config.RedisConfig{Addr: "redis:6379"},
		},
		Schedules: "MoveTray:0 2 * * *",
		Machines: map[string]map[string]any{
			"MoveTray": {"From": "Incubator", "To": "Reader", "NumberOfRetries": 2},
		},
	}
}

func TestConfigHandler(t *testing.T) {
	handler := NewConfigHandler(&mockConfigProvider{config: labConfig()})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/yaml", w.Header().Get("Content-Type"))

	var resp config.Config
	require.NoError(t, yaml.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, ":9090", resp.ListenAddr)
	assert.Equal(t, "Lab", resp.Engine.DispatcherName)
	assert.Equal(t, 10*time.Minute, resp.Engine.DefaultTimeout)
	assert.Equal(t, "redis:6379", resp.Locks.Redis.Addr)
	assert.Equal(t, 2, resp.Machines["MoveTray"]["NumberOfRetries"])
}

func TestConfigHandler_Selector(t *testing.T) {
	handler := NewConfigHandler(&mockConfigProvider{config: labConfig()})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/config?selector=MoveTray", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var data map[string]any
	require.NoError(t, yaml.NewDecoder(w.Body).Decode(&data))
	assert.Equal(t, map[string]any{"From": "Incubator", "To": "Reader", "NumberOfRetries": 2}, data)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/config?selector=Calibrate", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "no machine data configured for Calibrate")
}
