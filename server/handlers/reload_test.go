package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type mockReloader struct {
	err   error
	calls int
}

func (m *mockReloader) Reload() error {
	m.calls++
	return m.err
}

func TestReloadHandler(t *testing.T) {
	tests := []struct {
		name       string
		what       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{name: "Configuration", what: "configuration", wantStatus: http.StatusNoContent},
		{name: "ConfigurationMissing", what: "configuration", err: errors.New("config file not found"),
			wantStatus: http.StatusInternalServerError, wantBody: "failed to reload configuration: config file not found"},
		{name: "HistoryDenied", what: "history", err: errors.New("permission denied"),
			wantStatus: http.StatusInternalServerError, wantBody: "failed to reload history: permission denied"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reloader := &mockReloader{err: tt.err}
			handler := NewReloadHandler(slog.Default(), tt.what, reloader)

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/reload", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
			assert.Equal(t, 1, reloader.calls)
		})
	}
}
