package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nomis52/goactivity/server/types"
)

type mockSelectors []string

func (m mockSelectors) Selectors() []string {
	return m
}

func TestSelectorsHandler(t *testing.T) {
	tests := []struct {
		name     string
		provider mockSelectors
		want     string
	}{
		{name: "registered", provider: mockSelectors{"Command", "MoveTray"}, want: `{"selectors":["Command","MoveTray"]}`},
		{name: "none", provider: nil, want: `{"selectors":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewSelectorsHandler(tt.provider)

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/selectors", nil))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, tt.want, w.Body.String())
		})
	}
}

type mockSummary types.Summary

func (m mockSummary) Summary() types.Summary {
	return types.Summary(m)
}

func TestSummaryHandler(t *testing.T) {
	next := time.Date(2026, 1, 2, 2, 0, 0, 0, time.UTC)
	handler := NewSummaryHandler(mockSummary{
		Running: 2,
		Delayed: 1,
		Schedules: []types.Schedule{
			{Selectors: []string{"MoveTray"}, Cron: "0 2 * * *", NextRun: next},
		},
	})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `"running":2`)
	assert.Contains(t, w.Body.String(), `"delayed":1`)
	assert.Contains(t, w.Body.String(), `"next_run":"2026-01-02T02:00:00Z"`)
}
