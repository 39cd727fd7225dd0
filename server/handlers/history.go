package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nomis52/goactivity/history"
)

// HistoryHandler handles requests for the run history.
type HistoryHandler struct {
	provider HistoryProvider
}

// NewHistoryHandler creates a new HistoryHandler.
func NewHistoryHandler(provider HistoryProvider) *HistoryHandler {
	return &HistoryHandler{
		provider: provider,
	}
}

// ServeHTTP implements http.Handler.
func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	records, err := h.provider.Records()
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []history.RunRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// HistoryRecordHandler handles requests for a single completed run.
type HistoryRecordHandler struct {
	provider HistoryProvider
}

// NewHistoryRecordHandler creates a new HistoryRecordHandler.
func NewHistoryRecordHandler(provider HistoryProvider) *HistoryRecordHandler {
	return &HistoryRecordHandler{
		provider: provider,
	}
}

// ServeHTTP implements http.Handler.
func (h *HistoryRecordHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, ok, err := h.provider.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error: fmt.Sprintf("no run with id %q", id),
		})
		return
	}
	writeJSON(w, http.StatusOK, record)
}
