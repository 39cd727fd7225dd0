package handlers

import (
	"net/http"
)

// SummaryHandler handles requests for the consolidated status endpoint.
type SummaryHandler struct {
	provider SummaryProvider
}

// NewSummaryHandler creates a new SummaryHandler.
func NewSummaryHandler(provider SummaryProvider) *SummaryHandler {
	return &SummaryHandler{
		provider: provider,
	}
}

// ServeHTTP implements http.Handler.
func (h *SummaryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.provider.Summary())
}
