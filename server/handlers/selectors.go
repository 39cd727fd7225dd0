package handlers

import (
	"net/http"
)

// SelectorsResponse is the JSON response for /api/selectors.
type SelectorsResponse struct {
	Selectors []string `json:"selectors"`
}

// SelectorsHandler handles requests for the available selectors.
type SelectorsHandler struct {
	provider SelectorProvider
}

// NewSelectorsHandler creates a new SelectorsHandler.
func NewSelectorsHandler(provider SelectorProvider) *SelectorsHandler {
	return &SelectorsHandler{
		provider: provider,
	}
}

// ServeHTTP implements http.Handler.
func (h *SelectorsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	selectors := h.provider.Selectors()
	if selectors == nil {
		selectors = []string{}
	}
	writeJSON(w, http.StatusOK, SelectorsResponse{Selectors: selectors})
}
