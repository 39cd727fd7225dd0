package handlers

import (
	"log/slog"
	"net/http"
)

// ReloadHandler re-reads state from disk, the configuration file or a disk
// backed history.
type ReloadHandler struct {
	logger   *slog.Logger
	what     string
	reloader Reloader
}

// NewReloadHandler creates a ReloadHandler. what names the reloaded state in
// logs and errors.
func NewReloadHandler(logger *slog.Logger, what string, reloader Reloader) *ReloadHandler {
	return &ReloadHandler{
		logger:   logger.With("reload", what),
		what:     what,
		reloader: reloader,
	}
}

// ServeHTTP implements http.Handler.
func (h *ReloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.reloader.Reload(); err != nil {
		h.logger.Error("reload failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "failed to reload " + h.what + ": " + err.Error(),
		})
		return
	}
	h.logger.Info("reloaded")
	w.WriteHeader(http.StatusNoContent)
}
