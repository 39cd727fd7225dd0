package handlers

import (
	"log/slog"
	"net/http"

	"gopkg.in/yaml.v3"
)

// ConfigHandler serves the current configuration as YAML. With a selector
// query parameter only the machine data configured for that selector is
// returned.
type ConfigHandler struct {
	configProvider ConfigProvider
}

// NewConfigHandler creates a new ConfigHandler.
func NewConfigHandler(provider ConfigProvider) *ConfigHandler {
	return &ConfigHandler{
		configProvider: provider,
	}
}

// ServeHTTP implements http.Handler.
func (h *ConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.configProvider.Config()

	var body any = cfg
	if selector := r.URL.Query().Get("selector"); selector != "" {
		data, ok := cfg.Machines[selector]
		if !ok {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no machine data configured for " + selector})
			return
		}
		body = data
	}

	w.Header().Set("Content-Type", "text/yaml")
	w.WriteHeader(http.StatusOK)
	if err := yaml.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode YAML response", "error", err)
	}
}
