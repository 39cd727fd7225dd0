package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/nomis52/goactivity/server/types"
)

// MachinesHandler handles requests for the running and delayed machines.
type MachinesHandler struct {
	provider MachineProvider
}

// NewMachinesHandler creates a new MachinesHandler.
func NewMachinesHandler(provider MachineProvider) *MachinesHandler {
	return &MachinesHandler{
		provider: provider,
	}
}

// ServeHTTP implements http.Handler.
func (h *MachinesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	machines := h.provider.Machines()
	if machines == nil {
		machines = []types.MachineInfo{}
	}
	writeJSON(w, http.StatusOK, machines)
}

// LaunchRequest defines the request body for POST /api/machines.
type LaunchRequest struct {
	Selector string         `json:"selector"`
	Data     map[string]any `json:"data,omitempty"`
}

// LaunchResponse is returned once a machine was handed to the engine.
type LaunchResponse struct {
	ID uuid.UUID `json:"id"`
}

// LaunchHandler handles requests to execute the machine of a selector.
type LaunchHandler struct {
	logger   *slog.Logger
	launcher Launcher
}

// NewLaunchHandler creates a new LaunchHandler.
func NewLaunchHandler(logger *slog.Logger, launcher Launcher) *LaunchHandler {
	return &LaunchHandler{
		logger:   logger,
		launcher: launcher,
	}
}

// ServeHTTP implements http.Handler.
func (h *LaunchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("invalid JSON: %v", err),
		})
		return
	}
	if req.Selector == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "selector cannot be empty",
		})
		return
	}

	id, err := h.launcher.Launch(req.Selector, req.Data)
	if err != nil {
		h.logger.Error("failed to launch machine", "selector", req.Selector, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, LaunchResponse{ID: id})
}

// Action is a control request sent to a machine.
type Action string

// Machine control actions.
const (
	ActionQuit          Action = "quit"
	ActionEmergencyQuit Action = "emergency-quit"
	ActionPause         Action = "pause"
	ActionResume        Action = "resume"
)

// MachineActionHandler handles a control request for the machine named by
// the {id} URL parameter.
type MachineActionHandler struct {
	logger     *slog.Logger
	controller MachineController
	action     Action
}

// NewMachineActionHandler creates a new MachineActionHandler performing action.
func NewMachineActionHandler(logger *slog.Logger, controller MachineController, action Action) *MachineActionHandler {
	return &MachineActionHandler{
		logger:     logger,
		controller: controller,
		action:     action,
	}
}

// ServeHTTP implements http.Handler.
func (h *MachineActionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := machineID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	switch h.action {
	case ActionQuit:
		err = h.controller.Quit(id, false)
	case ActionEmergencyQuit:
		err = h.controller.Quit(id, true)
	case ActionPause:
		err = h.controller.Pause(id)
	case ActionResume:
		err = h.controller.Resume(id)
	default:
		err = fmt.Errorf("unknown action %q", h.action)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info("machine action requested", "id", id, "action", h.action)
	w.WriteHeader(http.StatusNoContent)
}

// MachineLogsHandler handles requests for the logs of the machine named by
// the {id} URL parameter.
type MachineLogsHandler struct {
	provider LogProvider
}

// NewMachineLogsHandler creates a new MachineLogsHandler.
func NewMachineLogsHandler(provider LogProvider) *MachineLogsHandler {
	return &MachineLogsHandler{
		provider: provider,
	}
}

// ServeHTTP implements http.Handler.
func (h *MachineLogsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := machineID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	logs, err := h.provider.Logs(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
