// Package handlers provides HTTP handlers for the goactivity server.
//
// Each handler is in its own file and implements http.Handler.
// Handlers use interfaces to access server dependencies, avoiding
// circular imports.
package handlers

import (
	"github.com/google/uuid"

	"github.com/nomis52/goactivity/config"
	"github.com/nomis52/goactivity/history"
	"github.com/nomis52/goactivity/logging"
	"github.com/nomis52/goactivity/server/types"
)

// ConfigProvider provides access to the current configuration.
type ConfigProvider interface {
	Config() *config.Config
}

// Reloader can reload its configuration.
type Reloader interface {
	Reload() error
}

// SelectorProvider lists the selectors machines can be created for.
type SelectorProvider interface {
	Selectors() []string
}

// Launcher creates and executes the machine of a selector.
type Launcher interface {
	Launch(selector string, data map[string]any) (uuid.UUID, error)
}

// MachineProvider provides access to the running and delayed machines.
type MachineProvider interface {
	Machines() []types.MachineInfo
}

// MachineController controls a running machine.
type MachineController interface {
	Quit(id uuid.UUID, immediately bool) error
	Pause(id uuid.UUID) error
	Resume(id uuid.UUID) error
}

// LogProvider provides the logs captured for a machine.
type LogProvider interface {
	Logs(id uuid.UUID) ([]logging.LogEntry, error)
}

// HistoryProvider provides access to completed machine runs.
type HistoryProvider interface {
	Records() ([]history.RunRecord, error)
	Get(id string) (history.RunRecord, bool, error)
}

// SummaryProvider provides the consolidated server status.
type SummaryProvider interface {
	Summary() types.Summary
}
