// Package types provides shared types for the server package and its subpackages.
package types

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nomis52/goactivity/buildinfo"
)

var (
	// ErrMachineNotFound is returned when no running or delayed machine has the requested id.
	ErrMachineNotFound = errors.New("machine not found")

	// ErrNotAMachine is returned when a control request targets an executable
	// that is not a machine.
	ErrNotAMachine = errors.New("executable is not a machine")
)

// ServerProperties holds metadata about the running server instance.
type ServerProperties struct {
	Build     buildinfo.Properties `json:"build"`
	StartedAt time.Time            `json:"started_at"`
	Hostname  string               `json:"hostname"`
}

// MachineInfo describes a running or delayed machine.
type MachineInfo struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	Delayed   bool       `json:"delayed"`
	Paused    bool       `json:"paused"`
	State     string     `json:"state"`
	Node      string     `json:"node,omitempty"`
	Message   string     `json:"message,omitempty"`
	Error     string     `json:"error,omitempty"`
	AddedAt   time.Time  `json:"added_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Schedule is a cron entry, the next time it fires and how its previous
// activations went.
type Schedule struct {
	Selectors []string   `json:"selectors"`
	Cron      string     `json:"cron"`
	NextRun   time.Time  `json:"next_run"`
	Runs      int        `json:"runs"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Summary is the consolidated server status.
type Summary struct {
	Server    ServerProperties `json:"server"`
	Running   int              `json:"running"`
	Delayed   int              `json:"delayed"`
	Schedules []Schedule       `json:"schedules"`
}
