package status

import (
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lifecycle states reported for watched machines.
const (
	StateWaiting     = "waiting"
	StateRunning     = "running"
	StateFinished    = "finished"
	StateExpired     = "expired"
	StateInterrupted = "interrupted"
	StateFaulted     = "faulted"
)

// Status is the last known status of one machine.
type Status struct {
	Machine   string    `json:"machine"`
	State     string    `json:"state"`
	Node      string    `json:"node,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Handler stores machine statuses by machine id.
type Handler struct {
	mu       sync.RWMutex
	statuses map[uuid.UUID]Status
}

// NewHandler creates an empty handler.
func NewHandler() *Handler {
	return &Handler{statuses: make(map[uuid.UUID]Status)}
}

// Set updates the message of the machine with id.
func (h *Handler) Set(id uuid.UUID, machine, message string) {
	h.update(id, machine, func(s *Status) {
		s.Message = message
	})
}

func (h *Handler) update(id uuid.UUID, machine string, fn func(*Status)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.statuses[id]
	if !ok {
		s = Status{Machine: machine, State: StateWaiting}
	}
	fn(&s)
	s.UpdatedAt = time.Now()
	h.statuses[id] = s
}

// Get returns the status of the machine with id.
func (h *Handler) Get(id uuid.UUID) (Status, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.statuses[id]
	return s, ok
}

// All returns a copy of all statuses.
func (h *Handler) All() map[uuid.UUID]Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return maps.Clone(h.statuses)
}

// Remove forgets the machine with id.
func (h *Handler) Remove(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.statuses, id)
}
