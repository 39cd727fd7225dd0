// Package history keeps the records of completed machines.
//
// A Recorder subscribes a Store to an engine so every completion is saved.
// Stores return records most recent first and keep at most their limit.
//
//	store := history.NewMemoryStore(100)
//	sub := history.Record(eng, store, logger)
//	defer sub.Close()
//	for _, r := range store.Records() {
//	    fmt.Println(r.Name, r.Cause)
//	}
package history

import (
	"log/slog"
	"time"

	"github.com/nomis52/goactivity/engine"
	"github.com/nomis52/goactivity/event"
	"github.com/nomis52/goactivity/logging"
)

const defaultLimit = 100

// RunRecord describes one completed machine.
type RunRecord struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Kind        string             `json:"kind"`
	Cause       string             `json:"cause"`
	Error       string             `json:"error,omitempty"`
	AddedAt     time.Time          `json:"added_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt time.Time          `json:"completed_at"`
	Logs        []logging.LogEntry `json:"logs,omitempty"`
}

// Duration returns how long the machine ran, zero if it never started.
func (r RunRecord) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// Store manages persistence of run records.
type Store interface {
	// Records returns the stored records, most recent first.
	Records() ([]RunRecord, error)
	// Get returns the record with id.
	Get(id string) (RunRecord, bool, error)
	// Save stores a record.
	Save(RunRecord) error
}

// NewRecord converts a completion into a record carrying logs.
func NewRecord(c engine.Completion, logs []logging.LogEntry) RunRecord {
	r := RunRecord{
		ID:          c.ID.String(),
		Name:        c.Name,
		Kind:        c.Kind,
		Cause:       c.Cause.String(),
		AddedAt:     c.AddedAt,
		CompletedAt: c.CompletedAt,
		Logs:        logs,
	}
	if c.Err != nil {
		r.Error = c.Err.Error()
	}
	if !c.StartedAt.IsZero() {
		started := c.StartedAt
		r.StartedAt = &started
	}
	return r
}

// Option configures Record.
type Option func(*recorder)

// WithLogCollector attaches the logs captured for each machine to its
// record and drops them from the collector.
func WithLogCollector(c *logging.LogCollector) Option {
	return func(r *recorder) {
		r.collector = c
	}
}

type recorder struct {
	store     Store
	logger    *slog.Logger
	collector *logging.LogCollector
}

// Record saves every completion of eng to store until the returned
// subscription is closed.
func Record(eng *engine.Engine, store Store, logger *slog.Logger, opts ...Option) *event.Subscription {
	if logger == nil {
		logger = slog.Default()
	}
	r := &recorder{store: store, logger: logger.With("component", "history")}
	for _, opt := range opts {
		opt(r)
	}
	return eng.OnCompletion(r.save)
}

func (r *recorder) save(c engine.Completion) {
	var logs []logging.LogEntry
	if r.collector != nil {
		id := c.ID.String()
		logs = r.collector.GetLogs(id)
		r.collector.Remove(id)
	}
	if err := r.store.Save(NewRecord(c, logs)); err != nil {
		r.logger.Error("failed to save run record", "machine", c.Name, "error", err)
	}
}
