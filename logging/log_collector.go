package logging

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// DefaultMaxEntries is the number of entries kept per machine when no limit
// is given.
const DefaultMaxEntries = 1000

// LogEntry represents a single log record with structured data.
type LogEntry struct {
	Time       time.Time      `json:"time"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes"`
}

// LogCollector stores the log entries of running machines keyed by machine
// id. Each machine keeps its most recent entries up to the limit.
type LogCollector struct {
	mu         sync.RWMutex
	maxEntries int
	logs       map[string][]LogEntry
}

// NewLogCollector creates a collector keeping DefaultMaxEntries per machine.
func NewLogCollector() *LogCollector {
	return NewLogCollectorWithLimit(DefaultMaxEntries)
}

// NewLogCollectorWithLimit creates a collector keeping at most maxEntries
// per machine. A limit of zero or less keeps every entry.
func NewLogCollectorWithLimit(maxEntries int) *LogCollector {
	return &LogCollector{
		maxEntries: maxEntries,
		logs:       make(map[string][]LogEntry),
	}
}

// AddLog adds an entry for the machine with id, dropping its oldest entry
// past the limit.
func (c *LogCollector) AddLog(id string, entry LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	logs := append(c.logs[id], entry)
	if c.maxEntries > 0 && len(logs) > c.maxEntries {
		logs = slices.Delete(logs, 0, len(logs)-c.maxEntries)
	}
	c.logs[id] = logs
}

// GetLogs returns a copy of the entries of the machine with id.
func (c *LogCollector) GetLogs(id string) []LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	logs, exists := c.logs[id]
	if !exists {
		return nil
	}
	return slices.Clone(logs)
}

// GetAllLogs returns a copy of every machine's entries.
func (c *LogCollector) GetAllLogs() map[string][]LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string][]LogEntry, len(c.logs))
	for id, logs := range c.logs {
		result[id] = slices.Clone(logs)
	}
	return result
}

// IDs returns the ids with captured entries, sorted.
func (c *LogCollector) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.logs))
}

// Remove drops the entries of the machine with id.
func (c *LogCollector) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.logs, id)
}

// Clear removes all stored entries.
func (c *LogCollector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = make(map[string][]LogEntry)
}
