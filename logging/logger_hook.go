package logging

import (
	"log/slog"
)

// LoggerHook creates machine-specific loggers by wrapping a base logger.
type LoggerHook interface {
	// LoggerForMachine wraps base into the logger of the machine with id.
	LoggerForMachine(base *slog.Logger, id string) *slog.Logger
}

// CapturingLoggerHook creates loggers whose records are captured into a
// LogCollector.
type CapturingLoggerHook struct {
	collector *LogCollector
}

// NewCapturingLoggerHook creates a hook capturing into collector.
func NewCapturingLoggerHook(collector *LogCollector) *CapturingLoggerHook {
	return &CapturingLoggerHook{collector: collector}
}

// Collector returns the collector the hook captures into.
func (p *CapturingLoggerHook) Collector() *LogCollector {
	return p.collector
}

// LoggerForMachine returns a logger tagging its records with id.
func (p *CapturingLoggerHook) LoggerForMachine(base *slog.Logger, id string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return slog.New(NewCapturingHandler(base.Handler(), p.collector, id))
}
