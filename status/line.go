package status

import (
	"log/slog"

	"github.com/nomis52/goactivity/executable"
)

// Line logs status messages with machine context and updates the shared
// handler.
type Line struct {
	logger  *slog.Logger
	handler *Handler
	exe     executable.Executable
}

// NewLine creates a status line bound to exe. The handler is optional; if
// nil, status updates are only logged.
func NewLine(exe executable.Executable, logger *slog.Logger, handler *Handler) *Line {
	if logger == nil {
		logger = slog.Default()
	}
	return &Line{logger: logger, handler: handler, exe: exe}
}

// Set logs status and stores it in the handler.
func (l *Line) Set(status string) {
	l.logger.Info(status, "machine", l.exe.Name())
	if l.handler != nil {
		l.handler.Set(l.exe.ID(), l.exe.Name(), status)
	}
}

// CaptureError runs f and sets the status line to the error it returns.
func CaptureError(line *Line, f func() error) error {
	err := f()
	if err != nil && line != nil {
		line.Set("❌ " + err.Error())
	}
	return err
}
