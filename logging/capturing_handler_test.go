package logging

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capturing(level slog.Level) (*slog.Logger, *LogCollector, *bytes.Buffer) {
	var buf bytes.Buffer
	collector := NewLogCollector()
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})
	return slog.New(NewCapturingHandler(base, collector, "m-1")), collector, &buf
}

func TestCapturingHandler_CapturesAndForwards(t *testing.T) {
	logger, collector, buf := capturing(slog.LevelInfo)

	logger.Info("tray moved", "from", "Incubator", "to", "Reader")

	logs := collector.GetLogs("m-1")
	require.Len(t, logs, 1)
	assert.Equal(t, "tray moved", logs[0].Message)
	assert.Equal(t, "INFO", logs[0].Level)
	assert.False(t, logs[0].Time.IsZero())
	assert.Equal(t, map[string]any{"from": "Incubator", "to": "Reader"}, logs[0].Attributes)
	assert.Contains(t, buf.String(), "tray moved")
}

func TestCapturingHandler_CapturesBelowForwardLevel(t *testing.T) {
	logger, collector, buf := capturing(slog.LevelWarn)

	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
	logger.Debug("node entered", "node", "Pickup")
	logger.Info("station idle")
	logger.Warn("retrying", "attempt", 1)
	logger.Error("faulted", "error", errors.New("lid open"))

	logs := collector.GetLogs("m-1")
	require.Len(t, logs, 4)
	levels := make([]string, len(logs))
	for i, l := range logs {
		levels[i] = l.Level
	}
	assert.Equal(t, []string{"DEBUG", "INFO", "WARN", "ERROR"}, levels)
	assert.NotContains(t, buf.String(), "node entered")
	assert.NotContains(t, buf.String(), "station idle")
	assert.Contains(t, buf.String(), "retrying")
	assert.Contains(t, buf.String(), "faulted")
}

func TestCapturingHandler_WithAttrsAndGroups(t *testing.T) {
	logger, collector, buf := capturing(slog.LevelInfo)

	logger.With("machine", "TrayMover").
		WithGroup("station").
		With("name", "Reader").
		Info("locked", "owner", "m-1")

	logs := collector.GetLogs("m-1")
	require.Len(t, logs, 1)
	assert.Equal(t, map[string]any{
		"machine":       "TrayMover",
		"station.name":  "Reader",
		"station.owner": "m-1",
	}, logs[0].Attributes)
	assert.Contains(t, buf.String(), "station.name=Reader")

	_, ok := logger.With("a", 1).Handler().(*CapturingHandler)
	assert.True(t, ok)
	_, ok = logger.WithGroup("g").Handler().(*CapturingHandler)
	assert.True(t, ok)
}

func TestCapturingHandler_ValueKinds(t *testing.T) {
	logger, collector, _ := capturing(slog.LevelInfo)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	logger.Info("values",
		"count", 3,
		"retries", uint64(2),
		"ratio", 0.5,
		"aborted", false,
		"timeout", 90*time.Second,
		"at", at,
		"error", errors.New("lid open"),
		slog.Group("tray", "name", "plate-1", "wells", 96),
		"positions", []float64{0, 25},
	)

	attrs := collector.GetLogs("m-1")[0].Attributes
	assert.Equal(t, int64(3), attrs["count"])
	assert.Equal(t, uint64(2), attrs["retries"])
	assert.Equal(t, 0.5, attrs["ratio"])
	assert.Equal(t, false, attrs["aborted"])
	assert.Equal(t, "1m30s", attrs["timeout"])
	assert.Equal(t, at, attrs["at"])
	assert.Equal(t, "lid open", attrs["error"])
	assert.Equal(t, map[string]any{"name": "plate-1", "wells": int64(96)}, attrs["tray"])
	assert.Equal(t, []float64{0, 25}, attrs["positions"])
}

func TestCapturingHandler_Concurrent(t *testing.T) {
	logger, collector, _ := capturing(slog.LevelInfo)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 10 {
				logger.Info(fmt.Sprintf("step %d.%d", i, j))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, collector.GetLogs("m-1"), 100)
}
