package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapturingLoggerHook_SeparatesMachines(t *testing.T) {
	base := slog.New(slog.NewJSONHandler(bytes.NewBuffer(nil), nil))
	hook := NewCapturingLoggerHook(NewLogCollector())

	hook.LoggerForMachine(base, "m1").Info("from m1")
	hook.LoggerForMachine(base, "m2").With("component", "machine").Info("from m2")

	logs1 := hook.Collector().GetLogs("m1")
	logs2 := hook.Collector().GetLogs("m2")
	require.Len(t, logs1, 1)
	require.Len(t, logs2, 1)
	assert.Equal(t, "from m1", logs1[0].Message)
	assert.Equal(t, "machine", logs2[0].Attributes["component"])
}

func TestCapturingLoggerHook_NilBase(t *testing.T) {
	hook := NewCapturingLoggerHook(NewLogCollector())

	logger := hook.LoggerForMachine(nil, "m1")
	logger.Warn("no base")

	assert.Len(t, hook.Collector().GetLogs("m1"), 1)
}
