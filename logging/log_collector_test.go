package logging

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(msg string) LogEntry {
	return LogEntry{Time: time.Now(), Level: "INFO", Message: msg, Attributes: map[string]any{}}
}

func TestLogCollector_AddLog(t *testing.T) {
	collector := NewLogCollector()

	collector.AddLog("m1", LogEntry{
		Time:       time.Now(),
		Level:      "INFO",
		Message:    "machine started",
		Attributes: map[string]any{"machine": "Greeter"},
	})

	logs := collector.GetLogs("m1")
	require.Len(t, logs, 1)
	assert.Equal(t, "machine started", logs[0].Message)
	assert.Equal(t, "Greeter", logs[0].Attributes["machine"])
	assert.Nil(t, collector.GetLogs("m2"))
}

func TestLogCollector_Limit(t *testing.T) {
	collector := NewLogCollectorWithLimit(3)
	for i := range 5 {
		collector.AddLog("m1", entry(fmt.Sprintf("entry %d", i)))
	}

	logs := collector.GetLogs("m1")
	require.Len(t, logs, 3)
	assert.Equal(t, "entry 2", logs[0].Message)
	assert.Equal(t, "entry 4", logs[2].Message)
}

func TestLogCollector_ReturnsCopies(t *testing.T) {
	collector := NewLogCollector()
	collector.AddLog("m1", entry("original"))

	logs := collector.GetLogs("m1")
	logs[0].Message = "modified"
	all := collector.GetAllLogs()
	all["m1"][0].Message = "modified"

	assert.Equal(t, "original", collector.GetLogs("m1")[0].Message)
}

func TestLogCollector_RemoveAndClear(t *testing.T) {
	collector := NewLogCollector()
	collector.AddLog("m2", entry("second"))
	collector.AddLog("m1", entry("first"))
	assert.Equal(t, []string{"m1", "m2"}, collector.IDs())

	collector.Remove("m1")
	assert.Equal(t, []string{"m2"}, collector.IDs())

	collector.Clear()
	assert.Empty(t, collector.GetAllLogs())
}

func TestLogCollector_Concurrent(t *testing.T) {
	collector := NewLogCollectorWithLimit(0)
	const machines = 10
	const logsPerMachine = 50

	var wg sync.WaitGroup
	for i := range machines {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("machine-%d", n)
			for j := range logsPerMachine {
				collector.AddLog(id, entry(fmt.Sprintf("log %d", j)))
			}
		}(i)
	}
	wg.Wait()

	all := collector.GetAllLogs()
	assert.Len(t, all, machines)
	for id, logs := range all {
		assert.Len(t, logs, logsPerMachine, "machine %s", id)
	}
}
