package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/goactivity/builder"
	"github.com/nomis52/goactivity/config"
	"github.com/nomis52/goactivity/demo"
	"github.com/nomis52/goactivity/history"
	"github.com/nomis52/goactivity/locks"
	"github.com/nomis52/goactivity/machine"
)

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(t.Context(), cfg, logger, WithLabOptions(demo.WithTravelTime(time.Millisecond)))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	return a
}

func TestNew_Backends(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	tests := []struct {
		name        string
		configure   func(*config.Config)
		wantLocker  any
		wantHistory any
	}{
		{
			name:        "Memory",
			configure:   func(*config.Config) {},
			wantLocker:  &locks.Memory{},
			wantHistory: &history.MemoryStore{},
		},
		{
			name: "RedisAndSQLite",
			configure: func(c *config.Config) {
				c.Locks.Backend = config.BackendRedis
				c.Locks.Redis.Addr = mr.Addr()
				c.History.Backend = config.BackendSQLite
				c.History.SQLite.Path = filepath.Join(dir, "history.db")
			},
			wantLocker:  &locks.Redis{},
			wantHistory: &history.SQLiteStore{},
		},
		{
			name: "Disk",
			configure: func(c *config.Config) {
				c.History.Backend = config.BackendDisk
				c.History.Disk.Dir = filepath.Join(dir, "runs")
			},
			wantLocker:  &locks.Memory{},
			wantHistory: &history.DiskStore{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.configure(cfg)

			a := newApp(t, cfg)

			assert.IsType(t, tt.wantLocker, a.Locker)
			assert.IsType(t, tt.wantHistory, a.History)
			assert.Equal(t, []string{demo.SelectorCalibrate, demo.SelectorMoveTray, demo.SelectorProcess, demo.SelectorRecover}, a.Registry.Selectors())
		})
	}
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Locks.Backend = config.BackendRedis
	cfg.Locks.Redis.Addr = "127.0.0.1:1"

	_, err := New(t.Context(), cfg, nil)

	assert.ErrorContains(t, err, "failed to connect to redis")
}

func TestApp_Run(t *testing.T) {
	cfg := config.Default()
	cfg.Machines = map[string]map[string]any{
		demo.SelectorMoveTray: {demo.KeyFrom: "Incubator", demo.KeyTo: "Washer"},
	}
	a := newApp(t, cfg)
	_, err := a.Lab.Load("Incubator", "plate-1")
	require.NoError(t, err)

	c, err := a.Run(t.Context(), demo.SelectorMoveTray, map[string]any{demo.KeyTo: "Reader"})
	require.NoError(t, err)

	assert.Equal(t, machine.CauseFinished, c.Cause)
	reader, err := a.Lab.Station("Reader")
	require.NoError(t, err)
	assert.NotNil(t, reader.Tray())
}

func TestApp_RunUnknownSelector(t *testing.T) {
	a := newApp(t, config.Default())

	_, err := a.Run(t.Context(), "Missing", nil)

	assert.ErrorIs(t, err, builder.ErrUnknownSelector)
}

func TestApp_RunCancelled(t *testing.T) {
	a := newApp(t, config.Default())
	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(20*time.Millisecond, cancel)

	c, err := a.Run(ctx, demo.SelectorCalibrate, map[string]any{"Breakpoints": []any{1}})
	require.NoError(t, err)

	assert.Equal(t, machine.CauseInterrupted, c.Cause)
}

func TestApp_DefaultTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.DefaultTimeout = 20 * time.Millisecond
	a := newApp(t, cfg)
	_, err := a.Lab.Load("Washer", "plate-1")
	require.NoError(t, err)

	c, err := a.Run(t.Context(), demo.SelectorProcess, map[string]any{demo.KeyStationName: "Washer", "Duration": "1h"})
	require.NoError(t, err)

	assert.Equal(t, machine.CauseExpired, c.Cause)
}
