package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{name: "JSONStdout", config: Config{Level: "info", Format: "json", Output: "stdout"}},
		{name: "TextStderr", config: Config{Level: "debug", Format: "text", Output: "stderr"}},
		{name: "UpperCaseLevel", config: Config{Level: "WARN"}},
		{name: "Defaults", config: Config{}},
		{name: "UnknownLevel", config: Config{Level: "trace"}, wantErr: "level must be one of"},
		{name: "UnknownFormat", config: Config{Format: "xml"}, wantErr: "format must be one of"},
		{name: "UnwritableFile", config: Config{Output: filepath.Join(t.TempDir(), "missing", "out.log")}, wantErr: "failed to open log file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, logger.Close())
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"DEBUG", slog.LevelDebug, false},
		{"invalid", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			level, err := parseLevel(tt.level)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, level)
		})
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	logger, err := New(Config{})
	require.NoError(t, err)

	cfg := logger.Config()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goactivity.log")
	logger, err := New(Config{Level: "debug", Format: "text", Output: path})
	require.NoError(t, err)

	logger.Debug("machine started", "machine", "Greeter")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "machine started")
	assert.Contains(t, string(data), "machine=Greeter")
}

func TestLogger_SetLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goactivity.log")
	logger, err := New(Config{Level: "warn", Format: "text", Output: path})
	require.NoError(t, err)
	defer logger.Close()
	derived := logger.With("component", "engine")

	derived.Info("hidden before")
	require.NoError(t, logger.SetLevel("debug"))
	derived.Debug("shown after")

	assert.Equal(t, "debug", logger.Config().Level)
	assert.ErrorContains(t, logger.SetLevel("trace"), "invalid log level")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden before")
	assert.Contains(t, string(data), "shown after")
}
