// Package config loads the YAML configuration of the goactivity service.
//
//	listen_addr: ":8080"
//	logging:
//	  level: info
//	engine:
//	  default_timeout: 10m
//	locks:
//	  backend: redis
//	  redis:
//	    addr: localhost:6379
//	history:
//	  backend: sqlite
//	  sqlite:
//	    path: /var/lib/goactivity/history.db
//	schedules: "MoveTray:0 2 * * *;Calibrate:@hourly"
//	machines:
//	  MoveTray:
//	    From: Incubator
//	    To: Reader
//	    NumberOfRetries: 2
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nomis52/goactivity/logging"
)

const (
	defaultListenAddr     = ":8080"
	defaultDispatcherName = "ExecutableEngine"

	defaultLockPrefix = "goactivity:lock:"

	defaultSQLitePath   = "goactivity-history.db"
	defaultDiskDir      = "goactivity-history"
	defaultHistoryLimit = 100

	defaultMetricsPrefix = "goactivity"
	defaultJobName       = "goactivity"

	defaultLogLevel  = "info"
	defaultLogFormat = "json"
	defaultLogOutput = "stdout"
)

// Backend names for locks and history.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendDisk   = "disk"
)

// Config represents the complete service configuration.
type Config struct {
	ListenAddr string         `yaml:"listen_addr"`
	TLS        TLSConfig      `yaml:"tls"`
	Logging    logging.Config `yaml:"logging"`
	Engine     EngineConfig   `yaml:"engine"`
	Locks      LocksConfig    `yaml:"locks"`
	History    HistoryConfig  `yaml:"history"`
	Metrics    MetricsConfig  `yaml:"metrics"`
	// Schedules lists the selectors run on cron schedules, formatted as
	// "selector1,selector2:cron;selector3:cron"
	Schedules string `yaml:"schedules"`
	// Machines holds the configuration data of each selector
	Machines map[string]map[string]any `yaml:"machines"`
}

// TLSConfig enables HTTPS when a certificate is set. The files are
// reloaded when they change on disk.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// EngineConfig configures the executable engine.
type EngineConfig struct {
	DispatcherName string `yaml:"dispatcher_name"`
	// DefaultTimeout expires machines created by the service, zero disables it
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// LocksConfig selects where resource locks are kept.
type LocksConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds the Redis lock settings.
type RedisConfig struct {
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
	// TTL expires abandoned locks, zero keeps them until released
	TTL time.Duration `yaml:"ttl"`
}

// HistoryConfig selects where completed runs are recorded.
type HistoryConfig struct {
	Backend string       `yaml:"backend"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	Disk    DiskConfig   `yaml:"disk"`
	Limit   int          `yaml:"limit"`
}

// SQLiteConfig holds the SQLite history settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// DiskConfig holds the directory of the JSON file history.
type DiskConfig struct {
	Dir string `yaml:"dir"`
}

// MetricsConfig holds the remote write settings used by CLI runs.
type MetricsConfig struct {
	Push PushConfig `yaml:"push"`
}

// PushConfig configures pushing metrics to a remote write endpoint. An empty
// URL disables pushing.
type PushConfig struct {
	URL     string `yaml:"url"`
	Prefix  string `yaml:"prefix"`
	JobName string `yaml:"jobname"`
}

// MachineData returns a copy of the configuration data of selector.
func (c *Config) MachineData(selector string) map[string]any {
	data := make(map[string]any, len(c.Machines[selector]))
	for k, v := range c.Machines[selector] {
		data[k] = v
	}
	return data
}

// Validate performs basic validation on the configuration.
func (c *Config) Validate() error {
	var errs []error
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls cert_file and key_file must be set together"))
	}
	if c.Engine.DefaultTimeout < 0 {
		errs = append(errs, errors.New("engine default timeout must not be negative"))
	}
	switch c.Locks.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Locks.Redis.Addr == "" {
			errs = append(errs, errors.New("redis addr is required for the redis lock backend"))
		}
		if c.Locks.Redis.TTL < 0 {
			errs = append(errs, errors.New("redis lock ttl must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("locks backend must be one of: %s", strings.Join([]string{BackendMemory, BackendRedis}, ", ")))
	}
	switch c.History.Backend {
	case BackendMemory, BackendSQLite, BackendDisk:
	default:
		errs = append(errs, fmt.Errorf("history backend must be one of: %s", strings.Join([]string{BackendMemory, BackendSQLite, BackendDisk}, ", ")))
	}
	if c.History.Limit <= 0 {
		errs = append(errs, errors.New("history limit must be positive"))
	}
	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging level must be one of: %s", strings.Join(validLevels, ", ")))
	}
	return errors.Join(errs...)
}

// SetDefaults sets reasonable default values for optional fields.
func (c *Config) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.Engine.DispatcherName == "" {
		c.Engine.DispatcherName = defaultDispatcherName
	}
	if c.Locks.Backend == "" {
		c.Locks.Backend = BackendMemory
	}
	if c.Locks.Redis.Prefix == "" {
		c.Locks.Redis.Prefix = defaultLockPrefix
	}
	if c.History.Backend == "" {
		c.History.Backend = BackendMemory
	}
	if c.History.SQLite.Path == "" {
		c.History.SQLite.Path = defaultSQLitePath
	}
	if c.History.Disk.Dir == "" {
		c.History.Disk.Dir = defaultDiskDir
	}
	if c.History.Limit == 0 {
		c.History.Limit = defaultHistoryLimit
	}
	if c.Metrics.Push.Prefix == "" {
		c.Metrics.Push.Prefix = defaultMetricsPrefix
	}
	if c.Metrics.Push.JobName == "" {
		c.Metrics.Push.JobName = defaultJobName
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if c.Logging.Output == "" {
		c.Logging.Output = defaultLogOutput
	}
}

// Parse decodes YAML data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode YAML config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads the YAML config file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.SetDefaults()
	return &cfg
}
