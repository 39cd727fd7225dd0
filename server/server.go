// Package server provides the HTTP service of goactivity.
//
// The server exposes a REST API to launch machines by selector, follow and
// control the machines the engine is running, read the logs captured for
// each machine and browse the history of completed runs. Selectors can also
// be executed on cron schedules.
//
// # Endpoints
//
//   - GET /health - Returns "ok", or 503 while the engine is stopped
//   - GET /metrics - Prometheus metrics, when a handler is configured
//   - GET /api/status - Consolidated status (build, counts, schedules)
//   - GET /api/config - Returns current configuration as YAML, ?selector= narrows it to one machine
//   - POST /api/reload - Reloads configuration from disk
//   - GET /api/selectors - Lists the selectors machines can be created for
//   - GET /api/machines - Lists running and delayed machines
//   - POST /api/machines - Executes the machine of a selector
//   - GET /api/machines/{id}/logs - Returns the logs captured for a machine
//   - POST /api/machines/{id}/quit - Quits a machine after its current activity
//   - POST /api/machines/{id}/emergency-quit - Quits a machine immediately
//   - POST /api/machines/{id}/pause - Pauses a machine
//   - POST /api/machines/{id}/resume - Resumes a paused machine
//   - GET /api/history - Returns completed runs, most recent first
//   - GET /api/history/{id} - Returns a single completed run
//   - POST /api/history/reload - Re-reads a disk backed history
//
// # Example
//
//	srv, err := server.New(eng, registry, cfg, server.WithHistory(store))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close()
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nomis52/goactivity/buildinfo"
	"github.com/nomis52/goactivity/builder"
	"github.com/nomis52/goactivity/config"
	"github.com/nomis52/goactivity/engine"
	"github.com/nomis52/goactivity/event"
	"github.com/nomis52/goactivity/executable"
	"github.com/nomis52/goactivity/history"
	"github.com/nomis52/goactivity/logging"
	"github.com/nomis52/goactivity/machine"
	"github.com/nomis52/goactivity/server/cron"
	"github.com/nomis52/goactivity/server/handlers"
	"github.com/nomis52/goactivity/server/types"
	"github.com/nomis52/goactivity/status"
)

const (
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	apiQuitReason = "requested via API"
)

var errEngineStopped = errors.New("engine is not running")

// Catalog lists the selectors the engine can create machines for.
type Catalog = cron.Catalog

// Server is the HTTP server of the goactivity service.
type Server struct {
	addr       string
	configPath string
	startedAt  time.Time
	base       *slog.Logger
	logger     *slog.Logger

	config    atomic.Pointer[config.Config]
	engine    *engine.Engine
	catalog   Catalog
	statuses  *status.Handler
	hook      *logging.CapturingLoggerHook
	history   history.Store
	metrics   http.Handler
	schedules *cron.CronTriggerManager
	certs     *CertLoader

	levels     LevelSetter
	recording  *event.Subscription
	tracking   *event.Group
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server) error

// WithListenAddr overrides the listen address of the configuration.
func WithListenAddr(addr string) Option {
	return func(s *Server) error {
		s.addr = addr
		return nil
	}
}

// WithLogger sets the logger. Machine loggers are derived from it.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.base = logger
		return nil
	}
}

// LevelSetter changes the level of the service logger.
type LevelSetter interface {
	SetLevel(level string) error
}

// WithLogLevel applies logging.level of a reloaded configuration to l.
func WithLogLevel(l LevelSetter) Option {
	return func(s *Server) error {
		s.levels = l
		return nil
	}
}

// WithConfigPath enables POST /api/reload, which reads the configuration
// from path.
func WithConfigPath(path string) Option {
	return func(s *Server) error {
		s.configPath = path
		return nil
	}
}

// WithHistory records completed machines in store. Without it an in-memory
// store sized by the history limit is used.
func WithHistory(store history.Store) Option {
	return func(s *Server) error {
		s.history = store
		return nil
	}
}

// WithLogCollector captures machine logs into c.
func WithLogCollector(c *logging.LogCollector) Option {
	return func(s *Server) error {
		s.hook = logging.NewCapturingLoggerHook(c)
		return nil
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) error {
		s.metrics = h
		return nil
	}
}

// New creates a Server launching machines on eng. The selectors of catalog
// are the ones that can be launched and scheduled.
func New(eng *engine.Engine, catalog Catalog, cfg *config.Config, opts ...Option) (*Server, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg == nil {
		cfg = config.Default()
	}

	s := &Server{
		addr:      cfg.ListenAddr,
		startedAt: time.Now(),
		base:      slog.Default(),
		engine:    eng,
		catalog:   catalog,
		statuses:  status.NewHandler(),
	}
	s.config.Store(cfg)

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.base.With("component", "server")
	if s.hook == nil {
		s.hook = logging.NewCapturingLoggerHook(logging.NewLogCollector())
	}
	if s.history == nil {
		s.history = history.NewMemoryStore(cfg.History.Limit)
	}

	if cfg.Schedules != "" {
		manager, err := cron.NewCronTriggerManager(cfg.Schedules, cron.RunnableFunc(s.LaunchAll), s.base, catalog)
		if err != nil {
			return nil, fmt.Errorf("creating cron triggers: %w", err)
		}
		s.schedules = manager
	}
	if cfg.TLS.CertFile != "" {
		certs, err := NewCertLoader(cfg.TLS.CertFile, cfg.TLS.KeyFile, s.base)
		if err != nil {
			return nil, err
		}
		s.certs = certs
	}

	s.recording = history.Record(eng, s.history, s.base, history.WithLogCollector(s.hook.Collector()))
	s.tracking = status.Track(eng, s.statuses)

	return s, nil
}

// Close stops recording completions and tracking machine statuses.
func (s *Server) Close() {
	s.recording.Close()
	s.tracking.Close()
}

// Healthy reports an error while the engine is not running.
func (s *Server) Healthy() error {
	if !s.engine.IsRunning() {
		return errEngineStopped
	}
	return nil
}

// Config returns the current configuration.
func (s *Server) Config() *config.Config {
	return s.config.Load()
}

// Reload reads the configuration from disk. Machine data of later launches
// follows the new configuration; the listener and schedules keep the values
// they were started with.
func (s *Server) Reload() error {
	if s.configPath == "" {
		return errors.New("server was started without a configuration file")
	}
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return err
	}
	if s.levels != nil {
		if err := s.levels.SetLevel(cfg.Logging.Level); err != nil {
			return err
		}
	}
	s.config.Store(cfg)
	s.logger.Info("configuration loaded", "config_path", s.configPath)
	return nil
}

// Selectors returns the selectors machines can be launched for.
func (s *Server) Selectors() []string {
	return s.catalog.Selectors()
}

// Launch creates the machine of selector and hands it to the engine. The
// configured data of the selector is overlaid with data. The machine logs
// through a logger captured under its id.
func (s *Server) Launch(selector string, data map[string]any) (uuid.UUID, error) {
	if !s.catalog.Has(selector) {
		return uuid.Nil, fmt.Errorf("%w: %q", builder.ErrUnknownSelector, selector)
	}

	values := s.Config().MachineData(selector)
	maps.Copy(values, data)

	id := uuid.New()
	cfg := machine.NewConfiguration(selector, values)
	cfg.ID = id
	cfg.Logger = s.hook.LoggerForMachine(s.base, id.String())

	m, err := s.engine.ExecuteActivityMachine(cfg)
	if err != nil {
		s.hook.Collector().Remove(id.String())
		return uuid.Nil, err
	}
	s.logger.Info("machine launched", "selector", selector, "machine", m.Name(), "id", m.ID())
	return m.ID(), nil
}

// LaunchAll launches the machine of every selector, continuing past
// failures.
func (s *Server) LaunchAll(selectors []string) error {
	var errs []error
	for _, selector := range selectors {
		if _, err := s.Launch(selector, nil); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", selector, err))
		}
	}
	return errors.Join(errs...)
}

// Machines describes the running and delayed machines.
func (s *Server) Machines() []types.MachineInfo {
	snapshot := s.engine.Snapshot()
	infos := make([]types.MachineInfo, 0, len(snapshot))
	for _, info := range snapshot {
		mi := types.MachineInfo{
			ID:      info.ID,
			Name:    info.Name,
			Kind:    info.Kind,
			Delayed: info.Delayed,
			State:   status.StateRunning,
			AddedAt: info.AddedAt,
		}
		if info.Delayed {
			mi.State = status.StateWaiting
		}
		if !info.StartedAt.IsZero() {
			started := info.StartedAt
			mi.StartedAt = &started
		}
		if m, ok := info.Executable.(executable.Machine); ok {
			mi.Paused = m.IsPaused()
		}
		if st, ok := s.statuses.Get(info.ID); ok {
			mi.State = st.State
			mi.Node = st.Node
			mi.Message = st.Message
			mi.Error = st.Error
		}
		infos = append(infos, mi)
	}
	return infos
}

func (s *Server) machine(id uuid.UUID) (executable.Machine, error) {
	x, ok := s.engine.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrMachineNotFound, id)
	}
	m, ok := x.(executable.Machine)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotAMachine, x.Name())
	}
	return m, nil
}

// Quit quits the machine with id, immediately or after its current activity.
func (s *Server) Quit(id uuid.UUID, immediately bool) error {
	m, err := s.machine(id)
	if err != nil {
		return err
	}
	if immediately {
		m.EmergencyQuit(apiQuitReason)
	} else {
		m.Quit(apiQuitReason)
	}
	return nil
}

// Pause pauses the machine with id.
func (s *Server) Pause(id uuid.UUID) error {
	m, err := s.machine(id)
	if err != nil {
		return err
	}
	m.Pause()
	return nil
}

// Resume resumes the machine with id.
func (s *Server) Resume(id uuid.UUID) error {
	m, err := s.machine(id)
	if err != nil {
		return err
	}
	m.Resume()
	return nil
}

// Logs returns the logs of the machine with id. Logs of running machines
// come from the collector, those of completed ones from the history.
func (s *Server) Logs(id uuid.UUID) ([]logging.LogEntry, error) {
	if _, ok := s.engine.Lookup(id); ok {
		logs := s.hook.Collector().GetLogs(id.String())
		if logs == nil {
			logs = []logging.LogEntry{}
		}
		return logs, nil
	}
	record, ok, err := s.history.Get(id.String())
	if err != nil {
		return nil, err
	}
	if ok {
		return record.Logs, nil
	}
	if logs := s.hook.Collector().GetLogs(id.String()); len(logs) > 0 {
		return logs, nil
	}
	return nil, fmt.Errorf("%w: %s", types.ErrMachineNotFound, id)
}

// Records returns the completed runs, most recent first.
func (s *Server) Records() ([]history.RunRecord, error) {
	return s.history.Records()
}

// Get returns the completed run with id.
func (s *Server) Get(id string) (history.RunRecord, bool, error) {
	return s.history.Get(id)
}

// Summary returns the consolidated server status.
func (s *Server) Summary() types.Summary {
	hostname, _ := os.Hostname()
	summary := types.Summary{
		Server: types.ServerProperties{
			Build:     buildinfo.Get(),
			StartedAt: s.startedAt,
			Hostname:  hostname,
		},
		Running:   s.engine.RunningCount(),
		Delayed:   s.engine.DelayedCount(),
		Schedules: []types.Schedule{},
	}
	if s.schedules != nil {
		for _, trigger := range s.schedules.Triggers() {
			spec := trigger.Spec()
			sched := types.Schedule{
				Selectors: spec.Selectors,
				Cron:      spec.CronSpec,
				NextRun:   trigger.NextRun(),
			}
			runs, last, err := trigger.Runs()
			sched.Runs = runs
			if runs > 0 {
				sched.LastRun = &last
			}
			if err != nil {
				sched.LastError = err.Error()
			}
			summary.Schedules = append(summary.Schedules, sched)
		}
	}
	return summary
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handlers.NewHealthHandler(s))
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodGet, "/status", handlers.NewSummaryHandler(s))
		r.Method(http.MethodGet, "/config", handlers.NewConfigHandler(s))
		r.Method(http.MethodPost, "/reload", handlers.NewReloadHandler(s.logger, "configuration", s))
		r.Method(http.MethodGet, "/selectors", handlers.NewSelectorsHandler(s))

		r.Route("/machines", func(r chi.Router) {
			r.Method(http.MethodGet, "/", handlers.NewMachinesHandler(s))
			r.Method(http.MethodPost, "/", handlers.NewLaunchHandler(s.logger, s))
			r.Route("/{id}", func(r chi.Router) {
				r.Method(http.MethodGet, "/logs", handlers.NewMachineLogsHandler(s))
				for _, action := range []handlers.Action{
					handlers.ActionQuit,
					handlers.ActionEmergencyQuit,
					handlers.ActionPause,
					handlers.ActionResume,
				} {
					r.Method(http.MethodPost, "/"+string(action), handlers.NewMachineActionHandler(s.logger, s, action))
				}
			})
		})

		r.Method(http.MethodGet, "/history", handlers.NewHistoryHandler(s))
		r.Method(http.MethodGet, "/history/{id}", handlers.NewHistoryRecordHandler(s))
		if store, ok := s.history.(handlers.Reloader); ok {
			r.Method(http.MethodPost, "/history/reload", handlers.NewReloadHandler(s.logger, "history", store))
		}
	})
	return r
}

// Run starts the HTTP server and the cron schedules, and blocks until the
// context is cancelled. It performs a graceful shutdown when the context is
// done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}
	if s.certs != nil {
		s.httpServer.TLSConfig = &tls.Config{GetCertificate: s.certs.GetCertificate}
	}

	if s.schedules != nil {
		s.logger.Info("starting cron triggers", "next_run", s.schedules.NextRun())
		s.schedules.Start(ctx)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting server", "addr", s.addr, "tls", s.certs != nil)
		var err error
		if s.certs != nil {
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
