package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Runnable executes the machines of a list of selectors.
type Runnable interface {
	Run(selectors []string) error
}

// RunnableFunc adapts a function to a Runnable.
type RunnableFunc func(selectors []string) error

// Run calls f(selectors).
func (f RunnableFunc) Run(selectors []string) error {
	return f(selectors)
}

// CronTriggerManager runs the triggers of a multi-trigger spec on a single
// scheduler.
type CronTriggerManager struct {
	triggers  []*CronTrigger
	scheduler *cron.Cron
	logger    *slog.Logger
}

// NewCronTriggerManager creates a manager from a multi-trigger spec of the
// form selector1,selector2:cron_expression;selector3:cron_expression2.
// Every selector must be in the catalog and every expression must parse.
func NewCronTriggerManager(spec string, runnable Runnable, logger *slog.Logger, catalog Catalog) (*CronTriggerManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cron")

	specs, err := ParseTriggerSpecs(spec, catalog)
	if err != nil {
		return nil, err
	}

	m := &CronTriggerManager{
		triggers: make([]*CronTrigger, 0, len(specs)),
		logger:   logger,
	}
	clog := cronLogger{logger}
	m.scheduler = cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog)),
	)
	for _, spec := range specs {
		trigger, err := NewCronTrigger(spec, runnable, logger)
		if err != nil {
			return nil, fmt.Errorf("creating trigger for '%s:%s': %w",
				strings.Join(spec.Selectors, ","), spec.CronSpec, err)
		}
		m.scheduler.Schedule(trigger.schedule, trigger)
		m.triggers = append(m.triggers, trigger)
		logger.Info("trigger registered",
			"selectors", spec.Selectors,
			"schedule", spec.CronSpec,
			"next_run", trigger.NextRun(),
		)
	}
	return m, nil
}

// Start starts the scheduler and returns immediately. The scheduler stops
// when ctx is done; runs in progress are not interrupted.
func (m *CronTriggerManager) Start(ctx context.Context) {
	m.scheduler.Start()
	go func() {
		<-ctx.Done()
		<-m.scheduler.Stop().Done()
		m.logger.Info("cron triggers stopped")
	}()
}

// Triggers returns the triggers in configured order.
func (m *CronTriggerManager) Triggers() []*CronTrigger {
	return m.triggers
}

// Specs returns the parsed trigger specifications.
func (m *CronTriggerManager) Specs() []TriggerSpec {
	specs := make([]TriggerSpec, len(m.triggers))
	for i, t := range m.triggers {
		specs[i] = t.Spec()
	}
	return specs
}

// NextRun returns the earliest scheduled run time across all triggers, or
// the zero time without triggers.
func (m *CronTriggerManager) NextRun() time.Time {
	var earliest time.Time
	for _, next := range m.NextRuns() {
		if earliest.IsZero() || next.Before(earliest) {
			earliest = next
		}
	}
	return earliest
}

// NextRuns returns the next run time of each trigger, in the order of Specs.
func (m *CronTriggerManager) NextRuns() []time.Time {
	runs := make([]time.Time, 0, len(m.triggers))
	for _, trigger := range m.triggers {
		runs = append(runs, trigger.NextRun())
	}
	return runs
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
