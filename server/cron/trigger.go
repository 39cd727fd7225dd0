// Package cron schedules machine executions for the goactivity server.
//
// A CronTriggerManager builds one CronTrigger per entry of a multi-trigger
// spec and runs them on a robfig/cron scheduler. Each activation executes
// the scheduled selectors through a Runnable.
//
// Example usage:
//
//	manager, err := cron.NewCronTriggerManager("MoveTray:0 2 * * *", srv, logger, registry)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	manager.Start(ctx) // Returns immediately, stops when ctx is done
package cron

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nomis52/goactivity/triggers"
)

// ErrInvalidCronSpec is returned when the cron specification cannot be parsed.
var ErrInvalidCronSpec = triggers.ErrInvalidCronSpec

// CronTrigger runs the selectors of one trigger spec. It implements
// cron.Job.
type CronTrigger struct {
	spec     TriggerSpec
	schedule cron.Schedule
	runnable Runnable
	logger   *slog.Logger

	mu      sync.Mutex
	runs    int
	lastRun time.Time
	lastErr error
}

// NewCronTrigger creates a CronTrigger for spec. The cron expression is a
// standard five field spec or a descriptor such as "@daily".
// Returns ErrInvalidCronSpec if it cannot be parsed.
func NewCronTrigger(spec TriggerSpec, runnable Runnable, logger *slog.Logger) (*CronTrigger, error) {
	schedule, err := triggers.ParseSchedule(spec.CronSpec)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CronTrigger{
		spec:     spec,
		schedule: schedule,
		runnable: runnable,
		logger:   logger.With("schedule", spec.CronSpec, "selectors", spec.Selectors),
	}, nil
}

// Run executes the selectors of the trigger.
func (ct *CronTrigger) Run() {
	ct.logger.Info("starting scheduled run")
	err := ct.runnable.Run(ct.spec.Selectors)

	ct.mu.Lock()
	ct.runs++
	ct.lastRun = time.Now()
	ct.lastErr = err
	ct.mu.Unlock()

	if err != nil {
		ct.logger.Warn("scheduled run failed to start", "error", err)
		return
	}
	ct.logger.Info("scheduled run started")
}

// Spec returns the trigger spec.
func (ct *CronTrigger) Spec() TriggerSpec {
	return ct.spec
}

// NextRun returns the next scheduled run time from now.
func (ct *CronTrigger) NextRun() time.Time {
	return ct.schedule.Next(time.Now())
}

// Runs returns the number of activations, the time of the last one and
// the error it returned.
func (ct *CronTrigger) Runs() (int, time.Time, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.runs, ct.lastRun, ct.lastErr
}
