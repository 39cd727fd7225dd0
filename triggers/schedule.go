package triggers

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nomis52/goactivity/uml"
)

// ErrInvalidCronSpec is returned when a schedule cannot be parsed.
var ErrInvalidCronSpec = errors.New("invalid cron spec")

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a standard five field cron spec or a descriptor such
// as "@hourly" or "@every 5m".
func ParseSchedule(spec string) (cron.Schedule, error) {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, errors.Join(ErrInvalidCronSpec, err)
	}
	return schedule, nil
}

// Schedule returns a trigger tripping at every activation of the cron spec
// while the trigger is live.
func Schedule(name, spec string, guard uml.Constraint, opts ...uml.TriggerOption) (*uml.Trigger, error) {
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}

	return uml.NewTrigger(name, uml.BinderFunc(func(trip func()) func() {
		ctx, cancel := context.WithCancel(context.Background())
		go loop(ctx, schedule, trip)
		return cancel
	}), guard, opts...), nil
}

func loop(ctx context.Context, schedule cron.Schedule, trip func()) {
	for {
		timer := time.NewTimer(time.Until(schedule.Next(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			trip()
		}
	}
}
