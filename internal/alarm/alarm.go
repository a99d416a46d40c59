// Package alarm rearms jobs from calendar schedules.
//
// An Alarm lives on a seconds time base whose counter holds Unix time
// (timebase.EpochUnix). On every TIMEOUT it runs its work and rearms at the
// next instant the cron expression matches, so like Periodic it is driven by
// its previous expiry and never by the dispatch time. When the work runs
// late past several activations only the latest of them fires.
package alarm

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/snehjoshi/tickq/internal/scheduler"
	"github.com/snehjoshi/tickq/internal/ticks"
)

// ErrNoNextFire is returned by Start when the schedule never matches again.
var ErrNoNextFire = errors.New("alarm: schedule has no future activation")

// Parser accepts standard five-field expressions, an optional leading
// seconds field and descriptors such as @hourly or @every 90s.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Option configures an Alarm.
type Option func(*Alarm)

// WithLocation evaluates the schedule in loc instead of UTC.
func WithLocation(loc *time.Location) Option {
	return func(a *Alarm) {
		if loc != nil {
			a.loc = loc
		}
	}
}

// Alarm is a calendar-driven job.
type Alarm struct {
	job      *scheduler.Job
	spec     string
	schedule cron.Schedule
	loc      *time.Location
	run      func(a *Alarm)

	fires  atomic.Uint64
	missed atomic.Uint64
}

// New parses spec and returns an idle alarm on s. run may be nil.
func New(s *scheduler.Scheduler, spec string, run func(a *Alarm), opts ...Option) (*Alarm, error) {
	sched, err := Parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("alarm: parse %q: %w", spec, err)
	}
	a := &Alarm{spec: spec, schedule: sched, loc: time.UTC, run: run}
	for _, o := range opts {
		o(a)
	}
	a.job = scheduler.NewJob(s, a)
	return a, nil
}

// Job returns the underlying job.
func (a *Alarm) Job() *scheduler.Job { return a.job }

// Spec returns the cron expression.
func (a *Alarm) Spec() string { return a.spec }

// Fires returns how many times the work ran.
func (a *Alarm) Fires() uint64 { return a.fires.Load() }

// Missed returns how many activations were skipped because the alarm fired
// late by more than one activation.
func (a *Alarm) Missed() uint64 { return a.missed.Load() }

// Start arms the alarm at its next activation after the scheduler's now.
func (a *Alarm) Start() error {
	next, ok := a.nextAfter(a.job.Scheduler().Now())
	if !ok {
		return ErrNoNextFire
	}
	return a.job.StartAt(next)
}

// Stop disarms the alarm.
func (a *Alarm) Stop() { a.job.Stop() }

// Next returns the wall-clock time of the armed activation.
func (a *Alarm) Next() time.Time {
	return time.Unix(int64(a.job.Expires()), 0).In(a.loc)
}

// Expired implements scheduler.Expirer.
func (a *Alarm) Expired(j *scheduler.Job) {
	a.fires.Add(1)
	if a.run != nil {
		a.run(a)
	}

	now := j.Scheduler().Now()
	next, ok := a.nextAfter(j.Expires())
	if !ok {
		return
	}
	// Late: skip to the latest activation not after now. It fires once on
	// the next tick, the ones before it are counted as missed.
	for ticks.Due(next, now) {
		after, more := a.nextAfter(next)
		if !more || !ticks.Due(after, now) {
			break
		}
		a.missed.Add(1)
		next = after
	}
	j.Rearm(next)
}

func (a *Alarm) nextAfter(t ticks.Time) (ticks.Time, bool) {
	n := a.schedule.Next(time.Unix(int64(t), 0).In(a.loc))
	if n.IsZero() {
		return 0, false
	}
	d := n.Unix() - int64(t)
	if d <= 0 || d > ticks.MaxDelay {
		return 0, false
	}
	return t.Add(uint32(d)), true
}
