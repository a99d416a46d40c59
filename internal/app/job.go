package app

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/tickq/internal/alarm"
	"github.com/snehjoshi/tickq/internal/config"
	"github.com/snehjoshi/tickq/internal/scheduler"
	"github.com/snehjoshi/tickq/internal/store"
	"github.com/snehjoshi/tickq/internal/ticks"
	"github.com/snehjoshi/tickq/internal/timebase"
)

// job is one configured job and the scheduler object behind it. Exactly one
// of periodic, alarm is set for those kinds; oneshot jobs only have j.
type job struct {
	cfg  config.JobConfig
	unit timebase.Unit
	log  zerolog.Logger

	j        *scheduler.Job
	periodic *scheduler.Periodic
	alarm    *alarm.Alarm

	oneshotFires atomic.Uint64
	verbose      atomic.Bool // log firings at info

	// Counters carried over from the last checkpoint.
	baseFires    uint64
	baseOverruns uint64

	// stopped is guarded by App.mu.
	stopped bool
}

func (a *App) buildJob(jc config.JobConfig) (*job, error) {
	unit, err := timebase.ParseUnit(jc.Base)
	if err != nil {
		return nil, err
	}
	base, ok := a.sys.Base(unit)
	if !ok {
		return nil, fmt.Errorf("time base %s is not enabled", unit)
	}
	sched := base.Scheduler()

	j := &job{cfg: jc, unit: unit, log: a.log.With().Str("job", jc.Name).Logger()}
	switch jc.Kind {
	case config.KindPeriodic:
		j.periodic = scheduler.NewPeriodic(sched, jc.Period, func(p *scheduler.Periodic) {
			j.fired(&p.Job)
		})
		j.j = &j.periodic.Job
	case config.KindOneshot:
		j.j = scheduler.NewJob(sched, scheduler.ExpirerFunc(func(sj *scheduler.Job) {
			j.oneshotFires.Add(1)
			j.fired(sj)
		}))
	case config.KindAlarm:
		var opts []alarm.Option
		if jc.Location != "" {
			loc, err := time.LoadLocation(jc.Location)
			if err != nil {
				return nil, err
			}
			opts = append(opts, alarm.WithLocation(loc))
		}
		j.alarm, err = alarm.New(sched, jc.Cron, func(al *alarm.Alarm) {
			j.fired(al.Job())
		}, opts...)
		if err != nil {
			return nil, err
		}
		j.j = j.alarm.Job()
	default:
		return nil, fmt.Errorf("unknown kind %q", jc.Kind)
	}
	j.j.SetValue(jc.Value)
	j.verbose.Store(jc.Log)
	return j, nil
}

func (j *job) kind() config.JobKind { return j.cfg.Kind }

// fired is the work of every configured job: it reports the firing and how
// late the main loop dispatched it.
func (j *job) fired(sj *scheduler.Job) {
	lvl := zerolog.DebugLevel
	if j.verbose.Load() {
		lvl = zerolog.InfoLevel
	}
	ev := j.log.WithLevel(lvl)
	if !ev.Enabled() {
		return
	}
	expires := sj.Expires()
	now := sj.Scheduler().Now()
	ev.Uint32("expires", uint32(expires)).
		Uint32("late", ticks.Since(expires, now)).
		Str("unit", j.unit.String()).
		Uint64("fires", j.fires()).
		Msg("job fired")
}

// start arms the job from now.
func (j *job) start() error {
	switch {
	case j.periodic != nil:
		delay := j.cfg.Delay
		if delay == 0 {
			delay = j.periodic.Period()
		}
		return j.periodic.Start(delay)
	case j.alarm != nil:
		return j.alarm.Start()
	default:
		return j.j.Start(j.cfg.Delay)
	}
}

func (j *job) stop() { j.j.Stop() }

func (j *job) fires() uint64 {
	switch {
	case j.periodic != nil:
		return j.baseFires + j.periodic.Fires()
	case j.alarm != nil:
		return j.baseFires + j.alarm.Fires()
	default:
		return j.baseFires + j.oneshotFires.Load()
	}
}

func (j *job) overruns() uint64 {
	switch {
	case j.periodic != nil:
		return j.baseOverruns + j.periodic.Overruns()
	case j.alarm != nil:
		return j.baseOverruns + j.alarm.Missed()
	default:
		return j.baseOverruns
	}
}

func (j *job) period() uint32 {
	if j.periodic != nil {
		return j.periodic.Period()
	}
	return 0
}

// checkpoint captures the job's counters. MUST be called with App.mu held.
func (j *job) checkpoint() store.Checkpoint {
	return store.Checkpoint{
		Job:      j.cfg.Name,
		Base:     j.cfg.Base,
		Kind:     string(j.cfg.Kind),
		Period:   j.period(),
		Fires:    j.fires(),
		Overruns: j.overruns(),
		Armed:    j.j.IsArmed(),
		Stopped:  j.stopped,
	}
}

// restore continues counters from cp and reapplies operator changes.
func (j *job) restore(cp store.Checkpoint) {
	j.baseFires = cp.Fires
	j.baseOverruns = cp.Overruns
	if j.periodic != nil && cp.Period != 0 {
		j.periodic.SetPeriod(cp.Period)
	}
	j.stopped = cp.Stopped
}
