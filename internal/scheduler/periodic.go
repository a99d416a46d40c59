package scheduler

import (
	"sync/atomic"

	"github.com/snehjoshi/tickq/internal/ticks"
)

// Periodic is a Job that runs its work on every TIMEOUT and rearms itself
// at previous expiry + period.
//
// Rearming from the previous expiry rather than from the current time keeps
// the phase fixed even when dispatch runs late. When the work overruns by
// more than a whole period, the expiry is moved forward to the latest point
// on the period grid that is not after now: the job fires once more on the
// next tick to catch up, and the skipped periods are counted in Overruns
// rather than replayed.
type Periodic struct {
	Job

	period   atomic.Uint32
	run      func(p *Periodic)
	fires    atomic.Uint64
	overruns atomic.Uint64
}

// NewPeriodic returns an idle periodic job on s. run may be nil.
// A period of 0 is treated as 1.
func NewPeriodic(s *Scheduler, period uint32, run func(p *Periodic)) *Periodic {
	p := &Periodic{run: run}
	p.Job.init(s, p)
	p.SetPeriod(period)
	return p
}

// Period returns the current period in ticks.
func (p *Periodic) Period() uint32 { return p.period.Load() }

// SetPeriod changes the period. It may be called at any time and takes
// effect at the next rearm. Values are clamped to [1, 2^31-1].
func (p *Periodic) SetPeriod(period uint32) {
	switch {
	case period == 0:
		period = 1
	case period > ticks.MaxDelay:
		period = ticks.MaxDelay
	}
	p.period.Store(period)
}

// Fires returns how many times the work function ran.
func (p *Periodic) Fires() uint64 { return p.fires.Load() }

// Overruns returns how many whole periods were skipped to catch up.
func (p *Periodic) Overruns() uint64 { return p.overruns.Load() }

// Expired implements Expirer.
func (p *Periodic) Expired(j *Job) {
	p.fires.Add(1)
	if p.run != nil {
		p.run(p)
	}

	period := p.Period()
	next := j.Expires().Add(period)
	now := j.sched.Now()
	if ticks.Due(next, now) {
		if behind := ticks.Since(next, now); behind >= period {
			skipped := behind / period
			next = next.Add(skipped * period)
			p.overruns.Add(uint64(skipped))
		}
	}
	j.Rearm(next)
}
