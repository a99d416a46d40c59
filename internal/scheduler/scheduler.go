// Package scheduler implements the time-ordered job queue of one time base.
//
// A Scheduler keeps its armed jobs in a doubly linked list sorted by expiry,
// compared wrap-safely (see package ticks). Its clock's interrupt calls Tick,
// which unlinks every job that is due and posts one TIMEOUT event per job to
// the event dispatcher. The main loop later dispatches those events, which
// runs each job's Expirer. Periodic jobs rearm themselves from their previous
// expiry, so their phase never drifts.
//
// Usage:
//
//	disp := event.New(16)
//	var clk clock.Counter
//	s := scheduler.New(&clk, disp)
//	clk.Attach(s)
//
//	blink := scheduler.NewPeriodic(s, 500, func(p *scheduler.Periodic) { toggle() })
//	_ = blink.Start(500)
//
//	for {
//	    disp.Service()
//	}
//
// All methods are safe for concurrent use. Tick never blocks on anything but
// the short queue lock and never fails.
package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/tickq/internal/event"
	"github.com/snehjoshi/tickq/internal/ticks"
)

var (
	// ErrAlreadyArmed is returned when arming a job that is already linked.
	ErrAlreadyArmed = errors.New("scheduler: job already armed")

	// ErrWrongScheduler is returned when a job is handed to a scheduler
	// other than the one it was created for.
	ErrWrongScheduler = errors.New("scheduler: job belongs to another scheduler")

	// ErrDelayTooLong is returned for delays that cannot be ordered
	// unambiguously against the 32-bit rollover.
	ErrDelayTooLong = errors.New("scheduler: delay exceeds 2^31-1 ticks")
)

// Clock is the time source a Scheduler reads on every Tick.
type Clock interface {
	Now() ticks.Time
}

// Scheduler owns the ordered queue of armed jobs for one time base.
type Scheduler struct {
	mu    sync.Mutex
	queue list

	clock Clock
	disp  *event.Dispatcher

	ticks   atomic.Uint64 // Tick calls
	expired atomic.Uint64 // jobs unlinked as due
	missed  atomic.Uint64 // expirations lost to a full event queue
}

// New creates a Scheduler reading time from clock and posting TIMEOUT events
// to disp.
func New(clock Clock, disp *event.Dispatcher) *Scheduler {
	return &Scheduler{clock: clock, disp: disp}
}

// Now returns the current time on this scheduler's time base.
func (s *Scheduler) Now() ticks.Time { return s.clock.Now() }

// Clock returns the scheduler's time source.
func (s *Scheduler) Clock() Clock { return s.clock }

// Dispatcher returns the dispatcher receiving this scheduler's events.
func (s *Scheduler) Dispatcher() *event.Dispatcher { return s.disp }

// Insert arms j with its current expiry.
func (s *Scheduler) Insert(j *Job) error {
	if j.sched != s {
		return ErrWrongScheduler
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.state == stateArmed {
		return ErrAlreadyArmed
	}
	s.link(j)
	return nil
}

// Remove disarms j. Removing an idle job is a no-op.
func (s *Scheduler) Remove(j *Job) error {
	if j.sched != s {
		return ErrWrongScheduler
	}
	j.Stop()
	return nil
}

// link inserts j in time order. MUST be called with s.mu held.
func (s *Scheduler) link(j *Job) {
	s.queue.insert(j)
	j.state = stateArmed
	j.cancelled = false
}

// Tick detects expirations. Every job at the head of the queue that is due
// at the current time is unlinked and handed to the dispatcher as a TIMEOUT
// event, in queue order. A job fires at most once per detection, however
// many of its periods elapsed between ticks.
//
// If the dispatcher is full the event is dropped: the job goes idle and the
// loss is counted by both Missed and the dispatcher's Dropped counter.
func (s *Scheduler) Tick() {
	s.ticks.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for j := s.queue.front(); j != nil && ticks.Due(j.expires, now); j = s.queue.front() {
		s.queue.remove(j)
		s.expired.Add(1)
		j.state = statePending
		if !s.disp.Post(event.Event{Target: j, Type: event.TypeTimeout, Value: j.value}) {
			j.state = stateIdle
			s.missed.Add(1)
		}
	}
}

// Len returns the number of armed jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.n
}

// Next returns the expiry of the head job and whether the queue is non-empty.
func (s *Scheduler) Next() (ticks.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.queue.front(); j != nil {
		return j.expires, true
	}
	return 0, false
}

// Ticks returns the number of Tick calls.
func (s *Scheduler) Ticks() uint64 { return s.ticks.Load() }

// Expired returns the number of jobs unlinked as due.
func (s *Scheduler) Expired() uint64 { return s.expired.Load() }

// Missed returns the number of expirations dropped because the dispatcher
// was full.
func (s *Scheduler) Missed() uint64 { return s.missed.Load() }

// Reset unlinks every armed job and zeroes the counters. Jobs become idle.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	for j := s.queue.front(); j != nil; j = s.queue.front() {
		s.queue.remove(j)
		j.state = stateIdle
		j.cancelled = false
	}
	s.mu.Unlock()

	s.ticks.Store(0)
	s.expired.Store(0)
	s.missed.Store(0)
}
