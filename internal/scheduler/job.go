package scheduler

import (
	"github.com/snehjoshi/tickq/internal/event"
	"github.com/snehjoshi/tickq/internal/ticks"
)

// state is the queue membership of a Job.
type state uint8

const (
	// stateIdle: not linked, no TIMEOUT event outstanding.
	stateIdle state = iota
	// stateArmed: linked into its scheduler's queue.
	stateArmed
	// statePending: unlinked by Tick, TIMEOUT event queued for dispatch.
	statePending
	// stateExpiring: the Expirer is running for the current TIMEOUT.
	stateExpiring
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateArmed:
		return "armed"
	case statePending:
		return "pending"
	case stateExpiring:
		return "expiring"
	default:
		return "unknown"
	}
}

// Expirer is the on-expiry action of a Job. Expired runs in main-loop
// context when the job's TIMEOUT event is dispatched.
type Expirer interface {
	Expired(j *Job)
}

// ExpirerFunc adapts a function to Expirer.
type ExpirerFunc func(j *Job)

// Expired calls f(j).
func (f ExpirerFunc) Expired(j *Job) { f(j) }

// Job is a unit of work that becomes due at an absolute tick on one
// Scheduler. Jobs are owned by application code; the Scheduler only links
// them while armed.
//
// All fields are guarded by the owning Scheduler's lock.
type Job struct {
	sched   *Scheduler
	expires ticks.Time
	value   uint16

	prev, next *Job
	state      state

	// cancelled is set when Stop is called after Tick already unlinked the
	// job. The queued TIMEOUT still fires once but rearming is suppressed.
	cancelled bool

	expirer Expirer
}

// NewJob returns an idle job bound to s. x runs on every TIMEOUT; it may be
// nil for jobs that only need to be observed through their events.
func NewJob(s *Scheduler, x Expirer) *Job {
	j := &Job{}
	j.init(s, x)
	return j
}

func (j *Job) init(s *Scheduler, x Expirer) {
	j.sched = s
	j.expirer = x
}

// Scheduler returns the scheduler this job is bound to.
func (j *Job) Scheduler() *Scheduler { return j.sched }

// Start arms the job to expire delay ticks from now.
// It returns ErrAlreadyArmed if the job is already linked.
func (j *Job) Start(delay uint32) error {
	if j.sched == nil {
		return ErrWrongScheduler
	}
	if delay > ticks.MaxDelay {
		return ErrDelayTooLong
	}
	s := j.sched
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.state == stateArmed {
		return ErrAlreadyArmed
	}
	j.expires = s.clock.Now().Add(delay)
	s.link(j)
	return nil
}

// StartAt arms the job to expire at the absolute tick t.
func (j *Job) StartAt(t ticks.Time) error {
	if j.sched == nil {
		return ErrWrongScheduler
	}
	s := j.sched
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.state == stateArmed {
		return ErrAlreadyArmed
	}
	j.expires = t
	s.link(j)
	return nil
}

// Arm inserts the job using its current expiry, as set by SetExpires or by
// a previous firing.
func (j *Job) Arm() error {
	if j.sched == nil {
		return ErrWrongScheduler
	}
	return j.sched.Insert(j)
}

// Stop disarms the job. It is idempotent and safe on a job that was never
// armed. If Tick already queued the job's TIMEOUT event, that event still
// fires once; only the rearm that would follow it is suppressed.
func (j *Job) Stop() {
	if j.sched == nil {
		return
	}
	s := j.sched
	s.mu.Lock()
	defer s.mu.Unlock()
	switch j.state {
	case stateArmed:
		s.queue.remove(j)
		j.state = stateIdle
	case statePending, stateExpiring:
		j.cancelled = true
	}
}

// Expires returns the absolute tick at which the job is (or was last) due.
func (j *Job) Expires() ticks.Time {
	if j.sched == nil {
		return j.expires
	}
	j.sched.mu.Lock()
	defer j.sched.mu.Unlock()
	return j.expires
}

// SetExpires sets the absolute expiry without arming. Changing the expiry of
// an armed job would break queue order, so it is rejected with
// ErrAlreadyArmed; Stop first.
func (j *Job) SetExpires(t ticks.Time) error {
	if j.sched == nil {
		j.expires = t
		return nil
	}
	j.sched.mu.Lock()
	defer j.sched.mu.Unlock()
	if j.state == stateArmed {
		return ErrAlreadyArmed
	}
	j.expires = t
	return nil
}

// Value returns the value carried by this job's TIMEOUT events.
func (j *Job) Value() uint16 {
	if j.sched == nil {
		return j.value
	}
	j.sched.mu.Lock()
	defer j.sched.mu.Unlock()
	return j.value
}

// SetValue sets the value carried by subsequent TIMEOUT events.
func (j *Job) SetValue(v uint16) {
	if j.sched == nil {
		j.value = v
		return
	}
	j.sched.mu.Lock()
	j.value = v
	j.sched.mu.Unlock()
}

// IsArmed reports whether the job is linked into its scheduler's queue.
func (j *Job) IsArmed() bool {
	if j.sched == nil {
		return false
	}
	j.sched.mu.Lock()
	defer j.sched.mu.Unlock()
	return j.state == stateArmed
}

// Cancelled reports whether Stop was called after the current TIMEOUT was
// detected. It is meaningful inside Expired.
func (j *Job) Cancelled() bool {
	if j.sched == nil {
		return false
	}
	j.sched.mu.Lock()
	defer j.sched.mu.Unlock()
	return j.cancelled
}

// Rearm sets the expiry to next and links the job again, but only from
// inside Expired and only when the firing was not cancelled and the job was
// not re-armed by application code in the meantime. It reports whether the
// job was linked.
func (j *Job) Rearm(next ticks.Time) bool {
	if j.sched == nil {
		return false
	}
	s := j.sched
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.state != stateExpiring || j.cancelled {
		return false
	}
	j.expires = next
	s.link(j)
	return true
}

// OnEvent implements event.Handler. TIMEOUT events run the job's Expirer;
// other event types are ignored.
func (j *Job) OnEvent(typ event.Type, _ uint16) {
	if typ != event.TypeTimeout || j.sched == nil {
		return
	}
	s := j.sched
	s.mu.Lock()
	if j.state == statePending {
		j.state = stateExpiring
	}
	s.mu.Unlock()

	if j.expirer != nil {
		j.expirer.Expired(j)
	}

	s.mu.Lock()
	if j.state == stateExpiring {
		j.state = stateIdle
	}
	if j.state != stateArmed {
		j.cancelled = false
	}
	s.mu.Unlock()
}
