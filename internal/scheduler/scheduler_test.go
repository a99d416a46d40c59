package scheduler_test

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/snehjoshi/tickq/internal/clock"
	"github.com/snehjoshi/tickq/internal/event"
	"github.com/snehjoshi/tickq/internal/scheduler"
	"github.com/snehjoshi/tickq/internal/ticks"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// rig is one time base: a hand-stepped counter, its scheduler and the
// dispatcher they feed.
type rig struct {
	clk   *clock.Counter
	disp  *event.Dispatcher
	sched *scheduler.Scheduler
}

func newRig(t *testing.T, capacity int) *rig {
	t.Helper()
	r := &rig{clk: &clock.Counter{}, disp: event.New(capacity)}
	r.sched = scheduler.New(r.clk, r.disp)
	r.clk.Attach(r.sched)
	return r
}

// drain services every queued event.
func (r *rig) drain() int {
	n := 0
	for r.disp.Service() {
		n++
	}
	return n
}

// fired records job names in dispatch order.
type fired struct {
	mu    sync.Mutex
	names []string
}

func (f *fired) job(r *rig, name string) *scheduler.Job {
	return scheduler.NewJob(r.sched, scheduler.ExpirerFunc(func(*scheduler.Job) {
		f.mu.Lock()
		f.names = append(f.names, name)
		f.mu.Unlock()
	}))
}

func (f *fired) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.names))
	copy(out, f.names)
	return out
}

func mustStart(t *testing.T, j *scheduler.Job, delay uint32) {
	t.Helper()
	if err := j.Start(delay); err != nil {
		t.Fatalf("Start(%d): %v", delay, err)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ─── Tests ───────────────────────────────────────────────────────────────────

// TestScheduler_EndToEnd arms A with delay 5 and B with delay 3 on a
// millisecond base and checks that B fires after 3 ticks and A after 2 more.
func TestScheduler_EndToEnd(t *testing.T) {
	r := newRig(t, 8)
	f := &fired{}
	a, b := f.job(r, "A"), f.job(r, "B")
	mustStart(t, a, 5)
	mustStart(t, b, 3)

	r.clk.Step(3)
	r.disp.Service()
	if got := f.got(); !equal(got, []string{"B"}) {
		t.Fatalf("after 3 ticks: want [B], got %v", got)
	}
	if !a.IsArmed() {
		t.Fatal("A must still be armed")
	}

	r.clk.Step(2)
	r.disp.Service()
	if got := f.got(); !equal(got, []string{"B", "A"}) {
		t.Fatalf("after 5 ticks: want [B A], got %v", got)
	}
	if r.sched.Len() != 0 {
		t.Fatalf("Len: want 0, got %d", r.sched.Len())
	}
}

// TestScheduler_OrderedDispatch verifies that jobs fire in expiry order
// regardless of arm order, even when all of them become due in one tick.
func TestScheduler_OrderedDispatch(t *testing.T) {
	r := newRig(t, 16)
	f := &fired{}
	delays := map[string]uint32{"d": 40, "a": 10, "c": 30, "b": 20, "e": 50}
	for _, name := range []string{"d", "a", "c", "b", "e"} {
		mustStart(t, f.job(r, name), delays[name])
	}

	r.clk.Advance(100)
	r.sched.Tick() // one coarse interrupt covers every expiry
	r.drain()

	if got := f.got(); !equal(got, []string{"a", "b", "c", "d", "e"}) {
		t.Fatalf("dispatch order: got %v", got)
	}
}

// TestScheduler_TiesAreFIFO verifies that equal expiries dispatch in arm order.
func TestScheduler_TiesAreFIFO(t *testing.T) {
	r := newRig(t, 16)
	f := &fired{}
	for _, name := range []string{"first", "second", "third"} {
		mustStart(t, f.job(r, name), 7)
	}
	mustStart(t, f.job(r, "early"), 3)

	r.clk.Step(7)
	r.drain()

	if got := f.got(); !equal(got, []string{"early", "first", "second", "third"}) {
		t.Fatalf("tie order: got %v", got)
	}
}

// TestScheduler_WraparoundJustWrappedIsDue verifies that expires = now-1 is
// already due instead of 2^32-1 ticks away.
func TestScheduler_WraparoundJustWrappedIsDue(t *testing.T) {
	r := newRig(t, 4)
	f := &fired{}
	r.clk.Set(2) // just past rollover

	j := f.job(r, "late")
	if err := j.StartAt(r.clk.Now() - 3); err != nil { // == MaxUint32
		t.Fatalf("StartAt: %v", err)
	}
	r.sched.Tick()
	r.drain()

	if got := f.got(); !equal(got, []string{"late"}) {
		t.Fatalf("want late job fired immediately, got %v", got)
	}
}

// TestScheduler_WraparoundOrdering arms one job before and one after the
// rollover point and checks they fire in time order.
func TestScheduler_WraparoundOrdering(t *testing.T) {
	r := newRig(t, 4)
	f := &fired{}
	r.clk.Set(math.MaxUint32 - 5)

	mustStart(t, f.job(r, "after-wrap"), 10) // expires = 4
	mustStart(t, f.job(r, "before-wrap"), 3) // expires = MaxUint32-2

	next, ok := r.sched.Next()
	if !ok || next != math.MaxUint32-2 {
		t.Fatalf("head: want %d, got %d (ok=%v)", uint32(math.MaxUint32-2), next, ok)
	}

	r.clk.Step(3)
	r.drain()
	if got := f.got(); !equal(got, []string{"before-wrap"}) {
		t.Fatalf("before rollover: got %v", got)
	}

	r.clk.Step(7)
	r.drain()
	if got := f.got(); !equal(got, []string{"before-wrap", "after-wrap"}) {
		t.Fatalf("after rollover: got %v", got)
	}
}

// TestScheduler_StopIsIdempotent calls Stop twice on an armed job and on a
// never-armed job; the queue must stay intact.
func TestScheduler_StopIsIdempotent(t *testing.T) {
	r := newRig(t, 4)
	f := &fired{}
	a, b, never := f.job(r, "a"), f.job(r, "b"), f.job(r, "never")
	mustStart(t, a, 5)
	mustStart(t, b, 6)

	a.Stop()
	a.Stop()
	never.Stop()
	never.Stop()

	if a.IsArmed() || never.IsArmed() {
		t.Fatal("stopped jobs must be idle")
	}
	if r.sched.Len() != 1 {
		t.Fatalf("Len: want 1, got %d", r.sched.Len())
	}

	r.clk.Step(10)
	r.drain()
	if got := f.got(); !equal(got, []string{"b"}) {
		t.Fatalf("want only b, got %v", got)
	}
}

// TestScheduler_NoDoubleLink verifies that a job cannot be queued twice and
// that restarting an idle job places it at its new expiry.
func TestScheduler_NoDoubleLink(t *testing.T) {
	r := newRig(t, 8)
	f := &fired{}
	a, b := f.job(r, "a"), f.job(r, "b")
	mustStart(t, a, 10)
	mustStart(t, b, 5)

	if err := a.Start(1); !errors.Is(err, scheduler.ErrAlreadyArmed) {
		t.Fatalf("second Start: want ErrAlreadyArmed, got %v", err)
	}
	if err := r.sched.Insert(a); !errors.Is(err, scheduler.ErrAlreadyArmed) {
		t.Fatalf("Insert armed: want ErrAlreadyArmed, got %v", err)
	}
	if r.sched.Len() != 2 {
		t.Fatalf("Len: want 2, got %d", r.sched.Len())
	}

	a.Stop()
	mustStart(t, a, 2) // now ahead of b
	if a.Expires() != 2 {
		t.Fatalf("a.Expires: want 2, got %d", a.Expires())
	}

	r.clk.Step(10)
	r.drain()
	if got := f.got(); !equal(got, []string{"a", "b"}) {
		t.Fatalf("restart order: got %v", got)
	}
}

func TestScheduler_WrongScheduler(t *testing.T) {
	r1, r2 := newRig(t, 4), newRig(t, 4)
	j := scheduler.NewJob(r1.sched, nil)

	if err := r2.sched.Insert(j); !errors.Is(err, scheduler.ErrWrongScheduler) {
		t.Fatalf("Insert: want ErrWrongScheduler, got %v", err)
	}
	if err := r2.sched.Remove(j); !errors.Is(err, scheduler.ErrWrongScheduler) {
		t.Fatalf("Remove: want ErrWrongScheduler, got %v", err)
	}
	if r2.sched.Len() != 0 {
		t.Fatal("foreign job was linked")
	}

	var orphan scheduler.Job
	if err := orphan.Start(1); !errors.Is(err, scheduler.ErrWrongScheduler) {
		t.Fatalf("zero Job Start: want ErrWrongScheduler, got %v", err)
	}
	orphan.Stop() // must not panic
}

func TestScheduler_SetExpiresAndArm(t *testing.T) {
	r := newRig(t, 4)
	f := &fired{}
	j := f.job(r, "j")

	if err := j.SetExpires(4); err != nil {
		t.Fatalf("SetExpires idle: %v", err)
	}
	if err := j.Arm(); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if err := j.SetExpires(9); !errors.Is(err, scheduler.ErrAlreadyArmed) {
		t.Fatalf("SetExpires armed: want ErrAlreadyArmed, got %v", err)
	}

	r.clk.Step(4)
	r.drain()
	if got := f.got(); !equal(got, []string{"j"}) {
		t.Fatalf("got %v", got)
	}
}

func TestScheduler_DelayTooLong(t *testing.T) {
	r := newRig(t, 4)
	j := scheduler.NewJob(r.sched, nil)
	if err := j.Start(ticks.MaxDelay + 1); !errors.Is(err, scheduler.ErrDelayTooLong) {
		t.Fatalf("want ErrDelayTooLong, got %v", err)
	}
	if err := j.Start(ticks.MaxDelay); err != nil {
		t.Fatalf("MaxDelay must be accepted: %v", err)
	}
}

// TestScheduler_TimeoutCarriesValue checks that the job's value survives
// arming and that exactly one TIMEOUT is queued per expiry.
func TestScheduler_TimeoutCarriesValue(t *testing.T) {
	r := newRig(t, 4)
	j := scheduler.NewJob(r.sched, nil)
	j.SetValue(0xBEEF)
	mustStart(t, j, 1)

	r.clk.Step(3)
	if r.disp.Len() != 1 {
		t.Fatalf("queued events: want 1, got %d", r.disp.Len())
	}
	if j.Value() != 0xBEEF {
		t.Fatalf("Value: want 0xBEEF, got %#x", j.Value())
	}
	if r.drain() != 1 {
		t.Fatal("expected one dispatch")
	}
}

// TestScheduler_StopWhilePendingStillFiresOnce covers the race between an
// interrupt's expiry detection and a main-loop Stop: the queued event fires,
// but a periodic job does not rearm.
func TestScheduler_StopWhilePendingStillFiresOnce(t *testing.T) {
	r := newRig(t, 4)
	p := scheduler.NewPeriodic(r.sched, 5, nil)
	mustStart(t, &p.Job, 5)

	r.clk.Step(5) // TIMEOUT queued
	p.Stop()
	r.drain()

	if p.Fires() != 1 {
		t.Fatalf("Fires: want 1, got %d", p.Fires())
	}
	if p.IsArmed() || r.sched.Len() != 0 {
		t.Fatal("stopped periodic must not rearm")
	}

	// The job is reusable afterwards.
	mustStart(t, &p.Job, 5)
	r.clk.Step(5)
	r.drain()
	if p.Fires() != 2 || !p.IsArmed() {
		t.Fatalf("restart: fires=%d armed=%v", p.Fires(), p.IsArmed())
	}
}

// TestScheduler_RestartFromHandler verifies a one-shot job may re-arm itself
// from its own Expirer.
func TestScheduler_RestartFromHandler(t *testing.T) {
	r := newRig(t, 4)
	runs := 0
	j := scheduler.NewJob(r.sched, scheduler.ExpirerFunc(func(j *scheduler.Job) {
		runs++
		if runs < 3 {
			if err := j.Start(2); err != nil {
				t.Errorf("restart: %v", err)
			}
		}
	}))
	mustStart(t, j, 2)

	for i := 0; i < 10; i++ {
		r.clk.Step(1)
		r.drain()
	}
	if runs != 3 {
		t.Fatalf("runs: want 3, got %d", runs)
	}
	if j.IsArmed() {
		t.Fatal("job must be idle after last run")
	}
}

// TestScheduler_EventQueueSaturation fills the dispatcher and fires one more
// expiry: the drop is counted and the accepted events still drain in order.
func TestScheduler_EventQueueSaturation(t *testing.T) {
	r := newRig(t, 2)
	f := &fired{}
	a, b, c := f.job(r, "a"), f.job(r, "b"), f.job(r, "c")
	mustStart(t, a, 1)
	mustStart(t, b, 2)
	mustStart(t, c, 3)

	r.clk.Step(3) // three expirations, room for two

	if r.disp.Dropped() != 1 || r.sched.Missed() != 1 {
		t.Fatalf("dropped=%d missed=%d, want 1/1", r.disp.Dropped(), r.sched.Missed())
	}
	if r.sched.Expired() != 3 {
		t.Fatalf("Expired: want 3, got %d", r.sched.Expired())
	}
	if r.sched.Len() != 0 {
		t.Fatalf("queue must be empty, Len=%d", r.sched.Len())
	}

	r.drain()
	if got := f.got(); !equal(got, []string{"a", "b"}) {
		t.Fatalf("accepted events: got %v", got)
	}

	// The dropped job is idle, not stuck, and can be armed again.
	mustStart(t, c, 1)
	r.clk.Step(1)
	r.drain()
	if got := f.got(); !equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("after re-arm: got %v", got)
	}
}

func TestScheduler_Reset(t *testing.T) {
	r := newRig(t, 4)
	a := scheduler.NewJob(r.sched, nil)
	mustStart(t, a, 5)
	r.clk.Step(1)

	r.sched.Reset()
	if r.sched.Len() != 0 || a.IsArmed() || r.sched.Ticks() != 0 {
		t.Fatalf("Reset left len=%d armed=%v ticks=%d", r.sched.Len(), a.IsArmed(), r.sched.Ticks())
	}
	if _, ok := r.sched.Next(); ok {
		t.Fatal("Next on empty queue must report false")
	}
}

// TestScheduler_ConcurrentStartStopAndTick is a smoke test for the lock
// discipline; run with -race.
func TestScheduler_ConcurrentStartStopAndTick(t *testing.T) {
	r := newRig(t, 64)
	jobs := make([]*scheduler.Job, 16)
	for i := range jobs {
		jobs[i] = scheduler.NewJob(r.sched, nil)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			r.clk.Step(1)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			j := jobs[i%len(jobs)]
			_ = j.Start(uint32(i % 7))
			if i%3 == 0 {
				j.Stop()
			}
			r.disp.Service()
		}
	}()
	wg.Wait()

	for _, j := range jobs {
		j.Stop()
	}
	r.drain()
	if r.sched.Len() != 0 {
		t.Fatalf("Len after stopping all: %d", r.sched.Len())
	}
}
