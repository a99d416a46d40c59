package clock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/tickq/internal/ticks"
)

// ErrRunning is returned by Start on a Driver that is already running.
var ErrRunning = errors.New("clock: driver already running")

// Driver emulates a timer interrupt. Every Interval it recomputes the counter
// from the elapsed wall time (in units of Unit, plus Offset) and ticks the
// counter's listeners once. Deriving the count from elapsed time instead of
// incrementing keeps the counter exact even when the goroutine is scheduled
// late; the late interrupt simply advances by more ticks.
type Driver struct {
	counter  *Counter
	unit     time.Duration
	interval time.Duration
	offset   ticks.Time

	interrupts atomic.Uint64

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewDriver returns a stopped driver for c. unit is the duration of one tick
// and interval the interrupt period; a non-positive interval defaults to one
// unit.
func NewDriver(c *Counter, unit, interval time.Duration) *Driver {
	if unit <= 0 {
		unit = time.Millisecond
	}
	if interval <= 0 {
		interval = unit
	}
	return &Driver{counter: c, unit: unit, interval: interval}
}

// SetOffset sets the tick value the counter holds at Start. Use it to seed a
// seconds clock with Unix time.
func (d *Driver) SetOffset(t ticks.Time) { d.offset = t }

// Unit returns the duration of one tick.
func (d *Driver) Unit() time.Duration { return d.unit }

// Interval returns the interrupt period.
func (d *Driver) Interval() time.Duration { return d.interval }

// Interrupts returns the number of interrupts delivered.
func (d *Driver) Interrupts() uint64 { return d.interrupts.Load() }

// Start seeds the counter and launches the interrupt goroutine.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrRunning
	}
	d.running = true
	d.done = make(chan struct{})

	epoch := time.Now()
	d.counter.Set(d.offset)

	d.wg.Add(1)
	go d.run(ctx, epoch, d.done)
	return nil
}

// Stop halts the interrupt goroutine and waits for it to exit. The counter
// keeps its last value.
func (d *Driver) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.done)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Driver) run(ctx context.Context, epoch time.Time, done <-chan struct{}) {
	defer d.wg.Done()

	t := time.NewTicker(d.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case now := <-t.C:
			elapsed := uint32(now.Sub(epoch) / d.unit)
			d.interrupts.Add(1)
			d.counter.Interrupt(d.offset.Add(elapsed))
		}
	}
}
