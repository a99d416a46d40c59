// Package clock provides the free-running tick counters that drive
// schedulers.
//
// A Counter holds the current time of one time base and the list of
// Tickers (schedulers) its interrupt notifies. Tests and simulations step a
// Counter by hand; a Driver advances it from the wall clock on a periodic
// "interrupt" goroutine.
package clock

import (
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/tickq/internal/ticks"
)

// Source exposes the current time of a time base.
type Source interface {
	Now() ticks.Time
}

// Ticker is notified once per clock interrupt.
type Ticker interface {
	Tick()
}

// Counter is a 32-bit free-running tick counter. The zero value is ready to
// use and starts at tick 0.
type Counter struct {
	v atomic.Uint32

	mu        sync.Mutex
	listeners []Ticker
}

// Now returns the current tick.
func (c *Counter) Now() ticks.Time { return ticks.Time(c.v.Load()) }

// Set moves the counter to t without notifying listeners.
func (c *Counter) Set(t ticks.Time) { c.v.Store(uint32(t)) }

// Advance moves the counter forward by n ticks without notifying listeners.
func (c *Counter) Advance(n uint32) ticks.Time {
	return ticks.Time(c.v.Add(n))
}

// Attach registers t to be ticked on every interrupt.
func (c *Counter) Attach(t Ticker) {
	c.mu.Lock()
	ls := make([]Ticker, len(c.listeners), len(c.listeners)+1)
	copy(ls, c.listeners)
	c.listeners = append(ls, t)
	c.mu.Unlock()
}

// Detach removes t from the listener list.
func (c *Counter) Detach(t Ticker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Copy on write: notify iterates a snapshot without the lock.
	kept := make([]Ticker, 0, len(c.listeners))
	for _, l := range c.listeners {
		if l != t {
			kept = append(kept, l)
		}
	}
	c.listeners = kept
}

// Step emulates n interrupts of one tick each: the counter advances by one
// and every listener is ticked, n times.
func (c *Counter) Step(n int) {
	for i := 0; i < n; i++ {
		c.v.Add(1)
		c.notify()
	}
}

// Interrupt moves the counter to t and ticks every listener once. It is the
// entry point for clock hardware (or a Driver) that advances by more than
// one tick per interrupt.
func (c *Counter) Interrupt(t ticks.Time) {
	c.v.Store(uint32(t))
	c.notify()
}

func (c *Counter) notify() {
	c.mu.Lock()
	ls := c.listeners
	c.mu.Unlock()
	for _, l := range ls {
		l.Tick()
	}
}
