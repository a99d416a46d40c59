// Package event implements the bounded event queue that carries expirations
// from interrupt context (clock ticks) to the cooperative main loop.
//
// Producers call Post, which never blocks: when the ring is full the event is
// dropped and a counter is incremented. The main loop drains the ring one
// event at a time with Service, or with Run which blocks between bursts.
package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrEventQueueFull is returned by Push when the ring has no free slot.
// Interrupt-side drops through Post are only visible via Dispatcher.Dropped.
var ErrEventQueueFull = errors.New("event: queue full")

// Type identifies the kind of event delivered to a Handler.
type Type uint8

const (
	// TypeNull is the zero event; never posted by the core.
	TypeNull Type = iota
	// TypeTimeout is posted by a Scheduler when a job becomes due.
	TypeTimeout
	// TypeUser is the first type available to application code.
	TypeUser Type = 64
)

// String returns a human-readable name for the event type.
func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeTimeout:
		return "timeout"
	default:
		if t >= TypeUser {
			return "user"
		}
		return "reserved"
	}
}

// Handler receives dispatched events.
type Handler interface {
	OnEvent(typ Type, value uint16)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(typ Type, value uint16)

// OnEvent calls f(typ, value).
func (f HandlerFunc) OnEvent(typ Type, value uint16) { f(typ, value) }

// Event is a transient value queued between detection and dispatch.
type Event struct {
	Target Handler
	Type   Type
	Value  uint16
}

// DefaultCapacity is the ring size used when New is given a non-positive size.
const DefaultCapacity = 16

// Dispatcher is a fixed-capacity FIFO of events.
//
// Post may be called from any goroutine; Service and Run are meant for the
// single main-loop goroutine. Handlers run outside the ring lock, so a
// handler may itself Post or Push.
type Dispatcher struct {
	mu   sync.Mutex
	ring []Event
	head int // next slot to read
	n    int // number of queued events

	// notify wakes Run when Post adds to an empty ring. Capacity 1: a pending
	// signal is enough for the loop to drain everything.
	notify chan struct{}

	posted     atomic.Uint64
	dropped    atomic.Uint64
	dispatched atomic.Uint64
	highWater  atomic.Int64 // written under mu
}

// New creates a Dispatcher holding at most capacity events.
func New(capacity int) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Dispatcher{
		ring:   make([]Event, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Post enqueues e. It never blocks. If the ring is full the event is dropped,
// the drop counter is incremented and false is returned.
func (d *Dispatcher) Post(e Event) bool {
	d.mu.Lock()
	if d.n == len(d.ring) {
		d.mu.Unlock()
		d.dropped.Add(1)
		return false
	}
	d.ring[(d.head+d.n)%len(d.ring)] = e
	d.n++
	if depth := int64(d.n); depth > d.highWater.Load() {
		d.highWater.Store(depth)
	}
	d.mu.Unlock()

	d.posted.Add(1)

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return true
}

// Push is the main-loop form of Post for application events.
func (d *Dispatcher) Push(target Handler, typ Type, value uint16) error {
	if !d.Post(Event{Target: target, Type: typ, Value: value}) {
		return ErrEventQueueFull
	}
	return nil
}

// Service dispatches at most one event. It returns false without blocking
// when the ring is empty.
func (d *Dispatcher) Service() bool {
	d.mu.Lock()
	if d.n == 0 {
		d.mu.Unlock()
		return false
	}
	e := d.ring[d.head]
	d.ring[d.head] = Event{}
	d.head = (d.head + 1) % len(d.ring)
	d.n--
	d.mu.Unlock()

	d.dispatched.Add(1)
	if e.Target != nil {
		e.Target.OnEvent(e.Type, e.Value)
	}
	return true
}

// Run services events until ctx is done, sleeping while the ring is empty.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		for d.Service() {
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-d.notify:
		}
	}
}

// Len returns the number of queued events.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

// Cap returns the ring capacity.
func (d *Dispatcher) Cap() int { return len(d.ring) }

// Posted returns the number of events accepted into the ring.
func (d *Dispatcher) Posted() uint64 { return d.posted.Load() }

// Dropped returns the number of events lost because the ring was full.
// It only ever increases.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Dispatched returns the number of events handed to their targets.
func (d *Dispatcher) Dispatched() uint64 { return d.dispatched.Load() }

// HighWater returns the deepest the ring has been.
func (d *Dispatcher) HighWater() int { return int(d.highWater.Load()) }

// Reset discards queued events and zeroes the counters.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	for i := range d.ring {
		d.ring[i] = Event{}
	}
	d.head, d.n = 0, 0
	d.highWater.Store(0)
	d.mu.Unlock()

	d.posted.Store(0)
	d.dropped.Store(0)
	d.dispatched.Store(0)
	select {
	case <-d.notify:
	default:
	}
}
