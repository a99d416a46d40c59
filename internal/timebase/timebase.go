// Package timebase wires clocks, schedulers and the shared event dispatcher
// into the independent time bases of a device: microseconds, milliseconds
// and seconds.
//
// Each Base owns one clock Counter, an optional wall-clock Driver and one
// Scheduler attached to that counter. All bases post into a single
// Dispatcher, so one main loop services every expiry in arrival order.
package timebase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/snehjoshi/tickq/internal/clock"
	"github.com/snehjoshi/tickq/internal/event"
	"github.com/snehjoshi/tickq/internal/scheduler"
	"github.com/snehjoshi/tickq/internal/ticks"
)

var (
	// ErrInitialized is returned by Init when the process-wide system exists.
	ErrInitialized = errors.New("timebase: already initialized")

	// ErrUnknownUnit is returned for a unit name that is not µs, ms or s.
	ErrUnknownUnit = errors.New("timebase: unknown unit")

	// ErrDuplicateBase is returned when a Config lists a unit twice.
	ErrDuplicateBase = errors.New("timebase: duplicate time base")
)

// Unit is the tick length of a time base.
type Unit uint8

const (
	Micro Unit = iota
	Milli
	Second
)

// Units lists every unit in ascending tick length.
var Units = []Unit{Micro, Milli, Second}

// Duration returns the length of one tick.
func (u Unit) Duration() time.Duration {
	switch u {
	case Micro:
		return time.Microsecond
	case Second:
		return time.Second
	default:
		return time.Millisecond
	}
}

func (u Unit) String() string {
	switch u {
	case Micro:
		return "us"
	case Milli:
		return "ms"
	case Second:
		return "s"
	default:
		return fmt.Sprintf("unit(%d)", uint8(u))
	}
}

// Ticks converts d to a tick count on this unit, truncating. Negative
// durations give 0 and results are capped at ticks.MaxDelay.
func (u Unit) Ticks(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	n := d / u.Duration()
	if n > ticks.MaxDelay {
		return ticks.MaxDelay
	}
	return uint32(n)
}

// ParseUnit accepts "us", "µs", "micro", "ms", "milli", "s", "sec", "second".
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "us", "µs", "micro", "micros", "microsecond":
		return Micro, nil
	case "ms", "milli", "millis", "millisecond":
		return Milli, nil
	case "s", "sec", "second", "seconds":
		return Second, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, s)
}

// Epoch selects the value a base's counter holds when its driver starts.
type Epoch string

const (
	// EpochBoot starts the counter at 0.
	EpochBoot Epoch = "boot"
	// EpochUnix seeds the counter with the Unix time in the base's unit,
	// truncated to 32 bits. Alarms require it on the seconds base.
	EpochUnix Epoch = "unix"
)

// BaseConfig describes one time base.
type BaseConfig struct {
	Unit Unit
	// Interval is the interrupt period of the wall-clock driver. Zero means
	// one tick. Coarser intervals trade timing resolution for fewer wakeups.
	Interval time.Duration
	Epoch    Epoch
	// Manual bases have no driver; their counter is stepped by the caller.
	Manual bool
}

// Config describes a whole System.
type Config struct {
	QueueCapacity int
	Bases         []BaseConfig
}

// DefaultConfig enables all three bases with a 1 ms interrupt on the
// microsecond and millisecond bases and the seconds base seeded from Unix
// time.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: event.DefaultCapacity,
		Bases: []BaseConfig{
			{Unit: Micro, Interval: time.Millisecond, Epoch: EpochBoot},
			{Unit: Milli, Interval: time.Millisecond, Epoch: EpochBoot},
			{Unit: Second, Interval: 100 * time.Millisecond, Epoch: EpochUnix},
		},
	}
}

// Base is one time base: a counter, its scheduler and, unless manual, the
// driver advancing the counter.
type Base struct {
	unit    Unit
	epoch   Epoch
	counter *clock.Counter
	driver  *clock.Driver
	sched   *scheduler.Scheduler
}

// Unit returns the tick length of the base.
func (b *Base) Unit() Unit { return b.unit }

// Epoch returns how the counter is seeded at start.
func (b *Base) Epoch() Epoch { return b.epoch }

// Now returns the current tick.
func (b *Base) Now() ticks.Time { return b.counter.Now() }

// Counter returns the base's tick counter.
func (b *Base) Counter() *clock.Counter { return b.counter }

// Driver returns the wall-clock driver, or nil for a manual base.
func (b *Base) Driver() *clock.Driver { return b.driver }

// Scheduler returns the base's scheduler.
func (b *Base) Scheduler() *scheduler.Scheduler { return b.sched }

// Manual reports whether the base is stepped by hand.
func (b *Base) Manual() bool { return b.driver == nil }

// System groups the time bases of one process around a shared dispatcher.
type System struct {
	disp  *event.Dispatcher
	bases map[Unit]*Base
	order []Unit

	mu      sync.Mutex
	running bool
}

// New builds a stopped System. Schedulers are attached to their counters
// here, but no driver runs until Start.
func New(cfg Config) (*System, error) {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = event.DefaultCapacity
	}
	s := &System{
		disp:  event.New(cfg.QueueCapacity),
		bases: make(map[Unit]*Base, len(cfg.Bases)),
	}
	for _, bc := range cfg.Bases {
		if bc.Unit > Second {
			return nil, fmt.Errorf("%w: %d", ErrUnknownUnit, bc.Unit)
		}
		if _, dup := s.bases[bc.Unit]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateBase, bc.Unit)
		}
		if bc.Epoch == "" {
			bc.Epoch = EpochBoot
		}
		b := &Base{unit: bc.Unit, epoch: bc.Epoch, counter: &clock.Counter{}}
		b.sched = scheduler.New(b.counter, s.disp)
		if !bc.Manual {
			b.driver = clock.NewDriver(b.counter, bc.Unit.Duration(), bc.Interval)
		}
		b.counter.Attach(b.sched)
		s.bases[bc.Unit] = b
		s.order = append(s.order, bc.Unit)
	}
	return s, nil
}

// Dispatcher returns the event dispatcher shared by every base.
func (s *System) Dispatcher() *event.Dispatcher { return s.disp }

// Base returns the base for u.
func (s *System) Base(u Unit) (*Base, bool) {
	b, ok := s.bases[u]
	return b, ok
}

// Bases returns every configured base in configuration order.
func (s *System) Bases() []*Base {
	out := make([]*Base, 0, len(s.order))
	for _, u := range s.order {
		out = append(out, s.bases[u])
	}
	return out
}

// Start seeds every driven counter from its epoch and starts its driver.
// Manual bases are left untouched. Calling Start on a running system is a
// no-op.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	now := time.Now()
	for _, u := range s.order {
		b := s.bases[u]
		if b.driver == nil {
			continue
		}
		if b.epoch == EpochUnix {
			b.driver.SetOffset(unixTicks(now, u))
		}
		if err := b.driver.Start(ctx); err != nil {
			s.stopLocked()
			return fmt.Errorf("timebase: start %s: %w", u, err)
		}
	}
	s.running = true
	return nil
}

// Stop halts every driver. Counters keep their last value.
func (s *System) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.running = false
}

func (s *System) stopLocked() {
	for _, b := range s.bases {
		if b.driver != nil {
			b.driver.Stop()
		}
	}
}

func unixTicks(now time.Time, u Unit) ticks.Time {
	switch u {
	case Micro:
		return ticks.Time(uint32(now.UnixMicro()))
	case Milli:
		return ticks.Time(uint32(now.UnixMilli()))
	default:
		return ticks.Time(uint32(now.Unix()))
	}
}

// ─── process-wide system ─────────────────────────────────────────────────────

var (
	defaultMu  sync.Mutex
	defaultSys *System
)

// Init builds the process-wide System from cfg. It fails with
// ErrInitialized if one already exists; call Reset first.
func Init(cfg Config) (*System, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSys != nil {
		return nil, ErrInitialized
	}
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	defaultSys = s
	return s, nil
}

// Default returns the process-wide System, or nil before Init.
func Default() *System {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultSys
}

// Reset stops and discards the process-wide System. Armed jobs are unlinked
// and queued events dropped.
func Reset() {
	defaultMu.Lock()
	s := defaultSys
	defaultSys = nil
	defaultMu.Unlock()
	if s == nil {
		return
	}
	s.Stop()
	for _, b := range s.bases {
		b.sched.Reset()
	}
	s.disp.Reset()
}
