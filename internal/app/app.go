// Package app is the central orchestrator of the tickq daemon.
//
// Transports (HTTP, CLI) talk to the App, never directly to schedulers or the
// store. The App builds the time bases and the jobs declared in the config,
// runs the dispatcher main loop, checkpoints job counters to the store and
// applies config reloads to running jobs.
//
// Data flow:
//
//	clock driver → Counter.Interrupt → Scheduler.Tick → Dispatcher.Post
//	main loop    → Dispatcher.Run    → Job.OnEvent    → job work + rearm
//	HTTP / CLI   → App.Snapshot / SetPeriod / StopJob / StartJob
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/tickq/internal/config"
	"github.com/snehjoshi/tickq/internal/logging"
	"github.com/snehjoshi/tickq/internal/store"
	"github.com/snehjoshi/tickq/internal/ticks"
	"github.com/snehjoshi/tickq/internal/timebase"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrUnknownJob is returned for a job name that is not configured.
	ErrUnknownJob = errors.New("app: unknown job")

	// ErrNotPeriodic is returned when changing the period of a job that has
	// none.
	ErrNotPeriodic = errors.New("app: job is not periodic")

	// ErrInvalidPeriod is returned for periods outside [1, 2^31-1].
	ErrInvalidPeriod = errors.New("app: period must be between 1 and 2^31-1 ticks")

	// ErrStarted is returned by Start on a running App.
	ErrStarted = errors.New("app: already started")
)

// monitorInterval is how often the drop counter is checked.
const monitorInterval = 250 * time.Millisecond

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the App.
type Option func(*App)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets Apply change the log level of the logger passed to
// WithLogger. lv must be the Var that logger was built with.
func WithLevelVar(lv *logging.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithStore attaches a store for boot records and job checkpoints. The App
// does not close it.
func WithStore(s *store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithManualClocks replaces every wall-clock driver by a manual counter and
// disables the main loop goroutine: the caller steps the counters and
// services the dispatcher.
func WithManualClocks() Option {
	return func(a *App) { a.manual = true }
}

// ─── App ─────────────────────────────────────────────────────────────────────

// App wires the time bases, jobs and store together.
//
// All methods are safe for concurrent use.
type App struct {
	cfg    *config.Config
	log    zerolog.Logger
	level  *logging.LevelVar
	sys    *timebase.System
	store  *store.Store
	manual bool

	dropWarn    *logging.Throttle
	lastDropped uint64
	lastMissed  uint64

	mu    sync.RWMutex
	jobs  map[string]*job
	boot  store.Boot
	state runState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type runState uint8

const (
	stateNew runState = iota
	stateRunning
	stateClosed
)

// New builds an App from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app: invalid config: %w", err)
	}
	a := &App{
		cfg:  cfg,
		log:  zerolog.Nop(),
		jobs: make(map[string]*job, len(cfg.Jobs)),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = logging.Component(a.log, "app")

	sys, err := timebase.New(systemConfig(cfg, a.manual))
	if err != nil {
		return nil, fmt.Errorf("app: time bases: %w", err)
	}
	a.sys = sys

	every, _ := time.ParseDuration(cfg.Events.DropWarnInterval)
	a.dropWarn = logging.NewThrottle(every)

	for _, jc := range cfg.Jobs {
		j, err := a.buildJob(jc)
		if err != nil {
			return nil, fmt.Errorf("app: job %q: %w", jc.Name, err)
		}
		a.jobs[jc.Name] = j
	}
	if err := a.restore(); err != nil {
		return nil, err
	}
	return a, nil
}

// systemConfig maps the config's time bases onto the timebase package.
func systemConfig(cfg *config.Config, manual bool) timebase.Config {
	tc := timebase.Config{QueueCapacity: cfg.Events.Capacity}
	for _, u := range timebase.Units {
		bc, _ := cfg.Base(u.String())
		if !bc.Enabled {
			continue
		}
		interval, _ := bc.IntervalDuration()
		epoch := timebase.EpochBoot
		if bc.Epoch == config.EpochUnix {
			epoch = timebase.EpochUnix
		}
		tc.Bases = append(tc.Bases, timebase.BaseConfig{
			Unit:     u,
			Interval: interval,
			Epoch:    epoch,
			Manual:   manual,
		})
	}
	return tc
}

// System returns the time-base system.
func (a *App) System() *timebase.System { return a.sys }

// Config returns the config currently applied.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// restore loads job checkpoints: counters continue from their stored values
// and operator changes (period, stopped) survive restarts.
func (a *App) restore() error {
	if a.store == nil {
		return nil
	}
	cps, err := a.store.Checkpoints()
	if err != nil {
		return fmt.Errorf("app: load checkpoints: %w", err)
	}
	for _, cp := range cps {
		j, ok := a.jobs[cp.Job]
		if !ok || j.kind() != config.JobKind(cp.Kind) || j.cfg.Base != cp.Base {
			continue
		}
		j.restore(cp)
		a.log.Debug().Str("job", cp.Job).Uint64("fires", cp.Fires).Msg("checkpoint restored")
	}
	return nil
}

// Start begins a boot record, starts the clocks, arms every job and runs the
// main loop until ctx is cancelled or Close is called.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != stateNew {
		return ErrStarted
	}

	if a.store != nil {
		boot, prev, err := a.store.BeginBoot(a.cfg.Device.Name)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.boot = boot
		if prev != nil && !prev.Clean {
			a.log.Warn().Str("boot", prev.ID).Time("started_at", prev.StartedAt).
				Msg("previous run did not shut down cleanly")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// Clocks run before any scheduler sees a job.
	if err := a.sys.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("app: %w", err)
	}
	for _, name := range a.sortedNames() {
		j := a.jobs[name]
		if j.stopped {
			continue
		}
		if err := j.start(); err != nil {
			a.log.Error().Err(err).Str("job", name).Msg("arm job")
		}
	}

	if !a.manual {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.sys.Dispatcher().Run(ctx)
		}()
	}
	a.wg.Add(1)
	go a.monitor(ctx)

	a.state = stateRunning
	a.log.Info().Str("device", a.cfg.Device.Name).Int("jobs", len(a.jobs)).
		Int("bases", len(a.sys.Bases())).Msg("started")
	return nil
}

// Close stops the main loop and the clocks, writes checkpoints and closes
// the boot record. It is idempotent.
func (a *App) Close() error {
	a.mu.Lock()
	if a.state == stateClosed {
		a.mu.Unlock()
		return nil
	}
	wasRunning := a.state == stateRunning
	a.state = stateClosed
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	a.sys.Stop()

	if !wasRunning || a.store == nil {
		return nil
	}
	var errs []error
	if err := a.Checkpoint(); err != nil {
		errs = append(errs, err)
	}
	disp := a.sys.Dispatcher()
	a.mu.RLock()
	boot := a.boot
	a.mu.RUnlock()
	boot.Posted = disp.Posted()
	boot.Dispatched = disp.Dispatched()
	boot.Dropped = disp.Dropped()
	boot.HighWater = disp.HighWater()
	for _, b := range a.sys.Bases() {
		boot.Missed += b.Scheduler().Missed()
	}
	if err := a.store.EndBoot(boot); err != nil {
		errs = append(errs, fmt.Errorf("app: end boot: %w", err))
	}
	a.log.Info().Uint64("dispatched", boot.Dispatched).Uint64("dropped", boot.Dropped).Msg("stopped")
	return errors.Join(errs...)
}

// Checkpoint writes the counters of every job to the store. It is a no-op
// without a store.
func (a *App) Checkpoint() error {
	if a.store == nil {
		return nil
	}
	a.mu.RLock()
	cps := make([]store.Checkpoint, 0, len(a.jobs))
	for _, name := range a.sortedNames() {
		cps = append(cps, a.jobs[name].checkpoint())
	}
	a.mu.RUnlock()
	if err := a.store.SaveCheckpoints(cps); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

// monitor reports dropped events and writes periodic checkpoints.
func (a *App) monitor(ctx context.Context) {
	defer a.wg.Done()

	t := time.NewTicker(monitorInterval)
	defer t.Stop()

	a.mu.RLock()
	interval := a.cfg.Device.CheckpointInterval
	a.mu.RUnlock()

	var cpC <-chan time.Time
	if d, err := time.ParseDuration(interval); err == nil && d > 0 && a.store != nil {
		cp := time.NewTicker(d)
		defer cp.Stop()
		cpC = cp.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.checkDrops()
		case <-cpC:
			if err := a.Checkpoint(); err != nil {
				a.log.Error().Err(err).Msg("checkpoint")
			}
		}
	}
}

// checkDrops logs a throttled warning when the event queue overflowed since
// the last check.
func (a *App) checkDrops() {
	disp := a.sys.Dispatcher()
	dropped := disp.Dropped()
	var missed uint64
	for _, b := range a.sys.Bases() {
		missed += b.Scheduler().Missed()
	}

	a.mu.Lock()
	newDrops := dropped - a.lastDropped
	newMissed := missed - a.lastMissed
	a.lastDropped, a.lastMissed = dropped, missed
	throttle := a.dropWarn
	a.mu.Unlock()

	if newDrops == 0 {
		return
	}
	ok, suppressed := throttle.Allow()
	if !ok {
		return
	}
	a.log.Warn().
		Uint64("dropped", newDrops).
		Uint64("missed_timeouts", newMissed).
		Uint64("dropped_total", dropped).
		Int("capacity", disp.Cap()).
		Uint64("suppressed_warnings", suppressed).
		Msg("event queue full; events dropped")
}

// ─── job control ─────────────────────────────────────────────────────────────

// SetPeriod changes the period of a periodic job. It takes effect at the
// job's next rearm.
func (a *App) SetPeriod(name string, period uint32) error {
	if period == 0 || period > ticks.MaxDelay {
		return ErrInvalidPeriod
	}
	j, err := a.lookup(name)
	if err != nil {
		return err
	}
	if j.periodic == nil {
		return fmt.Errorf("%w: %s", ErrNotPeriodic, name)
	}
	j.periodic.SetPeriod(period)
	a.log.Info().Str("job", name).Uint32("period", period).Msg("period changed")
	return nil
}

// StopJob disarms a job. A TIMEOUT already queued still runs once.
func (a *App) StopJob(name string) error {
	j, err := a.lookup(name)
	if err != nil {
		return err
	}
	a.mu.Lock()
	j.stopped = true
	a.mu.Unlock()
	j.stop()
	a.log.Info().Str("job", name).Msg("job stopped")
	return nil
}

// StartJob arms a stopped job with its configured delay (or its next cron
// activation).
func (a *App) StartJob(name string) error {
	j, err := a.lookup(name)
	if err != nil {
		return err
	}
	if err := j.start(); err != nil {
		return fmt.Errorf("app: start %s: %w", name, err)
	}
	a.mu.Lock()
	j.stopped = false
	a.mu.Unlock()
	a.log.Info().Str("job", name).Msg("job started")
	return nil
}

func (a *App) lookup(name string) (*job, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	j, ok := a.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return j, nil
}

// sortedNames returns job names in order. MUST be called with a.mu held.
func (a *App) sortedNames() []string {
	names := make([]string, 0, len(a.jobs))
	for n := range a.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
