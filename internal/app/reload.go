package app

import (
	"fmt"
	"time"

	"github.com/snehjoshi/tickq/internal/config"
	"github.com/snehjoshi/tickq/internal/logging"
)

// ApplyResult summarises what a config reload changed.
type ApplyResult struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Updated  []string `json:"updated"`
	Replaced []string `json:"replaced"`
}

// Apply reconciles the running jobs with cfg. Period, value and log changes
// are applied in place and take effect at each job's next rearm. Jobs whose
// base, kind, delay or schedule changed are stopped and rebuilt; a rebuilt job
// of the same kind keeps its counters. The log level applies to the running
// logger when the App was given a LevelVar. Time bases
// and the event queue size are fixed for the process lifetime; changes to
// them are logged and ignored.
func (a *App) Apply(cfg *config.Config) (ApplyResult, error) {
	var res ApplyResult
	if err := cfg.Validate(); err != nil {
		return res, fmt.Errorf("app: invalid config: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if cfg.TimeBases != a.cfg.TimeBases || cfg.Events.Capacity != a.cfg.Events.Capacity {
		a.log.Warn().Msg("time base and event queue changes need a restart; ignored")
	}
	if cfg.Events.DropWarnInterval != a.cfg.Events.DropWarnInterval {
		every, _ := time.ParseDuration(cfg.Events.DropWarnInterval)
		a.dropWarn = logging.NewThrottle(every)
	}
	if a.level != nil && cfg.Log.Level != a.cfg.Log.Level {
		a.level.Set(logging.ParseLevel(cfg.Log.Level))
		a.log.Info().Str("level", a.level.Level().String()).Msg("log level changed")
	}
	running := a.state == stateRunning

	want := make(map[string]config.JobConfig, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		want[jc.Name] = jc
	}

	for _, name := range a.sortedNames() {
		if _, ok := want[name]; ok {
			continue
		}
		a.jobs[name].stop()
		delete(a.jobs, name)
		res.Removed = append(res.Removed, name)
	}

	for _, jc := range cfg.Jobs {
		cur, ok := a.jobs[jc.Name]
		switch {
		case !ok:
			j, err := a.buildJob(jc)
			if err != nil {
				return res, fmt.Errorf("app: job %q: %w", jc.Name, err)
			}
			a.jobs[jc.Name] = j
			if running {
				if err := j.start(); err != nil {
					a.log.Error().Err(err).Str("job", jc.Name).Msg("arm job")
				}
			}
			res.Added = append(res.Added, jc.Name)

		case needsRebuild(cur.cfg, jc):
			j, err := a.buildJob(jc)
			if err != nil {
				return res, fmt.Errorf("app: job %q: %w", jc.Name, err)
			}
			cur.stop()
			j.stopped = cur.stopped
			if jc.Kind == cur.kind() {
				j.baseFires = cur.fires()
				j.baseOverruns = cur.overruns()
			}
			a.jobs[jc.Name] = j
			if running && !j.stopped {
				if err := j.start(); err != nil {
					a.log.Error().Err(err).Str("job", jc.Name).Msg("arm job")
				}
			}
			res.Replaced = append(res.Replaced, jc.Name)

		default:
			changed := false
			if cur.periodic != nil && cur.periodic.Period() != jc.Period {
				cur.periodic.SetPeriod(jc.Period)
				changed = true
			}
			if cur.j.Value() != jc.Value {
				cur.j.SetValue(jc.Value)
				changed = true
			}
			if cur.verbose.Load() != jc.Log {
				cur.verbose.Store(jc.Log)
				changed = true
			}
			if changed {
				res.Updated = append(res.Updated, jc.Name)
			}
		}
	}

	a.cfg = cfg
	a.log.Info().
		Strs("added", res.Added).
		Strs("removed", res.Removed).
		Strs("updated", res.Updated).
		Strs("replaced", res.Replaced).
		Msg("config applied")
	return res, nil
}

// needsRebuild reports whether moving from cur to next cannot be done by
// updating the running job in place.
func needsRebuild(cur, next config.JobConfig) bool {
	return cur.Base != next.Base ||
		cur.Kind != next.Kind ||
		cur.Delay != next.Delay ||
		cur.Cron != next.Cron ||
		cur.Location != next.Location
}
