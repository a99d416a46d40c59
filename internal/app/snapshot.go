package app

import (
	"github.com/snehjoshi/tickq/internal/metrics"
)

// BaseInfo is the state of one time base.
type BaseInfo struct {
	Unit    string  `json:"unit"`
	Epoch   string  `json:"epoch"`
	Manual  bool    `json:"manual"`
	Now     uint32  `json:"now"`
	Queued  int     `json:"queued"`
	Next    *uint32 `json:"next,omitempty"` // expiry of the head job
	Ticks   uint64  `json:"ticks"`
	Expired uint64  `json:"expired"`
	Missed  uint64  `json:"missed"`
}

// EventInfo is the state of the shared event dispatcher.
type EventInfo struct {
	Len        int    `json:"len"`
	Cap        int    `json:"cap"`
	HighWater  int    `json:"high_water"`
	Posted     uint64 `json:"posted"`
	Dropped    uint64 `json:"dropped"`
	Dispatched uint64 `json:"dispatched"`
}

// JobInfo is the state of one configured job.
type JobInfo struct {
	Name     string `json:"name"`
	Base     string `json:"base"`
	Kind     string `json:"kind"`
	Armed    bool   `json:"armed"`
	Stopped  bool   `json:"stopped"`
	Expires  uint32 `json:"expires"`
	Period   uint32 `json:"period,omitempty"`
	Cron     string `json:"cron,omitempty"`
	Value    uint16 `json:"value"`
	Fires    uint64 `json:"fires"`
	Overruns uint64 `json:"overruns"`
}

// Snapshot is a point-in-time view of the whole daemon.
type Snapshot struct {
	Device string     `json:"device"`
	BootID string     `json:"boot_id,omitempty"`
	Bases  []BaseInfo `json:"bases"`
	Events EventInfo  `json:"events"`
	Jobs   []JobInfo  `json:"jobs"`
}

// Snapshot collects the current state. Counters are read individually, so
// the snapshot is not atomic across bases.
func (a *App) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Snapshot{
		Device: a.cfg.Device.Name,
		BootID: a.boot.ID,
		Bases:  a.basesLocked(),
		Events: a.eventsLocked(),
		Jobs:   make([]JobInfo, 0, len(a.jobs)),
	}
	for _, name := range a.sortedNames() {
		s.Jobs = append(s.Jobs, a.jobs[name].info(a.jobs[name].stopped))
	}
	return s
}

// Bases returns the state of every time base.
func (a *App) Bases() []BaseInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.basesLocked()
}

// Events returns the state of the event dispatcher.
func (a *App) Events() EventInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.eventsLocked()
}

// Job returns the state of the named job.
func (a *App) Job(name string) (JobInfo, error) {
	j, err := a.lookup(name)
	if err != nil {
		return JobInfo{}, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return j.info(j.stopped), nil
}

func (a *App) basesLocked() []BaseInfo {
	bases := a.sys.Bases()
	out := make([]BaseInfo, 0, len(bases))
	for _, b := range bases {
		sched := b.Scheduler()
		bi := BaseInfo{
			Unit:    b.Unit().String(),
			Epoch:   string(b.Epoch()),
			Manual:  b.Manual(),
			Now:     uint32(b.Now()),
			Queued:  sched.Len(),
			Ticks:   sched.Ticks(),
			Expired: sched.Expired(),
			Missed:  sched.Missed(),
		}
		if next, ok := sched.Next(); ok {
			n := uint32(next)
			bi.Next = &n
		}
		out = append(out, bi)
	}
	return out
}

func (a *App) eventsLocked() EventInfo {
	d := a.sys.Dispatcher()
	return EventInfo{
		Len:        d.Len(),
		Cap:        d.Cap(),
		HighWater:  d.HighWater(),
		Posted:     d.Posted(),
		Dropped:    d.Dropped(),
		Dispatched: d.Dispatched(),
	}
}

func (j *job) info(stopped bool) JobInfo {
	return JobInfo{
		Name:     j.cfg.Name,
		Base:     j.cfg.Base,
		Kind:     string(j.cfg.Kind),
		Armed:    j.j.IsArmed(),
		Stopped:  stopped,
		Expires:  uint32(j.j.Expires()),
		Period:   j.period(),
		Cron:     j.cfg.Cron,
		Value:    j.j.Value(),
		Fires:    j.fires(),
		Overruns: j.overruns(),
	}
}

// Stats implements metrics.Source.
func (a *App) Stats() metrics.Stats {
	snap := a.Snapshot()
	st := metrics.Stats{
		Events: metrics.EventStats{
			Len:        snap.Events.Len,
			Cap:        snap.Events.Cap,
			HighWater:  snap.Events.HighWater,
			Posted:     snap.Events.Posted,
			Dropped:    snap.Events.Dropped,
			Dispatched: snap.Events.Dispatched,
		},
	}
	for _, b := range snap.Bases {
		st.Bases = append(st.Bases, metrics.BaseStats{
			Unit:    b.Unit,
			Queued:  b.Queued,
			Ticks:   b.Ticks,
			Expired: b.Expired,
			Missed:  b.Missed,
		})
	}
	for _, j := range snap.Jobs {
		st.Jobs = append(st.Jobs, metrics.JobStats{
			Name:     j.Name,
			Base:     j.Base,
			Kind:     j.Kind,
			Armed:    j.Armed,
			Fires:    j.Fires,
			Overruns: j.Overruns,
		})
	}
	return st
}
