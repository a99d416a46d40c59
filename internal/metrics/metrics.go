// Package metrics exposes tickq's counters in the Prometheus format.
//
// Scheduler, dispatcher and job counters already live as atomics in the
// core packages, so they are not mirrored into Prometheus counters; a
// Collector reads a Stats snapshot from a Source on every scrape and emits
// const metrics. HTTP request metrics are ordinary client_golang vectors.
//
// # Metric names
//
//	tickq_timebase_ticks_total{base}          clock interrupts seen by the scheduler
//	tickq_timebase_expired_total{base}        jobs detected as due
//	tickq_timebase_missed_total{base}         expirations lost to a full event queue
//	tickq_timebase_queued_jobs{base}          armed jobs
//	tickq_events_posted_total                 events accepted by the dispatcher
//	tickq_events_dropped_total                events rejected because the queue was full
//	tickq_events_dispatched_total             events handed to their target
//	tickq_events_queued / _capacity / _high_water
//	tickq_job_fires_total{job,base,kind}
//	tickq_job_overruns_total{job,base,kind}
//	tickq_job_armed{job,base,kind}
//	tickq_http_requests_total{method,path,status}
//	tickq_http_request_duration_seconds{method,path}
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tickq"

// ─── stats snapshot ───────────────────────────────────────────────────────────

// BaseStats is the state of one time base.
type BaseStats struct {
	Unit    string
	Queued  int
	Ticks   uint64
	Expired uint64
	Missed  uint64
}

// EventStats is the state of the event dispatcher.
type EventStats struct {
	Len, Cap, HighWater         int
	Posted, Dropped, Dispatched uint64
}

// JobStats is the state of one named job.
type JobStats struct {
	Name, Base, Kind string
	Armed            bool
	Fires, Overruns  uint64
}

// Stats is a point-in-time view of the whole system.
type Stats struct {
	Bases  []BaseStats
	Events EventStats
	Jobs   []JobStats
}

// Source produces Stats on demand. It is called once per scrape.
type Source interface {
	Stats() Stats
}

// SourceFunc adapts a function to Source.
type SourceFunc func() Stats

// Stats calls f.
func (f SourceFunc) Stats() Stats { return f() }

// ─── Collector ────────────────────────────────────────────────────────────────

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	src Source

	baseTicks, baseExpired, baseMissed, baseQueued *prometheus.Desc
	evPosted, evDropped, evDispatched              *prometheus.Desc
	evQueued, evCapacity, evHighWater              *prometheus.Desc
	jobFires, jobOverruns, jobArmed                *prometheus.Desc
}

// NewCollector returns a collector reading from src.
func NewCollector(src Source) *Collector {
	base := []string{"base"}
	job := []string{"job", "base", "kind"}
	name := func(sub, n string) string { return prometheus.BuildFQName(namespace, sub, n) }
	return &Collector{
		src: src,

		baseTicks:   prometheus.NewDesc(name("timebase", "ticks_total"), "Clock interrupts seen by the scheduler.", base, nil),
		baseExpired: prometheus.NewDesc(name("timebase", "expired_total"), "Jobs detected as due.", base, nil),
		baseMissed:  prometheus.NewDesc(name("timebase", "missed_total"), "Expirations lost to a full event queue.", base, nil),
		baseQueued:  prometheus.NewDesc(name("timebase", "queued_jobs"), "Jobs currently armed.", base, nil),

		evPosted:     prometheus.NewDesc(name("events", "posted_total"), "Events accepted by the dispatcher.", nil, nil),
		evDropped:    prometheus.NewDesc(name("events", "dropped_total"), "Events rejected because the queue was full.", nil, nil),
		evDispatched: prometheus.NewDesc(name("events", "dispatched_total"), "Events handed to their target.", nil, nil),
		evQueued:     prometheus.NewDesc(name("events", "queued"), "Events waiting for dispatch.", nil, nil),
		evCapacity:   prometheus.NewDesc(name("events", "capacity"), "Event queue capacity.", nil, nil),
		evHighWater:  prometheus.NewDesc(name("events", "high_water"), "Largest event queue length observed.", nil, nil),

		jobFires:    prometheus.NewDesc(name("job", "fires_total"), "Times the job's work ran.", job, nil),
		jobOverruns: prometheus.NewDesc(name("job", "overruns_total"), "Periods skipped to catch up after an overrun.", job, nil),
		jobArmed:    prometheus.NewDesc(name("job", "armed"), "1 if the job is linked into its scheduler.", job, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.baseTicks, c.baseExpired, c.baseMissed, c.baseQueued,
		c.evPosted, c.evDropped, c.evDispatched, c.evQueued, c.evCapacity, c.evHighWater,
		c.jobFires, c.jobOverruns, c.jobArmed,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	for _, b := range s.Bases {
		ch <- prometheus.MustNewConstMetric(c.baseTicks, prometheus.CounterValue, float64(b.Ticks), b.Unit)
		ch <- prometheus.MustNewConstMetric(c.baseExpired, prometheus.CounterValue, float64(b.Expired), b.Unit)
		ch <- prometheus.MustNewConstMetric(c.baseMissed, prometheus.CounterValue, float64(b.Missed), b.Unit)
		ch <- prometheus.MustNewConstMetric(c.baseQueued, prometheus.GaugeValue, float64(b.Queued), b.Unit)
	}

	e := s.Events
	ch <- prometheus.MustNewConstMetric(c.evPosted, prometheus.CounterValue, float64(e.Posted))
	ch <- prometheus.MustNewConstMetric(c.evDropped, prometheus.CounterValue, float64(e.Dropped))
	ch <- prometheus.MustNewConstMetric(c.evDispatched, prometheus.CounterValue, float64(e.Dispatched))
	ch <- prometheus.MustNewConstMetric(c.evQueued, prometheus.GaugeValue, float64(e.Len))
	ch <- prometheus.MustNewConstMetric(c.evCapacity, prometheus.GaugeValue, float64(e.Cap))
	ch <- prometheus.MustNewConstMetric(c.evHighWater, prometheus.GaugeValue, float64(e.HighWater))

	for _, j := range s.Jobs {
		armed := 0.0
		if j.Armed {
			armed = 1
		}
		ch <- prometheus.MustNewConstMetric(c.jobFires, prometheus.CounterValue, float64(j.Fires), j.Name, j.Base, j.Kind)
		ch <- prometheus.MustNewConstMetric(c.jobOverruns, prometheus.CounterValue, float64(j.Overruns), j.Name, j.Base, j.Kind)
		ch <- prometheus.MustNewConstMetric(c.jobArmed, prometheus.GaugeValue, armed, j.Name, j.Base, j.Kind)
	}
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all tickq metrics.
type Registry struct {
	reg *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New returns a Registry with Go runtime and process collectors, HTTP
// metrics and, if src is non-nil, the system collector.
func New(src Source) *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, path and status code.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"method", "path"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.HTTPRequests,
		r.HTTPDuration,
	)
	if src != nil {
		r.reg.MustRegister(NewCollector(src))
	}
	return r
}

// Gatherer returns the underlying registry for scraping in tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveHTTP records one served request.
func (r *Registry) ObserveHTTP(method, path string, status int, d time.Duration) {
	r.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.HTTPDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// Handler returns an http.Handler that renders every metric in the
// Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
