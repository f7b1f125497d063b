package metrics

import (
	"net/http"
	"time"

	"docmigrate/internal/ledger"
	"docmigrate/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics. A nil Collector discards everything.
type Collector struct {
	registry        *prometheus.Registry
	recordsTotal    *prometheus.CounterVec
	runsTotal       *prometheus.CounterVec
	inflightWorkers prometheus.Gauge
	writeDuration   prometheus.Histogram
	eventsDropped   prometheus.Counter
}

// New creates a collector registered on its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docmigrate_records_total",
				Help: "Total number of records processed, by outcome",
			},
			[]string{"status"},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docmigrate_runs_total",
				Help: "Total number of migration runs, by outcome",
			},
			[]string{"outcome"},
		),
		inflightWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "docmigrate_inflight_workers",
				Help: "Number of workers currently processing a batch",
			},
		),
		writeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "docmigrate_write_duration_seconds",
				Help:    "Time taken to migrate one record, retries included",
				Buckets: prometheus.DefBuckets,
			},
		),
		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docmigrate_events_dropped_total",
				Help: "Progress events not delivered to a full subscriber",
			},
		),
	}

	c.registry.MustRegister(c.recordsTotal, c.runsTotal, c.inflightWorkers, c.writeDuration, c.eventsDropped)

	return c
}

// Registry returns the registry holding the collector's metrics
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// IncInflightWorkers marks a worker as busy
func (c *Collector) IncInflightWorkers() {
	if c == nil {
		return
	}
	c.inflightWorkers.Inc()
}

// DecInflightWorkers marks a worker as idle
func (c *Collector) DecInflightWorkers() {
	if c == nil {
		return
	}
	c.inflightWorkers.Dec()
}

// ObserveDuration observes the time spent on one record
func (c *Collector) ObserveDuration(duration time.Duration) {
	if c == nil {
		return
	}
	c.writeDuration.Observe(duration.Seconds())
}

// AddDropped adds undelivered progress events
func (c *Collector) AddDropped(n uint64) {
	if c == nil || n == 0 {
		return
	}
	c.eventsDropped.Add(float64(n))
}

// Consume updates counters from a run's event stream until the subscription ends. Record counters
// follow the cumulative totals carried by each event, so dropped events do not lose counts.
func (c *Collector) Consume(sub *progress.Subscription) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)
		var seen totals
		for ev := range sub.C {
			c.observe(ev, &seen)
		}
	}()

	return done
}

// totals are the cumulative record counts already added to the counters
type totals struct {
	migrated int64
	skipped  int64
	failed   int64
}

func (c *Collector) observe(ev progress.Event, seen *totals) {
	if ev.Migrated > seen.migrated {
		c.addRecords("migrated", ev.Migrated-seen.migrated)
		seen.migrated = ev.Migrated
	}

	if ev.Failed > seen.failed {
		c.addRecords(string(ledger.ReasonPermanentFailure), ev.Failed-seen.failed)
		seen.failed = ev.Failed
	}

	if ev.Skipped > seen.skipped {
		// The event's reason is a hint; skips counted by a dropped event take the reason of the next one.
		reason := ledger.ReasonAlreadyExists
		if ev.Type == progress.EventItemSkipped && ev.Reason != "" && ev.Reason != ledger.ReasonPermanentFailure {
			reason = ev.Reason
		}
		c.addRecords(string(reason), ev.Skipped-seen.skipped)
		seen.skipped = ev.Skipped
	}

	if c == nil {
		return
	}
	switch ev.Type {
	case progress.EventRunCompleted:
		c.runsTotal.WithLabelValues("completed").Inc()
	case progress.EventRunFailed:
		c.runsTotal.WithLabelValues("failed").Inc()
	}
}

func (c *Collector) addRecords(status string, n int64) {
	if c == nil {
		return
	}
	c.recordsTotal.WithLabelValues(status).Add(float64(n))
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return http.ListenAndServe(addr, mux)
}
