package ensemble

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks operational counters for an Orchestrator, registered on
// a private Prometheus registry and exposed via the admin server's
// /metrics endpoint.
type Metrics struct {
	activations       prometheus.Counter
	activationsFailed prometheus.Counter
	wakes             prometheus.Counter
	sleeps            prometheus.Counter
	destroys          prometheus.Counter
	reschedules       prometheus.Counter

	actions      prometheus.Counter
	actionErrors prometheus.Counter
	hookTimeouts prometheus.Counter

	timersScheduled prometheus.Counter
	timersFired     prometheus.Counter
	timersDeduped   prometheus.Counter
	timersCancelled prometheus.Counter

	placementsQueued  prometheus.Gauge
	placementTimeouts prometheus.Counter
	placementWait     prometheus.Histogram

	sessionsRebound prometheus.Counter
	sessionsDropped prometheus.Counter

	bindingsCommitted prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ensemble", Name: name, Help: help,
		})
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		activations:       counter("activations_total", "Instances created."),
		activationsFailed: counter("activations_failed_total", "Creates that failed."),
		wakes:             counter("wakes_total", "Sleeping instances woken."),
		sleeps:            counter("sleeps_total", "Instances put to sleep."),
		destroys:          counter("destroys_total", "Instances destroyed."),
		reschedules:       counter("reschedules_total", "Instances moved to a new runner."),
		actions:           counter("actions_total", "Actions dispatched."),
		actionErrors:      counter("action_errors_total", "Actions that returned an error."),
		hookTimeouts:      counter("hook_timeouts_total", "Lifecycle hooks that exceeded their budget."),
		timersScheduled:   counter("timers_scheduled_total", "Durable timers persisted."),
		timersFired:       counter("timers_fired_total", "Timer deliveries accepted."),
		timersDeduped:     counter("timers_deduped_total", "Redelivered timers dropped by id."),
		timersCancelled:   counter("timers_cancelled_total", "Timers cancelled."),
		placementTimeouts: counter("placement_timeouts_total", "Placements that queued past the wait."),
		sessionsRebound:   counter("sessions_rebound_total", "Hibernating sessions re-homed."),
		sessionsDropped:   counter("sessions_dropped_total", "Sessions closed by reschedule or destroy."),
		bindingsCommitted: counter("bindings_committed_total", "Region bindings committed locally."),
	}

	m.placementsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ensemble", Name: "placements_queued",
		Help: "Creates and wakes currently waiting for capacity.",
	})
	m.placementWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ensemble", Name: "placement_wait_seconds",
		Help:    "Time from placement request to runner assignment.",
		Buckets: prometheus.DefBuckets,
	})
	reg.MustRegister(m.placementsQueued, m.placementWait)

	return m
}

// trackCounts registers gauge functions for values owned elsewhere.
func (m *Metrics) trackCounts(reg prometheus.Registerer, instances, runners, sessions, timers func() int) {
	gauge := func(name, help string, fn func() int) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "ensemble", Name: name, Help: help,
		}, func() float64 { return float64(fn()) }))
	}
	gauge("instances_active", "Instances currently active.", instances)
	gauge("runners_connected", "Runners currently registered.", runners)
	gauge("sessions_open", "Gateway sessions currently open.", sessions)
	gauge("timers_pending", "Durable timers currently tracked.", timers)
}
