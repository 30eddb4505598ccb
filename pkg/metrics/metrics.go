// Package metrics defines the Prometheus collectors exposed on the
// scheduler process's internal ops surface (§12.5). Components
// (ingest, enforcement, the scheduler itself) increment the
// package-level collector variables below rather than holding their
// own collector references. Only cwa-scheduler serves /metrics, so the
// counts recorded inside the cwa-ingest and cwa-enforce processes are
// not exposed by any endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// IngestOutcomes counts terminal ingest outcomes by reason, keyed the
// same way the failed/dropped filename encodes a reason (§4.E).
var IngestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cwa_core",
	Subsystem: "ingest",
	Name:      "outcomes_total",
	Help:      "Count of terminal ingest outcomes by state and reason.",
}, []string{"state", "reason"})

// EnforcementDispatchDuration observes how long one enforcement log's
// apply() pass took, from HandleLogFile entry to its terminal state.
var EnforcementDispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "cwa_core",
	Subsystem: "enforcement",
	Name:      "dispatch_duration_seconds",
	Help:      "Time spent applying one enforcement log file.",
	Buckets:   prometheus.DefBuckets,
}, []string{"outcome"})

// SchedulerJobsDispatched counts scheduled jobs the scheduler has
// claimed and attempted to run, by type and outcome.
var SchedulerJobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cwa_core",
	Subsystem: "scheduler",
	Name:      "jobs_dispatched_total",
	Help:      "Count of scheduled jobs dispatched, by job type and outcome.",
}, []string{"type", "outcome"})

// SchedulerPendingJobs tracks the size of the scheduler's local timer
// set, sampled on each fetch-loop tick.
var SchedulerPendingJobs = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "cwa_core",
	Subsystem: "scheduler",
	Name:      "pending_jobs",
	Help:      "Number of scheduled jobs with a locally registered timer.",
})
