// Package metrics exposes the small health-metric surface spec.md's error
// taxonomy calls for: repeated snapshot I/O failures and catch-up retries
// are "surfaced as a health metric, not a crash" (spec.md §7). Exporting
// those counters (an HTTP handler, a push gateway, ...) is explicitly out
// of scope; this package only owns the counters themselves.
package metrics

import metrics "github.com/docker/go-metrics"

// Health holds the counters and gauges this module updates. Callers
// construct one with NewHealth and register it with their own
// docker/go-metrics registry (or leave it unregistered in tests).
type Health struct {
	ns *metrics.Namespace

	SnapshotFailures metrics.Counter
	CatchupRetries   metrics.Counter
	LastAppliedSN    metrics.Gauge
}

// NewHealth constructs the counters under a "raftjournal" namespace. Pass
// the returned Namespace to metrics.Register to expose it; this function
// does not register it automatically so tests can construct a Health
// without mutating the global registry.
func NewHealth() *Health {
	ns := metrics.NewNamespace("raftjournal", "", nil)
	h := &Health{
		ns:               ns,
		SnapshotFailures: ns.NewCounter("snapshot_failures_total", "Count of snapshot I/O failures, retried by the engine."),
		CatchupRetries:   ns.NewCounter("catchup_retries_total", "Count of catch-up loop restarts across all primacy attempts."),
		LastAppliedSN:    ns.NewGauge("last_applied_sn", "Most recent sequence number applied by the local state machine.", metrics.Total),
	}
	return h
}

// Namespace returns the underlying docker/go-metrics namespace, for
// registration with metrics.Register.
func (h *Health) Namespace() *metrics.Namespace {
	return h.ns
}
