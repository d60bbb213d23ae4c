// Package config carries the operational parameters the coordination layer
// needs from its host process. It is intentionally a plain struct: loading
// it from a file, flag set, or environment is outside this module's scope
// (spec treats configuration plumbing as an external collaborator).
package config

import "time"

// Config holds the knobs spec.md's narrative sections assume exist, without
// prescribing how they're populated.
type Config struct {
	// RequestTimeout bounds every individual engine interaction (append,
	// membership change, transfer request).
	RequestTimeout time.Duration

	// MaxElectionTimeout is the engine's configured upper bound on leader
	// election time. It bounds how long one catch-up attempt waits to
	// observe its own term-start sentinel applied. The quiet period that
	// follows is QuietPeriod (Default sets both to the same value).
	MaxElectionTimeout time.Duration

	// QuietPeriod is how long a new primary waits, after observing its own
	// term-start sentinel applied, before it trusts no stale leader from a
	// prior term is still issuing heartbeats. Spec.md's rationale describes
	// "two election cycles' worth of missed heartbeats"; this is exposed
	// rather than hardcoded to exactly MaxElectionTimeout so operators can
	// tune the multiple.
	QuietPeriod time.Duration

	// RetryInterval is the base delay between transient-error retries
	// (LeaderNotReady and similar) during catch-up.
	RetryInterval time.Duration

	// RetryCeiling caps the exponential backoff applied to repeated
	// catch-up retries.
	RetryCeiling time.Duration

	// InFlightBytesBound limits the total payload bytes RaftJournalWriter
	// will have outstanding (submitted, not yet committed) before Append
	// blocks its caller.
	InFlightBytesBound int64

	// SnapshotWindow is the daily maintenance window during which a
	// primary's SnapshotGate may be opened for a single snapshot. A zero
	// value disables scheduled primary-side snapshots; standbys are
	// unaffected (they are always eligible per spec.md §4.2).
	SnapshotWindow SnapshotWindow

	// AsyncFlushInterval and AsyncMaxBatch configure the AsyncJournalWriter's
	// batching front-end.
	AsyncFlushInterval time.Duration
	AsyncMaxBatch      int
	AsyncConcurrency   int
}

// SnapshotWindow describes a single daily maintenance window, as an offset
// from midnight local time plus a duration.
type SnapshotWindow struct {
	Offset   time.Duration
	Duration time.Duration
}

// Contains reports whether t's time-of-day falls within the window.
func (w SnapshotWindow) Contains(t time.Time) bool {
	if w.Duration <= 0 {
		return false
	}
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	offset := t.Sub(midnight)
	return offset >= w.Offset && offset < w.Offset+w.Duration
}

// Default returns conservative defaults, suitable for tests and as a
// starting point for production tuning.
func Default() *Config {
	return &Config{
		RequestTimeout:     5 * time.Second,
		MaxElectionTimeout: 10 * time.Second,
		QuietPeriod:        10 * time.Second,
		RetryInterval:      200 * time.Millisecond,
		RetryCeiling:       5 * time.Second,
		InFlightBytesBound: 64 << 20,
		AsyncFlushInterval: 50 * time.Millisecond,
		AsyncMaxBatch:      64,
		AsyncConcurrency:   4,
	}
}
