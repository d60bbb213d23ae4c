package journal

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrSnapshotNotAllowed is returned by SnapshotGate.Lock when the gate's
// allowed bit is false, e.g. because the local peer is primary and outside
// its maintenance window. StateMachine.Suspend does not change the bit.
var ErrSnapshotNotAllowed = errors.New("journal: snapshot not allowed")

// SnapshotGate encodes invariant I4: a snapshot may begin only when allowed
// is true and no reader (mutator) holds the gate; while a snapshot is in
// progress, no applies may advance lastAppliedSN. Readers are appliers,
// writers are snapshotters — the opposite of how a cache might use an
// RWMutex, which is exactly why the type is given its own name here rather
// than being passed around as a bare sync.RWMutex.
type SnapshotGate struct {
	mu      sync.RWMutex
	allowed atomic.Bool
}

// NewSnapshotGate returns a gate with allowed initially false.
func NewSnapshotGate() *SnapshotGate {
	return &SnapshotGate{}
}

// SetAllowed flips the gate's allowed bit. Called by the primacy/snapshot
// scheduling logic, never by apply or snapshot callers themselves.
func (g *SnapshotGate) SetAllowed(v bool) {
	g.allowed.Store(v)
}

// Allowed reports the current value of the allowed bit.
func (g *SnapshotGate) Allowed() bool {
	return g.allowed.Load()
}

// RLock is held by a mutator (apply) for the duration of one apply call.
func (g *SnapshotGate) RLock() {
	g.mu.RLock()
}

// RUnlock releases the reader side acquired by RLock.
func (g *SnapshotGate) RUnlock() {
	g.mu.RUnlock()
}

// Lock acquires the writer side for a snapshotter, blocking until every
// in-flight apply has released its reader side. It then re-checks Allowed,
// returning ErrSnapshotNotAllowed (and releasing the writer side) if the bit
// flipped false while waiting, so callers never proceed against a stale
// decision.
func (g *SnapshotGate) Lock() error {
	g.mu.Lock()
	if !g.allowed.Load() {
		g.mu.Unlock()
		return ErrSnapshotNotAllowed
	}
	return nil
}

// Unlock releases the writer side acquired by a successful Lock.
func (g *SnapshotGate) Unlock() {
	g.mu.Unlock()
}
