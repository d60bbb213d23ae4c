package journal

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// LogicalJournal is the callback surface a master subsystem implements to
// participate in the multiplexed log. The core specifies only this
// interface; the state machine behind it is the master's concern.
type LogicalJournal interface {
	// Name identifies this journal within the registry; it is the routing
	// key encoded by envelope.EncodeTarget.
	Name() string
	// Apply applies one committed operation's payload to this journal's
	// in-memory state. Called at most once per committed entry targeting
	// this journal, in SN order.
	Apply(ctx context.Context, payload []byte) error
	// Snapshot streams a consistent checkpoint of this journal's state to
	// w. Called only while the SnapshotGate writer lock is held.
	Snapshot(ctx context.Context, w io.Writer) error
	// Install replaces this journal's entire state from r, discarding
	// whatever was there before.
	Install(ctx context.Context, r io.Reader) error
}

// Registry maps logical-journal names to their handles; the multiplexer key
// described in spec.md's SYSTEM OVERVIEW item 9.
type Registry struct {
	mu       sync.RWMutex
	journals map[string]LogicalJournal
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{journals: make(map[string]LogicalJournal)}
}

// Register adds j, identified by j.Name(). It is an error to register the
// same name twice; logical journals live for the process lifetime.
func (r *Registry) Register(j LogicalJournal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := j.Name()
	if name == "" {
		return fmt.Errorf("journal: empty logical journal name")
	}
	if _, exists := r.journals[name]; exists {
		return fmt.Errorf("journal: %q already registered", name)
	}
	r.journals[name] = j
	return nil
}

// Lookup returns the journal registered under name, if any.
func (r *Registry) Lookup(name string) (LogicalJournal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.journals[name]
	return j, ok
}

// All returns every registered journal, sorted by name for deterministic
// snapshot ordering.
func (r *Registry) All() []LogicalJournal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.journals))
	for name := range r.journals {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]LogicalJournal, len(names))
	for i, name := range names {
		out[i] = r.journals[name]
	}
	return out
}
