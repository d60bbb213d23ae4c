package journal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moby/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clusterd/raftjournal/consensus"
	"github.com/clusterd/raftjournal/envelope"
	"github.com/clusterd/raftjournal/fatal"
	"github.com/clusterd/raftjournal/metrics"
	"github.com/clusterd/raftjournal/rjlog"
)

// Mode is the JournalStateMachine's replay/serve/closing state (spec.md §3).
type Mode int

const (
	// ModeReplay applies every committed entry's payload to its target
	// logical journal, in SN order (invariant I3).
	ModeReplay Mode = iota
	// ModeServe treats committed entries as no-ops for state: the primary
	// already mutated state before appending them (invariant I2).
	ModeServe
	// ModeClosing drops committed entries; the engine is shutting down.
	ModeClosing
)

func (m Mode) String() string {
	switch m {
	case ModeReplay:
		return "replay"
	case ModeServe:
		return "serve"
	case ModeClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ErrSuspended is returned by Apply while the state machine is suspended for
// external catch-up.
var ErrSuspended = errors.New("journal: state machine suspended")

// ErrWrongMode is returned by operations whose precondition on Mode isn't
// met, e.g. InstallSnapshot while not in ModeReplay.
var ErrWrongMode = errors.New("journal: wrong mode for operation")

// StateMachine is the sole consumer of committed entries from the engine,
// and the sole producer/installer of snapshots (spec.md §4.1).
type StateMachine struct {
	registry *Registry
	gate     *SnapshotGate
	log      *rjlog.Logger
	health   *metrics.Health

	// mu guards mode, suspended, lastPrimaryStartSN and onInterrupt — the
	// small set of fields mutated from goroutines other than the engine's
	// single ordered apply thread (PrimacyCoordinator, operator catch-up).
	mu                 sync.Mutex
	mode               Mode
	suspended          bool
	onInterrupt        func()
	lastPrimaryStartSN int64
	havePrimaryStartSN bool

	// lastAppliedSN is read far more often than it's written (Catchup
	// polling, metrics, GroupInfo-adjacent queries), and the engine
	// contract guarantees Apply itself is never called concurrently with
	// itself, so this is a plain atomic rather than being behind mu.
	lastAppliedSN atomic.Int64

	advanced *pubsub.Publisher
}

// NewStateMachine constructs a StateMachine in ModeReplay, the mode every
// standby (and every primary before gainPrimacy completes) starts in.
func NewStateMachine(registry *Registry, gate *SnapshotGate, log *rjlog.Logger, health *metrics.Health) *StateMachine {
	sm := &StateMachine{
		registry: registry,
		gate:     gate,
		log:      log,
		health:   health,
		mode:     ModeReplay,
		advanced: pubsub.NewPublisher(100*time.Millisecond, 64),
	}
	sm.lastAppliedSN.Store(minSN)
	return sm
}

// minSN is the initial value of lastAppliedSN, one below the first real SN
// a writer ever assigns (real SNs start at 0). Term-start sentinels are
// negative too, but never participate in this comparison (see Apply):
// lastAppliedSN only ever advances via real entries.
const minSN = int64(-1)

var tracer = otel.Tracer("github.com/clusterd/raftjournal/journal")

var _ consensus.StateMachine = (*StateMachine)(nil)

// OnBecomePrimary implements consensus.StateMachine. StateMachine itself
// takes no action on this notification; its mode changes only through
// Upgrade (called by PrimacyCoordinator.GainPrimacy), Downgrade and Close.
func (sm *StateMachine) OnBecomePrimary(ctx context.Context) {}

// OnBecomeStandby implements consensus.StateMachine, and is likewise a
// no-op for the same reason as OnBecomePrimary.
func (sm *StateMachine) OnBecomeStandby(ctx context.Context) {}

// Mode returns the current mode.
func (sm *StateMachine) Mode() Mode {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.mode
}

// LastAppliedSN returns the most recently applied sequence number.
func (sm *StateMachine) LastAppliedSN() int64 {
	return sm.lastAppliedSN.Load()
}

// Apply is called by the engine for each committed entry, in SN order
// (spec.md §4.1). framedPayload is the wire envelope produced by
// envelope.EncodeTarget.
func (sm *StateMachine) Apply(ctx context.Context, sn int64, framedPayload []byte) error {
	ctx, span := tracer.Start(ctx, "StateMachine.Apply", trace.WithAttributes(
		attribute.Int64("journal.sn", sn),
	))
	defer span.End()

	sm.gate.RLock()
	defer sm.gate.RUnlock()

	sm.mu.Lock()
	suspended := sm.suspended
	mode := sm.mode
	sm.mu.Unlock()

	if suspended {
		return ErrSuspended
	}

	if sn < 0 {
		// Term-start sentinel (invariant I5): carries no target framing,
		// never mutates logical-journal state, and never feeds lastAppliedSN
		// (sentinels aren't positionally ordered against real SNs or each
		// other, so applying one must never move lastAppliedSN backward).
		sm.mu.Lock()
		sm.lastPrimaryStartSN = sn
		sm.havePrimaryStartSN = true
		sm.mu.Unlock()
		sm.advanced.Publish(sn)
		return nil
	}

	switch mode {
	case ModeClosing:
		return nil

	case ModeServe:
		sm.advanceTo(maxInt64(sm.lastAppliedSN.Load(), sn))
		return nil

	default: // ModeReplay
		target, payload, err := envelope.DecodeTarget(framedPayload)
		if err != nil {
			fatal.Abort(sm.log, fmt.Errorf("journal: corrupt entry at sn=%d: %w", sn, err))
			return err
		}
		if target != "" {
			lj, ok := sm.registry.Lookup(target)
			if !ok {
				fatal.Abort(sm.log, fmt.Errorf("journal: unknown logical journal %q at sn=%d", target, sn))
				return fmt.Errorf("journal: unknown logical journal %q", target)
			}
			if err := sm.applyWithRecovery(ctx, lj, payload); err != nil {
				fatal.Abort(sm.log, fmt.Errorf("journal: apply failed for %q at sn=%d: %w", target, sn, err))
				return err
			}
		}
		sm.advanceTo(sn)
		return nil
	}
}

func (sm *StateMachine) applyWithRecovery(ctx context.Context, lj LogicalJournal, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("journal: panic applying to %q: %v", lj.Name(), r)
		}
	}()
	return lj.Apply(ctx, payload)
}

func (sm *StateMachine) advanceTo(sn int64) {
	sm.lastAppliedSN.Store(sn)
	if sm.health != nil {
		sm.health.LastAppliedSN.Set(float64(sn))
	}
	sm.advanced.Publish(sn)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Upgrade transitions replay -> serve, returning the lastAppliedSN observed
// at the moment of transition so the caller (PrimacyCoordinator) can choose
// nextSN = lastAppliedSN + 1 for the new RaftJournalWriter. It is the
// coordinator's responsibility to call this only once per primacy epoch
// (invariant I6/I2); calling it again while already in ModeServe is a no-op
// returning the current value.
func (sm *StateMachine) Upgrade() int64 {
	sm.mu.Lock()
	if sm.mode == ModeReplay {
		sm.mode = ModeServe
	}
	sm.mu.Unlock()
	return sm.lastAppliedSN.Load()
}

// Downgrade transitions back to ModeReplay. Per spec.md §9's design note,
// PrimacyCoordinator.losePrimacy constructs an entirely new StateMachine
// rather than calling this in production; Downgrade exists for tests that
// want to drive a single StateMachine through both roles without resetting
// the whole registry.
func (sm *StateMachine) Downgrade() {
	sm.mu.Lock()
	sm.mode = ModeReplay
	sm.havePrimaryStartSN = false
	sm.mu.Unlock()
}

// Close transitions to ModeClosing; subsequent Apply calls are no-ops.
func (sm *StateMachine) Close() {
	sm.mu.Lock()
	sm.mode = ModeClosing
	sm.mu.Unlock()
	sm.advanced.Close()
}

// ObservedPrimaryStart reports whether the most recently applied term-start
// sentinel has the given sn (spec.md invariant I5). Sentinels are recorded
// in every mode, so catch-up can observe its own sentinel before Upgrade.
func (sm *StateMachine) ObservedPrimaryStart(sn int64) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.havePrimaryStartSN && sm.lastPrimaryStartSN == sn
}

// Suspend refuses further applies until Resume, for an external catch-up
// process (e.g. importing a checkpoint out of band). onInterrupt, if
// non-nil, is invoked if the suspension is aborted rather than resumed
// normally; callers distinguish the two by calling Resume vs. Interrupt.
func (sm *StateMachine) Suspend(onInterrupt func()) {
	sm.mu.Lock()
	sm.suspended = true
	sm.onInterrupt = onInterrupt
	sm.mu.Unlock()
}

// Resume clears the suspended flag set by Suspend.
func (sm *StateMachine) Resume() {
	sm.mu.Lock()
	sm.suspended = false
	sm.onInterrupt = nil
	sm.mu.Unlock()
}

// Interrupt aborts a pending suspension, invoking the onInterrupt callback
// passed to Suspend, if any, then clearing suspended.
func (sm *StateMachine) Interrupt() {
	sm.mu.Lock()
	cb := sm.onInterrupt
	sm.suspended = false
	sm.onInterrupt = nil
	sm.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Suspended reports whether the state machine currently refuses applies.
func (sm *StateMachine) Suspended() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.suspended
}

// Catchup returns a channel that receives exactly one error (nil on
// success) once lastAppliedSN >= targetSN, or ctx is done. Per spec.md §9
// Open Question (a): if targetSN is already satisfied, the returned channel
// is pre-resolved.
func (sm *StateMachine) Catchup(ctx context.Context, targetSN int64) <-chan error {
	out := make(chan error, 1)

	if sm.lastAppliedSN.Load() >= targetSN {
		out <- nil
		return out
	}

	sub := sm.advanced.Subscribe()
	go func() {
		defer sm.advanced.Evict(sub)
		defer close(out)

		if sm.lastAppliedSN.Load() >= targetSN {
			out <- nil
			return
		}
		for {
			select {
			case <-ctx.Done():
				out <- ctx.Err()
				return
			case v, ok := <-sub:
				if !ok {
					out <- fmt.Errorf("journal: state machine closed before reaching sn=%d", targetSN)
					return
				}
				if sn, ok := v.(int64); ok && sn >= targetSN {
					out <- nil
					return
				}
			}
		}
	}()

	return out
}

// TakeLocalSnapshot streams a consistent checkpoint of every registered
// LogicalJournal's state via sink, at the sequence number visible at the
// moment the writer lock is acquired (invariant I4, P4). sink is called
// once per logical journal, in registry order, and must return an io.Writer
// scoped to that journal's name (e.g. one bbolt bucket, or one file).
func (sm *StateMachine) TakeLocalSnapshot(ctx context.Context, sink SnapshotSink) (sn int64, err error) {
	if err := sm.gate.Lock(); err != nil {
		return 0, err
	}
	defer sm.gate.Unlock()

	sn = sm.lastAppliedSN.Load()
	for _, lj := range sm.registry.All() {
		w, closeW, err := sink.Open(lj.Name(), sn)
		if err != nil {
			if sm.health != nil {
				sm.health.SnapshotFailures.Inc()
			}
			return sn, fmt.Errorf("journal: open snapshot sink for %q: %w", lj.Name(), err)
		}
		err = lj.Snapshot(ctx, w)
		if closeW != nil {
			if cerr := closeW(); err == nil {
				err = cerr
			}
		}
		if err != nil {
			if sm.health != nil {
				sm.health.SnapshotFailures.Inc()
			}
			return sn, fmt.Errorf("journal: snapshot %q: %w", lj.Name(), err)
		}
	}
	return sn, nil
}

// InstallSnapshot replaces every logical journal's state from source, then
// sets lastAppliedSN = sn. It fails if mode != ModeReplay (a primary never
// imports a foreign snapshot into live-served state).
func (sm *StateMachine) InstallSnapshot(ctx context.Context, source SnapshotSource, sn int64) error {
	sm.mu.Lock()
	mode := sm.mode
	sm.mu.Unlock()
	if mode != ModeReplay {
		return ErrWrongMode
	}

	if err := sm.gate.Lock(); err != nil {
		return err
	}
	defer sm.gate.Unlock()

	for _, lj := range sm.registry.All() {
		r, closeR, err := source.Open(lj.Name())
		if err != nil {
			return fmt.Errorf("journal: open snapshot source for %q: %w", lj.Name(), err)
		}
		err = lj.Install(ctx, r)
		if closeR != nil {
			if cerr := closeR(); err == nil {
				err = cerr
			}
		}
		if err != nil {
			fatal.Abort(sm.log, fmt.Errorf("journal: install snapshot failed for %q: %w", lj.Name(), err))
			return err
		}
	}
	sm.advanceTo(sn)
	return nil
}

// SequenceNumber returns lastAppliedSN for any registered journal name; per
// spec.md §9 Open Question (b), the single replicated log means every
// logical journal shares the same global sequence number.
func (sm *StateMachine) SequenceNumber(name string) (int64, bool) {
	if _, ok := sm.registry.Lookup(name); !ok {
		return 0, false
	}
	return sm.lastAppliedSN.Load(), true
}

// SnapshotSink is consulted by TakeLocalSnapshot once per logical journal.
type SnapshotSink interface {
	// Open returns a writer scoped to the named journal's checkpoint at sn,
	// and an optional close function invoked after Snapshot returns.
	Open(name string, sn int64) (w io.Writer, closeW func() error, err error)
}

// SnapshotSource is consulted by InstallSnapshot once per logical journal.
type SnapshotSource interface {
	Open(name string) (r io.Reader, closeR func() error, err error)
}
