// Package primacy implements the gainPrimacy/losePrimacy state machine that
// reacts to consensus.PrimacyEvent notifications, owning the catch-up
// protocol, the writer lifecycle, and leadership-transfer bookkeeping
// (spec.md §4.5, §4.6).
package primacy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moby/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clusterd/raftjournal/config"
	"github.com/clusterd/raftjournal/consensus"
	"github.com/clusterd/raftjournal/journal"
	"github.com/clusterd/raftjournal/metrics"
	"github.com/clusterd/raftjournal/rjlog"
	"github.com/clusterd/raftjournal/writer"

	catrate "github.com/joeycumines/go-catrate"
)

var tracer = otel.Tracer("github.com/clusterd/raftjournal/primacy")

// State is broadcast to subscribers of Coordinator.Notifications.
type State struct {
	Role consensus.Role
}

// TransferStatus records the outcome of one QuorumAdmin.TransferLeadership
// call, keyed by its TransferID (spec.md §6 "Operator surface").
type TransferStatus struct {
	ID        string
	Target    string
	Err       error
	Completed bool
	StartedAt time.Time
}

// ErrCatchupAborted is returned from gainPrimacy's catch-up loop when the
// engine reports the local peer is no longer primary mid-attempt.
var ErrCatchupAborted = errors.New("primacy: no longer primary, catch-up aborted")

// Coordinator owns the single coarse lifecycle lock spec.md §5 describes:
// "the coordinator, writer, and state machine are a single logical unit
// guarded by one coarse lock for lifecycle operations". Steady-state apply
// and append do not take this lock.
type Coordinator struct {
	engine       consensus.Engine
	stateMachine *journal.StateMachine
	registry     *journal.Registry
	gate         *journal.SnapshotGate
	cfg          *config.Config
	log          *rjlog.Logger
	health       *metrics.Health
	limiter      *catrate.Limiter

	async *writer.AsyncJournalWriter

	// mu is the coarse lifecycle lock.
	mu      sync.Mutex
	current *writer.RaftJournalWriter

	transferAllowed bool

	statusMu sync.Mutex
	statuses map[string]*TransferStatus

	events *pubsub.Publisher
}

// NewCoordinator constructs a Coordinator around an already-registered
// engine/state machine pair. async is constructed here (with a nil inner
// writer) and must be the one handed to RPC handlers for append traffic.
func NewCoordinator(engine consensus.Engine, sm *journal.StateMachine, registry *journal.Registry, gate *journal.SnapshotGate, cfg *config.Config, log *rjlog.Logger, health *metrics.Health) *Coordinator {
	c := &Coordinator{
		engine:       engine,
		stateMachine: sm,
		registry:     registry,
		gate:         gate,
		cfg:          cfg,
		log:          log,
		health:       health,
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 1,
			time.Minute: 5,
		}),
		statuses: make(map[string]*TransferStatus),
		events:   pubsub.NewPublisher(100*time.Millisecond, 16),
	}
	c.async = writer.NewAsyncJournalWriter(nil, writer.AsyncWriterConfig{
		FlushInterval: cfg.AsyncFlushInterval,
		MaxBatch:      cfg.AsyncMaxBatch,
		Concurrency:   cfg.AsyncConcurrency,
	})
	return c
}

// Writer returns the AsyncJournalWriter RPC handlers should append through.
// It remains valid across primacy transitions; appends simply fail with
// consensus.ErrNotLeader while the local peer is standby.
func (c *Coordinator) Writer() *writer.AsyncJournalWriter {
	return c.async
}

// Notifications returns a channel of State transitions.
func (c *Coordinator) Notifications() chan interface{} {
	return c.events.Subscribe()
}

// GainPrimacy runs the full catch-up protocol described in spec.md §4.5,
// then installs a fresh RaftJournalWriter and opens the write path.
func (c *Coordinator) GainPrimacy(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "PrimacyCoordinator.GainPrimacy")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.gate.SetAllowed(false)

	startSN, err := c.catchUp(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	nextSN := c.stateMachine.Upgrade()
	if nextSN < startSN {
		nextSN = startSN
	}
	nextSN++
	if nextSN < 0 {
		// Defensive: real SNs are never negative (negative is reserved for
		// term-start sentinels), regardless of what lastAppliedSN started at.
		nextSN = 0
	}

	span.SetAttributes(attribute.Int64("journal.next_sn", nextSN))

	c.current = writer.NewRaftJournalWriter(c.engine, nextSN, c.cfg.InFlightBytesBound, c.log)
	c.async.SetInner(c.current)

	c.statusMu.Lock()
	c.transferAllowed = true
	c.statusMu.Unlock()

	c.events.Publish(State{Role: consensus.Primary})

	c.log.Info().Int64("sn", nextSN).Log("gained primacy")
	return nil
}

// catchUp runs the retry loop in spec.md §4.5 step 2, returning the
// lastAppliedSN observed once the term-start sentinel proof succeeds.
func (c *Coordinator) catchUp(ctx context.Context) (int64, error) {
	attempt := 0
	for {
		attempt++
		sn, err := c.catchUpOnce(ctx)
		if err == nil {
			return sn, nil
		}
		if errors.Is(err, ErrCatchupAborted) || ctx.Err() != nil {
			return 0, err
		}

		if c.health != nil {
			c.health.CatchupRetries.Inc()
		}
		if _, allowed := c.limiter.Allow("catchup-retry"); allowed {
			c.log.Warning().Err(err).Int("attempt", attempt).Log("catch-up attempt failed, retrying")
		}

		delay := backoff(attempt, c.cfg.RetryInterval, c.cfg.RetryCeiling)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoff computes exponential backoff with jitter, capped at ceiling
// (SPEC_FULL.md §11 "Contested-term catch-up backoff").
func backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if ceiling <= 0 {
		ceiling = base
	}
	d := base << uint(min(attempt-1, 20))
	if d <= 0 || d > ceiling {
		d = ceiling
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}

func (c *Coordinator) catchUpOnce(ctx context.Context) (int64, error) {
	attemptCtx, span := tracer.Start(ctx, "PrimacyCoordinator.catchUp")
	defer span.End()

	info, err := c.engine.GroupInfo(attemptCtx)
	if err != nil {
		return 0, fmt.Errorf("primacy: group info: %w", err)
	}
	if info.Role != consensus.Primary {
		return 0, ErrCatchupAborted
	}

	endCommitIndex := info.CommitIndices[c.engine.LocalID()]

	attemptID := uuid.NewString()
	ts := negativeSentinel()
	span.SetAttributes(
		attribute.String("journal.attempt_id", attemptID),
		attribute.Int64("journal.sentinel_sn", ts),
		attribute.Int64("journal.end_commit_index", endCommitIndex),
	)

	reqCtx, cancel := context.WithTimeout(attemptCtx, c.cfg.RequestTimeout)
	future, err := c.engine.Append(reqCtx, attemptID, ts, nil)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("primacy: append sentinel: %w", err)
	}

	// The sentinel's own commit gets RequestTimeout, the same budget every
	// other engine interaction gets; the observe-and-quiet-period wait below
	// gets its own full MaxElectionTimeout (spec.md §4.5), so a slow-but-valid
	// commit can't eat into the budget meant for proving no stale leader is
	// still active.
	waitCtx, cancel := context.WithTimeout(attemptCtx, c.cfg.RequestTimeout)
	_, err = future.Wait(waitCtx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("primacy: sentinel commit: %w", err)
	}

	deadline := time.Now().Add(c.cfg.MaxElectionTimeout)
	for {
		if c.stateMachine.ObservedPrimaryStart(ts) {
			select {
			case <-time.After(c.cfg.QuietPeriod):
			case <-attemptCtx.Done():
				return 0, attemptCtx.Err()
			}
			return c.stateMachine.LastAppliedSN(), nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("primacy: catch-up attempt %s timed out", attemptID)
		}
		select {
		case <-attemptCtx.Done():
			return 0, attemptCtx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// negativeSentinel draws a random negative int64, used as a term-start SN
// tag (spec.md §9 "random negative value"), in the range [-(2^63-1), -1].
// Sentinels never feed StateMachine's lastAppliedSN, so a draw of -1 does
// not collide with its "never applied" initial value.
func negativeSentinel() int64 {
	v := rand.Int63()
	if v == 0 {
		v = 1
	}
	return -v
}

// LosePrimacy tears everything down per spec.md §4.5 step "losePrimacy",
// including a full engine reset so the now-standby replays its log from
// scratch rather than carrying forward any pre-applied state.
func (c *Coordinator) LosePrimacy(ctx context.Context, reopen func(ctx context.Context) (consensus.Engine, error)) error {
	ctx, span := tracer.Start(ctx, "PrimacyCoordinator.LosePrimacy")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.statusMu.Lock()
	c.transferAllowed = false
	c.statusMu.Unlock()

	// Detach the current epoch's writer rather than permanently closing the
	// AsyncJournalWriter: the coordinator is reused across primacy cycles,
	// and a later GainPrimacy calls SetInner again to resume it.
	c.async.SetInner(nil)
	if c.current != nil {
		if err := c.current.Close(); err != nil {
			c.log.Warning().Err(err).Log("error closing raft journal writer during losePrimacy")
		}
	}
	c.current = nil

	if err := c.engine.Close(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("primacy: close engine: %w", err)
	}

	if reopen != nil {
		newEngine, err := reopen(ctx)
		if err != nil {
			return fmt.Errorf("primacy: reopen engine: %w", err)
		}
		c.engine = newEngine
	}

	c.gate.SetAllowed(true)
	c.events.Publish(State{Role: consensus.Standby})
	c.log.Info().Log("lost primacy")
	return nil
}

// Close permanently tears the coordinator down for process shutdown: unlike
// LosePrimacy, the AsyncJournalWriter itself is closed and cannot be resumed
// by a later GainPrimacy.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events.Close()
	return c.async.Close()
}

// TestAndClearTransferAllowed reports whether QuorumAdmin.TransferLeadership
// may currently proceed, and atomically clears the flag (spec.md §4.6 step 1).
func (c *Coordinator) TestAndClearTransferAllowed() bool {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	v := c.transferAllowed
	c.transferAllowed = false
	return v
}

// SetTransferAllowed restores the flag, e.g. after a failed transfer attempt
// (spec.md §4.6 step 5).
func (c *Coordinator) SetTransferAllowed(v bool) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.transferAllowed = v
}

// RecordTransferStatus records or updates the status for a transfer id.
func (c *Coordinator) RecordTransferStatus(s TransferStatus) {
	c.statusMu.Lock()
	c.statuses[s.ID] = &s
	c.statusMu.Unlock()
	c.events.Publish(s)
}

// TransferStatusByID returns the recorded status for id, if any
// (SPEC_FULL.md §11 "Transfer status retrieval surface").
func (c *Coordinator) TransferStatusByID(id string) (TransferStatus, bool) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	s, ok := c.statuses[id]
	if !ok {
		return TransferStatus{}, false
	}
	return *s, true
}

// ListTransferErrors returns every recorded transfer whose Err is non-nil.
func (c *Coordinator) ListTransferErrors() []TransferStatus {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	out := make([]TransferStatus, 0)
	for _, s := range c.statuses {
		if s.Err != nil {
			out = append(out, *s)
		}
	}
	return out
}
