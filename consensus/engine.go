// Package consensus defines the contract this module requires of an
// external consensus engine (log replication, leader election, RPC
// transport). Implementing that contract is explicitly out of scope for
// this module: production code is expected to adapt a real Raft-family
// library. This package also ships a deterministic in-memory Fake used by
// this module's own test suite.
package consensus

import (
	"context"
	"time"
)

// LifeCycle enumerates the engine's coarse run state.
type LifeCycle int

const (
	New LifeCycle = iota
	Starting
	Running
	Closing
	Closed
)

func (l LifeCycle) String() string {
	switch l {
	case New:
		return "new"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role is a peer's role with respect to client writes.
type Role int

const (
	Standby Role = iota
	Primary
)

func (r Role) String() string {
	if r == Primary {
		return "primary"
	}
	return "standby"
}

// Peer describes one member of the replication group.
type Peer struct {
	ID        string
	Addr      string
	Priority  int
	Available bool
}

// GroupInfo is a point-in-time snapshot of group membership and progress.
type GroupInfo struct {
	Role          Role
	LeaderID      string
	Peers         []Peer
	CommitIndices map[string]int64
}

// CommitReply is delivered when an appended entry is durably committed.
type CommitReply struct {
	SN int64
}

// CommitFuture resolves once the engine has committed (not merely accepted)
// the corresponding Append call.
type CommitFuture interface {
	Wait(ctx context.Context) (CommitReply, error)
}

// StateMachine is implemented by the core (journal.StateMachine) and
// registered with the engine. The engine drives it from a single ordered
// goroutine per group.
type StateMachine interface {
	// Apply delivers one committed entry, in SN order.
	Apply(ctx context.Context, sn int64, payload []byte) error
	// OnBecomePrimary notifies the state machine that the engine believes
	// this peer has won an election. The state machine does not act on
	// this directly; the same signal is also delivered on
	// Engine.Notifications. primacy.Coordinator does not read that channel
	// itself: its GainPrimacy and LosePrimacy are called by its owner.
	OnBecomePrimary(ctx context.Context)
	// OnBecomeStandby is the converse notification.
	OnBecomeStandby(ctx context.Context)
}

// PrimacyEvent is delivered on the channel returned by Engine.Notifications.
type PrimacyEvent struct {
	Role Role
}

// Engine is the contract this module requires of the underlying consensus
// library. See spec.md §6.
type Engine interface {
	// Start brings the engine up: opens storage, joins or forms the group,
	// begins participating in elections.
	Start(ctx context.Context) error
	// Close tears the engine down, releasing storage and network resources.
	Close(ctx context.Context) error
	// LifeCycle reports the engine's current run state.
	LifeCycle() LifeCycle

	// RegisterStateMachine attaches the sole consumer of committed entries.
	// Must be called before Start.
	RegisterStateMachine(sm StateMachine)
	// Notifications returns a channel of primacy-change events. The channel
	// is closed when the engine closes.
	Notifications() <-chan PrimacyEvent

	// Append replicates the entry (sn, payload), returning a future that
	// resolves on commit. sn is assigned by the caller (RaftJournalWriter)
	// and is treated as opaque by the engine, replicated alongside payload
	// as a first-class attribute so StateMachine.Apply can be delivered it
	// verbatim. callID deduplicates retried appends at the engine's
	// discretion (retry-cache collisions are a transient error, not a
	// correctness issue, on the caller's side).
	Append(ctx context.Context, callID string, sn int64, payload []byte) (CommitFuture, error)

	// GroupInfo returns current membership and progress.
	GroupInfo(ctx context.Context) (GroupInfo, error)
	// SetConfiguration issues a membership change with the given peer set
	// and priorities.
	SetConfiguration(ctx context.Context, peers []Peer) error
	// TransferLeadership asks the engine to hand primacy to peerID,
	// bounded by wait.
	TransferLeadership(ctx context.Context, peerID string, wait time.Duration) error

	// SetExitOnFatalDisabled toggles the engine's default behavior of
	// terminating the process on an internal fault, so the host process's
	// own shutdown hook doesn't deadlock with it.
	SetExitOnFatalDisabled(disabled bool)

	// LocalID is this engine's own peer id.
	LocalID() string
}
