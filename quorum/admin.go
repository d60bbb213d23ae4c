// Package quorum implements the operator-facing membership and leadership
// surface described in spec.md §4.6: adding/removing peers, resetting
// election priorities, and transferring leadership.
package quorum

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clusterd/raftjournal/config"
	"github.com/clusterd/raftjournal/consensus"
	"github.com/clusterd/raftjournal/primacy"
	"github.com/clusterd/raftjournal/rjlog"
)

// ErrTransferNotAllowed is recorded (not returned directly, per spec.md
// §4.6 step 1: "record an error under a new transferId and return") when a
// transfer is requested while the coordinator's transfer-allowed flag is
// clear: before GainPrimacy has completed, after LosePrimacy, or while an
// earlier transfer is in flight.
var ErrTransferNotAllowed = errors.New("quorum: transfer not currently allowed")

// ErrTargetIsLocal and ErrTargetNotMember guard TransferLeadership's target
// validation (spec.md §4.6 step 2).
var (
	ErrTargetIsLocal    = errors.New("quorum: transfer target is the local peer")
	ErrTargetNotMember  = errors.New("quorum: transfer target is not a group member")
	transferPropagation = 250 * time.Millisecond
)

// Admin exposes the operator surface. It needs the raw consensus.Engine (for
// membership changes) and the primacy.Coordinator (for the
// transferLeaderAllowed gate and TransferStatus bookkeeping).
type Admin struct {
	engine      consensus.Engine
	coordinator *primacy.Coordinator
	cfg         *config.Config
	log         *rjlog.Logger
}

// NewAdmin constructs an Admin.
func NewAdmin(engine consensus.Engine, coordinator *primacy.Coordinator, cfg *config.Config, log *rjlog.Logger) *Admin {
	return &Admin{engine: engine, coordinator: coordinator, cfg: cfg, log: log}
}

// AddPeer issues an idempotent membership-change request adding addr as a
// new peer with neutral priority.
func (a *Admin) AddPeer(ctx context.Context, id, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	info, err := a.engine.GroupInfo(ctx)
	if err != nil {
		return fmt.Errorf("quorum: group info: %w", err)
	}
	for _, p := range info.Peers {
		if p.ID == id {
			return nil // idempotent
		}
	}
	peers := append(append([]consensus.Peer{}, info.Peers...), consensus.Peer{
		ID: id, Addr: addr, Priority: 1, Available: true,
	})
	return a.engine.SetConfiguration(ctx, peers)
}

// RemovePeer requires id to already be marked unavailable by the engine,
// then issues a membership change dropping it.
func (a *Admin) RemovePeer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	info, err := a.engine.GroupInfo(ctx)
	if err != nil {
		return fmt.Errorf("quorum: group info: %w", err)
	}

	peers := make([]consensus.Peer, 0, len(info.Peers))
	var found, available bool
	for _, p := range info.Peers {
		if p.ID == id {
			found = true
			available = p.Available
			continue
		}
		peers = append(peers, p)
	}
	if !found {
		return fmt.Errorf("quorum: peer %q not a member", id)
	}
	if available {
		return fmt.Errorf("quorum: peer %q must be unavailable before removal", id)
	}
	return a.engine.SetConfiguration(ctx, peers)
}

// ResetPriorities sets every peer's election priority to a common neutral
// value, e.g. after a manual transfer has run its course.
func (a *Admin) ResetPriorities(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	info, err := a.engine.GroupInfo(ctx)
	if err != nil {
		return fmt.Errorf("quorum: group info: %w", err)
	}
	peers := make([]consensus.Peer, len(info.Peers))
	for i, p := range info.Peers {
		p.Priority = 1
		peers[i] = p
	}
	return a.engine.SetConfiguration(ctx, peers)
}

// TransferLeadership runs spec.md §4.6's transferLeadership protocol,
// returning a transferId immediately; success is observed out-of-band when
// the local peer transitions to STANDBY (the call itself does not wait for
// that).
func (a *Admin) TransferLeadership(ctx context.Context, targetID string) (transferID string, err error) {
	transferID = uuid.NewString()

	if !a.coordinator.TestAndClearTransferAllowed() {
		a.coordinator.RecordTransferStatus(primacy.TransferStatus{
			ID:        transferID,
			Target:    targetID,
			Err:       ErrTransferNotAllowed,
			StartedAt: timeNow(),
		})
		return transferID, nil
	}

	info, err := a.engine.GroupInfo(ctx)
	if err != nil {
		a.failTransfer(transferID, targetID, fmt.Errorf("quorum: group info: %w", err))
		return transferID, nil
	}
	if targetID == a.engine.LocalID() {
		a.failTransfer(transferID, targetID, ErrTargetIsLocal)
		return transferID, nil
	}
	var target *consensus.Peer
	peers := make([]consensus.Peer, len(info.Peers))
	for i, p := range info.Peers {
		if p.ID == targetID {
			cp := p
			target = &cp
		}
		peers[i] = p
	}
	if target == nil {
		a.failTransfer(transferID, targetID, ErrTargetNotMember)
		return transferID, nil
	}

	a.coordinator.RecordTransferStatus(primacy.TransferStatus{
		ID: transferID, Target: targetID, StartedAt: timeNow(),
	})

	maxPriority := 0
	for _, p := range peers {
		if p.Priority > maxPriority {
			maxPriority = p.Priority
		}
	}
	for i := range peers {
		if peers[i].ID == targetID {
			peers[i].Priority = maxPriority + 1
		}
	}

	go a.runTransfer(transferID, targetID, peers)

	return transferID, nil
}

// runTransfer executes step 3-5 of spec.md §4.6 asynchronously: raise the
// target's priority, wait for membership propagation, then issue a bounded
// leadership-transfer request.
func (a *Admin) runTransfer(transferID, targetID string, peers []consensus.Peer) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
	err := a.engine.SetConfiguration(ctx, peers)
	cancel()
	if err != nil {
		a.failTransfer(transferID, targetID, fmt.Errorf("quorum: raise target priority: %w", err))
		return
	}

	// The propagation delay is not an engine request, so it is not bounded
	// by RequestTimeout.
	time.Sleep(transferPropagation)

	transferCtx, cancel2 := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
	defer cancel2()
	if err := a.engine.TransferLeadership(transferCtx, targetID, a.cfg.RequestTimeout); err != nil {
		a.failTransfer(transferID, targetID, fmt.Errorf("quorum: transfer leadership: %w", err))
		return
	}

	a.coordinator.RecordTransferStatus(primacy.TransferStatus{
		ID: transferID, Target: targetID, Completed: true, StartedAt: timeNow(),
	})
}

func (a *Admin) failTransfer(transferID, targetID string, err error) {
	a.log.Warning().Str("transfer_id", transferID).Str("target", targetID).Err(err).Log("leadership transfer failed")
	a.coordinator.SetTransferAllowed(true)
	a.coordinator.RecordTransferStatus(primacy.TransferStatus{
		ID: transferID, Target: targetID, Err: err, StartedAt: timeNow(),
	})
}

// timeNow is indirected for test determinism.
var timeNow = time.Now
