package quorum

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clusterd/raftjournal/config"
	"github.com/clusterd/raftjournal/consensus"
	"github.com/clusterd/raftjournal/journal"
	"github.com/clusterd/raftjournal/metrics"
	"github.com/clusterd/raftjournal/primacy"
	"github.com/clusterd/raftjournal/rjlog"
)

func testAdmin(t *testing.T, world *consensus.World, localID string) (*Admin, *primacy.Coordinator, consensus.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.RequestTimeout = 200 * time.Millisecond

	reg := journal.NewRegistry()
	gate := journal.NewSnapshotGate()
	sm := journal.NewStateMachine(reg, gate, rjlog.Nop(), metrics.NewHealth())

	engine := world.Engine(localID)
	engine.RegisterStateMachine(sm)
	require.NoError(t, engine.Start(context.Background()))

	coordinator := primacy.NewCoordinator(engine, sm, reg, gate, cfg, rjlog.Nop(), metrics.NewHealth())
	admin := NewAdmin(engine, coordinator, cfg, rjlog.Nop())
	return admin, coordinator, engine
}

func TestAdmin_addPeerIsIdempotent(t *testing.T) {
	world := consensus.NewWorld("p1", "p2")
	admin, _, engine := testAdmin(t, world, "p1")

	require.NoError(t, admin.AddPeer(context.Background(), "p2", "p2:7000"))

	info, err := engine.GroupInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, info.Peers, 2)
}

func TestAdmin_addPeerAppendsNewMember(t *testing.T) {
	world := consensus.NewWorld("p1")
	admin, _, engine := testAdmin(t, world, "p1")

	require.NoError(t, admin.AddPeer(context.Background(), "p2", "p2:7000"))

	info, err := engine.GroupInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, info.Peers, 2)

	var found bool
	for _, p := range info.Peers {
		if p.ID == "p2" {
			found = true
			require.Equal(t, "p2:7000", p.Addr)
		}
	}
	require.True(t, found)
}

func TestAdmin_removePeerRequiresUnavailable(t *testing.T) {
	world := consensus.NewWorld("p1", "p2")
	admin, _, _ := testAdmin(t, world, "p1")

	err := admin.RemovePeer(context.Background(), "p2")
	require.Error(t, err, "removing an available peer must be refused")

	world.SetAvailable("p2", false)
	require.NoError(t, admin.RemovePeer(context.Background(), "p2"))
}

func TestAdmin_removePeerRejectsUnknown(t *testing.T) {
	world := consensus.NewWorld("p1")
	admin, _, _ := testAdmin(t, world, "p1")

	err := admin.RemovePeer(context.Background(), "ghost")
	require.Error(t, err)
}

func TestAdmin_resetPrioritiesNormalizesAllPeers(t *testing.T) {
	world := consensus.NewWorld("p1", "p2")
	admin, _, engine := testAdmin(t, world, "p1")

	require.NoError(t, admin.ResetPriorities(context.Background()))

	info, err := engine.GroupInfo(context.Background())
	require.NoError(t, err)
	for _, p := range info.Peers {
		require.Equal(t, 1, p.Priority)
	}
}

func TestAdmin_transferLeadershipRecordsErrorWhenNotAllowed(t *testing.T) {
	world := consensus.NewWorld("p1", "p2")
	admin, coordinator, _ := testAdmin(t, world, "p1")
	world.Elect("p1")
	// transferAllowed defaults to false until GainPrimacy runs.

	id, err := admin.TransferLeadership(context.Background(), "p2")
	require.NoError(t, err)

	status, ok := coordinator.TransferStatusByID(id)
	require.True(t, ok)
	require.ErrorIs(t, status.Err, ErrTransferNotAllowed)
}

func TestAdmin_transferLeadershipRejectsLocalTarget(t *testing.T) {
	world := consensus.NewWorld("p1", "p2")
	admin, coordinator, _ := testAdmin(t, world, "p1")
	world.Elect("p1")
	coordinator.SetTransferAllowed(true)

	id, err := admin.TransferLeadership(context.Background(), "p1")
	require.NoError(t, err)

	status, ok := coordinator.TransferStatusByID(id)
	require.True(t, ok)
	require.ErrorIs(t, status.Err, ErrTargetIsLocal)
}

func TestAdmin_transferLeadershipRejectsNonMember(t *testing.T) {
	world := consensus.NewWorld("p1", "p2")
	admin, coordinator, _ := testAdmin(t, world, "p1")
	world.Elect("p1")
	coordinator.SetTransferAllowed(true)

	id, err := admin.TransferLeadership(context.Background(), "ghost")
	require.NoError(t, err)

	status, ok := coordinator.TransferStatusByID(id)
	require.True(t, ok)
	require.ErrorIs(t, status.Err, ErrTargetNotMember)
}

func TestAdmin_transferLeadershipCompletesAsynchronously(t *testing.T) {
	world := consensus.NewWorld("p1", "p2")
	admin, coordinator, engine := testAdmin(t, world, "p1")
	world.Elect("p1")
	coordinator.SetTransferAllowed(true)

	id, err := admin.TransferLeadership(context.Background(), "p2")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := coordinator.TransferStatusByID(id)
		return ok && status.Completed
	}, time.Second, 5*time.Millisecond)

	info, err := engine.GroupInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, consensus.Standby, info.Role)
	require.Equal(t, "p2", info.LeaderID)
}

func TestAdmin_transferLeadershipClearsAllowedOnlyOnce(t *testing.T) {
	world := consensus.NewWorld("p1", "p2")
	admin, coordinator, _ := testAdmin(t, world, "p1")
	world.Elect("p1")
	coordinator.SetTransferAllowed(true)

	_, err := admin.TransferLeadership(context.Background(), "p2")
	require.NoError(t, err)

	// A second immediate transfer must be refused under its own id rather
	// than racing the first (spec.md scenario 4).
	id2, err := admin.TransferLeadership(context.Background(), "p2")
	require.NoError(t, err)
	status, ok := coordinator.TransferStatusByID(id2)
	require.True(t, ok)
	require.ErrorIs(t, status.Err, ErrTransferNotAllowed)
}
