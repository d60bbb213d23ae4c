package journal

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clusterd/raftjournal/envelope"
	"github.com/clusterd/raftjournal/journaltest"
	"github.com/clusterd/raftjournal/metrics"
	"github.com/clusterd/raftjournal/rjlog"
)

func newTestStateMachine(t *testing.T) (*StateMachine, *Registry, *journaltest.MemDBJournal) {
	t.Helper()
	reg := NewRegistry()
	lj := journaltest.New("inode")
	require.NoError(t, reg.Register(lj))
	gate := NewSnapshotGate()
	sm := NewStateMachine(reg, gate, rjlog.Nop(), metrics.NewHealth())
	return sm, reg, lj
}

func TestStateMachine_replayAppliesInOrder(t *testing.T) {
	sm, _, lj := newTestStateMachine(t)
	ctx := context.Background()

	require.NoError(t, sm.Apply(ctx, 0, envelope.EncodeTarget("inode", journaltest.EncodePut("a", "1"))))
	require.NoError(t, sm.Apply(ctx, 1, envelope.EncodeTarget("inode", journaltest.EncodePut("a", "2"))))

	v, ok := lj.Get("a")
	require.True(t, ok)
	require.Equal(t, "2", v)
	require.Equal(t, int64(1), sm.LastAppliedSN())
}

func TestStateMachine_serveModeDoesNotDispatch(t *testing.T) {
	sm, _, lj := newTestStateMachine(t)
	ctx := context.Background()

	sm.Upgrade()
	require.Equal(t, ModeServe, sm.Mode())

	require.NoError(t, sm.Apply(ctx, 5, envelope.EncodeTarget("inode", journaltest.EncodePut("a", "x"))))
	_, ok := lj.Get("a")
	require.False(t, ok, "serve mode must not dispatch payloads to the logical journal")
	require.Equal(t, int64(5), sm.LastAppliedSN())
}

func TestStateMachine_sentinelTracksTermStart(t *testing.T) {
	sm, _, _ := newTestStateMachine(t)
	ctx := context.Background()

	before := sm.LastAppliedSN()
	sm.Upgrade()
	require.NoError(t, sm.Apply(ctx, -42, nil))
	require.True(t, sm.ObservedPrimaryStart(-42))
	require.Equal(t, before, sm.LastAppliedSN(), "a sentinel must never move lastAppliedSN")

	require.NoError(t, sm.Apply(ctx, 0, envelope.EncodeTarget("", nil)))
	require.Equal(t, int64(0), sm.LastAppliedSN())
}

func TestStateMachine_closingDropsApplies(t *testing.T) {
	sm, _, lj := newTestStateMachine(t)
	ctx := context.Background()
	sm.Close()

	require.NoError(t, sm.Apply(ctx, 0, envelope.EncodeTarget("inode", journaltest.EncodePut("a", "1"))))
	_, ok := lj.Get("a")
	require.False(t, ok)
}

func TestStateMachine_suspendRefusesApplies(t *testing.T) {
	sm, _, _ := newTestStateMachine(t)
	ctx := context.Background()

	sm.Suspend(nil)
	err := sm.Apply(ctx, 0, envelope.EncodeTarget("inode", journaltest.EncodePut("a", "1")))
	require.ErrorIs(t, err, ErrSuspended)

	sm.Resume()
	require.NoError(t, sm.Apply(ctx, 0, envelope.EncodeTarget("inode", journaltest.EncodePut("a", "1"))))
}

func TestStateMachine_catchupAlreadySatisfied(t *testing.T) {
	sm, _, _ := newTestStateMachine(t)
	ctx := context.Background()
	require.NoError(t, sm.Apply(ctx, 10, envelope.EncodeTarget("", nil)))

	ch := sm.Catchup(ctx, 5)
	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("catchup for an already-satisfied target should resolve immediately")
	}
}

func TestStateMachine_catchupWaitsForAdvance(t *testing.T) {
	sm, _, _ := newTestStateMachine(t)
	ctx := context.Background()

	ch := sm.Catchup(ctx, 3)

	select {
	case <-ch:
		t.Fatal("catchup should not resolve before the target sn is applied")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, sm.Apply(ctx, 3, envelope.EncodeTarget("", nil)))

	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("catchup never resolved after target sn applied")
	}
}

func TestStateMachine_catchupCanceled(t *testing.T) {
	sm, _, _ := newTestStateMachine(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch := sm.Catchup(ctx, 99)
	cancel()

	select {
	case err := <-ch:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("catchup never resolved after context cancellation")
	}
}

func TestStateMachine_snapshotRoundTrip(t *testing.T) {
	reg := NewRegistry()
	lj := journaltest.New("inode")
	require.NoError(t, reg.Register(lj))
	gate := NewSnapshotGate()
	gate.SetAllowed(true)
	sm := NewStateMachine(reg, gate, rjlog.Nop(), metrics.NewHealth())
	ctx := context.Background()

	require.NoError(t, sm.Apply(ctx, 0, envelope.EncodeTarget("inode", journaltest.EncodePut("a", "1"))))
	require.NoError(t, sm.Apply(ctx, 1, envelope.EncodeTarget("inode", journaltest.EncodePut("b", "2"))))

	store := newMemorySnapshotStore()
	sn, err := sm.TakeLocalSnapshot(ctx, store)
	require.NoError(t, err)
	require.Equal(t, int64(1), sn)

	lj2 := journaltest.New("inode")
	reg2 := NewRegistry()
	require.NoError(t, reg2.Register(lj2))
	gate2 := NewSnapshotGate()
	gate2.SetAllowed(true)
	sm2 := NewStateMachine(reg2, gate2, rjlog.Nop(), metrics.NewHealth())

	require.NoError(t, sm2.InstallSnapshot(ctx, store.OpenSnapshotSourceView(), sn))
	require.Equal(t, sn, sm2.LastAppliedSN())

	v, ok := lj2.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)
}

// memorySnapshotStore is a minimal in-process SnapshotSink/SnapshotSource,
// grounded on the same shape journaldir.SnapshotStore implements against
// bbolt, used here to exercise StateMachine without a filesystem.
type memorySnapshotStore struct {
	data map[string][]byte
}

func newMemorySnapshotStore() *memorySnapshotStore {
	return &memorySnapshotStore{data: make(map[string][]byte)}
}

type memoryBuffer struct {
	store *memorySnapshotStore
	name  string
	buf   []byte
}

func (b *memoryBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Open implements journal.SnapshotSink.
func (s *memorySnapshotStore) Open(name string, sn int64) (io.Writer, func() error, error) {
	b := &memoryBuffer{store: s, name: name}
	return b, func() error {
		s.data[name] = b.buf
		return nil
	}, nil
}

// OpenSnapshotSourceView returns a journal.SnapshotSource view of the store;
// Go forbids two Open methods with different signatures on the same
// receiver, so the Source shape lives on this separate type instead.
func (s *memorySnapshotStore) OpenSnapshotSourceView() *memorySnapshotSource {
	return &memorySnapshotSource{store: s}
}

type memorySnapshotSource struct {
	store *memorySnapshotStore
}

func (s *memorySnapshotSource) Open(name string) (io.Reader, func() error, error) {
	return bytesReader(s.store.data[name]), nil, nil
}

func bytesReader(b []byte) io.Reader {
	return &sliceReader{data: b}
}

type sliceReader struct {
	data []byte
	pos  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
