package journaltest

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDBJournal_putAndDelete(t *testing.T) {
	j := New("inode")
	ctx := context.Background()

	require.NoError(t, j.Apply(ctx, EncodePut("a", "1")))
	v, ok := j.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)

	require.NoError(t, j.Apply(ctx, EncodePut("a", "2")))
	v, ok = j.Get("a")
	require.True(t, ok)
	require.Equal(t, "2", v)

	require.NoError(t, j.Apply(ctx, EncodeDelete("a")))
	_, ok = j.Get("a")
	require.False(t, ok)
}

func TestMemDBJournal_deleteMissingKeyIsNoop(t *testing.T) {
	j := New("inode")
	require.NoError(t, j.Apply(context.Background(), EncodeDelete("missing")))
}

func TestMemDBJournal_rejectsUnknownOpKind(t *testing.T) {
	j := New("inode")
	err := j.Apply(context.Background(), []byte(`{"kind":"frobnicate","key":"a"}`))
	require.Error(t, err)
}

func TestMemDBJournal_snapshotInstallRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := New("inode")
	require.NoError(t, src.Apply(ctx, EncodePut("a", "1")))
	require.NoError(t, src.Apply(ctx, EncodePut("b", "2")))

	var buf bytes.Buffer
	require.NoError(t, src.Snapshot(ctx, &buf))

	dst := New("inode")
	require.NoError(t, dst.Install(ctx, bytes.NewReader(buf.Bytes())))

	v, ok := dst.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)

	v, ok = dst.Get("b")
	require.True(t, ok)
	require.Equal(t, "2", v)
}

func TestMemDBJournal_installReplacesPriorState(t *testing.T) {
	ctx := context.Background()
	src := New("inode")
	require.NoError(t, src.Apply(ctx, EncodePut("a", "1")))

	var buf bytes.Buffer
	require.NoError(t, src.Snapshot(ctx, &buf))

	dst := New("inode")
	require.NoError(t, dst.Apply(ctx, EncodePut("stale", "x")))
	require.NoError(t, dst.Install(ctx, bytes.NewReader(buf.Bytes())))

	_, ok := dst.Get("stale")
	require.False(t, ok, "install must replace prior state, not merge into it")

	v, ok := dst.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)
}
