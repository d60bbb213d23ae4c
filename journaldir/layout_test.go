package journaldir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLayout_openCreatesControlDB(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root)
	require.NoError(t, err)
	defer l.Close()

	_, err = os.Stat(filepath.Join(root, "control.db"))
	require.NoError(t, err)
	require.Equal(t, root, l.Root())
}

func TestLayout_groupUUIDRoundTrip(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	_, ok, err := l.GroupUUID()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l.RecordGroupUUID("abc-123"))
	id, ok, err := l.GroupUUID()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc-123", id)
}

func TestLayout_format(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.RecordGroupUUID("abc-123"))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644))

	require.NoError(t, l.Format())

	_, err = os.Stat(filepath.Join(root, "stray.txt"))
	require.True(t, os.IsNotExist(err))

	_, ok, err := l.GroupUUID()
	require.NoError(t, err)
	require.False(t, ok, "format must wipe previously recorded state")
}

func TestLayout_ensureLayoutCreatesWorkingDir(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root)
	require.NoError(t, err)
	defer l.Close()

	dir, err := l.EnsureLayout("group-1")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "group-1"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	recorded, ok, err := l.GroupUUID()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "group-1", recorded)
}

func TestLayout_ensureLayoutMigratesLegacyDirectory(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root)
	require.NoError(t, err)
	defer l.Close()

	legacy := filepath.Join(root, "legacy", "group-1")
	require.NoError(t, os.MkdirAll(legacy, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(legacy, "marker"), []byte("x"), 0o644))

	dir, err := l.EnsureLayout("group-1")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "group-1"), dir)

	_, err = os.Stat(filepath.Join(dir, "marker"))
	require.NoError(t, err, "legacy directory contents must be preserved across migration")
}

func TestLayout_ensureLayoutRejectsEmptyUUID(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	_, err = l.EnsureLayout("")
	require.Error(t, err)
}
