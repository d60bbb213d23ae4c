package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeTarget_roundTrip(t *testing.T) {
	cases := []struct {
		target  string
		payload []byte
	}{
		{"", nil},
		{"alluxio.inode", []byte("hello")},
		{"a", []byte{}},
	}

	for _, c := range cases {
		framed := EncodeTarget(c.target, c.payload)
		target, payload, err := DecodeTarget(framed)
		require.NoError(t, err)
		require.Equal(t, c.target, target)
		require.Equal(t, len(c.payload), len(payload))
	}
}

func TestDecodeTarget_truncated(t *testing.T) {
	_, _, err := DecodeTarget([]byte{0})
	require.Error(t, err)

	_, _, err = DecodeTarget([]byte{0, 5, 'a', 'b'})
	require.Error(t, err)
}

func TestEntry_IsSentinel(t *testing.T) {
	require.True(t, Entry{SN: -1}.IsSentinel())
	require.False(t, Entry{SN: 0}.IsSentinel())
	require.False(t, Entry{SN: 42}.IsSentinel())
}
