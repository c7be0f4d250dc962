package swapfile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockClaimAndRelease(t *testing.T) {
	b := newBlock(64)
	require.EqualValues(t, 64, b.free)

	start, length := b.findRun(0, 10)
	require.Equal(t, 0, start)
	require.Equal(t, 8, length, "fast path only returns whole-byte runs")

	require.True(t, b.claim(start, length))
	require.EqualValues(t, 56, b.free)
	require.Equal(t, 56, b.popcountFree())

	require.False(t, b.claim(start, length), "claiming an already-set run fails")

	b.release(start, length)
	require.EqualValues(t, 64, b.free)
}

func TestBlockFindRunSlowFallback(t *testing.T) {
	b := newBlock(16)
	// Claim every other slot so no whole free byte exists, forcing the
	// bit-by-bit fallback to find the small runs that remain.
	for i := 0; i < 16; i += 2 {
		require.True(t, b.claim(i, 1))
	}
	start, length := b.findRun(0, 1)
	require.Equal(t, 1, length)
	require.True(t, start%2 == 1)
}

func TestBlockNonByteAlignedSlotCount(t *testing.T) {
	b := newBlock(5)
	require.EqualValues(t, 5, b.free)
	// The 3 tail bits of the backing byte must be unusable.
	_, l := b.findRun(0, 8)
	require.LessOrEqual(t, l, 5)
}

func TestBlockFindRunWrapsAroundHint(t *testing.T) {
	b := newBlock(32)
	require.True(t, b.claim(0, 24))
	start, length := b.findRun(16, 8)
	require.Equal(t, 24, start)
	require.Equal(t, 8, length)
}
