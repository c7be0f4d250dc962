package p2m

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmmcore/gpmm/pkg/gpmm"
)

func TestRingFIFOAndOverflow(t *testing.T) {
	posted := 0
	r := NewRing[Update](2, func() { posted++ })

	require.True(t, r.Enqueue(Update{BPN: 1, MPN: 10}))
	require.True(t, r.Enqueue(Update{BPN: 2, MPN: 20}))
	require.False(t, r.Enqueue(Update{BPN: 3, MPN: 30}))
	require.True(t, r.Overflowed())
	require.Equal(t, 2, posted)

	v, ok := r.Drain()
	require.True(t, ok)
	require.Equal(t, gpmm.BPN(1), v.BPN)

	r.ClearOverflow()
	require.False(t, r.Overflowed())

	rest := r.DrainAll()
	require.Len(t, rest, 1)
	require.Equal(t, gpmm.BPN(2), rest[0].BPN)
	require.Equal(t, 0, r.Pending())
}

func TestRingWrapsAroundBuffer(t *testing.T) {
	r := NewRing[Update](2, nil)
	for i := 0; i < 10; i++ {
		r.Enqueue(Update{BPN: gpmm.BPN(i)})
		v, ok := r.Drain()
		require.True(t, ok)
		require.Equal(t, gpmm.BPN(i), v.BPN)
	}
}
