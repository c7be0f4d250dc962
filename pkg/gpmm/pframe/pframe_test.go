package pframe

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmmcore/gpmm/pkg/gpmm"
)

func TestPFrameBitPacking(t *testing.T) {
	var f PFrame
	require.False(t, f.Valid())
	require.Equal(t, Regular, f.State())

	f.SetState(COW)
	f.SetValid(true)
	f.SetMPN(gpmm.MPN(0x1234))
	f.SetSharedArea(true)

	require.Equal(t, COW, f.State())
	require.True(t, f.Valid())
	require.True(t, f.SharedArea())
	require.Equal(t, gpmm.MPN(0x1234), f.MPN())

	// Changing state must not disturb unrelated fields.
	f.SetState(Swapped)
	require.True(t, f.Valid())
	require.True(t, f.SharedArea())
	require.Equal(t, gpmm.MPN(0x1234), f.MPN())
}

func TestPFramePinSaturates(t *testing.T) {
	var f PFrame
	for i := 0; i < int(MaxPinCount)+10; i++ {
		f.IncPin()
	}
	require.Equal(t, MaxPinCount, f.PinCount())
	require.True(t, f.Pinned())

	f.DecPin()
	require.Equal(t, MaxPinCount, f.PinCount(), "sticky pin must not decrement once saturated")
}

func TestPFramePinNormalDecrement(t *testing.T) {
	var f PFrame
	f.IncPin()
	f.IncPin()
	require.EqualValues(t, 2, f.PinCount())
	f.DecPin()
	require.EqualValues(t, 1, f.PinCount())
	f.DecPin()
	require.EqualValues(t, 0, f.PinCount())
	f.DecPin()
	require.EqualValues(t, 0, f.PinCount())
}

func TestSlotRefRoundTrip(t *testing.T) {
	var f PFrame
	s := gpmm.MakeSlotRef(3, 12345)
	f.SetState(Swapped)
	f.SetSlotRef(s)
	require.Equal(t, s, f.SlotRef())
	require.Equal(t, uint8(3), f.SlotRef().FileIndex())
	require.Equal(t, uint32(12345), f.SlotRef().SlotNumber())
}

func TestDirectoryLazyAllocation(t *testing.T) {
	d := NewDirectory(1 << 20)
	require.False(t, d.HasLeaf(gpmm.PPN(5)))
	_, ok := d.Get(gpmm.PPN(5))
	require.False(t, ok)

	f, err := d.GetOrAlloc(gpmm.PPN(5))
	require.NoError(t, err)
	f.SetRegular(gpmm.MPN(99))
	require.True(t, d.HasLeaf(gpmm.PPN(5)))

	got, ok := d.Get(gpmm.PPN(5))
	require.True(t, ok)
	require.Equal(t, gpmm.MPN(99), got.MPN())

	// A neighboring PPN in the same leaf should still read as unset.
	neighbor, ok := d.Get(gpmm.PPN(6))
	require.True(t, ok)
	require.False(t, neighbor.Valid())
}

func TestDirectoryOutOfRange(t *testing.T) {
	d := NewDirectory(1024)
	_, err := d.GetOrAlloc(gpmm.PPN(1 << 30))
	require.Error(t, err)
	require.Equal(t, gpmm.KindBadParam, gpmm.KindOf(err))
}

func TestDirectoryForEach(t *testing.T) {
	d := NewDirectory(1 << 20)
	f1, _ := d.GetOrAlloc(gpmm.PPN(1))
	f1.SetRegular(gpmm.MPN(1))
	f2, _ := d.GetOrAlloc(gpmm.PPN(2000))
	f2.SetRegular(gpmm.MPN(2))

	seen := map[gpmm.PPN]gpmm.MPN{}
	d.ForEach(func(ppn gpmm.PPN, f *PFrame) bool {
		if f.Valid() {
			seen[ppn] = f.MPN()
		}
		return true
	})
	require.Equal(t, map[gpmm.PPN]gpmm.MPN{1: 1, 2000: 2}, seen)
}
