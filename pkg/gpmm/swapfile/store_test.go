package swapfile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmmcore/gpmm/pkg/gpmm"
)

func openTestFile(t *testing.T, slots uint32) *File {
	t.Helper()
	dir := t.TempDir()
	f, err := OpenFile(filepath.Join(dir, "swap0"), 0, slots)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestOpenFileRejectsDoubleLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swap0")
	f1, err := OpenFile(path, 0, 64)
	require.NoError(t, err)
	defer f1.Close()

	_, err = OpenFile(path, 1, 64)
	require.Error(t, err)
	require.Equal(t, gpmm.KindBusy, gpmm.KindOf(err))
}

func TestFileWriteReadRoundTrip(t *testing.T) {
	f := openTestFile(t, 64)
	slot, n := f.claimRun(1)
	require.Equal(t, 1, n)

	var page [gpmm.PageSize]byte
	for i := range page {
		page[i] = byte(i)
	}
	require.NoError(t, f.writeSlot(slot, &page))

	var got [gpmm.PageSize]byte
	require.NoError(t, f.readSlot(slot, &got))
	require.Equal(t, page, got)
}

func TestFileSanityRoundTrip(t *testing.T) {
	f := openTestFile(t, 8)
	f.EnableSanity()
	slot, n := f.claimRun(1)
	require.Equal(t, 1, n)

	want := SanityRecord{Owner: 7, PPN: 42}
	f.recordSanity(slot, want)
	require.NoError(t, f.checkSanity(slot, want))

	bad := want
	bad.PPN = 99
	err := f.checkSanity(slot, bad)
	require.Error(t, err)
	require.Equal(t, gpmm.KindFatal, gpmm.KindOf(err))
}

func TestFileSanityDisabledSkipsCheck(t *testing.T) {
	f := openTestFile(t, 8)
	slot, _ := f.claimRun(1)
	require.NoError(t, f.checkSanity(slot, SanityRecord{Owner: 1}))
}

func TestFileSetGetSlotsRoundRobin(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileSet(4)

	for i := uint8(0); i < 2; i++ {
		f, err := OpenFile(filepath.Join(dir, fileName(i)), i, 16)
		require.NoError(t, err)
		t.Cleanup(func() { f.Close() })
		require.NoError(t, fs.AddFile(f))
	}
	require.EqualValues(t, 32, fs.TotalFree())

	fi1, slot1, n1, err := fs.GetSlots(8, false)
	require.NoError(t, err)
	require.Equal(t, 8, n1)

	fi2, slot2, n2, err := fs.GetSlots(8, false)
	require.NoError(t, err)
	require.Equal(t, 8, n2)
	require.NotEqual(t, fi1, fi2, "round robin should pick the other file next")

	fs.ReleaseSlots(fi1, slot1, n1)
	fs.ReleaseSlots(fi2, slot2, n2)
	require.EqualValues(t, 32, fs.TotalFree())
}

func TestFileSetGetSlotsNonBlockingWouldBlock(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileSet(1)
	f, err := OpenFile(filepath.Join(dir, "swap0"), 0, 8)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, fs.AddFile(f))

	_, _, n, err := fs.GetSlots(8, false)
	require.NoError(t, err)
	require.Equal(t, 8, n)

	_, _, _, err = fs.GetSlots(1, false)
	require.Error(t, err)
	require.Equal(t, gpmm.KindWouldBlock, gpmm.KindOf(err))
}

func TestFileSetSetSanityBlockedByReservation(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileSet(1)
	f, err := OpenFile(filepath.Join(dir, "swap0"), 0, 8)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, fs.AddFile(f))

	fs.BeginReservation()
	err = fs.SetSanity(true)
	require.Error(t, err)
	require.Equal(t, gpmm.KindBusy, gpmm.KindOf(err))

	fs.EndReservation()
	require.NoError(t, fs.SetSanity(true))
}

func TestFileSetAsyncWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileSet(2)
	f, err := OpenFile(filepath.Join(dir, "swap0"), 0, 8)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, fs.AddFile(f))
	require.NoError(t, fs.SetSanity(true))

	fi, slot, n, err := fs.GetSlots(1, false)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var page [gpmm.PageSize]byte
	page[0] = 0xAB
	rec := SanityRecord{Owner: 3, PPN: 11}

	done := make(chan AsyncOp, 1)
	fs.WriteSlotAsync(context.Background(), fi, slot, &page, rec.Owner, rec.PPN, rec.Fingerprint, func(op AsyncOp) {
		done <- op
	})
	op := <-done
	require.NoError(t, op.Err)

	var got [gpmm.PageSize]byte
	done2 := make(chan AsyncOp, 1)
	fs.ReadSlotAsync(context.Background(), rec.Owner, fi, slot, &got, rec, func(op AsyncOp) {
		done2 <- op
	})
	op2 := <-done2
	require.NoError(t, op2.Err)
	require.Equal(t, page, got)
}

func fileName(i uint8) string {
	return "swap" + string(rune('0'+i))
}
