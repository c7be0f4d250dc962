// Package swapfile implements component C of gpmm: the per-file slot
// bitmap allocator, async read/write of 4KiB slots, and the optional
// sanity DB (spec.md §3.6, §4.3).
//
// Async I/O is modeled the way the teacher pack's statefile async
// reader does it
// (pkg/state/statefile/async_io_test.go -> NewAsyncReader/ReadAsync/
// Wait, built over golang.org/x/sys/unix and an *os.File): a goroutine
// issues a blocking Pread/Pwrite and reports completion through a
// callback, while a semaphore-backed token pool
// (golang.org/x/sync/semaphore) caps how many such goroutines may be
// in flight at once, matching spec.md §5's "async-IO count lock —
// global async I/O token pool".
package swapfile

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/vmmcore/gpmm/pkg/gpmm"
)

// MaxFiles is the ceiling on the number of swap files a FileSet may
// hold (spec.md §3.6: "Array of swap files (<=8)").
const MaxFiles = 8

// MaxReadRetries bounds the in-path synchronous/async read retry loop
// (spec.md §4.3: "retries the read on failure with exponential backoff
// capped at some limit; after N retries, the VM is fatally panicked").
const MaxReadRetries = 6

// SanityRecord is one per-slot sanity DB entry (spec.md §4.3).
type SanityRecord struct {
	Owner       gpmm.VMID
	PPN         gpmm.PPN
	Fingerprint [32]byte
}

// File is one swap file: a fixed array of page-sized slots backed by a
// bitmap allocator split into SlotsPerBlock-sized blocks, with an
// advisory flock guarding the "checkpoint-file-open race" (spec.md §5e)
// and an optional parallel sanity DB.
type File struct {
	mu         sync.Mutex // lock #1 in spec.md §5's ordering
	index      uint8
	totalSlots uint32
	blocks     []*block
	lastBlock  int // biased round-robin cursor (original_source finding #5)
	freeSlots  uint32

	fh    *os.File
	flock *flock.Flock

	sanity []SanityRecord // nil unless sanity DB enabled

	log *logrus.Entry
}

// OpenFile creates (or truncates) a backing file of totalSlots
// page-sized slots at path and wraps it as swap file index.
func OpenFile(path string, index uint8, totalSlots uint32) (*File, error) {
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, gpmm.Wrap(gpmm.KindFatal, err)
	}
	if !locked {
		return nil, gpmm.Busy("swap file already locked by another process")
	}

	fh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		fl.Unlock()
		return nil, gpmm.Wrap(gpmm.KindFatal, err)
	}
	size := int64(totalSlots) * gpmm.PageSize
	if err := fh.Truncate(size); err != nil {
		fh.Close()
		fl.Unlock()
		return nil, gpmm.Wrap(gpmm.KindFatal, err)
	}

	nblocks := (int(totalSlots) + SlotsPerBlock - 1) / SlotsPerBlock
	blocks := make([]*block, nblocks)
	remaining := int(totalSlots)
	for i := range blocks {
		n := SlotsPerBlock
		if remaining < n {
			n = remaining
		}
		blocks[i] = newBlock(n)
		remaining -= n
	}

	f := &File{
		index:      index,
		totalSlots: totalSlots,
		blocks:     blocks,
		freeSlots:  totalSlots,
		fh:         fh,
		flock:      fl,
		log:        logrus.WithFields(logrus.Fields{"subsystem": "swapfile", "file": index}),
	}
	f.log.WithField("slots", totalSlots).Info("swap file opened")
	return f, nil
}

// Close releases the file handle and its advisory lock.
func (f *File) Close() error {
	f.flock.Unlock()
	return f.fh.Close()
}

// EnableSanity allocates the parallel sanity DB (caller must already
// have verified, via FileSet, that no VM currently holds a swap
// reservation).
func (f *File) EnableSanity() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sanity == nil {
		f.sanity = make([]SanityRecord, f.totalSlots)
	}
}

// DisableSanity drops the sanity DB.
func (f *File) DisableSanity() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sanity = nil
}

// claimRun attempts to claim up to want contiguous slots starting its
// search at the file's biased lastBlock cursor, retrying on races per
// spec.md §4.3. It returns the starting slot number and the number of
// slots actually claimed (which may be less than want, or zero if the
// file is full).
func (f *File) claimRun(want int) (startSlot uint32, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	nblocks := len(f.blocks)
	for attempt := 0; attempt < nblocks; attempt++ {
		bi := (f.lastBlock + attempt) % nblocks
		b := f.blocks[bi]
		if b.free == 0 {
			continue
		}
		localWant := want
		if uint32(localWant) > b.free {
			localWant = int(b.free)
		}
		start, length := b.findRun(0, localWant)
		if length == 0 {
			continue
		}
		if !b.claim(start, length) {
			// Raced with another claimer inspecting the same block;
			// the caller retries the whole operation.
			continue
		}
		f.lastBlock = bi
		f.freeSlots -= uint32(length)
		return uint32(bi*SlotsPerBlock+start), length
	}
	return 0, 0
}

// releaseRun returns count slots starting at startSlot to the file's
// free pool.
func (f *File) releaseRun(startSlot uint32, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bi := int(startSlot) / SlotsPerBlock
	off := int(startSlot) % SlotsPerBlock
	f.blocks[bi].release(off, count)
	f.freeSlots += uint32(count)
}

func (f *File) recordSanity(slot uint32, rec SanityRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sanity != nil {
		f.sanity[slot] = rec
	}
}

func (f *File) checkSanity(slot uint32, want SanityRecord) error {
	f.mu.Lock()
	rec, enabled := SanityRecord{}, f.sanity != nil
	if enabled {
		rec = f.sanity[slot]
	}
	f.mu.Unlock()
	if !enabled {
		return nil
	}
	if rec != want {
		return gpmm.Fatal(want.Owner, "swap sanity mismatch at file %d slot %d", f.index, slot)
	}
	return nil
}

// writeSlot synchronously writes one page to slot.
func (f *File) writeSlot(slot uint32, data *[gpmm.PageSize]byte) error {
	off := int64(slot) * gpmm.PageSize
	n, err := unix.Pwrite(int(f.fh.Fd()), data[:], off)
	if err != nil {
		return err
	}
	if n != gpmm.PageSize {
		return fmt.Errorf("short write: %d/%d bytes", n, gpmm.PageSize)
	}
	return nil
}

// readSlot synchronously reads one page from slot.
func (f *File) readSlot(slot uint32, data *[gpmm.PageSize]byte) error {
	off := int64(slot) * gpmm.PageSize
	n, err := unix.Pread(int(f.fh.Fd()), data[:], off)
	if err != nil {
		return err
	}
	if n != gpmm.PageSize {
		return fmt.Errorf("short read: %d/%d bytes", n, gpmm.PageSize)
	}
	return nil
}

// readSlotRetrying reads slot, retrying transient failures with
// bounded exponential backoff (spec.md §4.3's in-path retry policy). It
// returns a KindFatal error, naming vm, once MaxReadRetries is
// exhausted.
func (f *File) readSlotRetrying(ctx context.Context, vm gpmm.VMID, slot uint32, data *[gpmm.PageSize]byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.Reset()

	var lastErr error
	for attempt := 0; attempt < MaxReadRetries; attempt++ {
		if err := f.readSlot(slot, data); err != nil {
			lastErr = err
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				break
			}
			f.log.WithError(err).WithField("attempt", attempt).Warn("swap slot read failed, retrying")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return gpmm.Wrap(gpmm.KindFatal, ctx.Err())
			}
			continue
		}
		return nil
	}
	return gpmm.Fatal(vm, "swap read retries exhausted on file %d slot %d: %v", f.index, slot, lastErr)
}

// FileSet is the host-wide collection of swap files (spec.md §3.6), at
// most MaxFiles of them, plus the global free-slot accounting and
// async-IO token pool spec.md §5 lists as locks #2 and #4.
type FileSet struct {
	mu           sync.Mutex // lock #2: global free-slot lock, doubles as the wait queue
	cond         *sync.Cond
	files        []*File
	totalFree    uint32
	rrCursor     int
	sanityOn     bool
	reservations int32 // number of VMs currently reserving swap

	tokens *semaphore.Weighted // lock #4: async-IO token pool
}

// NewFileSet builds an empty FileSet with the given async-IO token
// budget.
func NewFileSet(asyncIOTokens int64) *FileSet {
	fs := &FileSet{tokens: semaphore.NewWeighted(asyncIOTokens)}
	fs.cond = sync.NewCond(&fs.mu)
	return fs
}

// AddFile registers f with the set.
func (fs *FileSet) AddFile(f *File) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.files) >= MaxFiles {
		return gpmm.BadParam("too many swap files")
	}
	fs.files = append(fs.files, f)
	fs.totalFree += f.freeSlots
	return nil
}

// BeginReservation records that a VM is about to reserve swap slots,
// gating SetSanity per spec.md §4.3.
func (fs *FileSet) BeginReservation() {
	fs.mu.Lock()
	fs.reservations++
	fs.mu.Unlock()
}

// EndReservation undoes BeginReservation.
func (fs *FileSet) EndReservation() {
	fs.mu.Lock()
	fs.reservations--
	fs.mu.Unlock()
}

// SetSanity toggles the sanity DB across every file in the set. It
// fails with KindBusy if any VM currently holds a swap reservation
// (recovered from original_source/main/swap.c; spec.md §4.3).
func (fs *FileSet) SetSanity(enabled bool) error {
	fs.mu.Lock()
	if fs.reservations > 0 {
		fs.mu.Unlock()
		return gpmm.Busy("cannot toggle sanity DB while swap is in use")
	}
	files := append([]*File(nil), fs.files...)
	fs.sanityOn = enabled
	fs.mu.Unlock()

	for _, f := range files {
		if enabled {
			f.EnableSanity()
		} else {
			f.DisableSanity()
		}
	}
	return nil
}

// GetSlots implements the slot allocator of spec.md §4.3: pick a file
// round-robin that has free slots and claim in it the first contiguous
// run of up to requestedCluster free slots the block scan finds; the
// run found is not necessarily the largest one available. It blocks (if block is true)
// until at least one slot is free anywhere in the set; non-blocking
// callers get KindWouldBlock instead.
func (fs *FileSet) GetSlots(requestedCluster int, block bool) (fileIndex uint8, startSlot uint32, count int, err error) {
	if requestedCluster <= 0 {
		return 0, 0, 0, gpmm.BadParam("requestedCluster must be positive")
	}
	for {
		fs.mu.Lock()
		for fs.totalFree == 0 {
			if !block {
				fs.mu.Unlock()
				return 0, 0, 0, gpmm.WouldBlock()
			}
			fs.cond.Wait()
		}
		if len(fs.files) == 0 {
			fs.mu.Unlock()
			return 0, 0, 0, gpmm.New(gpmm.KindNotEnoughSlots, "no swap files configured")
		}
		n := len(fs.files)
		start := fs.rrCursor
		fs.mu.Unlock()

		for i := 0; i < n; i++ {
			fi := (start + i) % n
			f := fs.files[fi]
			slot, got := f.claimRun(requestedCluster)
			if got == 0 {
				continue
			}
			fs.mu.Lock()
			fs.rrCursor = (fi + 1) % n
			fs.totalFree -= uint32(got)
			fs.mu.Unlock()
			return f.index, slot, got, nil
		}
		// Every file reported itself full (raced since the totalFree
		// check); loop and recheck rather than returning a stale
		// not-enough-slots error.
		fs.mu.Lock()
		if fs.totalFree == 0 {
			fs.mu.Unlock()
			return 0, 0, 0, gpmm.New(gpmm.KindNotEnoughSlots, "swap is full")
		}
		fs.mu.Unlock()
	}
}

// ReleaseSlots returns count slots starting at startSlot on file
// fileIndex to the free pool and wakes any GetSlots waiters.
func (fs *FileSet) ReleaseSlots(fileIndex uint8, startSlot uint32, count int) {
	f := fs.fileByIndex(fileIndex)
	if f == nil {
		return
	}
	f.releaseRun(startSlot, count)
	fs.mu.Lock()
	fs.totalFree += uint32(count)
	fs.cond.Broadcast()
	fs.mu.Unlock()
}

func (fs *FileSet) fileByIndex(idx uint8) *File {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, f := range fs.files {
		if f.index == idx {
			return f
		}
	}
	return nil
}

// AcquireToken blocks until an async-IO token is available, per
// spec.md §5's async-IO token pool lock.
func (fs *FileSet) AcquireToken(ctx context.Context) error {
	if err := fs.tokens.Acquire(ctx, 1); err != nil {
		return gpmm.Wrap(gpmm.KindWouldBlock, err)
	}
	return nil
}

// ReleaseToken returns one async-IO token.
func (fs *FileSet) ReleaseToken() { fs.tokens.Release(1) }

// WriteSlot synchronously writes a page to (fileIndex, slot) and
// records a sanity entry if the sanity DB is enabled.
func (fs *FileSet) WriteSlot(fileIndex uint8, slot uint32, data *[gpmm.PageSize]byte, owner gpmm.VMID, ppn gpmm.PPN, fingerprint [32]byte) error {
	f := fs.fileByIndex(fileIndex)
	if f == nil {
		return gpmm.BadParam("unknown swap file index")
	}
	if err := f.writeSlot(slot, data); err != nil {
		return gpmm.Wrap(gpmm.KindFatal, err)
	}
	f.recordSanity(slot, SanityRecord{Owner: owner, PPN: ppn, Fingerprint: fingerprint})
	return nil
}

// ReadSlot reads a page from (fileIndex, slot), retrying transient
// errors, and verifies the sanity DB entry if enabled.
func (fs *FileSet) ReadSlot(ctx context.Context, vm gpmm.VMID, fileIndex uint8, slot uint32, data *[gpmm.PageSize]byte, expect SanityRecord) error {
	f := fs.fileByIndex(fileIndex)
	if f == nil {
		return gpmm.BadParam("unknown swap file index")
	}
	if err := f.readSlotRetrying(ctx, vm, slot, data); err != nil {
		return err
	}
	return f.checkSanity(slot, expect)
}

// AsyncOp is the outcome delivered to an async read/write completion
// callback.
type AsyncOp struct {
	FileIndex uint8
	Slot      uint32
	Err       error
}

// WriteSlotAsync issues a write in a new goroutine gated by an async-IO
// token (spec.md §4.3 step 4: "Concurrent async writes are capped by a
// global async-IO token count"), invoking done on completion. The
// token is released before done is called.
func (fs *FileSet) WriteSlotAsync(ctx context.Context, fileIndex uint8, slot uint32, data *[gpmm.PageSize]byte, owner gpmm.VMID, ppn gpmm.PPN, fingerprint [32]byte, done func(AsyncOp)) {
	if err := fs.AcquireToken(ctx); err != nil {
		done(AsyncOp{FileIndex: fileIndex, Slot: slot, Err: err})
		return
	}
	go func() {
		defer fs.ReleaseToken()
		err := fs.WriteSlot(fileIndex, slot, data, owner, ppn, fingerprint)
		done(AsyncOp{FileIndex: fileIndex, Slot: slot, Err: err})
	}()
}

// ReadSlotAsync issues a read in a new goroutine gated by an async-IO
// token, invoking done on completion.
func (fs *FileSet) ReadSlotAsync(ctx context.Context, vm gpmm.VMID, fileIndex uint8, slot uint32, data *[gpmm.PageSize]byte, expect SanityRecord, done func(AsyncOp)) {
	if err := fs.AcquireToken(ctx); err != nil {
		done(AsyncOp{FileIndex: fileIndex, Slot: slot, Err: err})
		return
	}
	go func() {
		defer fs.ReleaseToken()
		err := fs.ReadSlot(ctx, vm, fileIndex, slot, data, expect)
		done(AsyncOp{FileIndex: fileIndex, Slot: slot, Err: err})
	}()
}

// TotalFree returns the free-slot count across every file in the set.
func (fs *FileSet) TotalFree() uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.totalFree
}
