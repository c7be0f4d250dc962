// Package resolver implements component E of gpmm: the `resolve`
// operation that is "the heart of the system" (spec.md §4.1), plus the
// smaller surfaces (phys_to_mach_range, pin/unpin, can_balloon,
// balloon_release) built directly on top of it; all but can_balloon
// may change PFrame state.
//
// resolve is written around the "drop lock, block, retry" pattern
// spec.md §9 calls out as a first-class idiom: every suspension point
// releases Deps.Mu, blocks, reacquires, and restarts the case analysis
// from scratch, because the PFrame may have changed underneath it.
// This mirrors the teacher's own fault-handling loop in
// pkg/sentry/mm/mm.go (HandleUserFault: translate, maybe drop the
// mm's lock to fault in a page, then retry the lookup).
package resolver

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vmmcore/gpmm/pkg/gpmm"
	"github.com/vmmcore/gpmm/pkg/gpmm/cache"
	"github.com/vmmcore/gpmm/pkg/gpmm/cow"
	"github.com/vmmcore/gpmm/pkg/gpmm/p2m"
	"github.com/vmmcore/gpmm/pkg/gpmm/pframe"
	"github.com/vmmcore/gpmm/pkg/gpmm/pgalloc"
	"github.com/vmmcore/gpmm/pkg/gpmm/pshare"
	"github.com/vmmcore/gpmm/pkg/gpmm/remap"
	"github.com/vmmcore/gpmm/pkg/gpmm/swapfile"
)

// Source distinguishes the three caller classes spec.md §4.1 lists:
// it affects whether the checkpoint-window check applies and whether
// breaking COW defers the refcount drop via the P2M ring.
type Source int

const (
	// SourceGuestVMX is a fault taken directly on behalf of the guest.
	// Subject to the checkpoint-window check; COW breaks here defer.
	SourceGuestVMX Source = iota
	// SourceKernel is an internal/kernel-initiated lookup. Not subject
	// to the checkpoint-window check; COW breaks here defer.
	SourceKernel
	// SourceMonitor is the in-guest monitor itself. COW breaks from the
	// monitor drop their refcount immediately instead of deferring.
	SourceMonitor
)

// MemoryPressure models the external scheduler's "memory low" signal
// (spec.md §5's suspension point (a)). Wait blocks until memory
// pressure has eased.
type MemoryPressure interface {
	Wait(ctx context.Context) error
}

// NoPressure is a MemoryPressure that never blocks, suitable for tests
// and hosts that do not wire in a real scheduler signal.
type NoPressure struct{}

// Wait returns immediately.
func (NoPressure) Wait(ctx context.Context) error { return nil }

// Deps bundles one VM's share of every component resolve touches. The
// Mu/Cond pair is the per-VM alloc lock of spec.md §5 lock 3; every
// exported operation in this package takes and releases it, dropping
// it explicitly around blocking I/O per the lock-drop-and-retry rule.
// The cow and remap functions do not take it and expect their caller
// to hold it.
type Deps struct {
	VM        gpmm.VMID
	Mu        *sync.Mutex
	Cond      *sync.Cond
	Dir       *pframe.Directory
	PCache    *cache.PPNCache
	Alloc     *pgalloc.Allocator
	Share     *pshare.Index
	Swap      *swapfile.FileSet
	P2MRing   *p2m.Ring[p2m.Update]
	HintRing  *p2m.Ring[p2m.HintUpdate]
	Check     *remap.CheckpointState
	Pressure  MemoryPressure
	Node      uint8
	AllocNode int // -1 selects ClassAny
	Log       *logrus.Entry
}

// swapInKey names the MPN of an in-flight SWAP_IN read. Completion
// wakes every waiter via Cond.Broadcast; each waiter re-checks its own
// PFrame.
type swapInKey = gpmm.MPN

// Resolve implements spec.md §4.1's resolve(vm, ppn, writeable,
// blocking, source) -> MPN. Callers must not hold d.Mu.
func Resolve(ctx context.Context, d *Deps, ppn gpmm.PPN, writeable, blocking bool, source Source) (gpmm.MPN, error) {
	d.Mu.Lock()
	for {
		if !d.Dir.HasLeaf(ppn) && d.Check.IsActive() {
			d.Mu.Unlock()
			return d.Check.DummyMPN(), nil
		}
		if source == SourceGuestVMX && d.Check.IsActive() && !d.Check.InWindow(ppn) {
			d.Mu.Unlock()
			return gpmm.InvalidMPN, gpmm.Busy("checkpoint window closed for this ppn")
		}

		f, err := d.Dir.GetOrAlloc(ppn)
		if err != nil {
			d.Mu.Unlock()
			return gpmm.InvalidMPN, err
		}

		if f.Pinned() && f.State() == pframe.Regular && !f.Valid() {
			// A pinned-but-unallocated frame cannot occur in practice,
			// but guards the invariant cheaply.
			d.Mu.Unlock()
			return gpmm.InvalidMPN, gpmm.Fatal(d.VM, "pinned frame with no backing MPN at ppn %d", ppn)
		}

		switch f.State() {
		case pframe.Regular:
			if f.Valid() {
				mpn := f.MPN()
				d.Mu.Unlock()
				return mpn, nil
			}
			mpn, aerr := d.Alloc.Alloc(d.class(), d.AllocNode)
			if aerr != nil {
				if retry := d.waitMemory(ctx, blocking); retry != nil {
					d.Mu.Unlock()
					return gpmm.InvalidMPN, retry
				}
				continue
			}
			d.Alloc.Zero(mpn)
			f.SetRegular(mpn)
			f.SetValid(true)
			d.PCache.InvalidateAround(ppn)
			d.Mu.Unlock()
			return mpn, nil

		case pframe.COW:
			if !writeable {
				mpn := f.MPN()
				d.Mu.Unlock()
				return mpn, nil
			}
			fromMonitor := source == SourceMonitor
			mpn, uerr := cow.Unshare(d.cowDeps(), ppn, fromMonitor)
			d.Mu.Unlock()
			return mpn, uerr

		case pframe.COWHint:
			mpn := f.MPN()
			d.Mu.Unlock()
			return mpn, nil

		case pframe.SwapOut:
			// The write is still in flight but content is resident;
			// reclassify and let the write callback notice the state
			// no longer reads SWAP_OUT and simply free its slot.
			mpn := f.MPN()
			f.SetState(pframe.Regular)
			d.Mu.Unlock()
			return mpn, nil

		case pframe.SwapIn:
			if !blocking {
				d.Mu.Unlock()
				return gpmm.InvalidMPN, gpmm.WouldBlock()
			}
			d.Cond.Wait() // re-takes d.Mu on wake; loop re-reads state
			continue

		case pframe.Swapped:
			if d.Check.IsActive() {
				slot := f.SlotRef()
				scratch, cerr := d.Check.BounceSwapped(ctx, d.Swap, d.VM, slot, swapfile.SanityRecord{Owner: d.VM, PPN: ppn})
				d.Mu.Unlock()
				return scratch, cerr
			}
			mpn, aerr := d.Alloc.Alloc(d.class(), d.AllocNode)
			if aerr != nil {
				if retry := d.waitMemory(ctx, blocking); retry != nil {
					d.Mu.Unlock()
					return gpmm.InvalidMPN, retry
				}
				continue
			}
			slot := f.SlotRef()
			f.SetState(pframe.SwapIn)
			f.SetMPN(mpn)
			if !blocking {
				go d.finishSwapIn(context.Background(), ppn, mpn, slot)
				d.Mu.Unlock()
				return gpmm.InvalidMPN, gpmm.WouldBlock()
			}
			d.Mu.Unlock()
			err := d.readSwapSlot(ctx, mpn, slot)
			d.Mu.Lock()
			d.finishSwapInLocked(ppn, mpn, slot, err)
			if err != nil {
				d.Mu.Unlock()
				return gpmm.InvalidMPN, err
			}
			continue

		case pframe.Overhead:
			d.Mu.Unlock()
			return gpmm.InvalidMPN, gpmm.BadParam("ppn is an overhead page, not guest-resolvable")

		default:
			d.Mu.Unlock()
			return gpmm.InvalidMPN, gpmm.Fatal(d.VM, "unknown pframe state %v at ppn %d", f.State(), ppn)
		}
	}
}

func (d *Deps) class() pgalloc.Class {
	if d.AllocNode < 0 {
		return pgalloc.ClassAny
	}
	return pgalloc.ClassNode
}

// waitMemory implements spec.md §5's memory-pressure suspension point.
// It returns a non-nil error for non-blocking callers (who must not
// sleep) and nil after a blocking caller has waited, in which case the
// caller should retry from scratch. d.Mu must be held on entry; it is
// unlocked for the duration of the wait and relocked before returning
// (for the retry case).
func (d *Deps) waitMemory(ctx context.Context, blocking bool) error {
	if !blocking {
		return gpmm.NoMem()
	}
	d.Mu.Unlock()
	err := d.Pressure.Wait(ctx)
	d.Mu.Lock()
	if err != nil {
		return gpmm.Wrap(gpmm.KindFatal, err)
	}
	return nil
}

func (d *Deps) readSwapSlot(ctx context.Context, mpn gpmm.MPN, slot gpmm.SlotRef) error {
	data := d.Alloc.PageBytes(mpn)
	return d.Swap.ReadSlot(ctx, d.VM, slot.FileIndex(), slot.SlotNumber(), data, swapfile.SanityRecord{})
}

// finishSwapInLocked completes a SWAP_IN read under d.Mu: on success it
// frees the slot and transitions to REGULAR+valid; on failure (already
// logged/retried by the swap file layer) the frame is left SWAP_IN so
// spec.md §7's escalation path can declare the VM fatal upstream. It
// always wakes anyone waiting on this MPN as a key.
func (d *Deps) finishSwapInLocked(ppn gpmm.PPN, mpn gpmm.MPN, slot gpmm.SlotRef, err error) {
	if err == nil {
		d.Swap.ReleaseSlots(slot.FileIndex(), slot.SlotNumber(), 1)
		if f, ok := d.Dir.Get(ppn); ok {
			f.SetRegular(mpn)
			f.SetValid(true)
			d.PCache.InvalidateAround(ppn)
		}
	}
	d.Cond.Broadcast()
}

// finishSwapIn is the async path's completion callback, run without
// d.Mu held until the finishing step.
func (d *Deps) finishSwapIn(ctx context.Context, ppn gpmm.PPN, mpn gpmm.MPN, slot gpmm.SlotRef) {
	err := d.readSwapSlot(ctx, mpn, slot)
	d.Mu.Lock()
	d.finishSwapInLocked(ppn, mpn, slot, err)
	d.Mu.Unlock()
}

func (d *Deps) cowDeps() *cow.Deps {
	return &cow.Deps{
		VM:       d.VM,
		Dir:      d.Dir,
		PCache:   d.PCache,
		Alloc:    d.Alloc,
		Share:    d.Share,
		P2MRing:  d.P2MRing,
		HintRing: d.HintRing,
		Log:      d.Log,
	}
}

// PhysToMachRange implements spec.md §6's phys_to_mach_range: VM, addr,
// len -> (MPN, contiguous length), served from the fast-path cache when
// possible and falling back to Resolve otherwise. firstPPN and lenPages
// are already page-granular; a single page is resolved either way
// since this module does not model multi-page contiguous host ranges
// beyond what the cache records.
func PhysToMachRange(ctx context.Context, d *Deps, firstPPN gpmm.PPN, lenPages int, writeable bool) (gpmm.MPN, int, error) {
	if mpn, readOnly, ok := d.PCache.Lookup(firstPPN); ok {
		if !writeable || !readOnly {
			return mpn, 1, nil
		}
	}
	mpn, err := Resolve(ctx, d, firstPPN, writeable, true, SourceKernel)
	if err != nil {
		return gpmm.InvalidMPN, 0, err
	}
	d.Mu.Lock()
	d.PCache.Insert(firstPPN, firstPPN, mpn, !writeable)
	d.Mu.Unlock()
	return mpn, 1, nil
}

// Pin implements spec.md §6's pin: saturating per-PPN pin count.
func Pin(d *Deps, ppn gpmm.PPN) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	f, err := d.Dir.GetOrAlloc(ppn)
	if err != nil {
		return err
	}
	f.IncPin()
	return nil
}

// Unpin implements spec.md §6's unpin.
func Unpin(d *Deps, ppn gpmm.PPN) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	f, err := d.Dir.GetOrAlloc(ppn)
	if err != nil {
		return err
	}
	f.DecPin()
	return nil
}

// CanBalloon implements spec.md §6's can_balloon: a read-only check
// that a page is eligible for the guest balloon driver to reclaim.
func CanBalloon(d *Deps, ppn gpmm.PPN) bool {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	f, ok := d.Dir.Get(ppn)
	if !ok {
		return false
	}
	return f.Valid() && !f.Pinned() && !f.State().IsSwap()
}

// BalloonRelease implements spec.md §6's balloon_release: refuses
// pinned or in-flight-swap pages; otherwise frees (or, for COW,
// decrements) the backing MPN and invalidates the frame.
func BalloonRelease(d *Deps, ppn gpmm.PPN) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	f, ok := d.Dir.Get(ppn)
	if !ok || !f.Valid() {
		return gpmm.BadParam("ppn not resident")
	}
	if f.Pinned() {
		return gpmm.Busy("ppn is pinned")
	}
	switch f.State() {
	case pframe.SwapOut, pframe.SwapIn:
		return gpmm.Busy("ppn has swap I/O in flight")
	case pframe.COW, pframe.COWHint:
		mpn := f.MPN()
		if f.State() == pframe.COWHint {
			d.Share.RemoveHint(mpn)
			d.Alloc.Free(mpn)
		} else if refcount, ok := d.Share.Remove(mpn); !ok || refcount == 0 {
			d.Alloc.Free(mpn)
		}
	case pframe.Regular:
		d.Alloc.Free(f.MPN())
	case pframe.Swapped:
		slot := f.SlotRef()
		d.Swap.ReleaseSlots(slot.FileIndex(), slot.SlotNumber(), 1)
	}
	f.Reset()
	d.PCache.InvalidateAround(ppn)
	return nil
}
