// Package vm wires components A-H together into one per-VM facade and
// the host-wide structure that owns the resources shared across every
// VM (spec.md §6's external interface surface). VM holds the per-VM
// alloc lock around its cow and remap calls, which assume the caller
// holds it; the resolver and the swap driver receive the lock through
// their Deps/Driver and take it themselves.
package vm

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
	"github.com/vmmcore/gpmm/pkg/gpmm/resolver"
	"github.com/vmmcore/gpmm/pkg/gpmm/swap"
	"github.com/vmmcore/gpmm/pkg/gpmm/swapfile"
)

// checkpointFileIndex is the reserved SlotRef file index spec.md §3.1
// names for checkpoint-file-backed slots.
const checkpointFileIndex = 14

// Host owns every resource shared across VMs: the page allocator, the
// PShare index, the swap file set, the checkpoint flag, and the anon
// side-table. One Host per process.
type Host struct {
	mu  sync.Mutex
	vms map[gpmm.VMID]*VM

	Alloc    *pgalloc.Allocator
	Share    *pshare.Index
	Swap     *swapfile.FileSet
	Check    *remap.CheckpointState
	AnonList *remap.AnonList
	Pressure resolver.MemoryPressure
	Log      *logrus.Entry
}

// NewHost builds a Host over already-constructed shared resources.
// pressure may be nil, in which case memory-pressure waits never
// block.
func NewHost(alloc *pgalloc.Allocator, share *pshare.Index, swapSet *swapfile.FileSet, check *remap.CheckpointState, pressure resolver.MemoryPressure) *Host {
	if pressure == nil {
		pressure = resolver.NoPressure{}
	}
	return &Host{
		vms:      make(map[gpmm.VMID]*VM),
		Alloc:    alloc,
		Share:    share,
		Swap:     swapSet,
		Check:    check,
		AnonList: remap.NewAnonList(),
		Pressure: pressure,
		Log:      logrus.WithField("subsystem", "vm"),
	}
}

// PostHintUpdate implements cow.Router: it delivers a hint update to
// whichever VM currently registered under owner, if any is still
// attached to this host.
func (h *Host) PostHintUpdate(owner gpmm.VMID, u p2m.HintUpdate) {
	h.mu.Lock()
	v, ok := h.vms[owner]
	h.mu.Unlock()
	if ok {
		v.hintRing.Enqueue(u)
	}
}

// CheckpointBegin starts a cartel-wide checkpoint save with the given
// write-window size.
func (h *Host) CheckpointBegin(windowSize int) { h.Check.Begin(windowSize) }

// CheckpointAdvanceWindow slides the checkpoint write window.
func (h *Host) CheckpointAdvanceWindow(start gpmm.PPN) { h.Check.AdvanceWindow(start) }

// CheckpointEnd clears the checkpoint-active flag.
func (h *Host) CheckpointEnd() { h.Check.End() }

// CheckpointIO implements spec.md §6's checkpoint_io: bulk read/write
// of the checkpoint file's own slots, independent of any VM's PFrame
// state (that side is handled by Resolve's SWAPPED/checkpoint-active
// case and VM.CheckpointResumeMark).
func (h *Host) CheckpointIO(ctx context.Context, owner gpmm.VMID, fileIndex uint8, startSlot uint32, pages [][gpmm.PageSize]byte, read bool) error {
	for i := range pages {
		slot := startSlot + uint32(i)
		if read {
			if err := h.Swap.ReadSlot(ctx, owner, fileIndex, slot, &pages[i], swapfile.SanityRecord{}); err != nil {
				return err
			}
			continue
		}
		if err := h.Swap.WriteSlot(fileIndex, slot, &pages[i], owner, gpmm.InvalidPPN, [32]byte{}); err != nil {
			return err
		}
	}
	return nil
}

// VM is one guest's facade over the shared Host resources: its own
// PFrame directory, PPN->MPN cache, P2M/hint rings, anon list head, and
// swap-out driver.
type VM struct {
	ID gpmm.VMID

	mu   sync.Mutex
	cond *sync.Cond

	dir      *pframe.Directory
	pcache   *cache.PPNCache
	p2mRing  *p2m.Ring[p2m.Update]
	hintRing *p2m.Ring[p2m.HintUpdate]
	anonHead remap.Head

	host         *Host
	resolverDeps *resolver.Deps
	cowDeps      *cow.Deps
	remapDeps    *remap.Deps
	swapDriver   *swap.Driver
}

// NewVM registers a new VM on h, building its directory/cache/rings
// and wiring every component's Deps against h's shared resources.
// numPhysPages sizes the PFrame directory; cacheLines sizes the
// PPN->MPN cache; node is recorded in the resolver's Deps, but plain
// allocations use ClassAny and are not steered to it.
func (h *Host) NewVM(id gpmm.VMID, numPhysPages, cacheLines int, node uint8) *VM {
	v := &VM{
		ID:       id,
		dir:      pframe.NewDirectory(numPhysPages),
		pcache:   cache.New(cacheLines),
		p2mRing:  p2m.NewRing[p2m.Update](256, nil),
		hintRing: p2m.NewRing[p2m.HintUpdate](256, nil),
		anonHead: remap.Head{Owner: id},
		host:     h,
	}
	v.cond = sync.NewCond(&v.mu)
	log := h.Log.WithField("vm", id)

	v.cowDeps = &cow.Deps{
		VM: id, Dir: v.dir, PCache: v.pcache, Alloc: h.Alloc, Share: h.Share,
		P2MRing: v.p2mRing, HintRing: v.hintRing, Router: h, Log: log,
	}
	v.resolverDeps = &resolver.Deps{
		VM: id, Mu: &v.mu, Cond: v.cond, Dir: v.dir, PCache: v.pcache, Alloc: h.Alloc,
		Share: h.Share, Swap: h.Swap, P2MRing: v.p2mRing, HintRing: v.hintRing,
		Check: h.Check, Pressure: h.Pressure, Node: node, AllocNode: -1, Log: log,
	}
	v.remapDeps = &remap.Deps{VM: id, Dir: v.dir, PCache: v.pcache, Alloc: h.Alloc, Share: h.Share, Check: h.Check}
	v.swapDriver = &swap.Driver{
		VM: id, Mu: &v.mu, Dir: v.dir, PCache: v.pcache, Share: h.Share, Alloc: h.Alloc,
		Swap: h.Swap, Cow: v.cowDeps, Log: log,
	}

	h.mu.Lock()
	h.vms[id] = v
	h.mu.Unlock()
	return v
}

// RemoveVM detaches id from the host; its hint ring will no longer
// receive routed updates.
func (h *Host) RemoveVM(id gpmm.VMID) {
	h.mu.Lock()
	delete(h.vms, id)
	h.mu.Unlock()
}

// Resolve is the core hot path, spec.md §6's resolve.
func (v *VM) Resolve(ctx context.Context, ppn gpmm.PPN, writeable, blocking bool, source resolver.Source) (gpmm.MPN, error) {
	return resolver.Resolve(ctx, v.resolverDeps, ppn, writeable, blocking, source)
}

// PhysToMachRange implements spec.md §6's phys_to_mach_range.
func (v *VM) PhysToMachRange(ctx context.Context, firstPPN gpmm.PPN, lenPages int, writeable bool) (gpmm.MPN, int, error) {
	return resolver.PhysToMachRange(ctx, v.resolverDeps, firstPPN, lenPages, writeable)
}

// Pin implements spec.md §6's pin.
func (v *VM) Pin(ppn gpmm.PPN) error { return resolver.Pin(v.resolverDeps, ppn) }

// Unpin implements spec.md §6's unpin.
func (v *VM) Unpin(ppn gpmm.PPN) error { return resolver.Unpin(v.resolverDeps, ppn) }

// CanBalloon implements spec.md §6's can_balloon.
func (v *VM) CanBalloon(ppn gpmm.PPN) bool { return resolver.CanBalloon(v.resolverDeps, ppn) }

// BalloonRelease implements spec.md §6's balloon_release.
func (v *VM) BalloonRelease(ppn gpmm.PPN) error { return resolver.BalloonRelease(v.resolverDeps, ppn) }

// TouchPages implements spec.md §6's touch_pages: faults in every PPN
// in ppns (blocking), used to pre-warm pages ahead of a migration.
func (v *VM) TouchPages(ctx context.Context, ppns []gpmm.PPN) error {
	for _, ppn := range ppns {
		if _, err := v.Resolve(ctx, ppn, false, true, resolver.SourceKernel); err != nil {
			return err
		}
	}
	return nil
}

// Share implements spec.md §6's lookup_and_share for one PPN (callers
// needing the batch form loop over their PPN list).
func (v *VM) Share(ppn gpmm.PPN, override gpmm.MPN, node uint8) (shared gpmm.MPN, isHint bool, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cow.Share(v.cowDeps, ppn, override, node)
}

// BreakCOW implements spec.md §6's break_cow.
func (v *VM) BreakCOW(ppn gpmm.PPN, fromMonitor bool) (gpmm.MPN, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cow.Unshare(v.cowDeps, ppn, fromMonitor)
}

// PollP2M implements spec.md §6's poll_p2m.
func (v *VM) PollP2M() (p2m.Update, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cow.PollP2M(v.cowDeps)
}

// AckP2M implements spec.md §6's ack_p2m.
func (v *VM) AckP2M(u p2m.Update) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cow.AckP2M(v.cowDeps, u)
}

// PollHint drains the oldest pending hint update.
func (v *VM) PollHint() (p2m.HintUpdate, bool) {
	return v.hintRing.Drain()
}

// ConsistencyCheck runs the COW engine's debug consistency check.
func (v *VM) ConsistencyCheck() []error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cow.ConsistencyCheck(v.cowDeps)
}

// Remap implements spec.md §6's remap.
func (v *VM) Remap(ppn gpmm.PPN, t remap.Target) (gpmm.MPN, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return remap.Remap(v.remapDeps, ppn, t)
}

// CheckpointResumeMark implements spec.md §4.4's checkpoint-resume
// scaffolding: mark ppn SWAPPED against the reserved checkpoint file,
// to be lazily loaded on first access.
func (v *VM) CheckpointResumeMark(ppn gpmm.PPN, slotNumber uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, err := v.dir.GetOrAlloc(ppn)
	if err != nil {
		return err
	}
	f.SetState(pframe.Swapped)
	f.SetValid(true)
	f.SetSlotRef(gpmm.MakeSlotRef(checkpointFileIndex, slotNumber))
	return nil
}

// AllocAnon implements spec.md §6's alloc_anon.
func (v *VM) AllocAnon(low bool, tag uint32) (gpmm.MPN, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return remap.AllocAnon(v.host.Alloc, v.host.AnonList, &v.anonHead, low, tag)
}

// FreeAnon implements spec.md §6's free_anon.
func (v *VM) FreeAnon(mpn gpmm.MPN) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return remap.FreeAnon(v.host.Alloc, v.host.AnonList, &v.anonHead, mpn)
}

// TraverseAnon walks this VM's anon list for debugger/dump tooling.
func (v *VM) TraverseAnon(fn func(mpn gpmm.MPN, tag uint32) bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.host.AnonList.Traverse(&v.anonHead, fn)
}

// SwapSetTarget implements the scheduler's side of spec.md §4.3: set
// nrPagesToSwap and let the driver kick off its monitor action.
func (v *VM) SwapSetTarget(n int) { v.swapDriver.SetTarget(n) }

// SwapProcessCandidates feeds the monitor's candidate PPN batch into
// the swap-out driver.
func (v *VM) SwapProcessCandidates(ctx context.Context, candidates []gpmm.PPN) (int, error) {
	return v.swapDriver.ProcessCandidates(ctx, candidates)
}

// SwapState reports the per-VM swap state machine's current position.
func (v *VM) SwapState() swap.State { return v.swapDriver.State() }

// SetSwapMonitorAction wires the callback the driver uses to request
// more candidates from the in-guest monitor.
func (v *VM) SetSwapMonitorAction(fn swap.MonitorAction) { v.swapDriver.Notify = fn }
