// Package swap implements component G of gpmm: the monitor-cooperative
// bulk swap-out driver (spec.md §4.3's "out-path") and its per-VM swap
// state machine.
package swap

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vmmcore/gpmm/pkg/gpmm"
	"github.com/vmmcore/gpmm/pkg/gpmm/cache"
	"github.com/vmmcore/gpmm/pkg/gpmm/cow"
	"github.com/vmmcore/gpmm/pkg/gpmm/pframe"
	"github.com/vmmcore/gpmm/pkg/gpmm/pgalloc"
	"github.com/vmmcore/gpmm/pkg/gpmm/pshare"
	"github.com/vmmcore/gpmm/pkg/gpmm/swapfile"
)

// State is the per-VM swap state machine of spec.md §4.3 step 6.
type State int

const (
	Inactive State = iota
	ListReq
	Swapping
	SwapAsync
	SwapDone
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "INACTIVE"
	case ListReq:
		return "LIST_REQ"
	case Swapping:
		return "SWAPPING"
	case SwapAsync:
		return "SWAP_ASYNC"
	case SwapDone:
		return "SWAP_DONE"
	default:
		return "UNKNOWN"
	}
}

// MonitorAction is how the driver asks the in-guest monitor for more
// swap-out candidates (spec.md §4.3 step 1-2). The driver calls it with
// the batch size to request (<=64); the monitor's reply arrives later
// through ProcessCandidates.
type MonitorAction func(batchSize int)

// Driver is one VM's swap-out state machine, built on top of the
// host-wide swapfile.FileSet. ProcessCandidates takes Mu internally;
// SetTarget, State and Outstanding do not take Mu. It assumes Dir/PCache/Share/Alloc
// belong to the same VM the embedding vm.VM wires in.
type Driver struct {
	VM     gpmm.VMID
	Mu     *sync.Mutex
	Dir    *pframe.Directory
	PCache *cache.PPNCache
	Share  *pshare.Index
	Alloc  *pgalloc.Allocator
	Swap   *swapfile.FileSet
	Cow    *cow.Deps
	Notify MonitorAction
	Limiter *rate.Limiter // paces cluster_write issue rate (spec.md §4.3 step 4)
	Log    *logrus.Entry

	stateMu     sync.Mutex
	state       State
	target      int
	outstanding int32
}

// SetTarget records the scheduler's nrPagesToSwap and kicks off the
// first monitor action if the driver is currently idle.
func (d *Driver) SetTarget(n int) {
	d.stateMu.Lock()
	d.target = n
	idle := d.state == Inactive
	if idle {
		d.state = ListReq
	}
	d.stateMu.Unlock()
	if idle && d.Notify != nil {
		d.Notify(batchSize(n))
	}
}

func batchSize(target int) int {
	if target > 64 {
		return 64
	}
	if target < 1 {
		return 0
	}
	return target
}

// State reports the driver's current state machine position.
func (d *Driver) State() State {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.stateMu.Lock()
	d.state = s
	d.stateMu.Unlock()
}

func (d *Driver) decTarget(n int) int {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.target -= n
	if d.target < 0 {
		d.target = 0
	}
	return d.target
}

// ProcessCandidates implements spec.md §4.3 steps 2-4: the monitor has
// replied with up to 64 candidate PPNs. They are sorted, deduplicated,
// filtered through can_swap, had their sharing broken where needed, and
// marked SWAP_OUT; cluster_write then issues the async writes.
func (d *Driver) ProcessCandidates(ctx context.Context, candidates []gpmm.PPN) (swapped int, err error) {
	d.setState(Swapping)
	eligible := d.prepareEligible(candidates)

	written, werr := d.clusterWrite(ctx, eligible)
	remaining := d.decTarget(written)

	if atomic.LoadInt32(&d.outstanding) > 0 {
		d.setState(SwapAsync)
	} else if remaining > 0 {
		d.setState(ListReq)
		if d.Notify != nil {
			d.Notify(batchSize(remaining))
		}
	} else {
		d.setState(SwapDone)
		d.setState(Inactive)
	}
	return written, werr
}

// prepareEligible sorts+dedups candidates, applies can_swap, breaks
// sharing on survivors, and marks them SWAP_OUT (spec.md §4.3 step 3).
func (d *Driver) prepareEligible(candidates []gpmm.PPN) []gpmm.PPN {
	sorted := append([]gpmm.PPN(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	eligible := make([]gpmm.PPN, 0, len(sorted))
	var prev gpmm.PPN
	havePrev := false
	for _, ppn := range sorted {
		if havePrev && ppn == prev {
			continue
		}
		havePrev, prev = true, ppn

		d.Mu.Lock()
		if d.tryMarkSwapOut(ppn) {
			eligible = append(eligible, ppn)
		}
		d.Mu.Unlock()
	}
	return eligible
}

// tryMarkSwapOut implements can_swap plus the state transition. Caller
// must hold d.Mu.
func (d *Driver) tryMarkSwapOut(ppn gpmm.PPN) bool {
	f, ok := d.Dir.Get(ppn)
	if !ok || !f.Valid() || f.Pinned() || d.PCache.Contains(ppn) || f.State().IsSwap() {
		return false
	}
	switch f.State() {
	case pframe.COW:
		if _, err := cow.Unshare(d.Cow, ppn, true); err != nil {
			return false
		}
	case pframe.COWHint:
		d.Share.RemoveHint(f.MPN())
		f.SetState(pframe.Regular)
	}
	f.SetState(pframe.SwapOut)
	d.PCache.InvalidateAround(ppn)
	return true
}

// clusterWrite implements spec.md §4.3 step 4: issues async writes
// whose requested cluster size decays by halves whenever the slot
// allocator hands back fewer slots than requested.
func (d *Driver) clusterWrite(ctx context.Context, ppns []gpmm.PPN) (int, error) {
	remaining := ppns
	written := 0
	request := 16

	for len(remaining) > 0 {
		if request > len(remaining) {
			request = len(remaining)
		}
		if d.Limiter != nil {
			if err := d.Limiter.Wait(ctx); err != nil {
				return written, gpmm.Wrap(gpmm.KindFatal, err)
			}
		}
		fileIdx, startSlot, count, err := d.Swap.GetSlots(request, true)
		if err != nil {
			return written, err
		}
		batch := remaining[:count]
		remaining = remaining[count:]
		for i, ppn := range batch {
			d.issueWrite(ctx, ppn, fileIdx, startSlot+uint32(i))
		}
		written += count

		if count < request {
			request = (request + 1) / 2
			if request < 1 {
				request = 1
			}
		} else {
			request = 16
		}
	}
	return written, nil
}

// issueWrite implements spec.md §4.3 step 4's async write issuance and
// step 5's completion callback, gated by the swapfile.FileSet's
// async-IO token pool.
func (d *Driver) issueWrite(ctx context.Context, ppn gpmm.PPN, fileIdx uint8, slot uint32) {
	d.Mu.Lock()
	f, ok := d.Dir.Get(ppn)
	var mpn gpmm.MPN
	if ok {
		mpn = f.MPN()
	}
	d.Mu.Unlock()
	if !ok {
		d.Swap.ReleaseSlots(fileIdx, slot, 1)
		return
	}

	atomic.AddInt32(&d.outstanding, 1)
	data := d.Alloc.PageBytes(mpn)
	fingerprint := pshare.Sum256(data)
	d.Swap.WriteSlotAsync(ctx, fileIdx, slot, data, d.VM, ppn, fingerprint, func(op swapfile.AsyncOp) {
		d.finishWrite(ppn, mpn, fileIdx, slot, op.Err)
		atomic.AddInt32(&d.outstanding, -1)
	})
}

// finishWrite implements spec.md §4.3 step 5.
func (d *Driver) finishWrite(ppn gpmm.PPN, mpn gpmm.MPN, fileIdx uint8, slot uint32, werr error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	f, ok := d.Dir.Get(ppn)
	if !ok {
		d.Swap.ReleaseSlots(fileIdx, slot, 1)
		return
	}
	if werr == nil && f.State() == pframe.SwapOut {
		d.Alloc.Free(mpn)
		f.SetState(pframe.Swapped)
		f.SetSlotRef(gpmm.MakeSlotRef(fileIdx, slot))
		return
	}
	d.Swap.ReleaseSlots(fileIdx, slot, 1)
	if werr != nil && d.Log != nil {
		d.Log.WithError(werr).WithField("ppn", ppn).Warn("swap write failed; slot released, frame left resident")
	}
}

// Outstanding reports the number of async writes still in flight.
func (d *Driver) Outstanding() int {
	return int(atomic.LoadInt32(&d.outstanding))
}
