// Package cow implements component F of gpmm: the copy-on-write
// page-sharing engine (spec.md §4.2) — share, unshare/break_cow, the
// debug consistency check, and draining of the deferred P2M update
// ring.
//
// Grounded on original_source/main/alloc.c's AllocCOWSharePage for the
// add-if-shared/hint precedence (see DESIGN.md), adapted here to
// operate through the pshare.Index and p2m.Ring primitives instead of
// vmkernel's inline hash tables.
package cow

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vmmcore/gpmm/pkg/gpmm"
	"github.com/vmmcore/gpmm/pkg/gpmm/cache"
	"github.com/vmmcore/gpmm/pkg/gpmm/p2m"
	"github.com/vmmcore/gpmm/pkg/gpmm/pframe"
	"github.com/vmmcore/gpmm/pkg/gpmm/pgalloc"
	"github.com/vmmcore/gpmm/pkg/gpmm/pshare"
)

// Router lets the COW engine deliver a hint update to whichever VM
// advertised the matched or staled hint: the PShare hint map is
// cartel-global but each VM owns its own hint ring (spec.md §3.4,
// §4.2), so crossing from "we matched someone else's hint" to "post to
// their ring" needs a host-level lookup this package does not own.
type Router interface {
	PostHintUpdate(owner gpmm.VMID, u p2m.HintUpdate)
}

// Deps bundles the per-VM state Share/Unshare/ConsistencyCheck operate
// on. Every function in this package assumes the caller already holds
// the per-VM alloc lock (spec.md §5 lock 3), matching pframe.Directory.
type Deps struct {
	VM       gpmm.VMID
	Dir      *pframe.Directory
	PCache   *cache.PPNCache
	Alloc    *pgalloc.Allocator
	Share    *pshare.Index
	P2MRing  *p2m.Ring[p2m.Update]
	HintRing *p2m.Ring[p2m.HintUpdate]
	Router   Router
	Log      *logrus.Entry
}

// Share implements spec.md §4.2's Share algorithm for one PPN. override,
// if not gpmm.InvalidMPN, is used as the candidate MPN instead of the
// frame's current one (spec.md §6's lookup_and_share accepts an
// optional per-entry MPN). node tags the content-map entry for remap's
// later node-aware re-share search.
func Share(d *Deps, ppn gpmm.PPN, override gpmm.MPN, node uint8) (shared gpmm.MPN, isHint bool, err error) {
	f, ok := d.Dir.Get(ppn)
	if !ok || !f.Valid() {
		return gpmm.InvalidMPN, false, gpmm.BadParam("ppn not resident")
	}
	if f.Pinned() {
		return gpmm.InvalidMPN, false, gpmm.Busy("ppn is pinned")
	}
	if d.PCache.Contains(ppn) {
		return gpmm.InvalidMPN, false, gpmm.Busy("ppn is cached in the fast-path cache")
	}
	if f.State().IsSwap() {
		return gpmm.InvalidMPN, false, gpmm.Busy("ppn is swapped or swapping")
	}
	if f.State() == pframe.COW {
		return gpmm.InvalidMPN, false, gpmm.Busy("ppn is already shared")
	}

	mpn := override
	if mpn == gpmm.InvalidMPN {
		mpn = f.MPN()
	}

	if f.State() == pframe.COWHint {
		d.Share.RemoveHint(f.MPN())
	}

	key := d.Share.HashPage(mpn)

	if sharedMPN, _, matched := d.Share.AddIfShared(key, mpn); matched {
		if sharedMPN != mpn {
			d.Alloc.Free(mpn)
		}
		f.SetState(pframe.COW)
		f.SetMPN(sharedMPN)
		return sharedMPN, false, nil
	}

	if hintMPN, ok := d.Share.LookupHintByKey(key); ok {
		if d.Share.HashPage(hintMPN) == key {
			d.Share.Add(key, mpn, node)
			if hi, removed := d.Share.RemoveHint(hintMPN); removed && d.Router != nil {
				d.Router.PostHintUpdate(hi.Owner, p2m.HintUpdate{
					Kind: p2m.HintMatch, PPN: hi.OwnerPPN, Key: key, SharedMPN: mpn,
				})
			}
			f.SetState(pframe.COW)
			f.SetMPN(mpn)
			return mpn, false, nil
		}
		if hi, removed := d.Share.RemoveHint(hintMPN); removed && d.Router != nil {
			d.Router.PostHintUpdate(hi.Owner, p2m.HintUpdate{Kind: p2m.HintStale, PPN: hi.OwnerPPN, Key: key})
		}
	}

	d.Share.InstallHint(key, mpn, d.VM, ppn)
	f.SetState(pframe.COWHint)
	f.SetMPN(mpn)
	return mpn, true, nil
}

// Unshare implements spec.md §4.2's Unshare/copy (also exposed
// externally as break_cow): tries the atomic remove-if-unshared fast
// path first, falling back to allocate+copy. fromMonitor selects
// whether the old MPN's refcount is dropped immediately (monitor) or
// deferred behind a P2M ring entry (anyone else), per spec.md step 3/4.
func Unshare(d *Deps, ppn gpmm.PPN, fromMonitor bool) (gpmm.MPN, error) {
	f, ok := d.Dir.Get(ppn)
	if !ok || !f.Valid() {
		return gpmm.InvalidMPN, gpmm.BadParam("ppn not resident")
	}
	if f.State() != pframe.COW {
		return gpmm.InvalidMPN, gpmm.New(gpmm.KindNotShared, "ppn %d is not COW", ppn)
	}
	oldMPN := f.MPN()

	if d.Share.RemoveIfUnshared(oldMPN) {
		f.SetState(pframe.Regular)
		return oldMPN, nil
	}

	newMPN, err := d.Alloc.Alloc(pgalloc.ClassAny, 0)
	if err != nil {
		return gpmm.InvalidMPN, err
	}
	d.Alloc.CopyInto(newMPN, oldMPN)
	f.SetRegular(newMPN)
	f.SetValid(true)
	d.PCache.InvalidateAround(ppn)

	if fromMonitor {
		if refcount, ok := d.Share.Remove(oldMPN); ok && refcount == 0 {
			d.Alloc.Free(oldMPN)
		}
	} else {
		d.P2MRing.Enqueue(p2m.Update{BPN: gpmm.BPN(ppn), MPN: oldMPN})
	}
	return newMPN, nil
}

// PollP2M drains the oldest pending P2M update, for the monitor's
// poll_p2m operation.
func PollP2M(d *Deps) (p2m.Update, bool) {
	return d.P2MRing.Drain()
}

// AckP2M implements spec.md §6's ack_p2m: the monitor has stopped
// reading u.MPN, so its deferred refcount drop can finally happen.
func AckP2M(d *Deps, u p2m.Update) {
	if refcount, ok := d.Share.Remove(u.MPN); ok && refcount == 0 {
		d.Alloc.Free(u.MPN)
	}
}

// ConsistencyCheck implements spec.md §4.2's debug consistency check
// (and property 2 of §8): every COW PFrame must resolve to a PShare
// entry whose recorded key matches the page's current content.
func ConsistencyCheck(d *Deps) []error {
	var errs []error
	d.Dir.ForEach(func(ppn gpmm.PPN, f *pframe.PFrame) bool {
		if !f.Valid() || f.State() != pframe.COW {
			return true
		}
		mpn := f.MPN()
		key, refcount, ok := d.Share.LookupByMPN(mpn)
		if !ok || refcount == 0 {
			errs = append(errs, fmt.Errorf("ppn %d: COW mpn %d has no PShare entry", ppn, mpn))
			return true
		}
		if d.Share.HashPage(mpn) != key {
			errs = append(errs, fmt.Errorf("ppn %d: mpn %d content no longer matches its recorded key", ppn, mpn))
		}
		return true
	})
	return errs
}
