package remap

import (
	"sync"

	"github.com/vmmcore/gpmm/pkg/gpmm"
	"github.com/vmmcore/gpmm/pkg/gpmm/cache"
	"github.com/vmmcore/gpmm/pkg/gpmm/pframe"
	"github.com/vmmcore/gpmm/pkg/gpmm/pgalloc"
	"github.com/vmmcore/gpmm/pkg/gpmm/pshare"
)

// Deps bundles the per-VM state Remap operates on. As with cow/resolver,
// the caller is assumed to hold the per-VM alloc lock.
type Deps struct {
	VM     gpmm.VMID
	Dir    *pframe.Directory
	PCache *cache.PPNCache
	Alloc  *pgalloc.Allocator
	Share  *pshare.Index
	Check  *CheckpointState
}

// Target describes the remap constraint spec.md §6's remap operation
// accepts: either the low-memory region, or a specific NUMA node.
type Target struct {
	Low     bool
	Node    uint8
	HasNode bool
}

func (t Target) class() (pgalloc.Class, int) {
	switch {
	case t.Low:
		return pgalloc.ClassLow, 0
	case t.HasNode:
		return pgalloc.ClassNode, int(t.Node)
	default:
		return pgalloc.ClassAny, 0
	}
}

// Remap implements spec.md §4.4's remap: allocate a new MPN meeting
// the target constraint, copy, and atomically swap the PFrame's index.
// If the source is COW, it instead tries to re-share on the target
// NUMA node by searching the node-tagged content index, refusing with
// KindShared if no match exists there (copying a COW page instead
// would silently break the sharing invariant the spec exists to
// preserve).
func Remap(d *Deps, ppn gpmm.PPN, t Target) (gpmm.MPN, error) {
	f, ok := d.Dir.Get(ppn)
	if !ok || !f.Valid() {
		return gpmm.InvalidMPN, gpmm.BadParam("ppn not resident")
	}
	if f.Pinned() {
		return gpmm.InvalidMPN, gpmm.Busy("ppn is pinned")
	}
	if f.State().IsSwap() {
		return gpmm.InvalidMPN, gpmm.Busy("ppn is swapped or swapping")
	}
	if d.Check.IsActive() {
		return gpmm.InvalidMPN, gpmm.Busy("checkpoint save is active")
	}

	if f.State() == pframe.COW {
		return remapCOW(d, f, ppn, t)
	}

	oldMPN := f.MPN()
	class, node := t.class()
	newMPN, err := d.Alloc.Alloc(class, node)
	if err != nil {
		return gpmm.InvalidMPN, err
	}
	d.Alloc.CopyInto(newMPN, oldMPN)

	if f.State() == pframe.COWHint {
		if hi, removed := d.Share.RemoveHint(oldMPN); removed {
			d.Share.InstallHint(hi.Key, newMPN, hi.Owner, hi.OwnerPPN)
		}
	}
	d.Alloc.Free(oldMPN)
	f.SetMPN(newMPN)
	d.PCache.InvalidateAround(ppn)
	return newMPN, nil
}

func remapCOW(d *Deps, f *pframe.PFrame, ppn gpmm.PPN, t Target) (gpmm.MPN, error) {
	if !t.HasNode {
		return gpmm.InvalidMPN, gpmm.New(gpmm.KindShared, "remap of a COW page requires a NUMA node target")
	}
	oldMPN := f.MPN()
	key, _, ok := d.Share.LookupByMPN(oldMPN)
	if !ok {
		return gpmm.InvalidMPN, gpmm.Fatal(d.VM, "COW ppn %d has no PShare entry for mpn %d", ppn, oldMPN)
	}
	target, found := d.Share.FindOnNode(t.Node, key)
	if !found {
		return gpmm.InvalidMPN, gpmm.New(gpmm.KindShared, "no re-share match for ppn %d on node %d", ppn, t.Node)
	}
	if _, _, matched := d.Share.AddIfShared(key, target); !matched {
		return gpmm.InvalidMPN, gpmm.New(gpmm.KindShared, "re-share candidate failed verification")
	}
	if refcount, ok := d.Share.Remove(oldMPN); ok && refcount == 0 {
		d.Alloc.Free(oldMPN)
	}
	f.SetMPN(target)
	d.PCache.InvalidateAround(ppn)
	return target, nil
}

// anonMagic is not stored in anon side-table records: a record holds
// its tag, owner and links only, and no code checks a magic value.
const anonMagic = 0xA110C0DE

type anonRecord struct {
	tag        uint32
	owner      gpmm.VMID
	prev, next gpmm.MPN
	hasPrev    bool
	hasNext    bool
}

// AnonList is the cartel-global anon-MPN side-table (spec.md §3.8):
// one record per MPN, threaded into whichever VM's list currently owns
// it. A single instance is shared by every VM on the host.
type AnonList struct {
	mu    sync.Mutex
	table map[gpmm.MPN]*anonRecord
}

// NewAnonList builds an empty anon side-table.
func NewAnonList() *AnonList {
	return &AnonList{table: make(map[gpmm.MPN]*anonRecord)}
}

// Head is one VM's anon list head pointer (spec.md §3.8: "Head in the
// per-VM info").
type Head struct {
	Owner   gpmm.VMID
	head    gpmm.MPN
	hasHead bool
}

// Insert threads mpn onto h's list as the new head.
func (l *AnonList) Insert(h *Head, mpn gpmm.MPN, tag uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.table[mpn]; exists {
		return gpmm.BadParam("mpn is already on an anon list")
	}
	rec := &anonRecord{tag: tag, owner: h.Owner}
	if h.hasHead {
		rec.next, rec.hasNext = h.head, true
		old := l.table[h.head]
		old.prev, old.hasPrev = mpn, true
	}
	l.table[mpn] = rec
	h.head, h.hasHead = mpn, true
	return nil
}

// Remove unlinks mpn from h's list after checking that mpn has a record
// owned by h.Owner; the tag is not checked.
func (l *AnonList) Remove(h *Head, mpn gpmm.MPN) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.table[mpn]
	if !ok || rec.owner != h.Owner {
		return gpmm.Fatal(h.Owner, "anon list corruption: mpn %d not owned by this VM", mpn)
	}
	if rec.hasPrev {
		prevRec := l.table[rec.prev]
		prevRec.next, prevRec.hasNext = rec.next, rec.hasNext
	}
	if rec.hasNext {
		nextRec := l.table[rec.next]
		nextRec.prev, nextRec.hasPrev = rec.prev, rec.hasPrev
	}
	if h.head == mpn {
		if rec.hasNext {
			h.head = rec.next
		} else {
			h.hasHead = false
		}
	}
	delete(l.table, mpn)
	return nil
}

// Traverse walks h's list head-to-tail, calling fn with each MPN and
// its tag; fn returning false stops early. Used by debugger/dump
// tooling (spec.md §3.8: "traversable by external agents").
func (l *AnonList) Traverse(h *Head, fn func(mpn gpmm.MPN, tag uint32) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !h.hasHead {
		return
	}
	cur := h.head
	for {
		rec, ok := l.table[cur]
		if !ok || rec.owner != h.Owner {
			return
		}
		if !fn(cur, rec.tag) {
			return
		}
		if !rec.hasNext {
			return
		}
		cur = rec.next
	}
}

// AllocAnon implements spec.md §6's alloc_anon: draws a kernel-anon
// page from the allocator and threads it onto h's list.
func AllocAnon(alloc *pgalloc.Allocator, list *AnonList, h *Head, low bool, tag uint32) (gpmm.MPN, error) {
	class := pgalloc.ClassAnon
	if low {
		class = pgalloc.ClassLow
	}
	mpn, err := alloc.Alloc(class, 0)
	if err != nil {
		return gpmm.InvalidMPN, err
	}
	alloc.Zero(mpn)
	if err := list.Insert(h, mpn, tag); err != nil {
		alloc.FreeAnon(mpn)
		return gpmm.InvalidMPN, err
	}
	return mpn, nil
}

// FreeAnon implements spec.md §6's free_anon.
func FreeAnon(alloc *pgalloc.Allocator, list *AnonList, h *Head, mpn gpmm.MPN) error {
	if err := list.Remove(h, mpn); err != nil {
		return err
	}
	alloc.FreeAnon(mpn)
	return nil
}
