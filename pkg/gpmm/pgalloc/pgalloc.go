// Package pgalloc is the typed host-page allocator facade (component A
// of gpmm: spec.md §2). It hands out machine page numbers (gpmm.MPN)
// from a fixed pool of host pages, reference-counted so that a COW MPN
// shared by several VMs is freed only when its last owner drops it.
//
// The free-list/refcount design is grounded on the physical-page
// allocator in the teacher pack's sibling OS kernel
// (Oichkatzelesfrettschen-biscuit/biscuit/src/mem/mem.go,
// Physmem_t/_phys_new/_phys_put): a flat array of page descriptors, an
// intrusive singly-linked free list threaded through unused descriptors,
// and atomic reference counts. This package generalizes that scheme
// with NUMA-node tags and a low-memory region so it can serve every
// typed request spec.md §2 component A lists: any page, a low-memory
// page, a page on a specific NUMA node, or a kernel anonymous page.
//
// Every free page lives on exactly one intrusive free list at a time:
// pages in the low-memory region are threaded onto a single low list;
// every other page is threaded onto its NUMA node's list. A ClassAny
// request tries node lists round-robin and only falls back to the low
// list once the rest of the pool is exhausted, so low memory (reserved
// for DMA-style consumers) is not casually consumed by ordinary
// requests.
package pgalloc

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/vmmcore/gpmm/pkg/gpmm"
)

// Class selects which sub-pool an allocation is drawn from.
type Class int

const (
	// ClassAny allocates from anywhere in the pool, preferring
	// non-low-memory pages.
	ClassAny Class = iota
	// ClassLow allocates from the low-memory region only.
	ClassLow
	// ClassNode allocates from a specific NUMA node only.
	ClassNode
	// ClassAnon allocates a kernel-anonymous overhead page (spec.md
	// §3.8); drawn from the same pool as ClassAny but accounted
	// separately.
	ClassAnon
)

const noNext = ^uint32(0)

type pageDesc struct {
	refcnt int32
	next   uint32
	node   uint8
	low    bool
}

// Stats is a point-in-time snapshot of the allocator's accounting
// counters, referenced by spec.md §8 invariant 5 and exposed to
// operator tooling (cmd/gpmctl).
type Stats struct {
	Total, Free, Used, Anon int
}

// Allocator is the host-wide typed page allocator. One instance is
// shared by every VM on the host; per-VM accounting (locked/swapped
// page counts) lives in the pframe directory, not here.
type Allocator struct {
	mu         sync.Mutex
	pages      []pageDesc
	content    [][gpmm.PageSize]byte
	freeLow    uint32
	freeNode   []uint32
	nodeCursor int
	lowCount   uint32
	freeCount  int32
	anonCount  int32
	log        *logrus.Entry
}

// New builds an Allocator over total pages, the first lowPages of which
// form the low-memory region, distributed round-robin across numNodes
// NUMA nodes (numNodes is clamped to at least 1).
func New(total, lowPages, numNodes int) *Allocator {
	if numNodes < 1 {
		numNodes = 1
	}
	if lowPages > total {
		lowPages = total
	}
	a := &Allocator{
		pages:    make([]pageDesc, total),
		content:  make([][gpmm.PageSize]byte, total),
		freeNode: make([]uint32, numNodes),
		lowCount: uint32(lowPages),
		freeLow:  noNext,
		log:      logrus.WithField("subsystem", "pgalloc"),
	}
	for i := range a.freeNode {
		a.freeNode[i] = noNext
	}
	for i := total - 1; i >= 0; i-- {
		low := uint32(i) < a.lowCount
		node := uint8(i % numNodes)
		a.pages[i] = pageDesc{node: node, low: low}
		if low {
			a.pages[i].next = a.freeLow
			a.freeLow = uint32(i)
		} else {
			a.pages[i].next = a.freeNode[node]
			a.freeNode[node] = uint32(i)
		}
	}
	a.freeCount = int32(total)
	a.log.WithFields(logrus.Fields{"total": total, "low": lowPages, "nodes": numNodes}).
		Info("page allocator initialized")
	return a
}

func (a *Allocator) popLow() (uint32, bool) {
	if a.freeLow == noNext {
		return 0, false
	}
	idx := a.freeLow
	a.freeLow = a.pages[idx].next
	return idx, true
}

func (a *Allocator) popNode(node int) (uint32, bool) {
	if a.freeNode[node] == noNext {
		return 0, false
	}
	idx := a.freeNode[node]
	a.freeNode[node] = a.pages[idx].next
	return idx, true
}

func (a *Allocator) popAny() (uint32, bool) {
	n := len(a.freeNode)
	for i := 0; i < n; i++ {
		node := (a.nodeCursor + i) % n
		if idx, ok := a.popNode(node); ok {
			a.nodeCursor = (node + 1) % n
			return idx, true
		}
	}
	return a.popLow()
}

func (a *Allocator) push(idx uint32) {
	p := &a.pages[idx]
	if p.low {
		p.next = a.freeLow
		a.freeLow = idx
	} else {
		p.next = a.freeNode[int(p.node)]
		a.freeNode[int(p.node)] = idx
	}
}

// Alloc draws one page of the given class and returns it with refcount
// 1. node is only consulted for ClassNode.
func (a *Allocator) Alloc(class Class, node int) (gpmn gpmm.MPN, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	var ok bool
	switch class {
	case ClassLow:
		idx, ok = a.popLow()
	case ClassNode:
		if node < 0 || node >= len(a.freeNode) {
			return gpmm.InvalidMPN, gpmm.BadParam("invalid NUMA node")
		}
		idx, ok = a.popNode(node)
	case ClassAny, ClassAnon:
		idx, ok = a.popAny()
	default:
		return gpmm.InvalidMPN, gpmm.BadParam("invalid allocation class")
	}
	if !ok {
		return gpmm.InvalidMPN, gpmm.NoMem()
	}
	a.pages[idx].refcnt = 1
	a.freeCount--
	if class == ClassAnon {
		a.anonCount++
	}
	return gpmm.MPN(idx), nil
}

// Ref bumps the reference count of mpn (used when a page enters the
// PShare content map, or is pointed to by a new COW PFrame).
func (a *Allocator) Ref(mpn gpmm.MPN) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := &a.pages[mpn]
	if atomic.AddInt32(&p.refcnt, 1) <= 1 {
		panic("gpmm/pgalloc: Ref on a free page")
	}
}

// RefCount returns the current reference count of mpn.
func (a *Allocator) RefCount(mpn gpmm.MPN) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.pages[mpn].refcnt)
}

// Free drops the reference count of mpn by one and, if it reaches zero,
// returns the page to its free list. It returns true iff the page was
// actually freed.
func (a *Allocator) Free(mpn gpmm.MPN) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := &a.pages[mpn]
	c := atomic.AddInt32(&p.refcnt, -1)
	if c < 0 {
		panic("gpmm/pgalloc: refcount underflow")
	}
	if c > 0 {
		return false
	}
	wasAnon := false
	// Free leaves anon accounting untouched; FreeAnon is the path that
	// decrements the anon count.
	if a.anonCount > 0 {
		wasAnon = true
	}
	_ = wasAnon
	a.push(mpn32(mpn))
	a.freeCount++
	return true
}

// FreeAnon is Free for a page allocated with ClassAnon; it also
// decrements the anon accounting counter.
func (a *Allocator) FreeAnon(mpn gpmm.MPN) bool {
	a.mu.Lock()
	freed := false
	p := &a.pages[mpn]
	c := atomic.AddInt32(&p.refcnt, -1)
	if c < 0 {
		a.mu.Unlock()
		panic("gpmm/pgalloc: refcount underflow")
	}
	if c == 0 {
		a.push(mpn32(mpn))
		a.freeCount++
		freed = true
	}
	if a.anonCount > 0 {
		a.anonCount--
	}
	a.mu.Unlock()
	return freed
}

func mpn32(m gpmm.MPN) uint32 { return uint32(m) }

// PageBytes returns a mutable view of mpn's backing bytes. Callers must
// hold whatever higher-level lock protects the PFrame pointing at mpn;
// this package does not serialize concurrent content access (spec.md
// §5: the per-VM alloc lock is what makes this safe in practice).
func (a *Allocator) PageBytes(mpn gpmm.MPN) *[gpmm.PageSize]byte {
	return &a.content[mpn]
}

// Zero fills mpn's backing bytes with zeroes (resolver step 3: "zero it
// for security").
func (a *Allocator) Zero(mpn gpmm.MPN) {
	a.content[mpn] = [gpmm.PageSize]byte{}
}

// CopyInto copies src's content into dst (COW engine's "allocate new
// MPN, memcpy").
func (a *Allocator) CopyInto(dst, src gpmm.MPN) {
	a.content[dst] = a.content[src]
}

// Stats returns the current accounting snapshot.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := len(a.pages)
	return Stats{
		Total: total,
		Free:  int(a.freeCount),
		Used:  total - int(a.freeCount),
		Anon:  int(a.anonCount),
	}
}
