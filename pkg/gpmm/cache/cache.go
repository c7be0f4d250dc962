// Package cache implements the small fixed-size direct-mapped
// PPN-range->machine-address cache described in spec.md §3.5, used as a
// fast path by DMA setup (phys_to_mach_range). Any PFrame mutation for
// PPN p must invalidate entries for p and p-1, since a cached mapping
// may span two guest pages.
package cache

import "github.com/vmmcore/gpmm/pkg/gpmm"

// Entry is one direct-mapped cache line.
type Entry struct {
	valid              bool
	firstPPN, lastPPN  gpmm.PPN
	mpn                gpmm.MPN
	readOnly           bool
	hotCopyCount       uint32
}

// PPNCache is a small fixed-size direct-mapped cache, one per VM.
type PPNCache struct {
	lines []Entry
}

// New builds a cache with the given number of direct-mapped lines.
func New(lines int) *PPNCache {
	if lines < 1 {
		lines = 1
	}
	return &PPNCache{lines: make([]Entry, lines)}
}

func (c *PPNCache) lineFor(ppn gpmm.PPN) int {
	return int(ppn) % len(c.lines)
}

// lineCovering returns the live line whose range covers ppn, if any.
// Entries live at the line for their firstPPN, so only the lines for
// ppn and ppn-1 are probed: a range starting two or more pages before
// ppn is not found.
func (c *PPNCache) lineCovering(ppn gpmm.PPN) *Entry {
	for _, p := range []gpmm.PPN{ppn, ppn - 1} {
		if p > ppn {
			break // ppn == 0 has no predecessor
		}
		e := &c.lines[c.lineFor(p)]
		if e.valid && ppn >= e.firstPPN && ppn <= e.lastPPN {
			return e
		}
	}
	return nil
}

// Lookup returns the cached mapping covering ppn, if any.
func (c *PPNCache) Lookup(ppn gpmm.PPN) (mpn gpmm.MPN, readOnly bool, ok bool) {
	e := c.lineCovering(ppn)
	if e == nil {
		return 0, false, false
	}
	return e.mpn, e.readOnly, true
}

// Insert installs a mapping for the PPN range [firstPPN, lastPPN] at
// the direct-mapped line for firstPPN, evicting whatever was there.
func (c *PPNCache) Insert(firstPPN, lastPPN gpmm.PPN, mpn gpmm.MPN, readOnly bool) {
	e := &c.lines[c.lineFor(firstPPN)]
	*e = Entry{valid: true, firstPPN: firstPPN, lastPPN: lastPPN, mpn: mpn, readOnly: readOnly}
}

// Invalidate drops the cache line(s) covering ppn, if present. Per
// spec.md §3.5, callers must invalidate both ppn and ppn-1 around any
// PFrame mutation, since a cached range can span two pages; this method
// handles exactly one PPN; call it twice when ppn > 0.
func (c *PPNCache) Invalidate(ppn gpmm.PPN) {
	if e := c.lineCovering(ppn); e != nil {
		e.valid = false
	}
}

// InvalidateAround invalidates the cache lines for ppn and ppn-1, the
// pattern spec.md §3.5 requires around every PFrame mutation.
func (c *PPNCache) InvalidateAround(ppn gpmm.PPN) {
	c.Invalidate(ppn)
	if ppn > 0 {
		c.Invalidate(ppn - 1)
	}
}

// Contains reports whether ppn currently has a live cache entry,
// consulted by the COW engine's share path (spec.md §4.2: "Refuses if
// the page is... cached in the fast-path cache").
func (c *PPNCache) Contains(ppn gpmm.PPN) bool {
	_, _, ok := c.Lookup(ppn)
	return ok
}
