package pframe

import "github.com/vmmcore/gpmm/pkg/gpmm"

// leafShift/leafSize describe the second-level table: 1024 PFrames per
// lazily-allocated leaf, so the top-level array is indexed by ppn>>10
// (spec.md §3.3).
const (
	leafShift = 10
	leafSize  = 1 << leafShift
	leafMask  = leafSize - 1
)

type leaf = [leafSize]PFrame

// Directory is the two-level PPN->PFrame table for one VM. It is not
// internally synchronized: spec.md §5 requires every state transition
// to happen under the owning VM's alloc lock, so Directory assumes the
// caller already holds it (the vm package is the only caller).
type Directory struct {
	top          []*leaf
	numPhysPages int
}

// NewDirectory builds a directory sized for numPhysPages guest pages.
// No leaves are allocated until first touched.
func NewDirectory(numPhysPages int) *Directory {
	tableLen := (numPhysPages + leafMask) / leafSize
	if tableLen == 0 {
		tableLen = 1
	}
	return &Directory{top: make([]*leaf, tableLen), numPhysPages: numPhysPages}
}

func (d *Directory) split(ppn gpmm.PPN) (int, int) {
	return int(ppn) >> leafShift, int(ppn) & leafMask
}

// HasLeaf reports whether the top-level entry covering ppn has been
// allocated yet, without allocating it.
func (d *Directory) HasLeaf(ppn gpmm.PPN) bool {
	ti, _ := d.split(ppn)
	if ti < 0 || ti >= len(d.top) {
		return false
	}
	return d.top[ti] != nil
}

// Get returns the PFrame for ppn if its leaf has been allocated, and
// whether it was found. It never allocates.
func (d *Directory) Get(ppn gpmm.PPN) (*PFrame, bool) {
	ti, li := d.split(ppn)
	if ti < 0 || ti >= len(d.top) || d.top[ti] == nil {
		return nil, false
	}
	return &d.top[ti][li], true
}

// GetOrAlloc returns the PFrame for ppn, lazily allocating the
// covering leaf (all-zero, i.e. REGULAR+invalid) if necessary. It
// returns (nil, gpmm.BadParam) if ppn is out of range.
func (d *Directory) GetOrAlloc(ppn gpmm.PPN) (*PFrame, error) {
	ti, li := d.split(ppn)
	if ti < 0 || ti >= len(d.top) {
		return nil, gpmm.BadParam("ppn out of range")
	}
	if d.top[ti] == nil {
		d.top[ti] = new(leaf)
	}
	return &d.top[ti][li], nil
}

// ForEach calls fn for every PPN whose leaf has been allocated,
// regardless of whether the individual PFrame is valid. fn returning
// false stops iteration early. Used by the COW consistency check and
// by debugger/dump tooling over the anon list's owner validation.
func (d *Directory) ForEach(fn func(ppn gpmm.PPN, f *PFrame) bool) {
	for ti, l := range d.top {
		if l == nil {
			continue
		}
		for li := range l {
			ppn := gpmm.PPN(ti<<leafShift | li)
			if !fn(ppn, &l[li]) {
				return
			}
		}
	}
}
