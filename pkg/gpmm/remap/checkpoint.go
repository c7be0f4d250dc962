// Package remap implements component H of gpmm: page remap
// (low-memory/NUMA-node), checkpoint save/resume scaffolding, and the
// per-VM anon MPN list (spec.md §4.4).
package remap

import (
	"context"
	"sync"

	"github.com/mohae/deepcopy"

	"github.com/vmmcore/gpmm/pkg/gpmm"
	"github.com/vmmcore/gpmm/pkg/gpmm/pgalloc"
	"github.com/vmmcore/gpmm/pkg/gpmm/swapfile"
)

// CheckpointState is the cartel-wide checkpoint-save flag and its
// supporting scratch resources (spec.md §4.4, §9 "global mutable state
// ... scoped behind typed handles with explicit init/teardown"). One
// instance is shared by every VM on the host.
type CheckpointState struct {
	mu          sync.Mutex
	active      bool
	windowStart gpmm.PPN
	windowSize  int

	alloc      *pgalloc.Allocator
	dummy      gpmm.MPN
	bufferPool []gpmm.MPN
	bufCursor  int
}

// NewCheckpointState allocates the dummy zero page and a checkpoint
// scratch buffer pool of bufferSize recycled MPNs.
func NewCheckpointState(alloc *pgalloc.Allocator, bufferSize int) (*CheckpointState, error) {
	if bufferSize < 1 {
		bufferSize = 1
	}
	dummy, err := alloc.Alloc(pgalloc.ClassAnon, 0)
	if err != nil {
		return nil, err
	}
	alloc.Zero(dummy)

	pool := make([]gpmm.MPN, bufferSize)
	for i := range pool {
		m, err := alloc.Alloc(pgalloc.ClassAnon, 0)
		if err != nil {
			return nil, err
		}
		pool[i] = m
	}
	return &CheckpointState{alloc: alloc, dummy: dummy, bufferPool: pool}, nil
}

// DummyMPN returns the shared read-only zero page returned in place of
// unmapped or zero-key content during checkpoint save.
func (c *CheckpointState) DummyMPN() gpmm.MPN { return c.dummy }

// Begin marks a checkpoint save active with an initial write window of
// [0, windowSize).
func (c *CheckpointState) Begin(windowSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = true
	c.windowStart = 0
	c.windowSize = windowSize
}

// AdvanceWindow slides the checkpoint write window forward as the
// caller (the checkpoint writer) makes progress.
func (c *CheckpointState) AdvanceWindow(start gpmm.PPN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windowStart = start
}

// End clears the checkpoint-active flag.
func (c *CheckpointState) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
}

// IsActive reports whether a checkpoint save is in progress.
func (c *CheckpointState) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// InWindow reports whether ppn falls inside the current checkpoint
// write window. Only meaningful while IsActive.
func (c *CheckpointState) InWindow(ppn gpmm.PPN) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.windowSize <= 0 {
		return true
	}
	return ppn >= c.windowStart && ppn < c.windowStart+gpmm.PPN(c.windowSize)
}

// nextScratch hands out the next checkpoint buffer slot round-robin.
func (c *CheckpointState) nextScratch() gpmm.MPN {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.bufferPool[c.bufCursor]
	c.bufCursor = (c.bufCursor + 1) % len(c.bufferPool)
	return m
}

// BounceSwapped reads a SWAPPED page's content into the next recycled
// checkpoint buffer and returns that scratch MPN, leaving the original
// swap slot untouched (spec.md §4.4: "COW/SWAPPED pages are read into a
// small recycled checkpoint buffer pool... the original MPN is
// untouched").
func (c *CheckpointState) BounceSwapped(ctx context.Context, swap *swapfile.FileSet, vm gpmm.VMID, slot gpmm.SlotRef, expect swapfile.SanityRecord) (gpmm.MPN, error) {
	scratch := c.nextScratch()
	data := c.alloc.PageBytes(scratch)
	if err := swap.ReadSlot(ctx, vm, slot.FileIndex(), slot.SlotNumber(), data, expect); err != nil {
		return gpmm.InvalidMPN, err
	}
	return scratch, nil
}

// BounceCOW copies a COW page's live content into the next recycled
// checkpoint buffer, for the same reason as BounceSwapped but without
// touching swap.
func (c *CheckpointState) BounceCOW(mpn gpmm.MPN) gpmm.MPN {
	scratch := c.nextScratch()
	c.alloc.CopyInto(scratch, mpn)
	return scratch
}

// WindowMeta is the resumable part of a checkpoint save's progress: the
// write window position and the current round-robin cursor into the
// scratch buffer pool. A resume path restores a VM's window from a
// Snapshot taken earlier rather than from live CheckpointState, so it
// must not alias the pool slice still being mutated by an in-progress
// save.
type WindowMeta struct {
	WindowStart gpmm.PPN
	WindowSize  int
	BufCursor   int
	BufferPool  []gpmm.MPN
}

// Snapshot deep-copies the resumable checkpoint metadata so a caller can
// stash it (e.g. alongside a VM's own checkpoint record) without it
// changing underfoot as AdvanceWindow/nextScratch continue to run
// (spec.md §4.4's resume path "restores metadata captured earlier,
// never the live structure").
func (c *CheckpointState) Snapshot() WindowMeta {
	c.mu.Lock()
	meta := WindowMeta{
		WindowStart: c.windowStart,
		WindowSize:  c.windowSize,
		BufCursor:   c.bufCursor,
		BufferPool:  c.bufferPool,
	}
	c.mu.Unlock()
	return deepcopy.Copy(meta).(WindowMeta)
}

// Restore reinstates previously snapshotted window metadata, used when
// resuming a checkpoint save that was interrupted mid-window.
func (c *CheckpointState) Restore(meta WindowMeta) {
	cp := deepcopy.Copy(meta).(WindowMeta)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windowStart = cp.WindowStart
	c.windowSize = cp.WindowSize
	c.bufCursor = cp.BufCursor
	c.bufferPool = cp.BufferPool
}
