// Package p2m implements the bounded, per-VM message rings spec.md §3.7
// (P2M updates) and §4.2 (hint updates) describe: "deferred callbacks...
// expressed as tagged messages enqueued on bounded rings; the ring
// owner drains them under its lock" (spec.md §9).
//
// A P2M update means "the kernel broke sharing of BPN; when you (the
// in-guest monitor) acknowledge, I will drop the refcount on MPN." A
// hint update tells a VM that owns an advertised PShare hint whether it
// matched (promote to COW against the new shared MPN) or went stale
// (the candidate content changed before anyone shared against it).
package p2m

import (
	"sync"

	"github.com/vmmcore/gpmm/pkg/gpmm"
	"github.com/vmmcore/gpmm/pkg/gpmm/pshare"
)

// Ring is a bounded FIFO of T with fill/drain indices and an overflow
// flag, the generic shape both the P2M ring and the hint ring share.
type Ring[T any] struct {
	mu         sync.Mutex
	buf        []T
	fill       uint64
	drain      uint64
	overflow   bool
	postAction func()
}

// NewRing builds a ring of the given capacity. postAction, if non-nil,
// is invoked (without the ring's lock held) each time Enqueue succeeds,
// modeling "an action is posted to the owning VM" (spec.md §3.7/§4.2).
func NewRing[T any](capacity int, postAction func()) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity), postAction: postAction}
}

// Enqueue appends v. If the ring is full it sets the overflow flag and
// drops v, returning false; the caller does not otherwise need to
// react, since overflow is itself recorded and surfaced via
// Overflowed().
func (r *Ring[T]) Enqueue(v T) bool {
	r.mu.Lock()
	if r.fill-r.drain >= uint64(len(r.buf)) {
		r.overflow = true
		r.mu.Unlock()
		return false
	}
	r.buf[r.fill%uint64(len(r.buf))] = v
	r.fill++
	post := r.postAction
	r.mu.Unlock()
	if post != nil {
		post()
	}
	return true
}

// Drain pops the oldest entry, if any.
func (r *Ring[T]) Drain() (v T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.drain >= r.fill {
		return v, false
	}
	v = r.buf[r.drain%uint64(len(r.buf))]
	r.drain++
	return v, true
}

// DrainAll pops every pending entry in FIFO order.
func (r *Ring[T]) DrainAll() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.fill - r.drain
	out := make([]T, 0, n)
	for r.drain < r.fill {
		out = append(out, r.buf[r.drain%uint64(len(r.buf))])
		r.drain++
	}
	return out
}

// Overflowed reports whether the ring has ever dropped an entry since
// the last ClearOverflow.
func (r *Ring[T]) Overflowed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overflow
}

// ClearOverflow resets the overflow flag.
func (r *Ring[T]) ClearOverflow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overflow = false
}

// Pending reports how many entries are queued.
func (r *Ring[T]) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.fill - r.drain)
}

// Update is one P2M update ring entry (spec.md §3.7).
type Update struct {
	BPN gpmm.BPN
	MPN gpmm.MPN
}

// HintKind distinguishes the two outcomes a hint update can carry.
type HintKind int

const (
	// HintMatch: the recipient's hint matched a new sharer; it should
	// drop its private copy and point its COW PFrame at the shared MPN.
	HintMatch HintKind = iota
	// HintStale: the recipient's hint no longer matches (content
	// changed); it should simply stop treating the page as a hint.
	HintStale
)

// HintUpdate is one hint-update ring entry (spec.md §4.2).
type HintUpdate struct {
	Kind     HintKind
	PPN      gpmm.PPN
	Key      pshare.Key
	SharedMPN gpmm.MPN
}
