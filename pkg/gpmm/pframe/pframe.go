// Package pframe implements the per-guest-page PFrame record and the
// two-level PPN->PFrame directory (component D of gpmm: spec.md §3.2,
// §3.3).
//
// PFrame itself is a bit-packed 64-bit record in the style of the
// teacher pack's page-table-entry constants
// (Oichkatzelesfrettschen-biscuit/biscuit/src/mem/mem.go: PTE_P, PTE_W,
// PTE_ADDR, ...): a handful of flag bits, a small saturating counter,
// and an index field reused to mean either an MPN or a SlotRef
// depending on state. The directory is the lazily-paged two-level table
// spec.md §3.3 describes, so a sparse 64-GiB guest costs memory
// proportional to touched pages, not to its declared size.
package pframe

import (
	"fmt"

	"github.com/vmmcore/gpmm/pkg/gpmm"
)

// State is the PFrame state machine's current state (spec.md §3.2).
type State uint8

const (
	// Regular: index is a private MPN owned by this VM.
	Regular State = iota
	// COW: index is an MPN present in the PShare content map.
	COW
	// COWHint: index is a privately owned MPN that is also advertised
	// as a hint in the PShare index.
	COWHint
	// Swapped: the MPN has been freed; index is a SlotRef.
	Swapped
	// SwapOut: the MPN is still resident; a write to a swap slot is in
	// flight.
	SwapOut
	// SwapIn: a freshly allocated MPN; a read from a swap slot is in
	// flight. Other threads may block on this MPN as a wait key.
	SwapIn
	// Overhead: a kernel/anon-use page; not guest-visible memory.
	Overhead
)

func (s State) String() string {
	switch s {
	case Regular:
		return "REGULAR"
	case COW:
		return "COW"
	case COWHint:
		return "COW_HINT"
	case Swapped:
		return "SWAPPED"
	case SwapOut:
		return "SWAP_OUT"
	case SwapIn:
		return "SWAP_IN"
	case Overhead:
		return "OVERHEAD"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// IsSwap reports whether s is one of the three swap-related states.
func (s State) IsSwap() bool { return s == Swapped || s == SwapOut || s == SwapIn }

const (
	bitValid       = uint64(1) << 0
	bitSharedArea  = uint64(1) << 4
	shiftState     = 1
	maskState      = uint64(0x7)
	shiftPin       = 5
	maskPin        = uint64(0xffff)
	shiftIndex     = 21
	maskIndex      = uint64(1)<<28 - 1
	// MaxPinCount is the saturating ceiling for the pin counter. Per
	// spec.md §9's open question, this module resolves "what happens on
	// overflow" the way the original vmkernel does: the pin becomes
	// permanently sticky rather than failing the caller. See
	// DESIGN.md for the rationale.
	MaxPinCount = uint16(maskPin)
)

// PFrame is the bit-packed per-PPN record described by spec.md §3.2.
type PFrame struct {
	bits uint64
}

// Valid reports the frame's valid bit.
func (f *PFrame) Valid() bool { return f.bits&bitValid != 0 }

// SetValid sets or clears the valid bit.
func (f *PFrame) SetValid(v bool) {
	if v {
		f.bits |= bitValid
	} else {
		f.bits &^= bitValid
	}
}

// State returns the frame's current state.
func (f *PFrame) State() State { return State((f.bits >> shiftState) & maskState) }

// SetState sets the frame's state without touching any other field.
func (f *PFrame) SetState(s State) {
	f.bits = f.bits&^(maskState<<shiftState) | (uint64(s)&maskState)<<shiftState
}

// SharedArea reports whether this frame points at an externally-owned
// MPN that this directory must never free.
func (f *PFrame) SharedArea() bool { return f.bits&bitSharedArea != 0 }

// SetSharedArea sets or clears the sharedArea flag.
func (f *PFrame) SetSharedArea(v bool) {
	if v {
		f.bits |= bitSharedArea
	} else {
		f.bits &^= bitSharedArea
	}
}

// PinCount returns the frame's current pin count.
func (f *PFrame) PinCount() uint16 { return uint16((f.bits >> shiftPin) & maskPin) }

func (f *PFrame) setPinCount(v uint16) {
	f.bits = f.bits&^(maskPin<<shiftPin) | (uint64(v)&maskPin)<<shiftPin
}

// IncPin increments the pin count, saturating (sticky) at MaxPinCount
// rather than erroring. See the MaxPinCount doc comment.
func (f *PFrame) IncPin() {
	c := f.PinCount()
	if c < MaxPinCount {
		f.setPinCount(c + 1)
	}
}

// DecPin decrements the pin count. It is a no-op once the count has
// saturated at MaxPinCount (the pin is sticky) and a no-op at zero.
func (f *PFrame) DecPin() {
	c := f.PinCount()
	if c == 0 || c == MaxPinCount {
		return
	}
	f.setPinCount(c - 1)
}

// Pinned reports whether the frame's pin count is nonzero; per
// spec.md §3.2, a pinned page refuses balloon/share/remap/swap-out.
func (f *PFrame) Pinned() bool { return f.PinCount() > 0 }

// Index returns the raw 28-bit index field (an MPN or a SlotRef
// depending on State()).
func (f *PFrame) Index() uint32 { return uint32((f.bits >> shiftIndex) & maskIndex) }

// SetIndex sets the raw index field.
func (f *PFrame) SetIndex(idx uint32) {
	f.bits = f.bits&^(maskIndex<<shiftIndex) | (uint64(idx)&maskIndex)<<shiftIndex
}

// MPN interprets Index() as a machine page number.
func (f *PFrame) MPN() gpmm.MPN { return gpmm.MPN(f.Index()) }

// SetMPN sets the index field from an MPN.
func (f *PFrame) SetMPN(mpn gpmm.MPN) { f.SetIndex(uint32(mpn)) }

// SlotRef interprets Index() as a SlotRef.
func (f *PFrame) SlotRef() gpmm.SlotRef { return gpmm.SlotRef(f.Index()) }

// SetSlotRef sets the index field from a SlotRef.
func (f *PFrame) SetSlotRef(s gpmm.SlotRef) { f.SetIndex(uint32(s)) }

// Reset clears the frame to its zero value (invalid, REGULAR, no pin,
// index 0), per AllocPFrameReset in the teacher's grounding source.
func (f *PFrame) Reset() { f.bits = 0 }

// SetRegular transitions f to a valid REGULAR frame pointing at mpn,
// preserving the pin count (a pinned page may legitimately pass through
// REGULAR, e.g. when a swap write is aborted).
func (f *PFrame) SetRegular(mpn gpmm.MPN) {
	pin := f.PinCount()
	shared := f.SharedArea()
	f.bits = 0
	f.SetState(Regular)
	f.SetValid(true)
	f.SetMPN(mpn)
	f.setPinCount(pin)
	f.SetSharedArea(shared)
}

func (f *PFrame) String() string {
	return fmt.Sprintf("PFrame{valid=%v state=%s pin=%d shared=%v index=0x%x}",
		f.Valid(), f.State(), f.PinCount(), f.SharedArea(), f.Index())
}
