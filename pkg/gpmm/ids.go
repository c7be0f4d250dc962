// Package gpmm holds the identifiers and error type shared by every
// guest-physical-memory-manager subpackage: PPN/MPN/BPN/SlotRef and the
// error kinds a resolver call can return.
package gpmm

import "fmt"

// PPN is a guest-physical page number. It is only meaningful relative to
// a particular VM.
type PPN uint64

// MPN is a host machine page number. It is global across the whole host.
type MPN uint64

// InvalidMPN is the sentinel returned in place of a real MPN on error
// paths that still need to return a value (mirrors the teacher's use of
// a reserved zero/invalid address rather than a pointer).
const InvalidMPN MPN = ^MPN(0)

// InvalidPPN is the sentinel PPN used for "no page" / guard entries.
const InvalidPPN PPN = ^PPN(0)

// BPN is an opaque guest-bus page number. Main-memory BPNs map 1:1 to
// PPNs; BPNs outside main memory (e.g. framebuffer regions) do not and
// are handled by collaborators outside this module.
type BPN uint64

// reservedFileCheckpoint and reservedFileRemote are the two SlotRef file
// indices that do not name a real swapfile.File: they instead mean
// "this slot's content will be demand-loaded from the checkpoint file"
// and "this slot's content must be fetched via the migration interface",
// respectively. See spec.md §3.1 and §6.
const (
	reservedFileCheckpoint = 14
	reservedFileRemote     = 15
)

// SlotRef is a compound {fileIndex:4, slotNumber:24} identifying a
// page-sized region of a swap file, packed into 32 bits.
type SlotRef uint32

// MakeSlotRef packs a file index (0..15) and slot number (0..2^24-1)
// into a SlotRef.
func MakeSlotRef(fileIndex uint8, slotNumber uint32) SlotRef {
	if fileIndex > 0xf {
		panic("gpmm: slot file index out of range")
	}
	if slotNumber > 0xffffff {
		panic("gpmm: slot number out of range")
	}
	return SlotRef(uint32(fileIndex)<<24 | slotNumber)
}

// FileIndex returns the 4-bit file index component.
func (s SlotRef) FileIndex() uint8 { return uint8(s >> 24 & 0xf) }

// SlotNumber returns the 24-bit slot number component.
func (s SlotRef) SlotNumber() uint32 { return uint32(s) & 0xffffff }

// IsCheckpointFile reports whether s names the reserved checkpoint-file
// slot space rather than a real swap file.
func (s SlotRef) IsCheckpointFile() bool { return s.FileIndex() == reservedFileCheckpoint }

// IsRemoteMigration reports whether s names the reserved
// remote-migration-source slot space.
func (s SlotRef) IsRemoteMigration() bool { return s.FileIndex() == reservedFileRemote }

func (s SlotRef) String() string {
	switch {
	case s.IsCheckpointFile():
		return fmt.Sprintf("slot(checkpoint:%d)", s.SlotNumber())
	case s.IsRemoteMigration():
		return fmt.Sprintf("slot(remote:%d)", s.SlotNumber())
	default:
		return fmt.Sprintf("slot(%d:%d)", s.FileIndex(), s.SlotNumber())
	}
}

// VMID identifies a virtual machine within the host. It is opaque to
// this package; callers typically use a small monotonically increasing
// integer or the scheduler's own world/VM identifier.
type VMID uint32

// PageSize is the fixed page size this module operates on (spec.md
// §4.3: "4 KiB page slots"). The hash function over page content is
// explicitly a Non-goal (spec.md §1); the page size it operates over is
// not, and is fixed at the conventional x86 page size.
const PageSize = 4096
