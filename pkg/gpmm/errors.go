package gpmm

import "fmt"

// Kind enumerates the error categories a resolver/COW/swap operation can
// surface, per spec.md §7.
type Kind int

const (
	// KindNoMem: page allocation failed.
	KindNoMem Kind = iota
	// KindNotEnoughSlots: swap is full.
	KindNotEnoughSlots
	// KindWouldBlock: a non-blocking caller hit a blocking condition.
	KindWouldBlock
	// KindBusy: operation denied due to transient state (checkpoint
	// window, pinned, in-flight swap I/O, fast-path cache hit).
	KindBusy
	// KindShared: remap refused because the page is COW.
	KindShared
	// KindNotShared: unshare called on a non-COW page; expected race,
	// caller should retry.
	KindNotShared
	// KindBadParam: invalid PPN/BPN/argument.
	KindBadParam
	// KindFatal: an invariant was violated; the owning VM must be torn
	// down. The host itself survives.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNoMem:
		return "no-mem"
	case KindNotEnoughSlots:
		return "not-enough-slots"
	case KindWouldBlock:
		return "would-block"
	case KindBusy:
		return "busy"
	case KindShared:
		return "shared"
	case KindNotShared:
		return "not-shared"
	case KindBadParam:
		return "bad-param"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Err is the error type returned by every exported operation in this
// module. It always carries a Kind and, for KindFatal, the VM that must
// be torn down.
type Err struct {
	K      Kind
	VM     VMID
	hasVM  bool
	Cause  error
	Detail string
}

func (e *Err) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("gpmm: %s: %s", e.K, e.Detail)
	}
	if e.Cause != nil {
		return fmt.Sprintf("gpmm: %s: %v", e.K, e.Cause)
	}
	return fmt.Sprintf("gpmm: %s", e.K)
}

func (e *Err) Unwrap() error { return e.Cause }

// Is reports whether err is a *Err of kind k, so callers can write
// `errors.Is(err, gpmm.NoMem())`-style checks against sentinels, or more
// commonly switch on gpmm.KindOf(err).
func (e *Err) Is(target error) bool {
	o, ok := target.(*Err)
	return ok && o.K == e.K
}

// New constructs an *Err of the given kind with a formatted detail.
func New(k Kind, format string, args ...any) *Err {
	return &Err{K: k, Detail: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Err of the given kind wrapping cause.
func Wrap(k Kind, cause error) *Err {
	return &Err{K: k, Cause: cause}
}

// Fatal constructs a KindFatal error naming the VM that must be torn
// down, per spec.md §7 ("escalate to VM-fatal only on detected
// state-machine corruption").
func Fatal(vm VMID, format string, args ...any) *Err {
	return &Err{K: KindFatal, VM: vm, hasVM: true, Detail: fmt.Sprintf(format, args...)}
}

// VMOf returns the VM a fatal error names and whether one was set.
func (e *Err) VMOf() (VMID, bool) { return e.VM, e.hasVM }

// KindOf extracts the Kind from err, defaulting to KindFatal for errors
// this package did not produce (an un-typed error reaching a resolver
// boundary is itself an invariant violation).
func KindOf(err error) Kind {
	if err == nil {
		return -1
	}
	if e, ok := err.(*Err); ok {
		return e.K
	}
	return KindFatal
}

// WouldBlock is the sentinel would-block error.
func WouldBlock() *Err { return &Err{K: KindWouldBlock} }

// Busy is the sentinel busy error with a reason.
func Busy(reason string) *Err { return &Err{K: KindBusy, Detail: reason} }

// NoMem is the sentinel allocation-failure error.
func NoMem() *Err { return &Err{K: KindNoMem} }

// BadParam is the sentinel invalid-argument error.
func BadParam(what string) *Err { return &Err{K: KindBadParam, Detail: what} }
