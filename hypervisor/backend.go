// Package hypervisor defines the abstract operations table that every
// concrete host virtualization service (KVM, HVF) implements, plus the
// shared exit/register records the core dispatches on.
package hypervisor

import (
	"errors"
	"fmt"
	"runtime"
)

// Kind enumerates the concrete backends this core knows how to build.
type Kind int

const (
	KindAuto Kind = iota
	KindKVM
	KindHVFX86
	KindHVFARM
)

func (k Kind) String() string {
	switch k {
	case KindAuto:
		return "auto"
	case KindKVM:
		return "kvm"
	case KindHVFX86:
		return "hvf-x86_64"
	case KindHVFARM:
		return "hvf-arm64"
	default:
		return fmt.Sprintf("backend(%d)", int(k))
	}
}

// ErrKind distinguishes the backend-facing error categories from spec §7.
type ErrKind int

const (
	ErrNone ErrKind = iota
	ErrBackendUnavailable
	ErrBackendCall
)

// Error wraps a backend failure with its category.
type Error struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("hypervisor: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind ErrKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// ErrUnavailable is returned by Select when the requested backend does
// not exist on this host.
var ErrUnavailable = errors.New("requested hypervisor backend is unavailable on this host")

// Regs is the shared, x86-flavored general-register record. ARM-style
// backends reuse RIP for PC and ignore the segment-oriented fields in
// Sregs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment mirrors one x86 segment descriptor's expanded (hidden) fields.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
}

// Sregs is the shared special-register record (segment + control
// registers). ARM backends leave the segment fields zeroed.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	CR0, CR2, CR3, CR4     uint64
	EFER                   uint64
}

// MemSlot is what Backend.MapMem registers with the host service.
type MemSlot struct {
	SlotID uint32
	GPA    uint64
	Size   uint64
	HVA    uintptr
	Flags  uint32
}

// Memory slot permission flags, ORed into MemSlot.Flags.
const (
	MemReadable  uint32 = 1 << 0
	MemWritable  uint32 = 1 << 1
	MemExecutable uint32 = 1 << 2
)

// ExitReason normalizes every backend's native exit code into one shared
// enumeration, per spec §3 and §4.1.
type ExitReason int

const (
	ExitUnknown ExitReason = iota
	ExitHLT
	ExitIO
	ExitMMIO
	ExitExternal
	ExitFailEntry
	ExitShutdown
	ExitInternalError
	ExitException
	ExitIRQWindowOpen
	ExitSystemEvent
	ExitCanceled
	ExitVTimer
	ExitARMException
	ExitARMTrap
	ExitARMIRQ
)

func (r ExitReason) String() string {
	switch r {
	case ExitUnknown:
		return "unknown"
	case ExitHLT:
		return "hlt"
	case ExitIO:
		return "io"
	case ExitMMIO:
		return "mmio"
	case ExitExternal:
		return "external"
	case ExitFailEntry:
		return "fail-entry"
	case ExitShutdown:
		return "shutdown"
	case ExitInternalError:
		return "internal-error"
	case ExitException:
		return "exception"
	case ExitIRQWindowOpen:
		return "irq-window-open"
	case ExitSystemEvent:
		return "system-event"
	case ExitCanceled:
		return "canceled"
	case ExitVTimer:
		return "vtimer"
	case ExitARMException:
		return "arm-exception"
	case ExitARMTrap:
		return "arm-trap"
	case ExitARMIRQ:
		return "arm-irq"
	default:
		return fmt.Sprintf("exit(%d)", int(r))
	}
}

// IODirection mirrors KVM_EXIT_IO_IN/OUT.
type IODirection uint8

const (
	IODirectionIn IODirection = iota
	IODirectionOut
)

// Exit is the tagged exit record populated by Backend.GetExit.
type Exit struct {
	Reason ExitReason

	// I/O payload.
	IOPort      uint16
	IOSize      uint8
	IODirection IODirection
	IOData      []byte

	// MMIO payload.
	MMIOAddr  uint64
	MMIOSize  uint8
	MMIOWrite bool
	MMIOData  []byte

	// Populated by the KVM backend on FailEntry/InternalError/Exception;
	// the HVF backends leave it zero.
	HWErrorCode uint64
}

// VM and VCPU are opaque handles owned by a Backend implementation.
type VM interface {
	// FD returns the backend's file descriptor for this VM, or (0,
	// false) for fd-less backends such as HVF.
	FD() (int, bool)
}

type VCPU interface {
	Index() int
}

// Backend is the uniform operations table every concrete host service
// implements. Exactly one Backend is selected for the lifetime of a
// process (spec §4.1, §9 "table-of-function-pointers" rearchitecture
// note): callers obtain it once via Select and pass the handle through
// the VM explicitly, never through global mutable state.
type Backend interface {
	// Name identifies the backend for logging and error messages.
	Name() string

	// RequiresSameThreadVCPUCreation reports whether CreateVCPU must be
	// called on the same OS thread that will subsequently call Run for
	// that vCPU (true for HVF-style backends, false for KVM).
	RequiresSameThreadVCPUCreation() bool

	// Init / Cleanup are process-wide and must be safe to call again
	// after a prior failed Init.
	Init() error
	Cleanup()

	CreateVM() (VM, error)
	DestroyVM(VM) error
	// VMFD returns the backend VM's file descriptor, or ok=false for
	// fd-less backends.
	VMFD(VM) (fd int, ok bool)

	CreateVCPU(vm VM, index int) (VCPU, error)
	DestroyVCPU(VCPU) error

	MapMem(vm VM, slot MemSlot) error
	UnmapMem(vm VM, slotID uint32) error

	// Run blocks until the vCPU exits. signaled is true when the
	// syscall returned early because of a signal (EINTR); in that case
	// the caller must retry Run without treating this as an exit.
	Run(vcpu VCPU) (signaled bool, err error)
	GetExit(vcpu VCPU, exit *Exit) error

	GetRegs(vcpu VCPU) (*Regs, error)
	SetRegs(vcpu VCPU, regs *Regs) error
	GetSregs(vcpu VCPU) (*Sregs, error)
	SetSregs(vcpu VCPU, sregs *Sregs) error

	// IRQLine asserts or deasserts a level-sensitive IRQ line, where the
	// backend supports it; otherwise it is a documented no-op returning
	// nil.
	IRQLine(vm VM, irq int, level bool) error

	// VCPUExit asynchronously forces a blocked Run on another thread to
	// return with ExitCanceled. No-op returning nil on backends lacking
	// the primitive (KVM, HVF x86_64); there a blocked Run returns only
	// at the guest's next exit.
	VCPUExit(vcpu VCPU) error
}

// Select auto-picks a backend per spec §4.1: on Linux, KVM; on Apple
// hosts, the HVF variant matching the host CPU architecture. Any other
// combination — or an explicitly requested backend unavailable on this
// host — is a hard failure, never a silent fallback.
func Select(kind Kind) (Backend, error) {
	if kind == KindAuto {
		kind = autoKind()
	}
	b, err := newBackend(kind)
	if err != nil {
		return nil, newErr(ErrBackendUnavailable, "select "+kind.String(), err)
	}
	if err := b.Init(); err != nil {
		return nil, newErr(ErrBackendUnavailable, "init "+kind.String(), err)
	}
	return b, nil
}

// newBackend constructs (but does not Init) the concrete backend for
// kind. Each case is satisfied by a build-tagged file: the real
// implementation on the host it targets, a stub returning ErrUnavailable
// everywhere else.
func newBackend(kind Kind) (Backend, error) {
	switch kind {
	case KindKVM:
		return newKVMBackend()
	case KindHVFX86:
		return newHVFX86Backend()
	case KindHVFARM:
		return newHVFARMBackend()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, kind)
	}
}

func autoKind() Kind {
	switch runtime.GOOS {
	case "linux":
		return KindKVM
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return KindHVFARM
		}
		return KindHVFX86
	default:
		return KindKVM
	}
}
