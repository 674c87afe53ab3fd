//go:build linux

package hypervisor

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"
)

// KVM ioctl numbers, following Linux's _IO/_IOR/_IOW encoding
// (<linux/kvm.h>). These are the real, stable values KVM has shipped
// since its upstream merge, unlike the teacher's placeholder encodings.
const (
	kvmIoctlBase = 0xAE

	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmCreateVCPU          = 0xAE41
	kvmRunIoctl            = 0xAE80
	kvmGetVCPUMmapSize     = 0xAE04
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmIRQLine             = 0x4008AE61
	kvmInterrupt           = 0x4004AE86
)

// KVM exit reasons (<linux/kvm.h> enum kvm_exit_reason), the real
// numbering rather than the teacher's partial placeholder list.
const (
	kvmExitUnknown    = 0
	kvmExitException  = 1
	kvmExitIO         = 2
	kvmExitHypercall  = 3
	kvmExitDebug      = 4
	kvmExitHLT        = 5
	kvmExitMMIO       = 6
	kvmExitIRQWindow  = 7
	kvmExitShutdown   = 8
	kvmExitFailEntry  = 9
	kvmExitIntr       = 10
	kvmExitSetTPR     = 11
	kvmExitTPRAccess  = 12
	kvmExitInternal   = 17
	kvmExitSystemEvent = 24
)

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type kvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

type kvmSegment struct {
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
	Unusable uint8
	_        uint8
}

type kvmSregs struct {
	CS, DS, ES, FS, GS, SS, TR, LDT kvmSegment
	GDT, IDT                       struct {
		Base  uint64
		Limit uint16
		_     [3]uint16
	}
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	ApicBase                uint64
	InterruptBitmap         [4]uint64
}

// kvmRun mirrors enough of the kernel's mmap'd struct kvm_run to decode
// the exits this core handles. The Union field holds whichever payload
// the ExitReason selects (kvm_io, kvm_mmio, ...); callers reinterpret it
// via unsafe.Pointer the way the teacher's vcpu.go does for KVM_EXIT_IO
// and KVM_EXIT_MMIO.
type kvmRun struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]uint8
	ExitReason             uint32
	ReadyForInterruptInj   uint8
	IfFlag                 uint8
	_                      [2]uint8
	CR8                    uint64
	ApicBase               uint64
	Union                  [256]byte
}

type kvmIO struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

type kvmMMIO struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
	_        [3]byte
}

type kvmInterruptReq struct {
	IRQ uint32
}

type kvmIRQLevel struct {
	IRQ   uint32
	Level uint32
}

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

type kvmBackend struct {
	mu    sync.Mutex
	kvmFD int
}

func newKVMBackend() (Backend, error) {
	return &kvmBackend{}, nil
}

func (k *kvmBackend) Name() string                            { return "kvm" }
func (k *kvmBackend) RequiresSameThreadVCPUCreation() bool     { return false }

func (k *kvmBackend) Init() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.kvmFD != 0 {
		return nil
	}
	fd, err := syscall.Open("/dev/kvm", syscall.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open /dev/kvm: %w", err)
	}
	k.kvmFD = fd
	return nil
}

func (k *kvmBackend) Cleanup() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.kvmFD != 0 {
		syscall.Close(k.kvmFD)
		k.kvmFD = 0
	}
}

type kvmVM struct {
	fd int
}

func (v *kvmVM) FD() (int, bool) { return v.fd, true }

func (k *kvmBackend) CreateVM() (VM, error) {
	fd, err := ioctl(k.kvmFD, kvmCreateVM, 0)
	if err != nil {
		return nil, newErr(ErrBackendCall, "KVM_CREATE_VM", err)
	}
	return &kvmVM{fd: int(fd)}, nil
}

func (k *kvmBackend) DestroyVM(vm VM) error {
	return syscall.Close(vm.(*kvmVM).fd)
}

func (k *kvmBackend) VMFD(vm VM) (int, bool) { return vm.(*kvmVM).fd, true }

type kvmVCPU struct {
	fd       int
	index    int
	run      *kvmRun
	runBytes []byte
}

func (v *kvmVCPU) Index() int { return v.index }

func (k *kvmBackend) CreateVCPU(vm VM, index int) (VCPU, error) {
	vmfd := vm.(*kvmVM).fd
	fd, err := ioctl(vmfd, kvmCreateVCPU, uintptr(index))
	if err != nil {
		return nil, newErr(ErrBackendCall, "KVM_CREATE_VCPU", err)
	}

	size, err := ioctl(k.kvmFD, kvmGetVCPUMmapSize, 0)
	if err != nil {
		syscall.Close(int(fd))
		return nil, newErr(ErrBackendCall, "KVM_GET_VCPU_MMAP_SIZE", err)
	}

	mem, err := syscall.Mmap(int(fd), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		syscall.Close(int(fd))
		return nil, fmt.Errorf("mmap kvm_run: %w", err)
	}

	return &kvmVCPU{
		fd:       int(fd),
		index:    index,
		run:      (*kvmRun)(unsafe.Pointer(&mem[0])),
		runBytes: mem,
	}, nil
}

func (k *kvmBackend) DestroyVCPU(vcpu VCPU) error {
	v := vcpu.(*kvmVCPU)
	if v.runBytes != nil {
		syscall.Munmap(v.runBytes)
	}
	return syscall.Close(v.fd)
}

func (k *kvmBackend) MapMem(vm VM, slot MemSlot) error {
	vmfd := vm.(*kvmVM).fd
	region := kvmUserspaceMemoryRegion{
		Slot:          slot.SlotID,
		GuestPhysAddr: slot.GPA,
		MemorySize:    slot.Size,
		UserspaceAddr: uint64(slot.HVA),
	}
	_, err := ioctl(vmfd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	if err != nil {
		return newErr(ErrBackendCall, "KVM_SET_USER_MEMORY_REGION", err)
	}
	return nil
}

func (k *kvmBackend) UnmapMem(vm VM, slotID uint32) error {
	vmfd := vm.(*kvmVM).fd
	region := kvmUserspaceMemoryRegion{Slot: slotID, MemorySize: 0}
	_, err := ioctl(vmfd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	if err != nil {
		return newErr(ErrBackendCall, "KVM_SET_USER_MEMORY_REGION(unmap)", err)
	}
	return nil
}

func (k *kvmBackend) Run(vcpu VCPU) (bool, error) {
	v := vcpu.(*kvmVCPU)
	_, err := ioctl(v.fd, kvmRunIoctl, 0)
	if err == syscall.EINTR {
		return true, nil
	}
	if err != nil {
		return false, newErr(ErrBackendCall, "KVM_RUN", err)
	}
	return false, nil
}

func (k *kvmBackend) GetExit(vcpu VCPU, exit *Exit) error {
	v := vcpu.(*kvmVCPU)
	switch v.run.ExitReason {
	case kvmExitHLT:
		exit.Reason = ExitHLT
	case kvmExitIO:
		io := (*kvmIO)(unsafe.Pointer(&v.run.Union[0]))
		base := uintptr(unsafe.Pointer(v.run))
		data := unsafe.Slice((*byte)(unsafe.Pointer(base+uintptr(io.DataOffset))), int(io.Size))
		exit.Reason = ExitIO
		exit.IOPort = io.Port
		exit.IOSize = io.Size
		exit.IODirection = IODirection(io.Direction)
		exit.IOData = data
	case kvmExitMMIO:
		mmio := (*kvmMMIO)(unsafe.Pointer(&v.run.Union[0]))
		exit.Reason = ExitMMIO
		exit.MMIOAddr = mmio.PhysAddr
		exit.MMIOSize = uint8(mmio.Len)
		exit.MMIOWrite = mmio.IsWrite == 1
		exit.MMIOData = mmio.Data[:mmio.Len]
	case kvmExitShutdown:
		exit.Reason = ExitShutdown
	case kvmExitSystemEvent:
		exit.Reason = ExitSystemEvent
	case kvmExitFailEntry:
		exit.Reason = ExitFailEntry
		// fail_entry.hardware_entry_failure_reason
		exit.HWErrorCode = *(*uint64)(unsafe.Pointer(&v.run.Union[0]))
	case kvmExitInternal:
		exit.Reason = ExitInternalError
		// internal.suberror
		exit.HWErrorCode = uint64(*(*uint32)(unsafe.Pointer(&v.run.Union[0])))
	case kvmExitException:
		exit.Reason = ExitException
		// ex.error_code
		exit.HWErrorCode = uint64(*(*uint32)(unsafe.Pointer(&v.run.Union[4])))
	case kvmExitIRQWindow:
		exit.Reason = ExitIRQWindowOpen
	case kvmExitIntr:
		exit.Reason = ExitExternal
	case kvmExitSetTPR, kvmExitTPRAccess:
		exit.Reason = ExitIRQWindowOpen
	default:
		exit.Reason = ExitUnknown
	}
	return nil
}

func (k *kvmBackend) GetRegs(vcpu VCPU) (*Regs, error) {
	v := vcpu.(*kvmVCPU)
	var r kvmRegs
	if _, err := ioctl(v.fd, kvmGetRegs, uintptr(unsafe.Pointer(&r))); err != nil {
		return nil, newErr(ErrBackendCall, "KVM_GET_REGS", err)
	}
	return &Regs{
		RAX: r.RAX, RBX: r.RBX, RCX: r.RCX, RDX: r.RDX,
		RSI: r.RSI, RDI: r.RDI, RSP: r.RSP, RBP: r.RBP,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		RIP: r.RIP, RFLAGS: r.RFLAGS,
	}, nil
}

func (k *kvmBackend) SetRegs(vcpu VCPU, regs *Regs) error {
	v := vcpu.(*kvmVCPU)
	r := kvmRegs{
		RAX: regs.RAX, RBX: regs.RBX, RCX: regs.RCX, RDX: regs.RDX,
		RSI: regs.RSI, RDI: regs.RDI, RSP: regs.RSP, RBP: regs.RBP,
		R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
		R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,
		RIP: regs.RIP, RFLAGS: regs.RFLAGS,
	}
	if _, err := ioctl(v.fd, kvmSetRegs, uintptr(unsafe.Pointer(&r))); err != nil {
		return newErr(ErrBackendCall, "KVM_SET_REGS", err)
	}
	return nil
}

func toKVMSegment(s Segment) kvmSegment {
	return kvmSegment{
		Base: s.Base, Limit: s.Limit, Selector: s.Selector,
		Type: s.Type, Present: s.Present, DPL: s.DPL,
		DB: s.DB, S: s.S, L: s.L, G: s.G, AVL: s.AVL,
	}
}

func fromKVMSegment(s kvmSegment) Segment {
	return Segment{
		Base: s.Base, Limit: s.Limit, Selector: s.Selector,
		Type: s.Type, Present: s.Present, DPL: s.DPL,
		DB: s.DB, S: s.S, L: s.L, G: s.G, AVL: s.AVL,
	}
}

func (k *kvmBackend) GetSregs(vcpu VCPU) (*Sregs, error) {
	v := vcpu.(*kvmVCPU)
	var s kvmSregs
	if _, err := ioctl(v.fd, kvmGetSregs, uintptr(unsafe.Pointer(&s))); err != nil {
		return nil, newErr(ErrBackendCall, "KVM_GET_SREGS", err)
	}
	return &Sregs{
		CS: fromKVMSegment(s.CS), DS: fromKVMSegment(s.DS), ES: fromKVMSegment(s.ES),
		FS: fromKVMSegment(s.FS), GS: fromKVMSegment(s.GS), SS: fromKVMSegment(s.SS),
		CR0: s.CR0, CR2: s.CR2, CR3: s.CR3, CR4: s.CR4, EFER: s.EFER,
	}, nil
}

func (k *kvmBackend) SetSregs(vcpu VCPU, sregs *Sregs) error {
	v := vcpu.(*kvmVCPU)
	var s kvmSregs
	if _, err := ioctl(v.fd, kvmGetSregs, uintptr(unsafe.Pointer(&s))); err != nil {
		return newErr(ErrBackendCall, "KVM_GET_SREGS", err)
	}
	s.CS, s.DS, s.ES = toKVMSegment(sregs.CS), toKVMSegment(sregs.DS), toKVMSegment(sregs.ES)
	s.FS, s.GS, s.SS = toKVMSegment(sregs.FS), toKVMSegment(sregs.GS), toKVMSegment(sregs.SS)
	s.CR0, s.CR2, s.CR3, s.CR4, s.EFER = sregs.CR0, sregs.CR2, sregs.CR3, sregs.CR4, sregs.EFER
	if _, err := ioctl(v.fd, kvmSetSregs, uintptr(unsafe.Pointer(&s))); err != nil {
		return newErr(ErrBackendCall, "KVM_SET_SREGS", err)
	}
	return nil
}

func (k *kvmBackend) IRQLine(vm VM, irq int, level bool) error {
	vmfd := vm.(*kvmVM).fd
	lvl := kvmIRQLevel{IRQ: uint32(irq)}
	if level {
		lvl.Level = 1
	}
	if _, err := ioctl(vmfd, kvmIRQLine, uintptr(unsafe.Pointer(&lvl))); err != nil {
		return newErr(ErrBackendCall, "KVM_IRQ_LINE", err)
	}
	return nil
}

// VCPUExit has no KVM primitive and is a documented no-op here. The
// runner sends no signal either, so a blocked KVM_RUN returns only at
// the guest's next exit, after which the worker observes should-stop.
func (k *kvmBackend) VCPUExit(vcpu VCPU) error { return nil }
