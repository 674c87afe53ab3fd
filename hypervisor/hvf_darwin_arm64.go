//go:build darwin && arm64

package hypervisor

/*
#cgo LDFLAGS: -framework Hypervisor
#include <Hypervisor/Hypervisor.h>
#include <stdlib.h>
#include <string.h>

static hv_return_t vmm_vm_create(void) {
	return hv_vm_create(NULL);
}

static hv_return_t vmm_vm_map(void *addr, hv_ipa_t ipa, size_t size, hv_memory_flags_t flags) {
	return hv_vm_map(addr, ipa, size, flags);
}

static hv_return_t vmm_vm_unmap(hv_ipa_t ipa, size_t size) {
	return hv_vm_unmap(ipa, size);
}

static hv_return_t vmm_vcpu_create(hv_vcpu_t *vcpu, hv_vcpu_exit_t **exit) {
	return hv_vcpu_create(vcpu, exit, NULL);
}

static hv_return_t vmm_vcpu_destroy(hv_vcpu_t vcpu) {
	return hv_vcpu_destroy(vcpu);
}

static hv_return_t vmm_vcpu_run(hv_vcpu_t vcpu) {
	return hv_vcpu_run(vcpu);
}

static hv_return_t vmm_vcpu_get_reg(hv_vcpu_t vcpu, hv_reg_t reg, uint64_t *val) {
	return hv_vcpu_get_reg(vcpu, reg, val);
}

static hv_return_t vmm_vcpu_set_reg(hv_vcpu_t vcpu, hv_reg_t reg, uint64_t val) {
	return hv_vcpu_set_reg(vcpu, reg, val);
}

static hv_return_t vmm_vcpus_exit(hv_vcpu_t *vcpus, unsigned int count) {
	return hv_vcpus_exit(vcpus, count);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

// ARM general registers used by this core: X0-X15, mapped onto the
// shared x86-flavored Regs record's RAX..R15 slots; PC and CPSR go to
// RIP/RFLAGS, per the "reuse RIP for PC" convention documented on
// hypervisor.Regs. X16-X30 are not read or written.
var armGPRegs = [...]C.hv_reg_t{
	C.HV_REG_X0, C.HV_REG_X1, C.HV_REG_X2, C.HV_REG_X3,
	C.HV_REG_X4, C.HV_REG_X5, C.HV_REG_X6, C.HV_REG_X7,
	C.HV_REG_X8, C.HV_REG_X9, C.HV_REG_X10, C.HV_REG_X11,
	C.HV_REG_X12, C.HV_REG_X13, C.HV_REG_X14, C.HV_REG_X15,
}

type hvfARMBackend struct {
	mu sync.Mutex
}

func newHVFARMBackend() (Backend, error) {
	return &hvfARMBackend{}, nil
}

func (h *hvfARMBackend) Name() string                        { return "hvf-arm64" }
func (h *hvfARMBackend) RequiresSameThreadVCPUCreation() bool { return true }

func (h *hvfARMBackend) Init() error    { return nil }
func (h *hvfARMBackend) Cleanup()       {}

type hvfARMVM struct{}

func (v *hvfARMVM) FD() (int, bool) { return 0, false }

func (h *hvfARMBackend) CreateVM() (VM, error) {
	if ret := C.vmm_vm_create(); ret != C.HV_SUCCESS {
		return nil, newErr(ErrBackendCall, "hv_vm_create", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	return &hvfARMVM{}, nil
}

func (h *hvfARMBackend) DestroyVM(VM) error {
	if ret := C.hv_vm_destroy(); ret != C.HV_SUCCESS {
		return newErr(ErrBackendCall, "hv_vm_destroy", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	return nil
}

func (h *hvfARMBackend) VMFD(VM) (int, bool) { return 0, false }

type hvfARMVCPU struct {
	handle C.hv_vcpu_t
	exit   *C.hv_vcpu_exit_t
	index  int
}

func (v *hvfARMVCPU) Index() int { return v.index }

func (h *hvfARMBackend) CreateVCPU(vm VM, index int) (VCPU, error) {
	var handle C.hv_vcpu_t
	var exit *C.hv_vcpu_exit_t
	if ret := C.vmm_vcpu_create(&handle, &exit); ret != C.HV_SUCCESS {
		return nil, newErr(ErrBackendCall, "hv_vcpu_create", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	return &hvfARMVCPU{handle: handle, exit: exit, index: index}, nil
}

func (h *hvfARMBackend) DestroyVCPU(vcpu VCPU) error {
	v := vcpu.(*hvfARMVCPU)
	if ret := C.vmm_vcpu_destroy(v.handle); ret != C.HV_SUCCESS {
		return newErr(ErrBackendCall, "hv_vcpu_destroy", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	return nil
}

func (h *hvfARMBackend) MapMem(vm VM, slot MemSlot) error {
	var flags C.hv_memory_flags_t
	if slot.Flags&MemReadable != 0 {
		flags |= C.HV_MEMORY_READ
	}
	if slot.Flags&MemWritable != 0 {
		flags |= C.HV_MEMORY_WRITE
	}
	if slot.Flags&MemExecutable != 0 {
		flags |= C.HV_MEMORY_EXEC
	}
	ret := C.vmm_vm_map(unsafe.Pointer(slot.HVA), C.hv_ipa_t(slot.GPA), C.size_t(slot.Size), flags)
	if ret != C.HV_SUCCESS {
		return newErr(ErrBackendCall, "hv_vm_map", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	return nil
}

func (h *hvfARMBackend) UnmapMem(vm VM, slotID uint32) error {
	// HVF addresses unmap by IPA range, not by slot id, and this backend
	// stores no slot table to recover the range from: the call is a
	// no-op and the mapping stays in place until the VM is destroyed.
	return nil
}

func (h *hvfARMBackend) Run(vcpu VCPU) (bool, error) {
	v := vcpu.(*hvfARMVCPU)
	if ret := C.vmm_vcpu_run(v.handle); ret != C.HV_SUCCESS {
		return false, newErr(ErrBackendCall, "hv_vcpu_run", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	return false, nil
}

func (h *hvfARMBackend) GetExit(vcpu VCPU, exit *Exit) error {
	v := vcpu.(*hvfARMVCPU)
	switch v.exit.reason {
	case C.HV_EXIT_REASON_CANCELED:
		exit.Reason = ExitCanceled
	case C.HV_EXIT_REASON_EXCEPTION:
		exit.Reason = ExitARMException
	case C.HV_EXIT_REASON_VTIMER_ACTIVATED:
		exit.Reason = ExitVTimer
	case C.HV_EXIT_REASON_UNKNOWN:
		exit.Reason = ExitUnknown
	default:
		exit.Reason = ExitUnknown
	}
	return nil
}

func (h *hvfARMBackend) GetRegs(vcpu VCPU) (*Regs, error) {
	v := vcpu.(*hvfARMVCPU)
	var out Regs
	vals := []*uint64{&out.RAX, &out.RBX, &out.RCX, &out.RDX, &out.RSI, &out.RDI, &out.RSP, &out.RBP,
		&out.R8, &out.R9, &out.R10, &out.R11, &out.R12, &out.R13, &out.R14, &out.R15}
	for i, reg := range armGPRegs {
		var val C.uint64_t
		if ret := C.vmm_vcpu_get_reg(v.handle, reg, &val); ret != C.HV_SUCCESS {
			return nil, newErr(ErrBackendCall, "hv_vcpu_get_reg", fmt.Errorf("hv_return_t=%d", int(ret)))
		}
		*vals[i] = uint64(val)
	}
	var pc C.uint64_t
	if ret := C.vmm_vcpu_get_reg(v.handle, C.HV_REG_PC, &pc); ret != C.HV_SUCCESS {
		return nil, newErr(ErrBackendCall, "hv_vcpu_get_reg(PC)", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	out.RIP = uint64(pc)
	var cpsr C.uint64_t
	if ret := C.vmm_vcpu_get_reg(v.handle, C.HV_REG_CPSR, &cpsr); ret != C.HV_SUCCESS {
		return nil, newErr(ErrBackendCall, "hv_vcpu_get_reg(CPSR)", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	out.RFLAGS = uint64(cpsr)
	return &out, nil
}

func (h *hvfARMBackend) SetRegs(vcpu VCPU, regs *Regs) error {
	v := vcpu.(*hvfARMVCPU)
	vals := []uint64{regs.RAX, regs.RBX, regs.RCX, regs.RDX, regs.RSI, regs.RDI, regs.RSP, regs.RBP,
		regs.R8, regs.R9, regs.R10, regs.R11, regs.R12, regs.R13, regs.R14, regs.R15}
	for i, reg := range armGPRegs {
		if ret := C.vmm_vcpu_set_reg(v.handle, reg, C.uint64_t(vals[i])); ret != C.HV_SUCCESS {
			return newErr(ErrBackendCall, "hv_vcpu_set_reg", fmt.Errorf("hv_return_t=%d", int(ret)))
		}
	}
	if ret := C.vmm_vcpu_set_reg(v.handle, C.HV_REG_PC, C.uint64_t(regs.RIP)); ret != C.HV_SUCCESS {
		return newErr(ErrBackendCall, "hv_vcpu_set_reg(PC)", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	if ret := C.vmm_vcpu_set_reg(v.handle, C.HV_REG_CPSR, C.uint64_t(regs.RFLAGS)); ret != C.HV_SUCCESS {
		return newErr(ErrBackendCall, "hv_vcpu_set_reg(CPSR)", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	return nil
}

// GetSregs/SetSregs are no-ops on this ARM backend: there is no segment
// model. Callers only touch Sregs on x86-flavored backends.
func (h *hvfARMBackend) GetSregs(vcpu VCPU) (*Sregs, error) { return &Sregs{}, nil }
func (h *hvfARMBackend) SetSregs(vcpu VCPU, sregs *Sregs) error { return nil }

// IRQLine has no direct HVF ARM equivalent at this level; the
// non-goal interrupt controller would be the caller of such a
// primitive, so this is a documented no-op.
func (h *hvfARMBackend) IRQLine(vm VM, irq int, level bool) error { return nil }

func (h *hvfARMBackend) VCPUExit(vcpu VCPU) error {
	v := vcpu.(*hvfARMVCPU)
	handle := v.handle
	if ret := C.vmm_vcpus_exit(&handle, 1); ret != C.HV_SUCCESS {
		return newErr(ErrBackendCall, "hv_vcpus_exit", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	return nil
}
