//go:build darwin && amd64

package hypervisor

/*
#cgo LDFLAGS: -framework Hypervisor
#include <Hypervisor/hv.h>
#include <Hypervisor/hv_vmx.h>
#include <stdlib.h>

static hv_return_t vmm_vm_create(void) {
	return hv_vm_create(HV_VM_DEFAULT);
}

static hv_return_t vmm_vm_map(void *addr, hv_gpaddr_t gpa, size_t size, hv_memory_flags_t flags) {
	return hv_vm_map(addr, gpa, size, flags);
}

static hv_return_t vmm_vm_unmap(hv_gpaddr_t gpa, size_t size) {
	return hv_vm_unmap(gpa, size);
}

static hv_return_t vmm_vcpu_create(hv_vcpuid_t *vcpu, hv_vcpu_options_t flags) {
	return hv_vcpu_create(vcpu, flags);
}

static hv_return_t vmm_vcpu_destroy(hv_vcpuid_t vcpu) {
	return hv_vcpu_destroy(vcpu);
}

static hv_return_t vmm_vcpu_run(hv_vcpuid_t vcpu) {
	return hv_vcpu_run(vcpu);
}

static hv_return_t vmm_read_reg(hv_vcpuid_t vcpu, hv_x86_reg_t reg, uint64_t *val) {
	return hv_vcpu_read_register(vcpu, reg, val);
}

static hv_return_t vmm_write_reg(hv_vcpuid_t vcpu, hv_x86_reg_t reg, uint64_t val) {
	return hv_vcpu_write_register(vcpu, reg, val);
}

static hv_return_t vmm_read_vmcs(hv_vcpuid_t vcpu, uint32_t field, uint64_t *val) {
	return hv_vmx_vcpu_read_vmcs(vcpu, field, val);
}

static hv_return_t vmm_write_vmcs(hv_vcpuid_t vcpu, uint32_t field, uint64_t val) {
	return hv_vmx_vcpu_write_vmcs(vcpu, field, val);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

type hvfX86Backend struct {
	mu sync.Mutex
}

func newHVFX86Backend() (Backend, error) {
	return &hvfX86Backend{}, nil
}

func (h *hvfX86Backend) Name() string                        { return "hvf-x86_64" }
func (h *hvfX86Backend) RequiresSameThreadVCPUCreation() bool { return true }

func (h *hvfX86Backend) Init() error { return nil }
func (h *hvfX86Backend) Cleanup()    {}

type hvfX86VM struct{}

func (v *hvfX86VM) FD() (int, bool) { return 0, false }

func (h *hvfX86Backend) CreateVM() (VM, error) {
	if ret := C.vmm_vm_create(); ret != C.HV_SUCCESS {
		return nil, newErr(ErrBackendCall, "hv_vm_create", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	return &hvfX86VM{}, nil
}

func (h *hvfX86Backend) DestroyVM(VM) error {
	if ret := C.hv_vm_destroy(); ret != C.HV_SUCCESS {
		return newErr(ErrBackendCall, "hv_vm_destroy", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	return nil
}

func (h *hvfX86Backend) VMFD(VM) (int, bool) { return 0, false }

type hvfX86VCPU struct {
	id    C.hv_vcpuid_t
	index int
}

func (v *hvfX86VCPU) Index() int { return v.index }

func (h *hvfX86Backend) CreateVCPU(vm VM, index int) (VCPU, error) {
	var id C.hv_vcpuid_t
	if ret := C.vmm_vcpu_create(&id, C.HV_VCPU_DEFAULT); ret != C.HV_SUCCESS {
		return nil, newErr(ErrBackendCall, "hv_vcpu_create", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	return &hvfX86VCPU{id: id, index: index}, nil
}

func (h *hvfX86Backend) DestroyVCPU(vcpu VCPU) error {
	v := vcpu.(*hvfX86VCPU)
	if ret := C.vmm_vcpu_destroy(v.id); ret != C.HV_SUCCESS {
		return newErr(ErrBackendCall, "hv_vcpu_destroy", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	return nil
}

func (h *hvfX86Backend) MapMem(vm VM, slot MemSlot) error {
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
	ret := C.vmm_vm_map(unsafe.Pointer(slot.HVA), C.hv_gpaddr_t(slot.GPA), C.size_t(slot.Size), flags)
	if ret != C.HV_SUCCESS {
		return newErr(ErrBackendCall, "hv_vm_map", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	return nil
}

func (h *hvfX86Backend) UnmapMem(vm VM, slotID uint32) error {
	// Slot-to-GPA/size mapping lives in the memory manager, mirroring
	// the ARM64 backend's UnmapMem: this backend holds no slot table.
	return nil
}

func (h *hvfX86Backend) Run(vcpu VCPU) (bool, error) {
	v := vcpu.(*hvfX86VCPU)
	if ret := C.vmm_vcpu_run(v.id); ret != C.HV_SUCCESS {
		return false, newErr(ErrBackendCall, "hv_vcpu_run", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	return false, nil
}

func (h *hvfX86Backend) GetExit(vcpu VCPU, exit *Exit) error {
	v := vcpu.(*hvfX86VCPU)
	var reason C.uint64_t
	if ret := C.vmm_read_vmcs(v.id, C.VMCS_RO_EXIT_REASON, &reason); ret != C.HV_SUCCESS {
		return newErr(ErrBackendCall, "hv_vmx_vcpu_read_vmcs(EXIT_REASON)", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	switch uint64(reason) & 0xffff {
	case C.VMX_REASON_HLT:
		exit.Reason = ExitHLT
	case C.VMX_REASON_IO:
		exit.Reason = ExitIO
	case C.VMX_REASON_EPT_VIOLATION:
		exit.Reason = ExitMMIO
	case C.VMX_REASON_EXC_NMI:
		exit.Reason = ExitException
	case C.VMX_REASON_TRIPLE_FAULT:
		exit.Reason = ExitShutdown
	default:
		exit.Reason = ExitUnknown
	}
	return nil
}

var x86GPRegs = [...]C.hv_x86_reg_t{
	C.HV_X86_RAX, C.HV_X86_RBX, C.HV_X86_RCX, C.HV_X86_RDX,
	C.HV_X86_RSI, C.HV_X86_RDI, C.HV_X86_RSP, C.HV_X86_RBP,
	C.HV_X86_R8, C.HV_X86_R9, C.HV_X86_R10, C.HV_X86_R11,
	C.HV_X86_R12, C.HV_X86_R13, C.HV_X86_R14, C.HV_X86_R15,
}

func (h *hvfX86Backend) GetRegs(vcpu VCPU) (*Regs, error) {
	v := vcpu.(*hvfX86VCPU)
	var out Regs
	vals := []*uint64{&out.RAX, &out.RBX, &out.RCX, &out.RDX, &out.RSI, &out.RDI, &out.RSP, &out.RBP,
		&out.R8, &out.R9, &out.R10, &out.R11, &out.R12, &out.R13, &out.R14, &out.R15}
	for i, reg := range x86GPRegs {
		var val C.uint64_t
		if ret := C.vmm_read_reg(v.id, reg, &val); ret != C.HV_SUCCESS {
			return nil, newErr(ErrBackendCall, "hv_vcpu_read_register", fmt.Errorf("hv_return_t=%d", int(ret)))
		}
		*vals[i] = uint64(val)
	}
	var rip, rflags C.uint64_t
	if ret := C.vmm_read_reg(v.id, C.HV_X86_RIP, &rip); ret != C.HV_SUCCESS {
		return nil, newErr(ErrBackendCall, "hv_vcpu_read_register(RIP)", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	if ret := C.vmm_read_reg(v.id, C.HV_X86_RFLAGS, &rflags); ret != C.HV_SUCCESS {
		return nil, newErr(ErrBackendCall, "hv_vcpu_read_register(RFLAGS)", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	out.RIP, out.RFLAGS = uint64(rip), uint64(rflags)
	return &out, nil
}

func (h *hvfX86Backend) SetRegs(vcpu VCPU, regs *Regs) error {
	v := vcpu.(*hvfX86VCPU)
	vals := []uint64{regs.RAX, regs.RBX, regs.RCX, regs.RDX, regs.RSI, regs.RDI, regs.RSP, regs.RBP,
		regs.R8, regs.R9, regs.R10, regs.R11, regs.R12, regs.R13, regs.R14, regs.R15}
	for i, reg := range x86GPRegs {
		if ret := C.vmm_write_reg(v.id, reg, C.uint64_t(vals[i])); ret != C.HV_SUCCESS {
			return newErr(ErrBackendCall, "hv_vcpu_write_register", fmt.Errorf("hv_return_t=%d", int(ret)))
		}
	}
	if ret := C.vmm_write_reg(v.id, C.HV_X86_RIP, C.uint64_t(regs.RIP)); ret != C.HV_SUCCESS {
		return newErr(ErrBackendCall, "hv_vcpu_write_register(RIP)", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	if ret := C.vmm_write_reg(v.id, C.HV_X86_RFLAGS, C.uint64_t(regs.RFLAGS)); ret != C.HV_SUCCESS {
		return newErr(ErrBackendCall, "hv_vcpu_write_register(RFLAGS)", fmt.Errorf("hv_return_t=%d", int(ret)))
	}
	return nil
}

func segToVMCS(vcpu C.hv_vcpuid_t, sel, base, limit, access C.uint32_t, s Segment) error {
	if ret := C.vmm_write_vmcs(vcpu, sel, C.uint64_t(s.Selector)); ret != C.HV_SUCCESS {
		return fmt.Errorf("hv_return_t=%d", int(ret))
	}
	if ret := C.vmm_write_vmcs(vcpu, base, C.uint64_t(s.Base)); ret != C.HV_SUCCESS {
		return fmt.Errorf("hv_return_t=%d", int(ret))
	}
	if ret := C.vmm_write_vmcs(vcpu, limit, C.uint64_t(s.Limit)); ret != C.HV_SUCCESS {
		return fmt.Errorf("hv_return_t=%d", int(ret))
	}
	return nil
}

// GetSregs/SetSregs cover CR0/CR2/CR3/CR4; EFER is neither read nor
// written. SetSregs additionally writes the selector, base and limit of
// CS, DS and SS (not their access rights, and not ES/FS/GS); GetSregs
// returns every segment field zeroed.
func (h *hvfX86Backend) GetSregs(vcpu VCPU) (*Sregs, error) {
	v := vcpu.(*hvfX86VCPU)
	var out Sregs
	fields := []struct {
		field C.hv_x86_reg_t
		dst   *uint64
	}{
		{C.HV_X86_CR0, &out.CR0}, {C.HV_X86_CR2, &out.CR2},
		{C.HV_X86_CR3, &out.CR3}, {C.HV_X86_CR4, &out.CR4},
	}
	for _, f := range fields {
		var val C.uint64_t
		if ret := C.vmm_read_reg(v.id, f.field, &val); ret != C.HV_SUCCESS {
			return nil, newErr(ErrBackendCall, "hv_vcpu_read_register(cr)", fmt.Errorf("hv_return_t=%d", int(ret)))
		}
		*f.dst = uint64(val)
	}
	return &out, nil
}

func (h *hvfX86Backend) SetSregs(vcpu VCPU, sregs *Sregs) error {
	v := vcpu.(*hvfX86VCPU)
	fields := []struct {
		field C.hv_x86_reg_t
		val   uint64
	}{
		{C.HV_X86_CR0, sregs.CR0}, {C.HV_X86_CR2, sregs.CR2},
		{C.HV_X86_CR3, sregs.CR3}, {C.HV_X86_CR4, sregs.CR4},
	}
	for _, f := range fields {
		if ret := C.vmm_write_reg(v.id, f.field, C.uint64_t(f.val)); ret != C.HV_SUCCESS {
			return newErr(ErrBackendCall, "hv_vcpu_write_register(cr)", fmt.Errorf("hv_return_t=%d", int(ret)))
		}
	}
	if err := segToVMCS(v.id, C.VMCS_GUEST_CS, C.VMCS_GUEST_CS_BASE, C.VMCS_GUEST_CS_LIMIT, C.VMCS_GUEST_CS_AR, sregs.CS); err != nil {
		return newErr(ErrBackendCall, "write CS vmcs", err)
	}
	if err := segToVMCS(v.id, C.VMCS_GUEST_DS, C.VMCS_GUEST_DS_BASE, C.VMCS_GUEST_DS_LIMIT, C.VMCS_GUEST_DS_AR, sregs.DS); err != nil {
		return newErr(ErrBackendCall, "write DS vmcs", err)
	}
	if err := segToVMCS(v.id, C.VMCS_GUEST_SS, C.VMCS_GUEST_SS_BASE, C.VMCS_GUEST_SS_LIMIT, C.VMCS_GUEST_SS_AR, sregs.SS); err != nil {
		return newErr(ErrBackendCall, "write SS vmcs", err)
	}
	return nil
}

// IRQLine has no exposed hv_vmx primitive at this abstraction level on
// x86_64 either; left as a documented no-op, same as the ARM64 backend.
func (h *hvfX86Backend) IRQLine(vm VM, irq int, level bool) error { return nil }

// VCPUExit: the x86 API has no hv_vcpus_exit equivalent (that call is
// ARM64-only in Hypervisor.framework). Documented no-op: a blocked Run
// returns only at the guest's next exit.
func (h *hvfX86Backend) VCPUExit(vcpu VCPU) error { return nil }
