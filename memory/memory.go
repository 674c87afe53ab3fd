// Package memory manages a VM's guest-physical address space: a fixed
// table of host-backed slots and the GPA<->HVA translation and
// bounds-checked copy helpers built on top of it.
package memory

import (
	"encoding/binary"
	"fmt"
	"syscall"
	"unsafe"

	"github.com/lastweek/vibe-vmm/hypervisor"
)

// MaxSlots is the hard cap on the number of memory regions a VM can
// register, matching the original core's fixed-size slot table.
const MaxSlots = 32

const pageSize = 4096

// ErrKind distinguishes the memory-manager error categories from spec §7.
type ErrKind int

const (
	ErrNone ErrKind = iota
	ErrSlotTableFull
	ErrOverlap
	ErrUnaligned
	ErrOutOfRange
	ErrCrossSlot
)

// Error wraps a memory-manager failure with its category.
type Error struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("memory: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("memory: %s", e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind ErrKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Region permission flags, matching include/mm.h's MM_FLAG_* bits.
const (
	FlagReadable  uint64 = 1 << 0
	FlagWritable  uint64 = 1 << 1
	FlagExecutable uint64 = 1 << 2
)

// Slot is one registered guest memory region.
type Slot struct {
	GPA    uint64
	HVA    uintptr
	Size   uint64
	SlotID uint32
	Flags  uint64

	bytes []byte // backing storage when allocated by AllocGuestMem
}

// Manager owns the slot table for one VM's guest-physical address
// space and mirrors every change into the selected Backend via
// MapMem/UnmapMem so the two stay consistent.
type Manager struct {
	backend  hypervisor.Backend
	vm       hypervisor.VM
	slots    []Slot
	nextSlot uint32
}

// New returns a Manager bound to vm's slot table on backend.
func New(backend hypervisor.Backend, vm hypervisor.VM) *Manager {
	return &Manager{backend: backend, vm: vm}
}

// AllocGuestMem anonymously mmaps size bytes of guest RAM as a
// private, anonymous, read-write mapping (MAP_NORESERVE is not set).
func AllocGuestMem(size uint64) ([]byte, error) {
	mem, err := syscall.Mmap(-1, 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_PRIVATE|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}
	return mem, nil
}

// AddSlot registers a new memory region backed by hostMem at guest
// physical address gpa, rounding gpa down to the page boundary before
// registration. len(hostMem) must be page-aligned and the rounded
// range must not overlap any existing slot.
func (m *Manager) AddSlot(gpa uint64, hostMem []byte, flags uint64) (*Slot, error) {
	gpa -= gpa % pageSize
	size := uint64(len(hostMem))
	if size%pageSize != 0 {
		return nil, newErr(ErrUnaligned, "add slot", fmt.Errorf("size=%#x not page-aligned", size))
	}
	if len(m.slots) >= MaxSlots {
		return nil, newErr(ErrSlotTableFull, "add slot", fmt.Errorf("at capacity (%d)", MaxSlots))
	}
	for _, s := range m.slots {
		if rangesOverlap(gpa, size, s.GPA, s.Size) {
			return nil, newErr(ErrOverlap, "add slot", fmt.Errorf("[%#x,%#x) overlaps existing slot [%#x,%#x)", gpa, gpa+size, s.GPA, s.GPA+s.Size))
		}
	}

	slotID := m.nextSlot
	m.nextSlot++

	var hva uintptr
	if size > 0 {
		hva = uintptr(unsafe.Pointer(&hostMem[0]))
	}

	mslot := hypervisor.MemSlot{
		SlotID: slotID,
		GPA:    gpa,
		Size:   size,
		HVA:    hva,
		Flags:  hvFlags(flags),
	}
	if err := m.backend.MapMem(m.vm, mslot); err != nil {
		return nil, fmt.Errorf("memory: map slot %d: %w", slotID, err)
	}

	slot := Slot{GPA: gpa, HVA: hva, Size: size, SlotID: slotID, Flags: flags, bytes: hostMem}
	m.slots = append(m.slots, slot)
	return &m.slots[len(m.slots)-1], nil
}

func hvFlags(f uint64) uint32 {
	var out uint32
	if f&FlagReadable != 0 {
		out |= hypervisor.MemReadable
	}
	if f&FlagWritable != 0 {
		out |= hypervisor.MemWritable
	}
	if f&FlagExecutable != 0 {
		out |= hypervisor.MemExecutable
	}
	return out
}

func rangesOverlap(aStart, aSize, bStart, bSize uint64) bool {
	aEnd, bEnd := aStart+aSize, bStart+bSize
	return aStart < bEnd && bStart < aEnd
}

// RemoveSlot unmaps and forgets a previously added slot.
func (m *Manager) RemoveSlot(slotID uint32) error {
	for i, s := range m.slots {
		if s.SlotID == slotID {
			if err := m.backend.UnmapMem(m.vm, slotID); err != nil {
				return fmt.Errorf("memory: unmap slot %d: %w", slotID, err)
			}
			m.slots = append(m.slots[:i], m.slots[i+1:]...)
			return nil
		}
	}
	return newErr(ErrOutOfRange, "remove slot", fmt.Errorf("slot %d not found", slotID))
}

// findSlot returns the slot containing gpa, or nil.
func (m *Manager) findSlot(gpa uint64) *Slot {
	for i := range m.slots {
		s := &m.slots[i]
		if gpa >= s.GPA && gpa < s.GPA+s.Size {
			return s
		}
	}
	return nil
}

// GPAToHVA translates a guest physical address to the corresponding
// host virtual address, requiring the full [gpa, gpa+size) range to
// fit within a single slot — this core never satisfies a request that
// spans two regions.
func (m *Manager) GPAToHVA(gpa, size uint64) (uintptr, error) {
	s := m.findSlot(gpa)
	if s == nil {
		return 0, newErr(ErrOutOfRange, "gpa to hva", fmt.Errorf("gpa %#x not mapped", gpa))
	}
	if gpa+size > s.GPA+s.Size {
		return 0, newErr(ErrCrossSlot, "gpa to hva", fmt.Errorf("range [%#x,%#x) crosses slot boundary at %#x", gpa, gpa+size, s.GPA+s.Size))
	}
	return s.HVA + uintptr(gpa-s.GPA), nil
}

// Bytes returns a byte slice aliasing guest memory [gpa, gpa+size),
// bounds-checked the same way GPAToHVA is.
func (m *Manager) Bytes(gpa, size uint64) ([]byte, error) {
	s := m.findSlot(gpa)
	if s == nil {
		return nil, newErr(ErrOutOfRange, "bytes", fmt.Errorf("gpa %#x not mapped", gpa))
	}
	if gpa+size > s.GPA+s.Size {
		return nil, newErr(ErrCrossSlot, "bytes", fmt.Errorf("range [%#x,%#x) crosses slot boundary at %#x", gpa, gpa+size, s.GPA+s.Size))
	}
	off := gpa - s.GPA
	return s.bytes[off : off+size], nil
}

// WriteGPA copies data into guest memory starting at gpa.
func (m *Manager) WriteGPA(gpa uint64, data []byte) error {
	dst, err := m.Bytes(gpa, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// ReadGPA copies len(data) bytes of guest memory starting at gpa into data.
func (m *Manager) ReadGPA(gpa uint64, data []byte) error {
	src, err := m.Bytes(gpa, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(data, src)
	return nil
}

// Write8/16/32/64 and Read8/16/32/64 mirror include/mm.h's fixed-width
// accessor helpers used throughout boot setup and MMIO emulation.

func (m *Manager) Write8(gpa uint64, v uint8) error { return m.WriteGPA(gpa, []byte{v}) }
func (m *Manager) Write16(gpa uint64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return m.WriteGPA(gpa, b[:])
}
func (m *Manager) Write32(gpa uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.WriteGPA(gpa, b[:])
}
func (m *Manager) Write64(gpa uint64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.WriteGPA(gpa, b[:])
}

func (m *Manager) Read8(gpa uint64) (uint8, error) {
	var b [1]byte
	if err := m.ReadGPA(gpa, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
func (m *Manager) Read16(gpa uint64) (uint16, error) {
	var b [2]byte
	if err := m.ReadGPA(gpa, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}
func (m *Manager) Read32(gpa uint64) (uint32, error) {
	var b [4]byte
	if err := m.ReadGPA(gpa, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
func (m *Manager) Read64(gpa uint64) (uint64, error) {
	var b [8]byte
	if err := m.ReadGPA(gpa, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Slots returns a read-only snapshot of the current slot table, used
// by the VM container when freezing state for introspection.
func (m *Manager) Slots() []Slot {
	out := make([]Slot, len(m.slots))
	copy(out, m.slots)
	return out
}
