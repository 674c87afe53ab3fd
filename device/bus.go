// Package device implements the MMIO device bus: an ordered list of
// devices each owning a non-overlapping guest-physical address range,
// dispatched by linear range lookup on every guest MMIO access.
package device

import (
	"fmt"
	"log"
)

// MMIODevice is implemented by anything addressable on the MMIO bus.
type MMIODevice interface {
	// Name identifies the device for logging.
	Name() string

	// ReadAt/WriteAt service an access at offset bytes into the
	// device's own region (gpa - gpa_start), not the raw GPA.
	ReadAt(offset uint64, data []byte) error
	WriteAt(offset uint64, data []byte) error

	// Destroy releases any resources (open fds, etc) held by the device.
	Destroy()
}

// IRQLiner is satisfied by whatever asserts/deasserts a device's IRQ
// line on the backend; the VM container supplies this so devices never
// need to know which hypervisor backend is in use.
type IRQLiner interface {
	IRQLine(irq int, level bool) error
}

// entry binds one device to its fixed MMIO range and IRQ line.
type entry struct {
	dev      MMIODevice
	gpaStart uint64
	gpaEnd   uint64 // exclusive
	irq      int
}

// MaxDevices is the hard cap on registered MMIO devices, matching the
// original core's fixed-size device table.
const MaxDevices = 16

// ErrKind distinguishes the device-bus error categories from spec §7.
type ErrKind int

const (
	ErrNone ErrKind = iota
	ErrDeviceTableFull
	ErrOverlap
	ErrUnmappedAccess
)

// Error wraps a device-bus failure with its category.
type Error struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("device: %s", e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind ErrKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Bus is the ordered list of MMIO devices for one VM.
type Bus struct {
	irqLiner IRQLiner
	entries  []entry
	logger   *log.Logger
}

// NewBus returns an empty bus. Devices assert/deassert IRQs through
// irqLiner, which the VM container binds to its selected backend.
func NewBus(irqLiner IRQLiner, logger *log.Logger) *Bus {
	return &Bus{irqLiner: irqLiner, logger: logger}
}

// Register adds dev at [gpaStart, gpaStart+size) on irq. Registration
// order becomes lookup order, same as the original's linked-list
// device table (device_register appends, device_find_at_gpa walks
// front-to-back).
func (b *Bus) Register(dev MMIODevice, gpaStart, size uint64, irq int) error {
	if len(b.entries) >= MaxDevices {
		return newErr(ErrDeviceTableFull, "register "+dev.Name(), fmt.Errorf("at capacity (%d)", MaxDevices))
	}
	gpaEnd := gpaStart + size
	for _, e := range b.entries {
		if gpaStart < e.gpaEnd && e.gpaStart < gpaEnd {
			return newErr(ErrOverlap, "register "+dev.Name(),
				fmt.Errorf("[%#x,%#x) overlaps %s at [%#x,%#x)", gpaStart, gpaEnd, e.dev.Name(), e.gpaStart, e.gpaEnd))
		}
	}
	b.entries = append(b.entries, entry{dev: dev, gpaStart: gpaStart, gpaEnd: gpaEnd, irq: irq})
	if b.logger != nil {
		b.logger.Printf("registered %s at [%#x,%#x) irq=%d", dev.Name(), gpaStart, gpaEnd, irq)
	}
	return nil
}

// Unregister removes dev from the bus and calls its Destroy.
func (b *Bus) Unregister(dev MMIODevice) {
	for i, e := range b.entries {
		if e.dev == dev {
			e.dev.Destroy()
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// findAt returns the entry whose range contains gpa, or nil.
func (b *Bus) findAt(gpa uint64) *entry {
	for i := range b.entries {
		e := &b.entries[i]
		if gpa >= e.gpaStart && gpa < e.gpaEnd {
			return e
		}
	}
	return nil
}

// HandleMMIO dispatches one MMIO exit to the device owning gpa. An
// access to an unmapped address is logged and treated as reads-as-zero
// / writes-discarded rather than a fatal error, matching how the
// original's caller (the vCPU dispatch loop) tolerates guest probing of
// unimplemented ranges.
func (b *Bus) HandleMMIO(gpa uint64, write bool, data []byte) error {
	e := b.findAt(gpa)
	if e == nil {
		if b.logger != nil {
			b.logger.Printf("unmapped mmio access at %#x (write=%v size=%d)", gpa, write, len(data))
		}
		if !write {
			for i := range data {
				data[i] = 0
			}
		}
		return newErr(ErrUnmappedAccess, "handle mmio", fmt.Errorf("no device at %#x", gpa))
	}
	offset := gpa - e.gpaStart
	if write {
		return e.dev.WriteAt(offset, data)
	}
	return e.dev.ReadAt(offset, data)
}

// AssertIRQ raises dev's configured interrupt line through the bus's
// IRQLiner, the MMIO-bus equivalent of the original's
// device_assert_irq/eventfd signal.
func (b *Bus) AssertIRQ(dev MMIODevice) error {
	e := b.findDev(dev)
	if e == nil {
		return newErr(ErrUnmappedAccess, "assert irq", fmt.Errorf("device not registered"))
	}
	return b.irqLiner.IRQLine(e.irq, true)
}

// DeassertIRQ lowers dev's interrupt line.
func (b *Bus) DeassertIRQ(dev MMIODevice) error {
	e := b.findDev(dev)
	if e == nil {
		return newErr(ErrUnmappedAccess, "deassert irq", fmt.Errorf("device not registered"))
	}
	return b.irqLiner.IRQLine(e.irq, false)
}

func (b *Bus) findDev(dev MMIODevice) *entry {
	for i := range b.entries {
		if b.entries[i].dev == dev {
			return &b.entries[i]
		}
	}
	return nil
}

// Devices returns the registered devices in registration order, used
// by the VM container when tearing down or introspecting state.
func (b *Bus) Devices() []MMIODevice {
	out := make([]MMIODevice, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.dev
	}
	return out
}
