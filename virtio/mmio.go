// Package virtio implements the legacy-MMIO virtio transport — the
// fixed register interface at offsets 0x000-0x0FF, per-queue virtqueue
// state, and the three device personalities (console, block, net) that
// plug into it.
package virtio

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/lastweek/vibe-vmm/device"
	"github.com/lastweek/vibe-vmm/memory"
)

// DeviceID enumerates the virtio device-id values this core exposes.
type DeviceID uint32

const (
	DeviceIDNet     DeviceID = 1
	DeviceIDBlock   DeviceID = 2
	DeviceIDConsole DeviceID = 3
	DeviceIDEntropy DeviceID = 4
)

// Device status bits, matching include/virtio.h's VIRTIO_CONFIG_S_*.
const (
	StatusAcknowledge uint32 = 1
	StatusDriver      uint32 = 2
	StatusDriverOK    uint32 = 4
	StatusFeaturesOK  uint32 = 8
	StatusFailed      uint32 = 0x80
)

// MMIO register offsets within the legacy transport's first 0x100 bytes.
const (
	regMagic           = 0x000
	regVersion         = 0x004
	regDeviceID        = 0x008
	regVendorID        = 0x00C
	regDeviceFeatures  = 0x010
	regDeviceFeatSel   = 0x014
	regDriverFeatures  = 0x018
	regDriverFeatSel   = 0x01C
	regGuestPageSize   = 0x020
	regQueueSel        = 0x024
	regQueueNumMax     = 0x028
	regQueueNum        = 0x02C
	regQueueReady      = 0x030
	regQueueNotify     = 0x034
	regInterruptStatus = 0x038
	regDeviceStatus    = 0x040

	// Queue address registers. The spec's register table (§4.5) fully
	// occupies 0x000-0x040 and says ready transitions must "resolve
	// desc/avail/used GPAs", but names no address registers — the
	// legacy transport in the original source never actually wires
	// these (virtqueue addresses are set but never consumed there).
	// This core fills the gap the same way the non-legacy MMIO
	// transport in the wider virtio-mmio ecosystem does: one
	// low/high register pair per ring, placed past the named legacy
	// block and before device config so neither overlaps.
	regQueueDescLow  = 0x080
	regQueueDescHigh = 0x084
	regQueueAvailLow  = 0x090
	regQueueAvailHigh = 0x094
	regQueueUsedLow   = 0x0A0
	regQueueUsedHigh  = 0x0A4

	regConfigBase = 0x100
)

const (
	magicValue   uint32 = 0x74726976 // "virt" little-endian
	legacyVersion uint32 = 1
	queueNumMax  uint32 = QueueSize
)

// NumQueues is the fixed queue slot count, matching virtio_dev.queues[8]
// in include/virtio.h.
const NumQueues = 8

// Personality is implemented by each device-specific behavior (console,
// block, net) plugged into the shared MMIO transport.
type Personality interface {
	// QueueNotify is invoked synchronously on the vCPU thread that
	// issued the queue_notify MMIO write.
	QueueNotify(vq *Queue) error

	// ConfigRead/ConfigWrite service offset >= 0x100 accesses.
	ConfigRead(offset uint64, data []byte) error
	ConfigWrite(offset uint64, data []byte) error
}

// MMIODevice is the legacy-virtio transport bound to one personality.
// It implements device.MMIODevice so it can be registered directly on
// the bus.
type MMIODevice struct {
	name   string
	id     DeviceID
	p      Personality
	mm     *memory.Manager
	bus    *device.Bus
	logger *log.Logger

	deviceFeatures uint32
	driverFeatures uint32
	featSel        uint32
	driverFeatSel  uint32
	status         uint32
	queueSel       uint32
	interruptStat  uint32

	queues    [NumQueues]*Queue
	pendingGPA [NumQueues]pendingQueueGPA
}

// pendingQueueGPA accumulates the low/high halves of a queue's three
// ring addresses as the driver writes them, before queue_ready latches
// them into the Queue.
type pendingQueueGPA struct {
	descLow, descHigh   uint32
	availLow, availHigh uint32
	usedLow, usedHigh   uint32
}

func (p pendingQueueGPA) descGPA() uint64  { return uint64(p.descHigh)<<32 | uint64(p.descLow) }
func (p pendingQueueGPA) availGPA() uint64 { return uint64(p.availHigh)<<32 | uint64(p.availLow) }
func (p pendingQueueGPA) usedGPA() uint64  { return uint64(p.usedHigh)<<32 | uint64(p.usedLow) }

// NewMMIODevice builds the transport for one personality. deviceFeatures
// is the feature bitmap the device advertises; the minimum path ignores
// the feature selector and always reports bits 0-31.
func NewMMIODevice(name string, id DeviceID, deviceFeatures uint32, p Personality, mm *memory.Manager, bus *device.Bus, logger *log.Logger) *MMIODevice {
	d := &MMIODevice{name: name, id: id, p: p, mm: mm, bus: bus, logger: logger, deviceFeatures: deviceFeatures}
	for i := range d.queues {
		d.queues[i] = newQueue(uint16(i), mm)
		d.queues[i].irq = d.RaiseInterrupt
	}
	return d
}

func (d *MMIODevice) Name() string { return d.name }

// Queue returns the transport's queue at index, used by personalities
// that need to push completions outside of QueueNotify (e.g. net RX
// polling).
func (d *MMIODevice) Queue(index int) *Queue { return d.queues[index] }

// RaiseInterrupt sets the used-buffer-notification bit and asserts the
// device's IRQ line, the transport's side of virtqueue_push's
// "signal the device's IRQ line" step.
func (d *MMIODevice) RaiseInterrupt() error {
	d.interruptStat |= 1
	return d.bus.AssertIRQ(d)
}

func (d *MMIODevice) ReadAt(offset uint64, data []byte) error {
	if offset >= regConfigBase {
		return d.p.ConfigRead(offset-regConfigBase, data)
	}
	if len(data) != 4 {
		return fmt.Errorf("virtio %s: unsupported read size %d at offset %#x", d.name, len(data), offset)
	}
	var v uint32
	switch offset {
	case regMagic:
		v = magicValue
	case regVersion:
		v = legacyVersion
	case regDeviceID:
		v = uint32(d.id)
	case regVendorID:
		v = 0
	case regDeviceFeatures:
		v = d.deviceFeatures
	case regQueueNumMax:
		v = queueNumMax
	case regQueueReady:
		v = boolToUint32(d.queues[d.queueSel].ready)
	case regInterruptStatus:
		v = d.interruptStat
	case regDeviceStatus:
		v = d.status
	default:
		if d.logger != nil {
			d.logger.Printf("virtio %s: read from write-only/unknown register %#x", d.name, offset)
		}
	}
	binary.LittleEndian.PutUint32(data, v)
	return nil
}

func (d *MMIODevice) WriteAt(offset uint64, data []byte) error {
	if offset >= regConfigBase {
		return d.p.ConfigWrite(offset-regConfigBase, data)
	}
	if len(data) != 4 {
		return fmt.Errorf("virtio %s: unsupported write size %d at offset %#x", d.name, len(data), offset)
	}
	v := binary.LittleEndian.Uint32(data)
	switch offset {
	case regDeviceFeatSel:
		d.featSel = v
	case regDriverFeatures:
		d.driverFeatures = v
	case regDriverFeatSel:
		d.driverFeatSel = v
	case regGuestPageSize:
		// legacy leftover, ignored
	case regQueueSel:
		if int(v) < NumQueues {
			d.queueSel = v
		}
	case regQueueNum:
		d.queues[d.queueSel].size = uint16(v)
	case regQueueDescLow:
		d.pendingGPA[d.queueSel].descLow = v
	case regQueueDescHigh:
		d.pendingGPA[d.queueSel].descHigh = v
	case regQueueAvailLow:
		d.pendingGPA[d.queueSel].availLow = v
	case regQueueAvailHigh:
		d.pendingGPA[d.queueSel].availHigh = v
	case regQueueUsedLow:
		d.pendingGPA[d.queueSel].usedLow = v
	case regQueueUsedHigh:
		d.pendingGPA[d.queueSel].usedHigh = v
	case regQueueReady:
		if v == 1 && !d.queues[d.queueSel].ready {
			p := d.pendingGPA[d.queueSel]
			if err := d.queues[d.queueSel].setReady(p.descGPA(), p.availGPA(), p.usedGPA()); err != nil {
				if d.logger != nil {
					d.logger.Printf("virtio %s: queue %d ready failed: %v", d.name, d.queueSel, err)
				}
				return nil
			}
		}
		d.queues[d.queueSel].ready = v == 1
	case regQueueNotify:
		if int(v) < NumQueues {
			if err := d.p.QueueNotify(d.queues[v]); err != nil && d.logger != nil {
				d.logger.Printf("virtio %s: queue %d notify: %v", d.name, v, err)
			}
		}
	case regInterruptStatus:
		// Write side of the same register the read side reports on:
		// the driver acknowledges and deasserts by writing back the
		// bits it is clearing.
		d.interruptStat &^= v
		return d.bus.DeassertIRQ(d)
	case regDeviceStatus:
		d.status = v
		if v == 0 {
			d.reset()
		}
	default:
		if d.logger != nil {
			d.logger.Printf("virtio %s: write to read-only/unknown register %#x", d.name, offset)
		}
	}
	return nil
}

func (d *MMIODevice) reset() {
	d.driverFeatures = 0
	d.interruptStat = 0
	for _, q := range d.queues {
		q.ready = false
		q.lastAvailIdx = 0
		q.lastUsedIdx = 0
	}
}

func (d *MMIODevice) Destroy() {}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
