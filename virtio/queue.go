package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/lastweek/vibe-vmm/memory"
)

// QueueSize is the fixed ring size this core advertises via
// queue_num_max and enforces on every queue.
const QueueSize = 32

// Descriptor flags, matching include/virtio.h's VRING_DESC_F_*.
const (
	descFNext     uint16 = 1
	descFWrite    uint16 = 2
	descFIndirect uint16 = 4
)

const (
	descSize = 16 // addr(8) + len(4) + flags(2) + next(2)
)

// Desc is one descriptor-table entry, translated out of guest memory.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
	Index uint16
}

// Chain is a fully walked, bounds-validated descriptor chain: every
// Desc in it has already had its [Addr, Addr+Len) range checked
// against the guest memory manager.
type Chain struct {
	HeadID uint16
	Descs  []Desc
}

// Queue is one virtqueue's transport-visible state: its ring addresses
// and the host-side cursors into them. desc/avail/used addresses are
// resolved once on the ready transition and re-validated on every
// access since a malicious or buggy guest can still present ring
// entries pointing outside its memory.
type Queue struct {
	index uint16
	mm    *memory.Manager

	size  uint16
	ready bool

	descGPA, availGPA, usedGPA uint64

	lastAvailIdx uint16
	lastUsedIdx  uint16

	// irq is invoked after every completed Push, the transport's side
	// of virtqueue_push's "signal the device's IRQ line" step. Set by
	// the owning MMIODevice; nil for queues built outside a transport
	// (e.g. in tests).
	irq func() error
}

func newQueue(index uint16, mm *memory.Manager) *Queue {
	return &Queue{index: index, mm: mm, size: QueueSize}
}

// Index returns the queue's slot number (0-7).
func (q *Queue) Index() uint16 { return q.index }

// setReady latches the three ring addresses once the driver has
// finished configuring the queue and flips it ready.
func (q *Queue) setReady(descGPA, availGPA, usedGPA uint64) error {
	if q.size == 0 || q.size > QueueSize {
		return fmt.Errorf("virtqueue %d: invalid size %d", q.index, q.size)
	}
	q.descGPA, q.availGPA, q.usedGPA = descGPA, availGPA, usedGPA
	return nil
}

func (q *Queue) readDesc(index uint16) (Desc, error) {
	off := uint64(index) * descSize
	buf, err := q.mm.Bytes(q.descGPA+off, descSize)
	if err != nil {
		return Desc{}, fmt.Errorf("virtqueue %d: descriptor %d: %w", q.index, index, err)
	}
	return Desc{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
		Index: index,
	}, nil
}

func (q *Queue) availIdx() (uint16, error) {
	buf, err := q.mm.Bytes(q.availGPA+2, 2)
	if err != nil {
		return 0, fmt.Errorf("virtqueue %d: avail.idx: %w", q.index, err)
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (q *Queue) availRingEntry(slot uint16) (uint16, error) {
	off := uint64(4) + uint64(slot)*2 // avail: flags(2) idx(2) ring[size](2 each)
	buf, err := q.mm.Bytes(q.availGPA+off, 2)
	if err != nil {
		return 0, fmt.Errorf("virtqueue %d: avail.ring[%d]: %w", q.index, slot, err)
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// Pop returns the next available descriptor chain, or (nil, nil) if
// the guest has posted nothing new. Every descriptor's address/length
// is bounds-checked via the memory manager before the chain is
// returned; a malformed chain (bad NEXT index, translation failure)
// aborts this pop only and is reported as an error — the queue itself
// is left usable for the next notification.
func (q *Queue) Pop() (*Chain, error) {
	if !q.ready {
		return nil, nil
	}
	idx, err := q.availIdx()
	if err != nil {
		return nil, err
	}
	if idx == q.lastAvailIdx {
		return nil, nil
	}

	slot := q.lastAvailIdx % q.size
	headIdx, err := q.availRingEntry(slot)
	if err != nil {
		return nil, err
	}
	q.lastAvailIdx++

	var chain Chain
	chain.HeadID = headIdx

	next := headIdx
	seen := make(map[uint16]bool, q.size)
	for {
		if next >= q.size {
			return nil, fmt.Errorf("virtqueue %d: descriptor index %d out of range (size %d)", q.index, next, q.size)
		}
		if seen[next] {
			return nil, fmt.Errorf("virtqueue %d: descriptor loop detected at index %d", q.index, next)
		}
		seen[next] = true

		d, err := q.readDesc(next)
		if err != nil {
			return nil, err
		}
		// Validate the descriptor's own buffer is within mapped
		// guest memory before it's ever handed to a personality.
		if d.Len > 0 {
			if _, err := q.mm.Bytes(d.Addr, uint64(d.Len)); err != nil {
				return nil, fmt.Errorf("virtqueue %d: descriptor %d buffer: %w", q.index, next, err)
			}
		}
		chain.Descs = append(chain.Descs, d)

		if d.Flags&descFNext == 0 {
			break
		}
		next = d.Next
	}
	return &chain, nil
}

// ReadDesc returns the bytes backing one descriptor in a popped chain.
func (q *Queue) ReadDesc(d Desc) ([]byte, error) {
	return q.mm.Bytes(d.Addr, uint64(d.Len))
}

// Push writes the (id, len) completion for a chain whose head
// descriptor index is id, advances used.idx, and then signals the
// device's IRQ line, per the release-then-signal ordering in spec
// §4.5/§5.
func (q *Queue) Push(id uint16, writtenLen uint32) error {
	if !q.ready {
		return fmt.Errorf("virtqueue %d: push on not-ready queue", q.index)
	}
	usedIdx, err := q.usedIdx()
	if err != nil {
		return err
	}
	slot := uint64(usedIdx % q.size)
	elemOff := q.usedGPA + 4 + slot*8 // used: flags(2) idx(2) ring[size]{id(4) len(4)}

	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(id))
	binary.LittleEndian.PutUint32(elem[4:8], writtenLen)
	if err := q.mm.WriteGPA(elemOff, elem[:]); err != nil {
		return fmt.Errorf("virtqueue %d: write used element: %w", q.index, err)
	}

	// Payload/used-element writes are visible before the idx store
	// that publishes them (release semantics per spec §5).
	if err := q.mm.Write16(q.usedGPA+2, usedIdx+1); err != nil {
		return fmt.Errorf("virtqueue %d: write used.idx: %w", q.index, err)
	}
	q.lastUsedIdx++

	if q.irq != nil {
		if err := q.irq(); err != nil {
			return fmt.Errorf("virtqueue %d: raise interrupt: %w", q.index, err)
		}
	}
	return nil
}

func (q *Queue) usedIdx() (uint16, error) {
	buf, err := q.mm.Bytes(q.usedGPA+2, 2)
	if err != nil {
		return 0, fmt.Errorf("virtqueue %d: used.idx: %w", q.index, err)
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// Ready reports whether the driver has finished queue negotiation.
func (q *Queue) Ready() bool { return q.ready }
