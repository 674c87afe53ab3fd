package virtio

import (
	"encoding/binary"
	"testing"

	"github.com/lastweek/vibe-vmm/hypervisor"
	"github.com/lastweek/vibe-vmm/memory"
)

// fakeBackend is the same minimal no-op Backend used across this
// module's package tests, repeated here since internal (white-box)
// tests in this package can't import the memory package's test file.
type fakeBackend struct{}

func (fakeBackend) Name() string                        { return "fake" }
func (fakeBackend) RequiresSameThreadVCPUCreation() bool { return false }
func (fakeBackend) Init() error                          { return nil }
func (fakeBackend) Cleanup()                             {}
func (fakeBackend) CreateVM() (hypervisor.VM, error)      { return fakeVM{}, nil }
func (fakeBackend) DestroyVM(hypervisor.VM) error         { return nil }
func (fakeBackend) VMFD(hypervisor.VM) (int, bool)        { return 0, false }
func (fakeBackend) CreateVCPU(hypervisor.VM, int) (hypervisor.VCPU, error) {
	return nil, nil
}
func (fakeBackend) DestroyVCPU(hypervisor.VCPU) error           { return nil }
func (fakeBackend) MapMem(hypervisor.VM, hypervisor.MemSlot) error { return nil }
func (fakeBackend) UnmapMem(hypervisor.VM, uint32) error        { return nil }
func (fakeBackend) Run(hypervisor.VCPU) (bool, error)           { return false, nil }
func (fakeBackend) GetExit(hypervisor.VCPU, *hypervisor.Exit) error { return nil }
func (fakeBackend) GetRegs(hypervisor.VCPU) (*hypervisor.Regs, error) {
	return &hypervisor.Regs{}, nil
}
func (fakeBackend) SetRegs(hypervisor.VCPU, *hypervisor.Regs) error { return nil }
func (fakeBackend) GetSregs(hypervisor.VCPU) (*hypervisor.Sregs, error) {
	return &hypervisor.Sregs{}, nil
}
func (fakeBackend) SetSregs(hypervisor.VCPU, *hypervisor.Sregs) error { return nil }
func (fakeBackend) IRQLine(hypervisor.VM, int, bool) error            { return nil }
func (fakeBackend) VCPUExit(hypervisor.VCPU) error                    { return nil }

type fakeVM struct{}

func (fakeVM) FD() (int, bool) { return 0, false }

const (
	testDescGPA  = 0x0000
	testAvailGPA = 0x1000
	testUsedGPA  = 0x2000
	testBufGPA   = 0x0800
)

// newTestQueue builds a ready queue backed by a 3-page memory manager
// with the descriptor table, avail ring, used ring, and scratch buffers
// laid out at fixed offsets far enough apart not to collide.
func newTestQueue(t *testing.T) (*Queue, *memory.Manager) {
	t.Helper()
	mm := memory.New(fakeBackend{}, fakeVM{})
	if _, err := mm.AddSlot(0, make([]byte, 3*4096), memory.FlagReadable|memory.FlagWritable); err != nil {
		t.Fatalf("add slot: %v", err)
	}
	q := newQueue(0, mm)
	if err := q.setReady(testDescGPA, testAvailGPA, testUsedGPA); err != nil {
		t.Fatalf("set ready: %v", err)
	}
	q.ready = true
	return q, mm
}

func writeDesc(t *testing.T, mm *memory.Manager, index uint16, addr uint64, length uint32, flags, next uint16) {
	t.Helper()
	var buf [descSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	if err := mm.WriteGPA(testDescGPA+uint64(index)*descSize, buf[:]); err != nil {
		t.Fatalf("write desc %d: %v", index, err)
	}
}

func postAvail(t *testing.T, mm *memory.Manager, slot int, headID uint16, idx uint16) {
	t.Helper()
	if err := mm.Write16(testAvailGPA+4+uint64(slot)*2, headID); err != nil {
		t.Fatalf("write avail ring: %v", err)
	}
	if err := mm.Write16(testAvailGPA+2, idx); err != nil {
		t.Fatalf("write avail idx: %v", err)
	}
}

func TestQueuePopPushRoundTrip(t *testing.T) {
	q, mm := newTestQueue(t)

	if err := mm.WriteGPA(testBufGPA, []byte("hello")); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	writeDesc(t, mm, 0, testBufGPA, 5, 0, 0)
	postAvail(t, mm, 0, 0, 1)

	chain, err := q.Pop()
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if chain == nil {
		t.Fatal("expected a chain, got nil")
	}
	if len(chain.Descs) != 1 {
		t.Fatalf("len(Descs) = %d, want 1", len(chain.Descs))
	}
	buf, err := q.ReadDesc(chain.Descs[0])
	if err != nil {
		t.Fatalf("read desc: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("payload = %q, want %q", buf, "hello")
	}

	// A second Pop before another avail post returns nothing new.
	if again, err := q.Pop(); err != nil || again != nil {
		t.Fatalf("second pop = (%v, %v), want (nil, nil)", again, err)
	}

	if err := q.Push(chain.HeadID, 5); err != nil {
		t.Fatalf("push: %v", err)
	}
	usedIdx, err := q.usedIdx()
	if err != nil {
		t.Fatalf("used idx: %v", err)
	}
	if usedIdx != 1 {
		t.Fatalf("used idx = %d, want 1", usedIdx)
	}
}

func TestQueuePopWalksNextChain(t *testing.T) {
	q, mm := newTestQueue(t)

	if err := mm.WriteGPA(testBufGPA, []byte("AB")); err != nil {
		t.Fatalf("write payload 0: %v", err)
	}
	if err := mm.WriteGPA(testBufGPA+0x100, []byte("CD")); err != nil {
		t.Fatalf("write payload 1: %v", err)
	}
	writeDesc(t, mm, 0, testBufGPA, 2, descFNext, 1)
	writeDesc(t, mm, 1, testBufGPA+0x100, 2, 0, 0)
	postAvail(t, mm, 0, 0, 1)

	chain, err := q.Pop()
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(chain.Descs) != 2 {
		t.Fatalf("len(Descs) = %d, want 2", len(chain.Descs))
	}
	b0, _ := q.ReadDesc(chain.Descs[0])
	b1, _ := q.ReadDesc(chain.Descs[1])
	if string(b0) != "AB" || string(b1) != "CD" {
		t.Fatalf("chain payloads = %q, %q", b0, b1)
	}
}

func TestQueuePopRejectsLoop(t *testing.T) {
	q, mm := newTestQueue(t)

	// Descriptor 0 points to itself via NEXT.
	writeDesc(t, mm, 0, testBufGPA, 1, descFNext, 0)
	postAvail(t, mm, 0, 0, 1)

	if _, err := q.Pop(); err == nil {
		t.Fatal("expected loop detection to fail the pop")
	}
}

func TestQueuePopRejectsOutOfRangeIndex(t *testing.T) {
	q, mm := newTestQueue(t)
	postAvail(t, mm, 0, QueueSize, 1)

	if _, err := q.Pop(); err == nil {
		t.Fatal("expected out-of-range descriptor index to fail the pop")
	}
}

func TestQueuePushOnNotReadyFails(t *testing.T) {
	mm := memory.New(fakeBackend{}, fakeVM{})
	if _, err := mm.AddSlot(0, make([]byte, 4096), memory.FlagReadable|memory.FlagWritable); err != nil {
		t.Fatalf("add slot: %v", err)
	}
	q := newQueue(0, mm)
	if err := q.Push(0, 0); err == nil {
		t.Fatal("expected push on a not-ready queue to fail")
	}
}
