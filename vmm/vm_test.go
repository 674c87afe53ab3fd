package vmm

import (
	"os"
	"sync"
	"testing"

	"github.com/lastweek/vibe-vmm/hypervisor"
)

type fakeVMHandle struct{}

func (fakeVMHandle) FD() (int, bool) { return 0, false }

type fakeVCPUHandle struct{ index int }

func (h *fakeVCPUHandle) Index() int { return h.index }

// scriptedBackend replays a fixed sequence of exits for every vCPU it
// creates, then repeats the final entry — enough to drive a VM through
// a known scenario without a real hypervisor service.
type scriptedBackend struct {
	mu    sync.Mutex
	exits []hypervisor.Exit
	idx   int
}

func (b *scriptedBackend) Name() string                        { return "scripted" }
func (b *scriptedBackend) RequiresSameThreadVCPUCreation() bool { return false }
func (b *scriptedBackend) Init() error                          { return nil }
func (b *scriptedBackend) Cleanup()                             {}
func (b *scriptedBackend) CreateVM() (hypervisor.VM, error)      { return fakeVMHandle{}, nil }
func (b *scriptedBackend) DestroyVM(hypervisor.VM) error         { return nil }
func (b *scriptedBackend) VMFD(hypervisor.VM) (int, bool)        { return 0, false }
func (b *scriptedBackend) CreateVCPU(vm hypervisor.VM, index int) (hypervisor.VCPU, error) {
	return &fakeVCPUHandle{index: index}, nil
}
func (b *scriptedBackend) DestroyVCPU(hypervisor.VCPU) error            { return nil }
func (b *scriptedBackend) MapMem(hypervisor.VM, hypervisor.MemSlot) error { return nil }
func (b *scriptedBackend) UnmapMem(hypervisor.VM, uint32) error          { return nil }
func (b *scriptedBackend) Run(hypervisor.VCPU) (bool, error)             { return false, nil }

func (b *scriptedBackend) GetExit(vcpu hypervisor.VCPU, out *hypervisor.Exit) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.idx
	if i >= len(b.exits) {
		i = len(b.exits) - 1
	}
	*out = b.exits[i]
	if b.idx < len(b.exits) {
		b.idx++
	}
	return nil
}

func (b *scriptedBackend) GetRegs(hypervisor.VCPU) (*hypervisor.Regs, error) {
	return &hypervisor.Regs{}, nil
}
func (b *scriptedBackend) SetRegs(hypervisor.VCPU, *hypervisor.Regs) error { return nil }
func (b *scriptedBackend) GetSregs(hypervisor.VCPU) (*hypervisor.Sregs, error) {
	return &hypervisor.Sregs{}, nil
}
func (b *scriptedBackend) SetSregs(hypervisor.VCPU, *hypervisor.Sregs) error { return nil }
func (b *scriptedBackend) IRQLine(hypervisor.VM, int, bool) error            { return nil }
func (b *scriptedBackend) VCPUExit(hypervisor.VCPU) error                    { return nil }

// TestBootAndHaltScenario drives a single vCPU, no-device VM through a
// HLT-then-shutdown script and asserts scenario 1's observables.
func TestBootAndHaltScenario(t *testing.T) {
	backend := &scriptedBackend{exits: []hypervisor.Exit{
		{Reason: hypervisor.ExitHLT},
		{Reason: hypervisor.ExitShutdown},
	}}
	vm, err := newWithBackend(Config{MemorySize: 64 * 1024 * 1024, NumVCPUs: 1}, backend)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer vm.Close()

	if err := vm.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	vm.Wait()

	stats := vm.Stats()
	if len(stats) != 1 {
		t.Fatalf("len(stats) = %d, want 1", len(stats))
	}
	if stats[0].HaltCount < 1 {
		t.Fatalf("halt count = %d, want >= 1", stats[0].HaltCount)
	}
	if vm.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", vm.State())
	}
}

// TestSerialHelloScenario enables the UART and scripts an IO-exit
// sequence that writes "Hi\n" a byte at a time before halting,
// asserting scenario 2's observables.
func TestSerialHelloScenario(t *testing.T) {
	out, err := os.CreateTemp(t.TempDir(), "console-*.txt")
	if err != nil {
		t.Fatalf("create temp console: %v", err)
	}
	defer out.Close()

	backend := &scriptedBackend{exits: []hypervisor.Exit{
		{Reason: hypervisor.ExitIO, IOPort: 0x3f8, IODirection: hypervisor.IODirectionOut, IOData: []byte{'H'}},
		{Reason: hypervisor.ExitIO, IOPort: 0x3f8, IODirection: hypervisor.IODirectionOut, IOData: []byte{'i'}},
		{Reason: hypervisor.ExitIO, IOPort: 0x3f8, IODirection: hypervisor.IODirectionOut, IOData: []byte{'\n'}},
		{Reason: hypervisor.ExitHLT},
		{Reason: hypervisor.ExitShutdown},
	}}
	vm, err := newWithBackend(Config{
		MemorySize: 64 * 1024 * 1024,
		NumVCPUs:   1,
		EnableUART: true,
		ConsoleOut: out,
	}, backend)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer vm.Close()

	if err := vm.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	vm.Wait()

	stats := vm.Stats()[0]
	if stats.IOCount < 3 {
		t.Fatalf("io count = %d, want >= 3", stats.IOCount)
	}
	if stats.HaltCount < 1 {
		t.Fatalf("halt count = %d, want >= 1", stats.HaltCount)
	}

	content, err := os.ReadFile(out.Name())
	if err != nil {
		t.Fatalf("read console output: %v", err)
	}
	if string(content) != "Hi\n" {
		t.Fatalf("console output = %q, want %q", content, "Hi\n")
	}
}

// TestMMIOToUnmappedAddressIsBenign drives scenario 5: an access to an
// unmapped MMIO address is warned and the VM keeps going.
func TestMMIOToUnmappedAddressIsBenign(t *testing.T) {
	backend := &scriptedBackend{exits: []hypervisor.Exit{
		{Reason: hypervisor.ExitMMIO, MMIOAddr: 0x0F000000, MMIOWrite: false, MMIOData: make([]byte, 4)},
		{Reason: hypervisor.ExitShutdown},
	}}
	vm, err := newWithBackend(Config{MemorySize: 64 * 1024 * 1024, NumVCPUs: 1}, backend)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer vm.Close()

	if err := vm.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	vm.Wait()

	if vm.Stats()[0].MMIOCount != 1 {
		t.Fatalf("mmio count = %d, want 1", vm.Stats()[0].MMIOCount)
	}
	if vm.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", vm.State())
	}
}

func TestNewRejectsTooManyVCPUs(t *testing.T) {
	backend := &scriptedBackend{}
	if _, err := newWithBackend(Config{NumVCPUs: MaxVCPUs + 1}, backend); err == nil {
		t.Fatal("expected vcpu count over the cap to be rejected")
	}
}
