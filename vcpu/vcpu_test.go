package vcpu_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/lastweek/vibe-vmm/device"
	"github.com/lastweek/vibe-vmm/hypervisor"
	"github.com/lastweek/vibe-vmm/vcpu"
)

// fakeVCPUHandle is the opaque handle a scriptedBackend hands back.
type fakeVCPUHandle struct{ index int }

func (h *fakeVCPUHandle) Index() int { return h.index }

type fakeVM struct{}

func (fakeVM) FD() (int, bool) { return 0, false }

// scriptedBackend replays a fixed sequence of exits to its vCPU's
// Run/GetExit loop, then repeats the final entry forever — enough to
// drive the dispatch loop through a known scenario without a real
// hypervisor.
type scriptedBackend struct {
	mu      sync.Mutex
	exits   []hypervisor.Exit
	idx     int
	setRegs []hypervisor.Regs
}

func (b *scriptedBackend) Name() string                        { return "scripted" }
func (b *scriptedBackend) RequiresSameThreadVCPUCreation() bool { return false }
func (b *scriptedBackend) Init() error                          { return nil }
func (b *scriptedBackend) Cleanup()                             {}
func (b *scriptedBackend) CreateVM() (hypervisor.VM, error)      { return fakeVM{}, nil }
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
func (b *scriptedBackend) SetRegs(_ hypervisor.VCPU, regs *hypervisor.Regs) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setRegs = append(b.setRegs, *regs)
	return nil
}
func (b *scriptedBackend) GetSregs(hypervisor.VCPU) (*hypervisor.Sregs, error) {
	return &hypervisor.Sregs{}, nil
}
func (b *scriptedBackend) SetSregs(hypervisor.VCPU, *hypervisor.Sregs) error { return nil }
func (b *scriptedBackend) IRQLine(hypervisor.VM, int, bool) error            { return nil }
func (b *scriptedBackend) VCPUExit(hypervisor.VCPU) error                    { return nil }

func waitStopped(t *testing.T, v *vcpu.VCPU) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := v.State(); s == vcpu.StateStopped || s == vcpu.StateError {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("vcpu did not stop within deadline, state=%s", v.State())
}

func TestHaltThenShutdownStopsAndCounts(t *testing.T) {
	backend := &scriptedBackend{exits: []hypervisor.Exit{
		{Reason: hypervisor.ExitHLT},
		{Reason: hypervisor.ExitShutdown},
	}}
	v, err := vcpu.New(backend, fakeVM{}, 0, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := v.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, v)

	stats := v.Stats()
	if stats.HaltCount != 1 {
		t.Fatalf("halt count = %d, want 1", stats.HaltCount)
	}
	if stats.ShutdownCount != 1 {
		t.Fatalf("shutdown count = %d, want 1", stats.ShutdownCount)
	}
	if stats.ExitCount != 2 {
		t.Fatalf("exit count = %d, want 2", stats.ExitCount)
	}
	if v.State() != vcpu.StateStopped {
		t.Fatalf("state = %s, want stopped", v.State())
	}
}

func TestNoProgressSafetyCapStopsWithError(t *testing.T) {
	backend := &scriptedBackend{exits: []hypervisor.Exit{
		{Reason: hypervisor.ExitUnknown},
	}}
	v, err := vcpu.New(backend, fakeVM{}, 0, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := v.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, v)

	if v.State() != vcpu.StateError {
		t.Fatalf("state = %s, want error", v.State())
	}
	if v.Stats().UnknownCount < 1000 {
		t.Fatalf("unknown count = %d, want at least 1000", v.Stats().UnknownCount)
	}
}

func TestIOExitRoutesToLegacyConsole(t *testing.T) {
	backend := &scriptedBackend{exits: []hypervisor.Exit{
		{Reason: hypervisor.ExitIO, IOPort: 0x3f8, IODirection: hypervisor.IODirectionOut, IOData: []byte{'A'}},
		{Reason: hypervisor.ExitShutdown},
	}}
	out := &bytes.Buffer{}
	legacy := vcpu.NewLegacyIO(out)
	v, err := vcpu.New(backend, fakeVM{}, 0, nil, legacy, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := v.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, v)

	if out.String() != "A" {
		t.Fatalf("console out = %q, want %q", out.String(), "A")
	}
	if v.Stats().IOCount != 1 {
		t.Fatalf("io count = %d, want 1", v.Stats().IOCount)
	}
}

// mmioProbe is a minimal device.MMIODevice recording every write it receives.
type mmioProbe struct {
	mu   sync.Mutex
	last []byte
}

func (p *mmioProbe) Name() string { return "probe" }
func (p *mmioProbe) ReadAt(offset uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}
	return nil
}
func (p *mmioProbe) WriteAt(offset uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = append([]byte(nil), data...)
	return nil
}
func (p *mmioProbe) Destroy() {}

type noopIRQLiner struct{}

func (noopIRQLiner) IRQLine(int, bool) error { return nil }

func TestMMIOExitRoutesToBus(t *testing.T) {
	bus := device.NewBus(noopIRQLiner{}, nil)
	probe := &mmioProbe{}
	if err := bus.Register(probe, 0x1000, 0x100, 0); err != nil {
		t.Fatalf("register: %v", err)
	}

	backend := &scriptedBackend{exits: []hypervisor.Exit{
		{Reason: hypervisor.ExitMMIO, MMIOAddr: 0x1010, MMIOWrite: true, MMIOData: []byte{1, 2, 3, 4}},
		{Reason: hypervisor.ExitShutdown},
	}}
	v, err := vcpu.New(backend, fakeVM{}, 0, bus, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := v.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, v)

	probe.mu.Lock()
	got := probe.last
	probe.mu.Unlock()
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("probe received %v, want [1 2 3 4]", got)
	}
	if v.Stats().MMIOCount != 1 {
		t.Fatalf("mmio count = %d, want 1", v.Stats().MMIOCount)
	}
}

func TestSetInitialStateAppliesImmediatelyWhenHandleExists(t *testing.T) {
	backend := &scriptedBackend{exits: []hypervisor.Exit{{Reason: hypervisor.ExitShutdown}}}
	v, err := vcpu.New(backend, fakeVM{}, 0, nil, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := v.SetInitialState(0x7c00); err != nil {
		t.Fatalf("set initial state: %v", err)
	}
	backend.mu.Lock()
	applied := append([]hypervisor.Regs(nil), backend.setRegs...)
	backend.mu.Unlock()
	if len(applied) != 1 || applied[0].RIP != 0x7c00 {
		t.Fatalf("SetRegs calls = %+v, want one with RIP 0x7c00", applied)
	}
	if err := v.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStopped(t, v)
}
