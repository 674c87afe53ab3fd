// Package vmm ties the hypervisor backend, guest-memory manager,
// device bus, and vCPU runners into one VM container: construction,
// device wiring, lifecycle (start/stop/close), and the fixed MMIO map
// external guests are configured to probe.
package vmm

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/lastweek/vibe-vmm/device"
	"github.com/lastweek/vibe-vmm/hypervisor"
	"github.com/lastweek/vibe-vmm/memory"
	"github.com/lastweek/vibe-vmm/vcpu"
	"github.com/lastweek/vibe-vmm/virtio"
)

// MaxVCPUs is the hard cap on vCPUs per VM, matching
// include/vm.h's VM_MAX_VCPUS.
const MaxVCPUs = 8

// Fixed guest-physical addresses external guests are configured to
// probe, per spec §6's MMIO layout table.
const (
	UARTBase        = 0x09000000
	UARTSize        = 0x1000
	VirtioConsoleBase = 0x0A000000
	VirtioBlockBase   = 0x0A001000
	VirtioNetBase     = 0x0A002000
	VirtioDeviceSize  = 0x1000
)

// irqConsole, irqBlock, irqNet are the fixed IRQ line offsets (added
// to Config.IRQBase) this core's devices assert on, since it carries
// no interrupt-controller model to route them dynamically.
const (
	irqUART = iota
	irqConsole
	irqBlock
	irqNet
)

// State mirrors include/vm.h's enum vm_state.
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config gathers a VM's construction parameters, generalizing the
// teacher's NewVirtualMachine(memSize, numVCPUs, enableDebug bool)
// positional-argument constructor into one value.
type Config struct {
	MemorySize uint64
	NumVCPUs   int
	Backend    hypervisor.Kind

	EnableUART   bool
	ConsoleOut   *os.File // UART, COM1 and virtio-console output; os.Stdout if nil
	EnableConsole bool
	BlockPath    string // empty disables the block device
	TapName      string // empty disables the net device

	IRQBase int
	Debug   bool
	Logger  *log.Logger
}

// VM is one virtual machine: its backend handle, guest memory, device
// bus, and vCPU set, generalized from the teacher's VirtualMachine
// struct to the Backend/memory.Manager/device.Bus abstractions.
type VM struct {
	cfg Config

	backend hypervisor.Backend
	handle  hypervisor.VM
	mm      *memory.Manager
	bus     *device.Bus

	mu     sync.Mutex
	state  State
	vcpus  []*vcpu.VCPU

	uart    *device.UART
	block   *virtio.Block
	net     *virtio.Net
	logger  *log.Logger
}

// irqLineAdapter binds device.IRQLiner to one backend+VM handle pair,
// so devices never need to know which hypervisor backend is in use.
type irqLineAdapter struct {
	backend hypervisor.Backend
	handle  hypervisor.VM
}

func (a irqLineAdapter) IRQLine(irq int, level bool) error {
	return a.backend.IRQLine(a.handle, irq, level)
}

// New constructs a VM per cfg: selects the hypervisor backend,
// allocates and maps guest memory, creates vCPUs (up to MaxVCPUs), and
// registers every enabled device at its fixed MMIO address.
func New(cfg Config) (*VM, error) {
	backend, err := hypervisor.Select(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("vmm: select backend: %w", err)
	}
	return newWithBackend(cfg, backend)
}

// newWithBackend builds a VM against an already-selected backend. It
// exists as a seam for tests to drive the full construction/wiring path
// against a scripted backend instead of a real hypervisor service.
func newWithBackend(cfg Config, backend hypervisor.Backend) (*VM, error) {
	if cfg.MemorySize == 0 {
		cfg.MemorySize = 128 * 1024 * 1024
	}
	if cfg.NumVCPUs == 0 {
		cfg.NumVCPUs = 1
	}
	if cfg.NumVCPUs > MaxVCPUs {
		return nil, fmt.Errorf("vmm: %d vcpus exceeds cap of %d", cfg.NumVCPUs, MaxVCPUs)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "vmm: ", log.LstdFlags)
	}

	handle, err := backend.CreateVM()
	if err != nil {
		backend.Cleanup()
		return nil, fmt.Errorf("vmm: create vm: %w", err)
	}

	vm := &VM{
		cfg:     cfg,
		backend: backend,
		handle:  handle,
		mm:      memory.New(backend, handle),
		state:   StateStopped,
		logger:  logger,
	}
	vm.bus = device.NewBus(irqLineAdapter{backend: backend, handle: handle}, logger)

	guestMem, err := memory.AllocGuestMem(cfg.MemorySize)
	if err != nil {
		vm.teardown()
		return nil, fmt.Errorf("vmm: alloc guest memory: %w", err)
	}
	if _, err := vm.mm.AddSlot(0, guestMem, memory.FlagReadable|memory.FlagWritable|memory.FlagExecutable); err != nil {
		vm.teardown()
		return nil, fmt.Errorf("vmm: map guest memory: %w", err)
	}

	for i := 0; i < cfg.NumVCPUs; i++ {
		legacy := vcpu.NewLegacyIO(vm.consoleOut())
		v, err := vcpu.New(backend, handle, i, vm.bus, legacy, logger)
		if err != nil {
			vm.teardown()
			return nil, fmt.Errorf("vmm: create vcpu %d: %w", i, err)
		}
		vm.vcpus = append(vm.vcpus, v)
	}

	if err := vm.setupDevices(); err != nil {
		vm.teardown()
		return nil, fmt.Errorf("vmm: setup devices: %w", err)
	}

	return vm, nil
}

func (vm *VM) consoleOut() *os.File {
	if vm.cfg.ConsoleOut != nil {
		return vm.cfg.ConsoleOut
	}
	return os.Stdout
}

// setupDevices registers every device enabled in Config at its fixed
// MMIO address from spec §6.
func (vm *VM) setupDevices() error {
	if vm.cfg.EnableUART {
		vm.uart = device.NewUART(vm.consoleOut())
		if err := vm.bus.Register(vm.uart, UARTBase, UARTSize, vm.cfg.IRQBase+irqUART); err != nil {
			return err
		}
	}

	if vm.cfg.EnableConsole {
		console := virtio.NewConsole(vm.consoleOut())
		mmioDev := virtio.NewMMIODevice("virtio-console", virtio.DeviceIDConsole, 0, console, vm.mm, vm.bus, vm.logger)
		if err := vm.bus.Register(mmioDev, VirtioConsoleBase, VirtioDeviceSize, vm.cfg.IRQBase+irqConsole); err != nil {
			return err
		}
	}

	if vm.cfg.BlockPath != "" {
		blk, err := virtio.NewBlock(vm.cfg.BlockPath, vm.logger)
		if err != nil {
			return err
		}
		vm.block = blk
		mmioDev := virtio.NewMMIODevice("virtio-block", virtio.DeviceIDBlock, 0, blk, vm.mm, vm.bus, vm.logger)
		if err := vm.bus.Register(mmioDev, VirtioBlockBase, VirtioDeviceSize, vm.cfg.IRQBase+irqBlock); err != nil {
			return err
		}
	}

	if vm.cfg.TapName != "" {
		net, err := virtio.NewNet(vm.cfg.TapName)
		if err != nil {
			return err
		}
		vm.net = net
		mmioDev := virtio.NewMMIODevice("virtio-net", virtio.DeviceIDNet, 0, net, vm.mm, vm.bus, vm.logger)
		if err := vm.bus.Register(mmioDev, VirtioNetBase, VirtioDeviceSize, vm.cfg.IRQBase+irqNet); err != nil {
			return err
		}
	}

	return nil
}

// Memory returns the guest-memory manager, for the boot loader.
func (vm *VM) Memory() *memory.Manager { return vm.mm }

// VCPU returns the index-th vCPU, for the boot loader to deposit
// initial state into before Start.
func (vm *VM) VCPU(index int) (*vcpu.VCPU, error) {
	if index < 0 || index >= len(vm.vcpus) {
		return nil, fmt.Errorf("vmm: vcpu index %d out of range", index)
	}
	return vm.vcpus[index], nil
}

// Start transitions the VM to running and starts every vCPU's worker.
// Slot/device/vCPU tables are frozen once this returns successfully.
func (vm *VM) Start() error {
	vm.mu.Lock()
	if vm.state == StateRunning {
		vm.mu.Unlock()
		return fmt.Errorf("vmm: already running")
	}
	vm.state = StateRunning
	vm.mu.Unlock()

	for _, v := range vm.vcpus {
		if err := v.Start(); err != nil {
			vm.setState(StateError)
			return fmt.Errorf("vmm: start vcpu %d: %w", v.Index(), err)
		}
	}
	return nil
}

// Stop requests every vCPU to stop and waits for them to finish.
func (vm *VM) Stop() {
	for _, v := range vm.vcpus {
		v.Stop()
	}
	vm.setState(StateStopped)
}

// Wait blocks until every vCPU's worker has stopped on its own
// (halt/shutdown/exception), without requesting a stop itself.
func (vm *VM) Wait() {
	for _, v := range vm.vcpus {
		v.Join()
	}
	vm.setState(StateStopped)
}

func (vm *VM) setState(s State) {
	vm.mu.Lock()
	vm.state = s
	vm.mu.Unlock()
}

// State returns the VM's current lifecycle state.
func (vm *VM) State() State {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state
}

// Stats returns every vCPU's exit-counter snapshot, indexed by vCPU index.
func (vm *VM) Stats() []vcpu.Stats {
	out := make([]vcpu.Stats, len(vm.vcpus))
	for i, v := range vm.vcpus {
		out[i] = v.Stats()
	}
	return out
}

// Close stops all vCPUs (if still running) and releases devices, vCPU
// handles and the backend VM handle. Guest memory slots are neither
// unmapped nor returned to the host.
func (vm *VM) Close() {
	vm.Stop()
	vm.teardown()
}

func (vm *VM) teardown() {
	for _, v := range vm.vcpus {
		if err := v.Destroy(); err != nil && vm.logger != nil {
			vm.logger.Printf("destroy vcpu %d: %v", v.Index(), err)
		}
	}
	vm.vcpus = nil

	if vm.bus != nil {
		for _, d := range vm.bus.Devices() {
			vm.bus.Unregister(d)
		}
	}
	if vm.block != nil {
		vm.block.Close()
		vm.block = nil
	}
	if vm.net != nil {
		vm.net.Close()
		vm.net = nil
	}
	if vm.handle != nil {
		if err := vm.backend.DestroyVM(vm.handle); err != nil && vm.logger != nil {
			vm.logger.Printf("destroy vm: %v", err)
		}
		vm.handle = nil
	}
	if vm.backend != nil {
		vm.backend.Cleanup()
	}
}
