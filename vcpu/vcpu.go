package vcpu

import (
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/lastweek/vibe-vmm/device"
	"github.com/lastweek/vibe-vmm/hypervisor"
)

// State mirrors include/vcpu.h's enum vcpu_state.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateWaiting
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// maxConsecutiveNoProgress is the safety cap on exits with no
// externally observable progress before the runner stops the vCPU
// with an internal-error flag. The source uses 1000; this
// implementation documents the same threshold, per spec §4.3e.
const maxConsecutiveNoProgress = 1000

// Stats is a point-in-time snapshot of one vCPU's exit counters.
// Readers must tolerate coarse-grained, eventually-consistent values
// per spec §5's ordering guarantees: counters are only ever written by
// their owning worker.
type Stats struct {
	ExitCount      uint64
	IOCount        uint64
	MMIOCount      uint64
	HaltCount      uint64
	ShutdownCount  uint64
	ExceptionCount uint64
	CanceledCount  uint64
	VTimerCount    uint64
	UnknownCount   uint64
}

type counters struct {
	exit      uint64
	io        uint64
	mmio      uint64
	halt      uint64
	shutdown  uint64
	exception uint64
	canceled  uint64
	vtimer    uint64
	unknown   uint64
}

// VCPU drives one virtual CPU's run/exit loop on a dedicated worker
// goroutine, generalizing the original's pthread-per-vCPU model to a
// goroutine locked to its OS thread (required for HVF-style backends'
// same-thread vCPU-creation rule).
type VCPU struct {
	backend hypervisor.Backend
	vm      hypervisor.VM
	index   int
	bus     *device.Bus
	legacy  *LegacyIO
	logger  *log.Logger

	mu      sync.Mutex
	state   State
	handle  hypervisor.VCPU
	created bool

	// Deferred initial register state for backends that require
	// same-thread vCPU creation (HVF-ARM64): the main thread cannot
	// create the handle itself, so it records what the worker should
	// apply once it creates the handle on its own thread.
	hasInitialState bool
	initialRIP      uint64

	shouldStop atomic.Bool
	done       chan struct{}

	counters counters

	noProgressStreak int
}

// New returns a vCPU bound to vm's index-th slot. If the backend does
// not require same-thread creation, the handle is created immediately;
// otherwise creation is deferred to the worker goroutine per spec
// §4.3.1.
func New(backend hypervisor.Backend, vm hypervisor.VM, index int, bus *device.Bus, legacy *LegacyIO, logger *log.Logger) (*VCPU, error) {
	v := &VCPU{
		backend: backend,
		vm:      vm,
		index:   index,
		bus:     bus,
		legacy:  legacy,
		logger:  logger,
		state:   StateStopped,
		done:    make(chan struct{}),
	}
	// No worker yet: Stop/Join on a never-started vCPU return at once.
	close(v.done)
	if !backend.RequiresSameThreadVCPUCreation() {
		h, err := backend.CreateVCPU(vm, index)
		if err != nil {
			return nil, fmt.Errorf("vcpu %d: create: %w", index, err)
		}
		v.handle = h
		v.created = true
	}
	return v, nil
}

// SetInitialState records the program counter the worker should apply
// once the vCPU handle exists, for backends that defer creation to the
// worker thread. If the handle already exists (non-deferred backends),
// it is applied immediately instead.
func (v *VCPU) SetInitialState(rip uint64) error {
	v.mu.Lock()
	v.initialRIP = rip
	v.hasInitialState = true
	h := v.handle
	created := v.created
	v.mu.Unlock()
	if !created || h == nil {
		return nil
	}
	return v.backend.SetRegs(h, &hypervisor.Regs{RIP: rip, RFLAGS: 0x2})
}

// ApplySregs sets this vCPU's special (segment/control) registers
// directly. It requires the handle to already exist and returns an
// error otherwise, which is always the case before Start on backends
// that defer vCPU creation to the worker thread (HVF).
func (v *VCPU) ApplySregs(sregs *hypervisor.Sregs) error {
	v.mu.Lock()
	h := v.handle
	created := v.created
	v.mu.Unlock()
	if !created || h == nil {
		return fmt.Errorf("vcpu %d: apply sregs: handle not yet created", v.index)
	}
	return v.backend.SetSregs(h, sregs)
}

// Index returns this vCPU's slot index within its VM.
func (v *VCPU) Index() int { return v.index }

// State returns the current lifecycle state.
func (v *VCPU) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Stats returns a snapshot of this vCPU's exit counters.
func (v *VCPU) Stats() Stats {
	return Stats{
		ExitCount:      atomic.LoadUint64(&v.counters.exit),
		IOCount:        atomic.LoadUint64(&v.counters.io),
		MMIOCount:      atomic.LoadUint64(&v.counters.mmio),
		HaltCount:      atomic.LoadUint64(&v.counters.halt),
		ShutdownCount:  atomic.LoadUint64(&v.counters.shutdown),
		ExceptionCount: atomic.LoadUint64(&v.counters.exception),
		CanceledCount:  atomic.LoadUint64(&v.counters.canceled),
		VTimerCount:    atomic.LoadUint64(&v.counters.vtimer),
		UnknownCount:   atomic.LoadUint64(&v.counters.unknown),
	}
}

// Start spawns the worker goroutine and transitions to running. It
// returns once the worker has entered its loop (or failed to create
// its handle); it does not wait for the loop to finish.
func (v *VCPU) Start() error {
	v.mu.Lock()
	if v.state == StateRunning {
		v.mu.Unlock()
		return fmt.Errorf("vcpu %d: already running", v.index)
	}
	v.state = StateRunning
	v.done = make(chan struct{})
	v.mu.Unlock()

	ready := make(chan error, 1)
	go v.workerLoop(ready)
	return <-ready
}

// Stop requests the worker to exit: it sets should-stop and, for
// backends with an asynchronous exit primitive, forces any in-flight
// run to return immediately; it then waits for the worker to finish.
func (v *VCPU) Stop() {
	v.shouldStop.Store(true)
	v.mu.Lock()
	h := v.handle
	created := v.created
	v.mu.Unlock()
	if created && h != nil {
		if err := v.backend.VCPUExit(h); err != nil && v.logger != nil {
			v.logger.Printf("vcpu %d: vcpu_exit: %v", v.index, err)
		}
	}
	<-v.done
}

// Join blocks until the worker goroutine has exited on its own —
// halt/shutdown/exception/error — without requesting a stop. Callers
// that want to force an in-flight run to return early must call Stop
// instead.
func (v *VCPU) Join() {
	v.mu.Lock()
	done := v.done
	v.mu.Unlock()
	<-done
}

// Reset rewrites general registers to a known initial state: RIP at
// SetInitialState's recorded value (or 0), RFLAGS with the reserved
// bit 1 set, and every general-purpose register cleared.
func (v *VCPU) Reset() error {
	v.mu.Lock()
	h := v.handle
	created := v.created
	rip := v.initialRIP
	v.mu.Unlock()
	if !created || h == nil {
		return fmt.Errorf("vcpu %d: reset: handle not yet created", v.index)
	}
	regs := &hypervisor.Regs{RIP: rip, RFLAGS: 0x2}
	return v.backend.SetRegs(h, regs)
}

// workerLoop is the per-vCPU worker body, generalizing the teacher's
// VCPU.Run to the dispatch table in spec §4.3. It locks itself to its
// OS thread because HVF-style backends require the vCPU handle to be
// created and used from the same thread throughout its life.
func (v *VCPU) workerLoop(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(v.done)

	v.mu.Lock()
	h := v.handle
	created := v.created
	hasInitial := v.hasInitialState
	rip := v.initialRIP
	v.mu.Unlock()

	if !created {
		var err error
		h, err = v.backend.CreateVCPU(v.vm, v.index)
		if err != nil {
			v.setState(StateError)
			ready <- fmt.Errorf("vcpu %d: create: %w", v.index, err)
			return
		}
		v.mu.Lock()
		v.handle = h
		v.created = true
		v.mu.Unlock()
		if hasInitial {
			if err := v.backend.SetRegs(h, &hypervisor.Regs{RIP: rip, RFLAGS: 0x2}); err != nil && v.logger != nil {
				v.logger.Printf("vcpu %d: apply deferred initial state: %v", v.index, err)
			}
		}
	}

	ready <- nil

	var exit hypervisor.Exit
	for !v.shouldStop.Load() {
		signaled, err := v.backend.Run(h)
		if err != nil {
			if v.logger != nil {
				v.logger.Printf("vcpu %d: run: %v", v.index, err)
			}
			v.setState(StateError)
			return
		}
		if signaled {
			continue
		}

		if err := v.backend.GetExit(h, &exit); err != nil {
			if v.logger != nil {
				v.logger.Printf("vcpu %d: get_exit: %v", v.index, err)
			}
			v.setState(StateError)
			return
		}

		progressed, fatal := v.dispatch(&exit)
		if progressed {
			v.noProgressStreak = 0
		} else {
			v.noProgressStreak++
			if v.noProgressStreak >= maxConsecutiveNoProgress {
				if v.logger != nil {
					v.logger.Printf("vcpu %d: %d consecutive no-progress exits, stopping", v.index, v.noProgressStreak)
				}
				v.setState(StateError)
				return
			}
		}
		if fatal {
			v.setState(StateError)
			return
		}
	}
	v.setState(StateStopped)
}

// dispatch routes one exit record per spec §4.3's table. progressed is
// false for reasons that do not represent forward guest execution
// (used by the no-progress safety cap); fatal requests the loop stop.
func (v *VCPU) dispatch(exit *hypervisor.Exit) (progressed, fatal bool) {
	atomic.AddUint64(&v.counters.exit, 1)

	switch exit.Reason {
	case hypervisor.ExitHLT:
		atomic.AddUint64(&v.counters.halt, 1)
		return false, false

	case hypervisor.ExitIO:
		atomic.AddUint64(&v.counters.io, 1)
		if v.legacy != nil {
			out := exit.IODirection == hypervisor.IODirectionOut
			if warn := v.legacy.Handle(exit.IOPort, out, exit.IOData); warn && v.logger != nil {
				v.logger.Printf("vcpu %d: unhandled io port %#x (out=%v)", v.index, exit.IOPort, out)
			}
		}
		return true, false

	case hypervisor.ExitMMIO:
		atomic.AddUint64(&v.counters.mmio, 1)
		if v.bus != nil {
			if err := v.bus.HandleMMIO(exit.MMIOAddr, exit.MMIOWrite, exit.MMIOData); err != nil && v.logger != nil {
				v.logger.Printf("vcpu %d: mmio %#x: %v", v.index, exit.MMIOAddr, err)
			}
		}
		return true, false

	case hypervisor.ExitExternal, hypervisor.ExitIRQWindowOpen, hypervisor.ExitARMTrap, hypervisor.ExitARMIRQ:
		return true, false

	case hypervisor.ExitShutdown, hypervisor.ExitSystemEvent, hypervisor.ExitCanceled:
		switch exit.Reason {
		case hypervisor.ExitShutdown:
			atomic.AddUint64(&v.counters.shutdown, 1)
		case hypervisor.ExitCanceled:
			atomic.AddUint64(&v.counters.canceled, 1)
		}
		v.shouldStop.Store(true)
		return true, false

	case hypervisor.ExitException, hypervisor.ExitARMException:
		atomic.AddUint64(&v.counters.exception, 1)
		if v.logger != nil {
			v.logger.Printf("vcpu %d: exception, hw error code %#x", v.index, exit.HWErrorCode)
		}
		v.shouldStop.Store(true)
		return false, false

	case hypervisor.ExitFailEntry:
		if v.logger != nil {
			v.logger.Printf("vcpu %d: fail-entry, hw error code %#x", v.index, exit.HWErrorCode)
		}
		return false, true

	case hypervisor.ExitInternalError:
		if v.logger != nil {
			v.logger.Printf("vcpu %d: internal-error", v.index)
		}
		return false, true

	case hypervisor.ExitVTimer:
		atomic.AddUint64(&v.counters.vtimer, 1)
		return true, false

	default:
		atomic.AddUint64(&v.counters.unknown, 1)
		if v.logger != nil {
			v.logger.Printf("vcpu %d: unhandled exit reason %s", v.index, exit.Reason)
		}
		return false, false
	}
}

func (v *VCPU) setState(s State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

// Destroy tears down the vCPU handle. Callers must Stop first if the
// worker may still be running.
func (v *VCPU) Destroy() error {
	v.mu.Lock()
	h := v.handle
	created := v.created
	v.created = false
	v.mu.Unlock()
	if !created || h == nil {
		return nil
	}
	return v.backend.DestroyVCPU(h)
}
