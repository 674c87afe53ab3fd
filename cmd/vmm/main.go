// Command vmm boots a single guest on top of the host's hardware
// virtualization service: KVM on Linux, Apple's Hypervisor.framework
// on macOS.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/lastweek/vibe-vmm/boot"
	"github.com/lastweek/vibe-vmm/hypervisor"
	"github.com/lastweek/vibe-vmm/vmm"
)

func main() {
	var (
		memSize    = flag.Uint64("mem", 128*1024*1024, "guest memory size in bytes")
		numVCPUs   = flag.Int("vcpus", 1, "number of virtual CPUs")
		backend    = flag.String("backend", "auto", "hypervisor backend: auto, kvm, hvf-x86_64, hvf-arm64")
		rawBinary  = flag.String("raw", "", "path to a flat binary image to load at guest-physical 0x0")
		entry      = flag.Uint64("entry", 0, "entry point (guest-physical address) for -raw")
		blockPath  = flag.String("block", "", "path to a block device backing file (disables if empty)")
		tapName    = flag.String("tap", "", "host tap interface name for virtio-net (disables if empty)")
		enableUART = flag.Bool("uart", true, "register the MMIO 16550A-compatible UART console")
		enableConsole = flag.Bool("console", false, "register the virtio-console device")
		debug      = flag.Bool("debug", false, "set Config.Debug (no logging currently depends on it)")
	)
	flag.Parse()

	if *rawBinary == "" {
		log.Fatal("vmm: -raw is required (Linux bzImage boot is not implemented by this core)")
	}

	logger := log.New(os.Stderr, "vmm: ", log.LstdFlags)

	kind, err := parseBackendKind(*backend)
	if err != nil {
		log.Fatalf("vmm: %v", err)
	}

	cfg := vmm.Config{
		MemorySize:    *memSize,
		NumVCPUs:      *numVCPUs,
		Backend:       kind,
		EnableUART:    *enableUART,
		EnableConsole: *enableConsole,
		BlockPath:     *blockPath,
		TapName:       *tapName,
		Debug:         *debug,
		Logger:        logger,
	}

	vm, err := vmm.New(cfg)
	if err != nil {
		log.Fatalf("vmm: %v", err)
	}
	defer vm.Close()

	v, err := vm.VCPU(0)
	if err != nil {
		log.Fatalf("vmm: %v", err)
	}
	if err := boot.SetupBootRaw(vm.Memory(), v, *rawBinary, *entry); err != nil {
		log.Fatalf("vmm: %v", err)
	}

	if err := vm.Start(); err != nil {
		log.Fatalf("vmm: %v", err)
	}
	vm.Wait()

	for i, s := range vm.Stats() {
		logger.Printf("vcpu %d: exits=%d halt=%d io=%d mmio=%d shutdown=%d exception=%d",
			i, s.ExitCount, s.HaltCount, s.IOCount, s.MMIOCount, s.ShutdownCount, s.ExceptionCount)
	}
}

func parseBackendKind(s string) (hypervisor.Kind, error) {
	switch s {
	case "", "auto":
		return hypervisor.KindAuto, nil
	case "kvm":
		return hypervisor.KindKVM, nil
	case "hvf-x86_64":
		return hypervisor.KindHVFX86, nil
	case "hvf-arm64":
		return hypervisor.KindHVFARM, nil
	default:
		return hypervisor.KindAuto, &unknownBackendError{s}
	}
}

type unknownBackendError struct{ kind string }

func (e *unknownBackendError) Error() string {
	return "unknown backend " + e.kind + " (want auto, kvm, hvf-x86_64, or hvf-arm64)"
}
