package boot

import (
	"fmt"

	"github.com/lastweek/vibe-vmm/memory"
	"github.com/lastweek/vibe-vmm/vcpu"
)

// SetupBootLinux is the core's side of the Linux bzImage boot-loader
// contract (spec §6). The bzImage protocol itself — real-mode header
// parsing, zero-page/E820 construction, cmdline placement — is an
// explicit non-goal handled by an external collaborator; this stub
// exists only so the contract has a symbol callers can target once
// that collaborator is wired up.
func SetupBootLinux(mm *memory.Manager, v *vcpu.VCPU, kernelPath, initrdPath, cmdline string) error {
	return fmt.Errorf("boot: linux bzImage boot protocol is not implemented by this core")
}
