//go:build !linux

package virtio

import "fmt"

// tapDevice stub: TAP networking is a Linux-only facility (TUNSETIFF),
// matching the original core's own #ifdef __linux__ guard around its
// tap support.
type tapDevice struct{ name string }

func openTap(name string) (*tapDevice, error) {
	return nil, fmt.Errorf("virtio-net: tap devices are not supported on this platform")
}

func (t *tapDevice) read(buf []byte) (int, error) { return 0, nil }
func (t *tapDevice) write(buf []byte) error        { return nil }
func (t *tapDevice) close() error                  { return nil }
