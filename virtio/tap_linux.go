//go:build linux

package virtio

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// tapDevice is a non-blocking Linux TUN/TAP device opened in TAP
// (Ethernet-framed) mode, the host side of the net personality.
type tapDevice struct {
	fd   int
	name string
}

// openTap opens /dev/net/tun, attaches it as TAP interface name (or
// lets the kernel pick one if name is empty), and sets it
// non-blocking, per spec §4.6's "tap file descriptor is opened
// non-blocking".
func openTap(name string) (*tapDevice, error) {
	fd, err := syscall.Open("/dev/net/tun", syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	var ifr struct {
		Name  [16]byte
		Flags uint16
		_     [2]byte
	}
	copy(ifr.Name[:], name)
	ifr.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		syscall.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF ioctl for %q: %w", name, errno)
	}

	flags, _, errno := syscall.Syscall(syscall.SYS_FCNTL, uintptr(fd), syscall.F_GETFL, 0)
	if errno == 0 {
		syscall.Syscall(syscall.SYS_FCNTL, uintptr(fd), syscall.F_SETFL, flags|syscall.O_NONBLOCK)
	}

	return &tapDevice{fd: fd, name: name}, nil
}

// read attempts one non-blocking read; (0, nil) with n==0 and no error
// signals "would block" per spec §4.6's RX abort-silently contract.
func (t *tapDevice) read(buf []byte) (int, error) {
	n, err := syscall.Read(t.fd, buf)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return 0, nil
		}
		return 0, fmt.Errorf("read tap %s: %w", t.name, err)
	}
	return n, nil
}

func (t *tapDevice) write(buf []byte) error {
	_, err := syscall.Write(t.fd, buf)
	if err != nil {
		return fmt.Errorf("write tap %s: %w", t.name, err)
	}
	return nil
}

func (t *tapDevice) close() error {
	return syscall.Close(t.fd)
}
