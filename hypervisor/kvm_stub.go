//go:build !linux

package hypervisor

func newKVMBackend() (Backend, error) {
	return nil, ErrUnavailable
}
