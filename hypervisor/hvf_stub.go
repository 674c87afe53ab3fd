//go:build !darwin

package hypervisor

func newHVFX86Backend() (Backend, error) {
	return nil, ErrUnavailable
}

func newHVFARMBackend() (Backend, error) {
	return nil, ErrUnavailable
}
