//go:build !rdma_hw

package verbs

// NewHardwareBackend reports ErrHardwareUnavailable unless the binary was
// built with the rdma_hw tag.
func NewHardwareBackend() (Backend, error) {
	return nil, ErrHardwareUnavailable
}
