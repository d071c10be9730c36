// Package device owns the hardware resources of each RDMA adapter. A
// Manager hands out one Device per adapter name; every protection domain,
// completion queue, queue pair and memory registration is created through
// that Device so creation is serialized per adapter.
package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulardma/internal/rdmaerr"
	"github.com/piwi3910/nebulardma/internal/verbs"
)

// Manager is the process-wide registry of open devices.
type Manager struct {
	backend     verbs.Backend
	devices     map[string]*Device
	mu          sync.Mutex
	initialized bool
}

// NewManager creates a registry on top of backend. The backend is
// initialised lazily by the first Get.
func NewManager(backend verbs.Backend) *Manager {
	return &Manager{
		backend: backend,
		devices: make(map[string]*Device),
	}
}

// Backend returns the verbs backend devices are opened on.
func (m *Manager) Backend() verbs.Backend {
	return m.backend
}

// Get returns the Device for name, opening it on first use. Concurrent
// callers asking for the same name receive the same *Device.
func (m *Manager) Get(name string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dev, ok := m.devices[name]; ok {
		log.Trace().Str("device", name).Msg("Device already open")

		return dev, nil
	}

	if !m.initialized {
		if err := m.backend.Init(); err != nil {
			return nil, fmt.Errorf("%w: failed to initialize verbs backend: %w", rdmaerr.ErrResourceAllocation, err)
		}

		m.initialized = true
	}

	dev, err := open(m.backend, name)
	if err != nil {
		return nil, err
	}

	m.devices[name] = dev

	return dev, nil
}

// Names lists the open devices in sorted order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.devices))
	for name := range m.devices {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Close releases every open device and the backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error

	for name, dev := range m.devices {
		if err := dev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		delete(m.devices, name)
	}

	if m.initialized {
		if err := m.backend.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close verbs backend: %w", err)
		}

		m.initialized = false
	}

	return firstErr
}
