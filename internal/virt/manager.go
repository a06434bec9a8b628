package virt

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrDuplicateContainer is returned when a container is already stored
// for the same UUID.
var ErrDuplicateContainer = errors.New("a container already exists for this UUID")

// Manager is the container registry, keyed by UUID.
type Manager struct {
	mu         sync.Mutex
	containers map[string]*Container

	// DriverURI and LeaseDir are inherited by every container the
	// manager creates. Overridable before the first CreateContainer.
	DriverURI string
	LeaseDir  string
}

// NewManager creates an empty registry with production defaults.
func NewManager() *Manager {
	return &Manager{
		containers: make(map[string]*Container),
		DriverURI:  DefaultDriverURI,
		LeaseDir:   defaultLeaseDir,
	}
}

// CreateContainer builds a container with a fresh random UUID and
// default resources. With store set, the container is registered.
func (m *Manager) CreateContainer(store bool) (*Container, error) {
	c := &Container{
		uuid:         uuid.NewString(),
		memoryMiB:    DefaultMemoryMiB,
		vcpus:        DefaultVCPUs,
		natInterface: DefaultNATInterface,
		domainType:   DefaultDomainType,
		driverURI:    m.DriverURI,
		leaseDir:     m.LeaseDir,
	}
	if store {
		if err := m.StoreContainer(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// StoreContainer registers a container under its UUID.
func (m *Manager) StoreContainer(c *Container) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.containers[c.uuid]; exists {
		return ErrDuplicateContainer
	}
	m.containers[c.uuid] = c
	return nil
}

// GetContainer returns the container stored for a UUID, or nil.
func (m *Manager) GetContainer(containerUUID string) *Container {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.containers[containerUUID]
}

// DeleteContainer drops the registration for a UUID. The domain is not
// stopped; deleting an unknown UUID is a no-op.
func (m *Manager) DeleteContainer(containerUUID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, containerUUID)
}

// ListContainers returns the UUIDs of all stored containers.
func (m *Manager) ListContainers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	uuids := make([]string, 0, len(m.containers))
	for u := range m.containers {
		uuids = append(uuids, u)
	}
	return uuids
}

// Count returns the number of stored containers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.containers)
}

// Close stops every running domain and clears the registry.
func (m *Manager) Close() {
	m.mu.Lock()
	live := make([]*Container, 0, len(m.containers))
	for _, c := range m.containers {
		live = append(live, c)
	}
	m.containers = make(map[string]*Container)
	m.mu.Unlock()

	for _, c := range live {
		if c.IsDomainRunning() {
			c.StopDomain()
		}
	}
}
