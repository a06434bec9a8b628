package server

import (
	"github.com/nerthus-project/nerthusd/internal/forwarding"
	"github.com/nerthus-project/nerthusd/internal/virt"
)

// Domain is the engine's view of one container VM. *virt.Container
// satisfies it through domainAdapter; tests substitute fakes.
type Domain interface {
	UUID() string
	SetISOPath(path string)
	SetMemory(mib int)
	SetVCPUs(n int)
	SetNATInterface(name string)
	StartDomain(waitAvailable bool, maxTryouts int) error
	StopDomain() error
	IsDomainRunning() bool
	IP() (string, error)
	ISOChecksum() (string, error)
	CreateEndpointShell(creds virt.EndpointCredentials) (Shell, error)
}

// Shell is the engine's view of the administrative SSH channel.
type Shell interface {
	GenerateClientCredentials(passwordLength int) (username, password string, err error)
	OpenShell() error
	AdministrateContainer() error
	CloseShell() error
	IsClosed() bool
}

// DomainRegistry tracks container domains by UUID.
type DomainRegistry interface {
	CreateContainer(store bool) (Domain, error)
	StoreContainer(c Domain) error
	GetContainer(containerUUID string) Domain
	ListContainers() []Domain
	DeleteContainer(containerUUID string)
	Count() int
	Close()
}

// Forwarder is the engine's view of one TCP relay.
type Forwarder interface {
	ListenPort() int
	ContainerUUID() string
	StartForward() error
	StopForward() error
	IsForwarding() bool
}

// ForwarderRegistry allocates relays and tracks them by container
// UUID.
type ForwarderRegistry interface {
	CreateForwarder(containerIP, containerUUID string, destPort int, store bool) (Forwarder, error)
	StoreForwarder(f Forwarder) error
	GetForwarder(containerUUID string) Forwarder
	DeleteForwarder(containerUUID string, stopForward bool)
	Close()
}

// domainAdapter lifts *virt.Container into Domain. Only
// CreateEndpointShell needs the wrapper, for the return type.
type domainAdapter struct {
	*virt.Container
}

func (a domainAdapter) CreateEndpointShell(creds virt.EndpointCredentials) (Shell, error) {
	shell, err := a.Container.CreateEndpointShell(creds)
	if err != nil {
		return nil, err
	}
	return shell, nil
}

// virtRegistry lifts *virt.Manager into DomainRegistry.
type virtRegistry struct {
	m *virt.Manager
}

// NewDomainRegistry wraps a libvirt-backed container manager.
func NewDomainRegistry(m *virt.Manager) DomainRegistry {
	return virtRegistry{m: m}
}

func (r virtRegistry) CreateContainer(store bool) (Domain, error) {
	c, err := r.m.CreateContainer(store)
	if err != nil {
		return nil, err
	}
	return domainAdapter{Container: c}, nil
}

func (r virtRegistry) StoreContainer(c Domain) error {
	a, ok := c.(domainAdapter)
	if !ok {
		return virt.ErrDuplicateContainer
	}
	return r.m.StoreContainer(a.Container)
}

func (r virtRegistry) GetContainer(containerUUID string) Domain {
	c := r.m.GetContainer(containerUUID)
	if c == nil {
		return nil
	}
	return domainAdapter{Container: c}
}

func (r virtRegistry) ListContainers() []Domain {
	uuids := r.m.ListContainers()
	out := make([]Domain, 0, len(uuids))
	for _, id := range uuids {
		if c := r.m.GetContainer(id); c != nil {
			out = append(out, domainAdapter{Container: c})
		}
	}
	return out
}

func (r virtRegistry) DeleteContainer(containerUUID string) {
	r.m.DeleteContainer(containerUUID)
}

func (r virtRegistry) Count() int { return r.m.Count() }

func (r virtRegistry) Close() { r.m.Close() }

// poolRegistry lifts *forwarding.Pool into ForwarderRegistry.
type poolRegistry struct {
	p *forwarding.Pool
}

// NewForwarderRegistry wraps a socat-backed forwarder pool.
func NewForwarderRegistry(p *forwarding.Pool) ForwarderRegistry {
	return poolRegistry{p: p}
}

func (r poolRegistry) CreateForwarder(containerIP, containerUUID string, destPort int, store bool) (Forwarder, error) {
	f, err := r.p.CreateForwarder(containerIP, containerUUID, destPort, store)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (r poolRegistry) StoreForwarder(f Forwarder) error {
	impl, ok := f.(*forwarding.Forwarder)
	if !ok {
		return forwarding.ErrDuplicateForwarder
	}
	return r.p.StoreForwarder(impl)
}

func (r poolRegistry) GetForwarder(containerUUID string) Forwarder {
	f := r.p.GetForwarder(containerUUID)
	if f == nil {
		return nil
	}
	return f
}

func (r poolRegistry) DeleteForwarder(containerUUID string, stopForward bool) {
	r.p.DeleteForwarder(containerUUID, stopForward)
}

func (r poolRegistry) Close() { r.p.Close() }
