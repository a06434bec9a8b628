// Package forwarding manages per-container TCP relays. Each forwarder
// supervises an external socat process bridging a host port to the
// container's SSH port; the pool owns the set of host ports available
// for allocation.
//
// Forwarders are registered under the container UUID, not its IP: the
// IP may be unset before the domain acquires a DHCP lease, and leases
// can be reused across containers.
package forwarding

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os/exec"
	"sync"
	"time"

	"github.com/nerthus-project/nerthusd/internal/netutil"
)

// Default host port range for relay allocation.
const (
	DefaultPortRangeMin = 10000
	DefaultPortRangeMax = 15000
)

// ErrDuplicateForwarder is returned when a forwarder is already stored
// for the container UUID.
var ErrDuplicateForwarder = errors.New("a forwarder already exists for this container")

// ErrNoAvailablePorts is returned when the pool has no bindable port
// left to allocate.
var ErrNoAvailablePorts = errors.New("no available ports in the forwarding range")

// ErrNotForwarding is returned when stopping a forwarder that has no
// live relay process.
var ErrNotForwarding = errors.New("forwarder is not forwarding")

// ErrAlreadyForwarding is returned when starting a forwarder twice.
var ErrAlreadyForwarding = errors.New("forwarder is already forwarding")

// Forwarder relays TCP connections from a host port to a container's
// destination port through a supervised relay process.
type Forwarder struct {
	mu sync.Mutex

	listenPort    int
	containerUUID string
	containerIP   string
	destPort      int

	relayPath string
	cmd       *exec.Cmd
	exited    chan struct{}
}

// ListenPort returns the allocated host port.
func (f *Forwarder) ListenPort() int { return f.listenPort }

// ContainerUUID returns the owning container's UUID.
func (f *Forwarder) ContainerUUID() string { return f.containerUUID }

// ContainerIP returns the relay target address.
func (f *Forwarder) ContainerIP() string { return f.containerIP }

// DestPort returns the relay target port.
func (f *Forwarder) DestPort() int { return f.destPort }

// IsForwarding reports whether the relay process is alive.
func (f *Forwarder) IsForwarding() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isForwardingLocked()
}

func (f *Forwarder) isForwardingLocked() bool {
	if f.cmd == nil {
		return false
	}
	select {
	case <-f.exited:
		return false
	default:
		return true
	}
}

// StartForward spawns the relay process. Stdin/out/err are discarded.
func (f *Forwarder) StartForward() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.isForwardingLocked() {
		return ErrAlreadyForwarding
	}

	cmd := exec.Command(
		f.relayPath,
		fmt.Sprintf("TCP-LISTEN:%d,fork,reuseaddr", f.listenPort),
		fmt.Sprintf("TCP:%s:%d", f.containerIP, f.destPort),
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start relay process: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	f.cmd = cmd
	f.exited = exited
	return nil
}

// StopForward terminates the relay process and waits for it to exit.
func (f *Forwarder) StopForward() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.isForwardingLocked() {
		return ErrNotForwarding
	}

	if err := f.cmd.Process.Kill(); err != nil {
		// The process may have exited between the check and the kill.
		select {
		case <-f.exited:
		default:
			return fmt.Errorf("stop relay process: %w", err)
		}
	}
	<-f.exited
	f.cmd = nil
	return nil
}

// Pool allocates host ports and tracks live forwarders by container
// UUID. The available-ports set and the forwarder registry share one
// mutex so a port is absent from the set iff a stored forwarder holds
// it.
type Pool struct {
	mu         sync.Mutex
	available  map[int]struct{}
	forwarders map[string]*Forwarder

	// RelayPath is the relay binary invoked for each forwarder.
	// Overridable before any forwarder is created.
	RelayPath string
}

// NewPool creates a pool over the inclusive-exclusive port range
// [minPort, maxPort).
func NewPool(minPort, maxPort int) *Pool {
	available := make(map[int]struct{}, maxPort-minPort)
	for p := minPort; p < maxPort; p++ {
		available[p] = struct{}{}
	}
	return &Pool{
		available:  available,
		forwarders: make(map[string]*Forwarder),
		RelayPath:  "socat",
	}
}

// CreateForwarder picks a random bindable port from the available set
// and builds a forwarder targeting containerIP:destPort. With store
// set, the forwarder is registered and its port leaves the available
// set. The port that passed the bindability probe is the port the
// forwarder listens on.
func (p *Pool) CreateForwarder(containerIP, containerUUID string, destPort int, store bool) (*Forwarder, error) {
	port, err := p.pickBindablePort()
	if err != nil {
		return nil, err
	}

	f := &Forwarder{
		listenPort:    port,
		containerUUID: containerUUID,
		containerIP:   containerIP,
		destPort:      destPort,
		relayPath:     p.RelayPath,
	}

	if store {
		if err := p.StoreForwarder(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// pickBindablePort draws uniformly from the available set, rejecting
// ports that cannot currently be bound. Unbindable draws are retried
// after a 1s sleep, for a bounded number of rounds.
func (p *Pool) pickBindablePort() (int, error) {
	const maxRounds = 10

	for round := 0; round < maxRounds; round++ {
		p.mu.Lock()
		candidates := make([]int, 0, len(p.available))
		for port := range p.available {
			candidates = append(candidates, port)
		}
		p.mu.Unlock()

		if len(candidates) == 0 {
			return 0, ErrNoAvailablePorts
		}

		rand.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
		for _, port := range candidates {
			if netutil.IsPortBindable(port) {
				return port, nil
			}
		}
		time.Sleep(time.Second)
	}
	return 0, ErrNoAvailablePorts
}

// StoreForwarder registers a forwarder and removes its port from the
// available set.
func (p *Pool) StoreForwarder(f *Forwarder) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.forwarders[f.containerUUID]; exists {
		return ErrDuplicateForwarder
	}
	p.forwarders[f.containerUUID] = f
	delete(p.available, f.listenPort)
	return nil
}

// GetForwarder returns the forwarder stored for a container UUID, or
// nil.
func (p *Pool) GetForwarder(containerUUID string) *Forwarder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forwarders[containerUUID]
}

// ListForwarders returns the UUIDs of all stored forwarders.
func (p *Pool) ListForwarders() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	uuids := make([]string, 0, len(p.forwarders))
	for u := range p.forwarders {
		uuids = append(uuids, u)
	}
	return uuids
}

// DeleteForwarder drops the registration for a container UUID and
// returns its port to the available set. With stopForward set, a live
// relay is terminated first. Deleting an unknown UUID is a no-op.
func (p *Pool) DeleteForwarder(containerUUID string, stopForward bool) {
	p.mu.Lock()
	f := p.forwarders[containerUUID]
	delete(p.forwarders, containerUUID)
	if f != nil {
		p.available[f.listenPort] = struct{}{}
	}
	p.mu.Unlock()

	if f != nil && stopForward && f.IsForwarding() {
		f.StopForward()
	}
}

// AvailablePortCount returns the number of unallocated ports.
func (p *Pool) AvailablePortCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// PortAvailable reports whether the given port is in the available
// set.
func (p *Pool) PortAvailable(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.available[port]
	return ok
}

// Close stops every live relay and clears the registry.
func (p *Pool) Close() {
	p.mu.Lock()
	live := make([]*Forwarder, 0, len(p.forwarders))
	for _, f := range p.forwarders {
		live = append(live, f)
	}
	p.forwarders = make(map[string]*Forwarder)
	p.mu.Unlock()

	for _, f := range live {
		if f.IsForwarding() {
			f.StopForward()
		}
	}
}
