// Package virt manages ephemeral container domains through libvirt:
// definition, boot, network introspection and teardown, plus the
// administrative SSH shell used to provision per-session credentials
// inside a booted VM.
package virt

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"text/template"
	"time"

	"libvirt.org/libvirt-go"
	libvirtxml "libvirt.org/libvirt-go-xml"
)

// Defaults for container domains.
const (
	DefaultDriverURI      = "qemu:///system"
	DefaultNATInterface   = "virbr0"
	DefaultMemoryMiB      = 2048
	DefaultVCPUs          = 2
	DefaultWaitMaxTryouts = 20
	DefaultDomainType     = "kvm"

	defaultLeaseDir = "/var/lib/libvirt/dnsmasq"
)

// ErrDomainUnreachable is returned when a booted domain never acquires
// an IP address within the configured tryout budget.
var ErrDomainUnreachable = errors.New("container domain did not acquire an IP address")

// ErrDomainNotRunning is returned by operations requiring a live
// domain.
var ErrDomainNotRunning = errors.New("container domain is not running")

// ErrDomainAlreadyRunning is returned when starting a running domain.
var ErrDomainAlreadyRunning = errors.New("container domain is already running")

// Container is one ephemeral VM: inert at construction, live between
// StartDomain and StopDomain.
type Container struct {
	mu sync.Mutex

	uuid         string
	isoPath      string
	memoryMiB    int
	vcpus        int
	natInterface string
	domainType   string

	driverURI string
	leaseDir  string

	dom *libvirt.Domain
}

// UUID returns the container's identity, also its registry key.
func (c *Container) UUID() string { return c.uuid }

// ISOPath returns the boot ISO path.
func (c *Container) ISOPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isoPath
}

// SetISOPath sets the boot ISO, stored as an absolute path.
func (c *Container) SetISOPath(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	c.mu.Lock()
	c.isoPath = abs
	c.mu.Unlock()
}

// SetMemory sets the domain memory in MiB.
func (c *Container) SetMemory(mib int) {
	c.mu.Lock()
	c.memoryMiB = mib
	c.mu.Unlock()
}

// SetVCPUs sets the domain vCPU count.
func (c *Container) SetVCPUs(n int) {
	c.mu.Lock()
	c.vcpus = n
	c.mu.Unlock()
}

// SetNATInterface sets the bridge the domain NIC attaches to.
func (c *Container) SetNATInterface(name string) {
	c.mu.Lock()
	c.natInterface = name
	c.mu.Unlock()
}

// IsDomainRunning reports whether the domain is defined and active.
func (c *Container) IsDomainRunning() bool {
	c.mu.Lock()
	dom := c.dom
	c.mu.Unlock()

	if dom == nil {
		return false
	}
	active, err := dom.IsActive()
	return err == nil && active
}

// domainXML is the guest definition submitted to libvirt: CD-ROM boot
// from the ISO, one virtio NIC on the NAT bridge, virtio memballoon.
var domainXMLTemplate = template.Must(template.New("domain").Parse(`<domain type='{{.DomainType}}'>
  <name>{{.UUID}}</name>
  <uuid>{{.UUID}}</uuid>
  <memory unit='MiB'>{{.MemoryMiB}}</memory>
  <vcpu placement='static'>{{.VCPUs}}</vcpu>
  <os>
    <type arch='x86_64' machine='pc'>hvm</type>
    <boot dev='cdrom'/>
  </os>
  <features>
    <acpi/>
    <apic/>
    <vmport state='off'/>
  </features>
  <clock offset='utc'>
    <timer name='rtc' tickpolicy='catchup'/>
    <timer name='pit' tickpolicy='delay'/>
    <timer name='hpet' present='no'/>
  </clock>
  <devices>
    <disk type='file' device='cdrom'>
      <driver name='qemu' type='raw'/>
      <source file='{{.ISOPath}}'/>
      <target dev='hda' bus='ide'/>
      <address type='drive' controller='0' bus='0' target='0' unit='0'/>
    </disk>
    <interface type='bridge'>
      <source bridge='{{.NATInterface}}'/>
      <model type='virtio'/>
    </interface>
    <memballoon model='virtio'>
      <address type='pci' domain='0x0000' bus='0x00' slot='0x07' function='0x0'/>
    </memballoon>
  </devices>
</domain>
`))

func (c *Container) renderDomainXML() (string, error) {
	c.mu.Lock()
	args := struct {
		DomainType   string
		UUID         string
		MemoryMiB    int
		VCPUs        int
		ISOPath      string
		NATInterface string
	}{c.domainType, c.uuid, c.memoryMiB, c.vcpus, c.isoPath, c.natInterface}
	c.mu.Unlock()

	var buf bytes.Buffer
	if err := domainXMLTemplate.Execute(&buf, args); err != nil {
		return "", fmt.Errorf("render domain XML: %w", err)
	}
	return buf.String(), nil
}

// StartDomain defines and boots the domain, then (with waitAvailable)
// polls once per second until the domain holds a DHCP lease, up to
// maxTryouts attempts. The hypervisor connection is opened per call;
// the returned domain handle keeps it referenced.
func (c *Container) StartDomain(waitAvailable bool, maxTryouts int) error {
	if c.IsDomainRunning() {
		return ErrDomainAlreadyRunning
	}
	if c.ISOPath() == "" {
		return errors.New("container domain ISO file path is not set")
	}
	if maxTryouts <= 0 {
		maxTryouts = DefaultWaitMaxTryouts
	}

	domXML, err := c.renderDomainXML()
	if err != nil {
		return err
	}

	conn, err := libvirt.NewConnect(c.driverURI)
	if err != nil {
		return fmt.Errorf("connect to hypervisor: %w", err)
	}
	defer conn.Close()

	dom, err := conn.DomainDefineXML(domXML)
	if err != nil {
		return fmt.Errorf("define domain %s: %w", c.uuid, err)
	}
	if err := dom.Create(); err != nil {
		dom.Undefine()
		dom.Free()
		return fmt.Errorf("start domain %s: %w", c.uuid, err)
	}

	c.mu.Lock()
	c.dom = dom
	c.mu.Unlock()

	if waitAvailable {
		for tryout := 0; tryout < maxTryouts; tryout++ {
			ip, err := c.IP()
			if err == nil && ip != "" {
				return nil
			}
			time.Sleep(time.Second)
		}
		return fmt.Errorf("%w after %d tryouts", ErrDomainUnreachable, maxTryouts)
	}
	return nil
}

// StopDomain forcefully tears the domain down. Stopping a stopped
// domain returns ErrDomainNotRunning.
func (c *Container) StopDomain() error {
	c.mu.Lock()
	dom := c.dom
	c.mu.Unlock()

	if dom == nil || !c.IsDomainRunning() {
		return ErrDomainNotRunning
	}

	if err := dom.Destroy(); err != nil {
		return fmt.Errorf("destroy domain %s: %w", c.uuid, err)
	}
	dom.Undefine()
	dom.Free()

	c.mu.Lock()
	c.dom = nil
	c.mu.Unlock()
	return nil
}

// MAC extracts the NIC hardware address from the live domain XML.
func (c *Container) MAC() (string, error) {
	c.mu.Lock()
	dom := c.dom
	c.mu.Unlock()

	if dom == nil {
		return "", ErrDomainNotRunning
	}

	desc, err := dom.GetXMLDesc(0)
	if err != nil {
		return "", fmt.Errorf("read domain XML: %w", err)
	}

	var cfg libvirtxml.Domain
	if err := cfg.Unmarshal(desc); err != nil {
		return "", fmt.Errorf("parse domain XML: %w", err)
	}
	if cfg.Devices == nil {
		return "", errors.New("domain has no devices")
	}
	for _, iface := range cfg.Devices.Interfaces {
		if iface.MAC != nil && iface.MAC.Address != "" {
			return iface.MAC.Address, nil
		}
	}
	return "", errors.New("domain has no interface MAC")
}

// IP resolves the domain's IPv4 address by matching its MAC against
// the dnsmasq lease status file for the NAT bridge. An empty string
// with nil error means no lease yet.
func (c *Container) IP() (string, error) {
	mac, err := c.MAC()
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	statusPath := filepath.Join(c.leaseDir, c.natInterface+".status")
	c.mu.Unlock()

	return lookupLeaseIP(statusPath, mac)
}

// lookupLeaseIP parses a dnsmasq status file (a JSON array of lease
// objects) and returns the ip-address entry matching the MAC.
func lookupLeaseIP(statusPath, mac string) (string, error) {
	data, err := os.ReadFile(statusPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read lease status: %w", err)
	}

	var leases []struct {
		MACAddress string `json:"mac-address"`
		IPAddress  string `json:"ip-address"`
	}
	if err := json.Unmarshal(data, &leases); err != nil {
		return "", fmt.Errorf("parse lease status: %w", err)
	}

	for _, lease := range leases {
		if lease.MACAddress == mac {
			return lease.IPAddress, nil
		}
	}
	return "", nil
}

// ISOChecksum computes the SHA-256 of the boot ISO on disk.
func (c *Container) ISOChecksum() (string, error) {
	path := c.ISOPath()
	if path == "" {
		return "", errors.New("container domain ISO file path is not set")
	}

	fd, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open ISO: %w", err)
	}
	defer fd.Close()

	h := sha256.New()
	if _, err := io.Copy(h, fd); err != nil {
		return "", fmt.Errorf("checksum ISO: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CreateEndpointShell builds the administrative SSH shell for a
// running, reachable domain. The shell is returned closed.
func (c *Container) CreateEndpointShell(creds EndpointCredentials) (*EndpointShell, error) {
	if !c.IsDomainRunning() {
		return nil, ErrDomainNotRunning
	}
	ip, err := c.IP()
	if err != nil {
		return nil, err
	}
	if ip == "" {
		return nil, ErrDomainUnreachable
	}
	return NewEndpointShell(ip, creds), nil
}
