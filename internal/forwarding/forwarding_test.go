package forwarding

import (
	"errors"
	"os/exec"
	"testing"

	"github.com/google/uuid"
)

func TestCreateForwarder_Stored(t *testing.T) {
	p := NewPool(21000, 21010)

	cu := uuid.NewString()
	f, err := p.CreateForwarder("192.168.122.50", cu, 22, true)
	if err != nil {
		t.Fatal(err)
	}
	if f.ListenPort() < 21000 || f.ListenPort() >= 21010 {
		t.Errorf("ListenPort = %d, outside range", f.ListenPort())
	}
	if f.ContainerIP() != "192.168.122.50" || f.DestPort() != 22 {
		t.Errorf("target = %s:%d", f.ContainerIP(), f.DestPort())
	}

	// Stored: port leaves the available set, registry holds the UUID.
	if p.PortAvailable(f.ListenPort()) {
		t.Error("allocated port still in available set")
	}
	if p.AvailablePortCount() != 9 {
		t.Errorf("AvailablePortCount = %d, want 9", p.AvailablePortCount())
	}
	if p.GetForwarder(cu) != f {
		t.Error("forwarder not retrievable by container UUID")
	}
}

func TestCreateForwarder_Unstored(t *testing.T) {
	p := NewPool(21010, 21020)

	cu := uuid.NewString()
	f, err := p.CreateForwarder("192.168.122.51", cu, 22, false)
	if err != nil {
		t.Fatal(err)
	}
	if p.GetForwarder(cu) != nil {
		t.Error("unstored forwarder present in registry")
	}
	if !p.PortAvailable(f.ListenPort()) {
		t.Error("unstored forwarder consumed a port")
	}

	if err := p.StoreForwarder(f); err != nil {
		t.Fatal(err)
	}
	if p.PortAvailable(f.ListenPort()) {
		t.Error("port still available after store")
	}
}

func TestStoreForwarder_Duplicate(t *testing.T) {
	p := NewPool(21020, 21030)

	cu := uuid.NewString()
	if _, err := p.CreateForwarder("10.0.0.1", cu, 22, true); err != nil {
		t.Fatal(err)
	}
	_, err := p.CreateForwarder("10.0.0.2", cu, 22, true)
	if !errors.Is(err, ErrDuplicateForwarder) {
		t.Errorf("duplicate store = %v, want ErrDuplicateForwarder", err)
	}
}

func TestDeleteForwarder_ReturnsPort(t *testing.T) {
	p := NewPool(21030, 21040)

	cu := uuid.NewString()
	f, err := p.CreateForwarder("10.0.0.1", cu, 22, true)
	if err != nil {
		t.Fatal(err)
	}

	p.DeleteForwarder(cu, false)
	if p.GetForwarder(cu) != nil {
		t.Error("forwarder still registered after delete")
	}
	if !p.PortAvailable(f.ListenPort()) {
		t.Error("port not returned to available set")
	}

	// Deleting an unknown UUID is a no-op.
	p.DeleteForwarder(uuid.NewString(), true)
}

func TestPoolExhaustion(t *testing.T) {
	p := NewPool(21040, 21042)

	if _, err := p.CreateForwarder("10.0.0.1", uuid.NewString(), 22, true); err != nil {
		t.Fatal(err)
	}
	if _, err := p.CreateForwarder("10.0.0.2", uuid.NewString(), 22, true); err != nil {
		t.Fatal(err)
	}
	if _, err := p.CreateForwarder("10.0.0.3", uuid.NewString(), 22, true); !errors.Is(err, ErrNoAvailablePorts) {
		t.Errorf("exhausted pool = %v, want ErrNoAvailablePorts", err)
	}
}

func TestForwarder_StopBeforeStart(t *testing.T) {
	p := NewPool(21050, 21060)
	f, err := p.CreateForwarder("10.0.0.1", uuid.NewString(), 22, false)
	if err != nil {
		t.Fatal(err)
	}
	if f.IsForwarding() {
		t.Error("new forwarder reports forwarding")
	}
	if err := f.StopForward(); !errors.Is(err, ErrNotForwarding) {
		t.Errorf("StopForward before start = %v, want ErrNotForwarding", err)
	}
}

func TestForwarder_StartStop(t *testing.T) {
	if _, err := exec.LookPath("socat"); err != nil {
		t.Skip("socat not installed")
	}

	p := NewPool(21060, 21070)
	cu := uuid.NewString()
	f, err := p.CreateForwarder("127.0.0.1", cu, 22, true)
	if err != nil {
		t.Fatal(err)
	}

	if err := f.StartForward(); err != nil {
		t.Fatal(err)
	}
	if !f.IsForwarding() {
		t.Error("IsForwarding = false after start")
	}
	if err := f.StartForward(); !errors.Is(err, ErrAlreadyForwarding) {
		t.Errorf("double start = %v, want ErrAlreadyForwarding", err)
	}

	if err := f.StopForward(); err != nil {
		t.Fatal(err)
	}
	if f.IsForwarding() {
		t.Error("IsForwarding = true after stop")
	}
}
