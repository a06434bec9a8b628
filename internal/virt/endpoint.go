package virt

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Defaults for the administrative endpoint shell.
const (
	DefaultEndpointUsername = "endpoint"
	DefaultEndpointPassword = "endpoint"
	DefaultEndpointPort     = 22

	// ClientPasswordLength is the generated client password length.
	ClientPasswordLength = 120

	containerSetupScript = "/bin/nerthus_container_setup.sh"

	sshDialTimeout = 10 * time.Second
)

// ErrAdminSetupFailed is returned when the in-guest setup script
// produces any output, which it does only on failure.
var ErrAdminSetupFailed = errors.New("container administration script failed")

// ErrShellClosed is returned by operations requiring an open shell.
var ErrShellClosed = errors.New("endpoint shell is closed")

// EndpointCredentials authenticate the administrative SSH account
// baked into the container image.
type EndpointCredentials struct {
	Username string
	Password string
	Port     int
}

// EndpointShell is the SSH control channel into a booted container,
// used once per session to provision the client account. Host keys
// are not verified: the guest is a throwaway VM on a host-local
// bridge, reached right after boot.
type EndpointShell struct {
	mu sync.Mutex

	containerIP string
	creds       EndpointCredentials

	clientUsername string
	clientPassword string

	client *ssh.Client
}

// NewEndpointShell builds a closed shell for the container at the
// given IP. Zero-value credential fields fall back to the defaults.
func NewEndpointShell(containerIP string, creds EndpointCredentials) *EndpointShell {
	if creds.Username == "" {
		creds.Username = DefaultEndpointUsername
	}
	if creds.Password == "" {
		creds.Password = DefaultEndpointPassword
	}
	if creds.Port == 0 {
		creds.Port = DefaultEndpointPort
	}
	return &EndpointShell{containerIP: containerIP, creds: creds}
}

// ContainerIP returns the target container address.
func (s *EndpointShell) ContainerIP() string { return s.containerIP }

// IsClosed reports whether no SSH connection is open.
func (s *EndpointShell) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client == nil
}

// StoredClientCredentials returns the last generated or stored client
// account credentials.
func (s *EndpointShell) StoredClientCredentials() (username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientUsername, s.clientPassword
}

// StoreClientCredentials records client account credentials for a
// later AdministrateContainer call.
func (s *EndpointShell) StoreClientCredentials(username, password string) {
	s.mu.Lock()
	s.clientUsername = username
	s.clientPassword = password
	s.mu.Unlock()
}

// GenerateClientCredentials creates and stores a fresh client account:
// a "user_NNNNN" username and a random alphanumeric password of the
// given length (ClientPasswordLength if <= 0).
func (s *EndpointShell) GenerateClientCredentials(passwordLength int) (username, password string, err error) {
	if passwordLength <= 0 {
		passwordLength = ClientPasswordLength
	}

	n, err := rand.Int(rand.Reader, big.NewInt(90000))
	if err != nil {
		return "", "", fmt.Errorf("generate client username: %w", err)
	}
	username = fmt.Sprintf("user_%d", 10000+n.Int64())

	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, passwordLength)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", "", fmt.Errorf("generate client password: %w", err)
		}
		buf[i] = alphabet[idx.Int64()]
	}
	password = string(buf)

	s.StoreClientCredentials(username, password)
	return username, password, nil
}

// OpenShell dials the container's SSH endpoint with the administrative
// credentials.
func (s *EndpointShell) OpenShell() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return errors.New("endpoint shell is already open")
	}

	cfg := &ssh.ClientConfig{
		User:            s.creds.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(s.creds.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}

	addr := net.JoinHostPort(s.containerIP, strconv.Itoa(s.creds.Port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return fmt.Errorf("open endpoint shell to %s: %w", addr, err)
	}
	s.client = client
	return nil
}

// ExecuteCommand runs one command over the open shell and captures its
// output. A non-zero guest exit status surfaces as err with the
// captured output still returned.
func (s *EndpointShell) ExecuteCommand(command string) (stdout, stderr string, err error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client == nil {
		return "", "", ErrShellClosed
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("open SSH session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	err = session.Run(command)
	return outBuf.String(), errBuf.String(), err
}

// AdministrateContainer runs the in-guest setup script with the stored
// client credentials, then closes the shell. The script prints nothing
// on success; any output means failure. Credentials are passed on the
// command line inside the guest only and never logged.
func (s *EndpointShell) AdministrateContainer() error {
	username, password := s.StoredClientCredentials()
	if username == "" || password == "" {
		return errors.New("client credentials are not set")
	}

	command := fmt.Sprintf("sudo %s %s %s %d",
		containerSetupScript, username, password, s.creds.Port)

	stdout, stderr, err := s.ExecuteCommand(command)
	if err != nil {
		return fmt.Errorf("run container setup script: %w", err)
	}
	if stdout != "" || stderr != "" {
		return fmt.Errorf("%w: %s%s", ErrAdminSetupFailed, stdout, stderr)
	}
	return s.CloseShell()
}

// CloseShell closes the SSH connection. Closing a closed shell is a
// no-op.
func (s *EndpointShell) CloseShell() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}
