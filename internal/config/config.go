// Package config loads and validates the YAML server configuration.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/nerthus-project/nerthusd/internal/forwarding"
	"github.com/nerthus-project/nerthusd/internal/netutil"
	"github.com/nerthus-project/nerthusd/internal/server"
	"github.com/nerthus-project/nerthusd/internal/virt"
	"github.com/nerthus-project/nerthusd/internal/web"
)

// DefaultPath is where the daemon looks for its configuration.
const DefaultPath = "/etc/nerthus/config.yaml"

// BindAny in bind_address and filter lists matches every address.
const BindAny = "any"

// Log rotation actions.
const (
	RotationActionDelete  = "delete"
	RotationActionArchive = "archive"
)

// Config is the full configuration file.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Container      ContainerConfig      `yaml:"container"`
	PortForwarding PortForwardingConfig `yaml:"port_forwarding"`
	WebServer      WebServerConfig      `yaml:"web_server"`
	IPFilter       IPFilterConfig       `yaml:"ip_filter"`
	AccessToken    AccessTokenConfig    `yaml:"access_token"`
	LogRotation    LogRotationConfig    `yaml:"log_rotation"`
}

// ServerConfig configures the binary protocol listener and the
// process-level paths.
type ServerConfig struct {
	BindAddress          string `yaml:"bind_address"`
	ListenPort           int    `yaml:"listen_port"`
	TimeoutSeconds       int    `yaml:"timeout"`
	EnableOnetimeRSAKeys bool   `yaml:"enable_onetime_rsa_keys"`
	RSAPrivateKeyPath    string `yaml:"rsa_private_key_file_path"`
	LogFilePath          string `yaml:"log_file_path"`
	PIDFilePath          string `yaml:"pid_file_path"`
}

// ContainerConfig configures the container domains.
type ContainerConfig struct {
	ISOFilePath        string `yaml:"iso_file_path"`
	MaxRunning         int    `yaml:"max_allowed_running_container_domains"`
	MemoryMiB          int    `yaml:"memory"`
	VCPUs              int    `yaml:"vcpus"`
	NATInterfaceName   string `yaml:"nat_interface_name"`
	EndpointUsername   string `yaml:"endpoint_username"`
	EndpointPassword   string `yaml:"endpoint_password"`
	EndpointListenPort int    `yaml:"endpoint_listen_port"`
}

// PortForwardingConfig bounds the host port range relays draw from.
type PortForwardingConfig struct {
	PortRangeBegin int `yaml:"port_range_begin"`
	PortRangeEnd   int `yaml:"port_range_end"`
}

// WebServerConfig configures the HTTP surface.
type WebServerConfig struct {
	Enabled            bool   `yaml:"enabled"`
	ListenPort         int    `yaml:"listen_port"`
	EnableSSL          bool   `yaml:"enable_ssl"`
	SSLCertificatePath string `yaml:"ssl_certificate_file_path"`
	SSLPrivateKeyPath  string `yaml:"ssl_private_key_file_path"`
}

// IPFilterConfig configures client address screening.
type IPFilterConfig struct {
	Enabled       bool     `yaml:"enabled"`
	AllowedIPList []string `yaml:"allowed_ip_list"`
	DeniedIPList  []string `yaml:"denied_ip_list"`
}

// AccessTokenConfig configures access-token authentication.
type AccessTokenConfig struct {
	Enabled          bool   `yaml:"enabled"`
	DatabaseFilePath string `yaml:"database_file_path"`
}

// LogRotationConfig configures the log rotation worker.
type LogRotationConfig struct {
	Enabled           bool   `yaml:"enabled"`
	MaxLogLines       int    `yaml:"max_log_lines_amount"`
	ArchiveFolderPath string `yaml:"log_archive_folder_path"`
	Action            string `yaml:"action"`
}

// Load reads and parses the file at path, fills defaults and
// validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.BindAddress == "" {
		c.Server.BindAddress = BindAny
	}
	if c.Server.ListenPort == 0 {
		c.Server.ListenPort = server.DefaultListenPort
	}
	if c.Container.MemoryMiB == 0 {
		c.Container.MemoryMiB = virt.DefaultMemoryMiB
	}
	if c.Container.VCPUs == 0 {
		c.Container.VCPUs = virt.DefaultVCPUs
	}
	if c.Container.NATInterfaceName == "" {
		c.Container.NATInterfaceName = virt.DefaultNATInterface
	}
	if c.Container.EndpointUsername == "" {
		c.Container.EndpointUsername = virt.DefaultEndpointUsername
	}
	if c.Container.EndpointPassword == "" {
		c.Container.EndpointPassword = virt.DefaultEndpointPassword
	}
	if c.Container.EndpointListenPort == 0 {
		c.Container.EndpointListenPort = virt.DefaultEndpointPort
	}
	if c.PortForwarding.PortRangeBegin == 0 {
		c.PortForwarding.PortRangeBegin = forwarding.DefaultPortRangeMin
	}
	if c.PortForwarding.PortRangeEnd == 0 {
		c.PortForwarding.PortRangeEnd = forwarding.DefaultPortRangeMax
	}
	if c.WebServer.ListenPort == 0 {
		c.WebServer.ListenPort = web.DefaultListenPort
	}
	if c.LogRotation.Action == "" {
		c.LogRotation.Action = RotationActionDelete
	}
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

func validFilterEntry(s string) bool {
	return s == BindAny || netutil.IsValidIPv4(s)
}

// Validate checks every cross-field constraint. The first violation is
// returned.
func (c *Config) Validate() error {
	if c.Server.BindAddress != BindAny && !netutil.IsValidIPv4(c.Server.BindAddress) {
		return fmt.Errorf("server.bind_address %q is not %q or an IPv4 address", c.Server.BindAddress, BindAny)
	}
	if !validPort(c.Server.ListenPort) {
		return fmt.Errorf("server.listen_port %d is out of range", c.Server.ListenPort)
	}
	if c.Server.TimeoutSeconds < 0 {
		return errors.New("server.timeout cannot be negative")
	}
	if !c.Server.EnableOnetimeRSAKeys && c.Server.RSAPrivateKeyPath == "" {
		return errors.New("server.rsa_private_key_file_path is required unless enable_onetime_rsa_keys is set")
	}

	if c.Container.ISOFilePath == "" {
		return errors.New("container.iso_file_path is required")
	}
	if c.Container.MaxRunning < 0 {
		return errors.New("container.max_allowed_running_container_domains cannot be negative")
	}
	if c.Container.MemoryMiB < 256 {
		return fmt.Errorf("container.memory %d MiB is below the 256 MiB minimum", c.Container.MemoryMiB)
	}
	if c.Container.VCPUs < 1 {
		return fmt.Errorf("container.vcpus %d is below 1", c.Container.VCPUs)
	}
	if !validPort(c.Container.EndpointListenPort) {
		return fmt.Errorf("container.endpoint_listen_port %d is out of range", c.Container.EndpointListenPort)
	}

	if !validPort(c.PortForwarding.PortRangeBegin) || !validPort(c.PortForwarding.PortRangeEnd) {
		return errors.New("port_forwarding range bounds are out of range")
	}
	if c.PortForwarding.PortRangeBegin >= c.PortForwarding.PortRangeEnd {
		return errors.New("port_forwarding.port_range_begin must be below port_range_end")
	}
	width := c.PortForwarding.PortRangeEnd - c.PortForwarding.PortRangeBegin
	if c.Container.MaxRunning > 0 && width < c.Container.MaxRunning {
		return fmt.Errorf("port_forwarding range width %d cannot cover %d containers", width, c.Container.MaxRunning)
	}

	if c.WebServer.Enabled {
		if !validPort(c.WebServer.ListenPort) {
			return fmt.Errorf("web_server.listen_port %d is out of range", c.WebServer.ListenPort)
		}
		if c.WebServer.EnableSSL && (c.WebServer.SSLCertificatePath == "" || c.WebServer.SSLPrivateKeyPath == "") {
			return errors.New("web_server SSL requires both certificate and private key paths")
		}
	}

	if c.IPFilter.Enabled {
		for _, entry := range append(append([]string{}, c.IPFilter.AllowedIPList...), c.IPFilter.DeniedIPList...) {
			if !validFilterEntry(entry) {
				return fmt.Errorf("ip_filter entry %q is not %q or an IPv4 address", entry, BindAny)
			}
		}
	}

	if c.AccessToken.Enabled && c.AccessToken.DatabaseFilePath == "" {
		return errors.New("access_token.database_file_path is required when enabled")
	}

	if c.LogRotation.Enabled {
		if c.LogRotation.MaxLogLines <= 0 {
			return errors.New("log_rotation.max_log_lines_amount must be positive")
		}
		switch c.LogRotation.Action {
		case RotationActionDelete:
		case RotationActionArchive:
			if c.LogRotation.ArchiveFolderPath == "" {
				return errors.New("log_rotation.log_archive_folder_path is required for the archive action")
			}
		default:
			return fmt.Errorf("log_rotation.action %q is not %q or %q", c.LogRotation.Action, RotationActionDelete, RotationActionArchive)
		}
	}

	return nil
}

// EngineBindAddress translates the configured bind address to the form
// net.Listen expects.
func (c *Config) EngineBindAddress() string {
	if c.Server.BindAddress == BindAny {
		return ""
	}
	return c.Server.BindAddress
}
