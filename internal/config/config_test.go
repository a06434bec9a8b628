package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalYAML = `
server:
  rsa_private_key_file_path: /etc/nerthus/rsa.pem
container:
  iso_file_path: /srv/iso/container.iso
`

func loadFrom(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return Load(path)
}

func TestLoadMinimal(t *testing.T) {
	cfg, err := loadFrom(t, minimalYAML)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.BindAddress != BindAny {
		t.Errorf("BindAddress = %q, want %q", cfg.Server.BindAddress, BindAny)
	}
	if cfg.Server.ListenPort != 6150 {
		t.Errorf("ListenPort = %d, want 6150", cfg.Server.ListenPort)
	}
	if cfg.Container.MemoryMiB != 2048 || cfg.Container.VCPUs != 2 {
		t.Errorf("container defaults = %d MiB / %d vcpus", cfg.Container.MemoryMiB, cfg.Container.VCPUs)
	}
	if cfg.Container.NATInterfaceName != "virbr0" {
		t.Errorf("NATInterfaceName = %q", cfg.Container.NATInterfaceName)
	}
	if cfg.PortForwarding.PortRangeBegin != 10000 || cfg.PortForwarding.PortRangeEnd != 15000 {
		t.Errorf("port range = [%d, %d)", cfg.PortForwarding.PortRangeBegin, cfg.PortForwarding.PortRangeEnd)
	}
	if cfg.WebServer.ListenPort != 8080 {
		t.Errorf("web listen port = %d", cfg.WebServer.ListenPort)
	}
	if cfg.LogRotation.Action != RotationActionDelete {
		t.Errorf("rotation action = %q", cfg.LogRotation.Action)
	}
	if cfg.EngineBindAddress() != "" {
		t.Errorf("EngineBindAddress = %q, want empty", cfg.EngineBindAddress())
	}
}

func TestLoadFull(t *testing.T) {
	cfg, err := loadFrom(t, `
server:
  bind_address: 192.168.1.10
  listen_port: 7000
  timeout: 15
  rsa_private_key_file_path: /etc/nerthus/rsa.pem
  log_file_path: /var/log/nerthus/server.log
  pid_file_path: /run/nerthus.pid
container:
  iso_file_path: /srv/iso/container.iso
  max_allowed_running_container_domains: 6
  memory: 1024
  vcpus: 1
  endpoint_listen_port: 2222
port_forwarding:
  port_range_begin: 20000
  port_range_end: 20100
web_server:
  enabled: true
  listen_port: 8443
  enable_ssl: true
  ssl_certificate_file_path: /etc/nerthus/cert.pem
  ssl_private_key_file_path: /etc/nerthus/key.pem
ip_filter:
  enabled: true
  allowed_ip_list: ["any"]
  denied_ip_list: ["10.0.0.9"]
access_token:
  enabled: true
  database_file_path: /var/lib/nerthus/tokens.db
log_rotation:
  enabled: true
  max_log_lines_amount: 5000
  log_archive_folder_path: /var/log/nerthus/archive
  action: archive
`)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.EngineBindAddress() != "192.168.1.10" {
		t.Errorf("EngineBindAddress = %q", cfg.EngineBindAddress())
	}
	if cfg.Container.MaxRunning != 6 {
		t.Errorf("MaxRunning = %d", cfg.Container.MaxRunning)
	}
	if !cfg.WebServer.EnableSSL || cfg.WebServer.ListenPort != 8443 {
		t.Errorf("web server = %+v", cfg.WebServer)
	}
	if cfg.LogRotation.Action != RotationActionArchive {
		t.Errorf("rotation action = %q", cfg.LogRotation.Action)
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			"missing iso path",
			`server: {rsa_private_key_file_path: /k.pem}`,
			"iso_file_path",
		},
		{
			"missing rsa key path",
			`container: {iso_file_path: /i.iso}`,
			"rsa_private_key_file_path",
		},
		{
			"memory too low",
			`
server: {rsa_private_key_file_path: /k.pem}
container: {iso_file_path: /i.iso, memory: 128}
`,
			"256 MiB",
		},
		{
			"port range narrower than capacity",
			`
server: {rsa_private_key_file_path: /k.pem}
container: {iso_file_path: /i.iso, max_allowed_running_container_domains: 50}
port_forwarding: {port_range_begin: 20000, port_range_end: 20010}
`,
			"cannot cover",
		},
		{
			"inverted port range",
			`
server: {rsa_private_key_file_path: /k.pem}
container: {iso_file_path: /i.iso}
port_forwarding: {port_range_begin: 20010, port_range_end: 20000}
`,
			"must be below",
		},
		{
			"unknown rotation action",
			`
server: {rsa_private_key_file_path: /k.pem}
container: {iso_file_path: /i.iso}
log_rotation: {enabled: true, max_log_lines_amount: 100, action: compress}
`,
			"log_rotation.action",
		},
		{
			"ssl without key material",
			`
server: {rsa_private_key_file_path: /k.pem}
container: {iso_file_path: /i.iso}
web_server: {enabled: true, enable_ssl: true}
`,
			"SSL",
		},
		{
			"bad filter entry",
			`
server: {rsa_private_key_file_path: /k.pem}
container: {iso_file_path: /i.iso}
ip_filter: {enabled: true, denied_ip_list: ["10.0.0.256"]}
`,
			"ip_filter entry",
		},
		{
			"token auth without database",
			`
server: {rsa_private_key_file_path: /k.pem}
container: {iso_file_path: /i.iso}
access_token: {enabled: true}
`,
			"database_file_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadFrom(t, tt.yaml)
			if err == nil {
				t.Fatal("invalid configuration accepted")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestOnetimeKeysSkipKeyPath(t *testing.T) {
	cfg, err := loadFrom(t, `
server: {enable_onetime_rsa_keys: true}
container: {iso_file_path: /i.iso}
`)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Server.EnableOnetimeRSAKeys {
		t.Error("EnableOnetimeRSAKeys not set")
	}
}

func TestBadBindAddress(t *testing.T) {
	_, err := loadFrom(t, `
server: {bind_address: "not-an-ip", rsa_private_key_file_path: /k.pem}
container: {iso_file_path: /i.iso}
`)
	if err == nil || !strings.Contains(err.Error(), "bind_address") {
		t.Errorf("error = %v, want bind_address violation", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
