// Package netutil provides small network checks used by the port
// forwarding pool and configuration validation.
package netutil

import (
	"net"
	"strconv"
)

// IsPortBindable reports whether a TCP listener can currently be opened
// on the given port on all interfaces. The probe listener is closed
// immediately.
func IsPortBindable(port int) bool {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// IsValidIPv4 reports whether s is a dotted-quad IPv4 address.
func IsValidIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}
