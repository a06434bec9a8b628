package netutil

import (
	"net"
	"testing"
)

func TestIsPortBindable_HeldPort(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	if IsPortBindable(port) {
		t.Errorf("IsPortBindable(%d) = true for a held port", port)
	}
}

func TestIsPortBindable_FreePort(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	if !IsPortBindable(port) {
		t.Errorf("IsPortBindable(%d) = false for a released port", port)
	}
}

func TestIsValidIPv4(t *testing.T) {
	valid := []string{"127.0.0.1", "192.168.1.254", "0.0.0.0"}
	for _, s := range valid {
		if !IsValidIPv4(s) {
			t.Errorf("IsValidIPv4(%q) = false, want true", s)
		}
	}

	invalid := []string{"", "any", "256.1.1.1", "::1", "10.0.0", "a.b.c.d"}
	for _, s := range invalid {
		if IsValidIPv4(s) {
			t.Errorf("IsValidIPv4(%q) = true, want false", s)
		}
	}
}

func TestIPFilter(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		denied  []string
		ip      string
		want    bool
	}{
		{"empty filter accepts", nil, nil, "10.0.0.1", true},
		{"explicit deny", nil, []string{"10.0.0.1"}, "10.0.0.1", false},
		{"deny does not affect others", nil, []string{"10.0.0.1"}, "10.0.0.2", true},
		{"deny any blocks unlisted", nil, []string{"any"}, "10.0.0.1", false},
		{"deny any passes allowed", []string{"10.0.0.1"}, []string{"any"}, "10.0.0.1", true},
		{"allow any with deny any", []string{"any"}, []string{"any"}, "10.0.0.9", true},
		{"explicit deny beats allow", []string{"10.0.0.1"}, []string{"10.0.0.1"}, "10.0.0.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &IPFilter{Allowed: tt.allowed, Denied: tt.denied}
			if got := f.Accepts(tt.ip); got != tt.want {
				t.Errorf("Accepts(%q) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}
