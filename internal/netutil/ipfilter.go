package netutil

import "slices"

// WildcardIP matches any address in filter lists.
const WildcardIP = "any"

// IPFilter screens client addresses against a denied and an allowed
// list. An explicitly denied address never passes. Denying the
// wildcard flips the filter into allowlist mode: only addresses on the
// allowed list (or the allowed wildcard) pass.
type IPFilter struct {
	Allowed []string
	Denied  []string
}

// Accepts reports whether a client at the given address may connect.
func (f *IPFilter) Accepts(ip string) bool {
	if slices.Contains(f.Denied, ip) {
		return false
	}
	if slices.Contains(f.Denied, WildcardIP) {
		return slices.Contains(f.Allowed, ip) || slices.Contains(f.Allowed, WildcardIP)
	}
	return true
}
