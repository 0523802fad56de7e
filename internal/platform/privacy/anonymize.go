// Package privacy masks client identifiers before they reach logs and metrics.
package privacy

import (
	"net/netip"
)

// AnonymizeIP masks an address to its network: /24 for IPv4 (including
// IPv4-mapped IPv6) and /48 for IPv6. "unknown" is returned for empty input
// and "invalid" for anything that does not parse.
func AnonymizeIP(ip string) string {
	if ip == "" || ip == "unknown" {
		return "unknown"
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "invalid"
	}
	addr = addr.Unmap()

	bits := 48
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return "invalid"
	}
	return prefix.Addr().String()
}

// AnonymizeSubject shortens a subject identifier for operational logs where the
// full id belongs only in the audit trail.
func AnonymizeSubject(subject string) string {
	const keep = 6
	if subject == "" {
		return "unknown"
	}
	if len(subject) <= keep {
		return subject[:1] + "***"
	}
	return subject[:keep] + "***"
}
