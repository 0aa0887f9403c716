package probe

import (
	"net/netip"
	"strings"
)

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// NormalizeAddress maps a bind address to its canonical form. Loopback binds
// become 127.0.0.1 and wildcard binds become 0.0.0.0. Private, link-local and
// carrier-grade NAT unicast addresses are kept with any zone stripped.
// Anything else (public, multicast) is rejected.
func NormalizeAddress(a string) (string, bool) {
	a = strings.TrimSpace(a)
	a = strings.TrimPrefix(a, "[")
	a = strings.TrimSuffix(a, "]")
	if a == "" || a == "*" {
		return "0.0.0.0", true
	}
	if i := strings.IndexByte(a, '%'); i >= 0 {
		a = a[:i]
	}
	ip, err := netip.ParseAddr(a)
	if err != nil {
		if strings.EqualFold(a, "localhost") {
			return "127.0.0.1", true
		}
		return "", false
	}
	ip = ip.Unmap()
	switch {
	case ip.IsLoopback():
		return "127.0.0.1", true
	case ip.IsUnspecified():
		return "0.0.0.0", true
	case ip.IsPrivate(), ip.IsLinkLocalUnicast(), cgnat.Contains(ip):
		return ip.String(), true
	}
	return "", false
}

// splitHostPort splits "host:port" where host may be bracketed or be "*".
func splitHostPort(s string) (string, string, bool) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
