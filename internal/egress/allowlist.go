package egress

import (
	"net"
	"strings"
)

// Allowlist matches hosts against exact names and "*.suffix" patterns.
// An empty Allowlist denies everything.
type Allowlist struct {
	exact    map[string]bool
	suffixes []string
}

// NewAllowlist builds an Allowlist from config entries.
func NewAllowlist(entries []string) *Allowlist {
	a := &Allowlist{exact: make(map[string]bool)}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if suffix, ok := strings.CutPrefix(e, "*."); ok {
			a.suffixes = append(a.suffixes, "."+suffix)
			continue
		}
		a.exact[e] = true
	}
	return a
}

// Allows reports whether host may be dialed. Ports and a trailing dot are ignored.
func (a *Allowlist) Allows(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return false
	}
	if a.exact[host] {
		return true
	}
	for _, s := range a.suffixes {
		if strings.HasSuffix(host, s) {
			return true
		}
	}
	return false
}

// Empty reports whether nothing is allowed.
func (a *Allowlist) Empty() bool {
	return len(a.exact) == 0 && len(a.suffixes) == 0
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
