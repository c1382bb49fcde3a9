package security

import (
	"fmt"
	"net"
)

// NetworkAllowlist restricts clients to a set of CIDR ranges.
// An empty allowlist admits every address.
type NetworkAllowlist struct {
	nets []*net.IPNet
}

// NewNetworkAllowlist parses cidrs once at startup.
func NewNetworkAllowlist(cidrs []string) (*NetworkAllowlist, error) {
	a := &NetworkAllowlist{}
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("parse network %q: %w", c, err)
		}
		a.nets = append(a.nets, n)
	}
	return a, nil
}

// Allows checks whether the given address (host:port) belongs to one of the
// configured networks.
func (a *NetworkAllowlist) Allows(addr string) bool {
	if a == nil || len(a.nets) == 0 {
		return true
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, n := range a.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
