// Package cidrset matches an IP address against a configured list of
// single addresses and CIDR prefixes, used to gate the abuse-report sink
// on a safe-list.
package cidrset

import (
	"fmt"
	"net/netip"
)

// Set is an immutable collection of IPv4 and IPv6 prefixes.
type Set struct {
	prefixes []netip.Prefix
}

// Parse builds a Set from config DSL entries, each either a bare IP
// ("192.168.1.1") or a CIDR ("10.0.0.0/8"). A bare IP is treated as a
// single-address prefix (/32 or /128).
func Parse(entries []string) (*Set, error) {
	s := &Set{prefixes: make([]netip.Prefix, 0, len(entries))}
	for _, e := range entries {
		p, err := parseOne(e)
		if err != nil {
			return nil, err
		}
		s.prefixes = append(s.prefixes, p)
	}
	return s, nil
}

func parseOne(entry string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(entry); err == nil {
		return p, nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("cidrset: invalid address or CIDR %q: %w", entry, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Contains reports whether ip falls within any configured prefix. Address
// families never cross-match: an IPv4 address is never contained by an
// IPv6 prefix and vice versa, matching net/netip's own family-strict
// Prefix.Contains semantics.
func (s *Set) Contains(ip netip.Addr) bool {
	if s == nil {
		return false
	}
	for _, p := range s.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// ContainsString parses raw as an IP address (optionally with a zone, no
// port) and reports whether it is contained in s. An unparsable address is
// never contained.
func ContainsString(s *Set, raw string) bool {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return false
	}
	return s.Contains(addr)
}
