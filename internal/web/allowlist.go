package web

import (
	"fmt"
	"net/netip"
	"strings"
)

// Allowlist restricts the ops surface to a set of source prefixes.
type Allowlist struct {
	prefixes []netip.Prefix
}

// ParseAllowlist builds an allowlist from CIDR or bare-address entries. An
// empty input means no restriction. "localhost" expands to both loopback
// families.
func ParseAllowlist(entries []string) (*Allowlist, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.EqualFold(entry, "localhost") {
			prefixes = append(prefixes, netip.MustParsePrefix("127.0.0.1/32"))
			prefixes = append(prefixes, netip.MustParsePrefix("::1/128"))
			continue
		}
		prefix, err := parseAllowlistEntry(entry)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, prefix)
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &Allowlist{prefixes: prefixes}, nil
}

func (a *Allowlist) Allows(host string) bool {
	if a == nil {
		return true
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if trimmed, _, ok := strings.Cut(host, "%"); ok {
		host = trimmed
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	for _, prefix := range a.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseAllowlistEntry(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid ops allowlist prefix %q", entry)
		}
		return prefix, nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid ops allowlist address %q", entry)
	}
	bits := 128
	if addr.Is4() {
		bits = 32
	}
	return netip.PrefixFrom(addr, bits), nil
}
