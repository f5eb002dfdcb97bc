package session

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/philsphicas/tunl/internal/protocol"
)

// AllowList restricts which destinations a session may dial. The zero value
// allows everything.
//
// Entries are "host:port" or "host:*", or "*" for everything. A host is an
// IP address, a CIDR prefix or a domain name. Domain entries only match
// requests that name the same domain; they are never resolved, so an IP
// destination has to be covered by an address or prefix entry.
type AllowList struct {
	all     bool
	entries []allowEntry
}

type allowEntry struct {
	prefix  netip.Prefix // valid for address and prefix entries
	domain  string       // lower case, for domain entries
	port    uint16
	anyPort bool
}

// ParseAllowList parses allowlist entries. An empty list allows every
// destination.
func ParseAllowList(entries []string) (AllowList, error) {
	var l AllowList
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "*" {
			l.all = true
			continue
		}
		e, err := parseAllowEntry(raw)
		if err != nil {
			return AllowList{}, err
		}
		l.entries = append(l.entries, e)
	}
	return l, nil
}

func parseAllowEntry(raw string) (allowEntry, error) {
	// The port follows the last colon; IPv6 hosts may be bare or bracketed.
	i := strings.LastIndexByte(raw, ':')
	if i < 0 {
		return allowEntry{}, fmt.Errorf("allowlist entry %q: missing port", raw)
	}
	host, port := raw[:i], raw[i+1:]
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return allowEntry{}, fmt.Errorf("allowlist entry %q: missing host", raw)
	}

	var e allowEntry
	if port == "*" {
		e.anyPort = true
	} else {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil || p == 0 {
			return allowEntry{}, fmt.Errorf("allowlist entry %q: bad port %q", raw, port)
		}
		e.port = uint16(p)
	}

	if prefix, err := netip.ParsePrefix(host); err == nil {
		e.prefix = netip.PrefixFrom(prefix.Addr().Unmap(), unmappedBits(prefix)).Masked()
		return e, nil
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		e.prefix = netip.PrefixFrom(addr, addr.BitLen())
		return e, nil
	}
	e.domain = strings.ToLower(strings.TrimSuffix(host, "."))
	return e, nil
}

// unmappedBits converts the prefix length of an IPv4-mapped IPv6 prefix to
// its IPv4 length.
func unmappedBits(p netip.Prefix) int {
	if p.Addr().Is4In6() {
		return max(p.Bits()-96, 0)
	}
	return p.Bits()
}

// Allows reports whether dest may be dialed.
func (l AllowList) Allows(dest protocol.Address) bool {
	if l.all || len(l.entries) == 0 {
		return true
	}
	domain := strings.ToLower(strings.TrimSuffix(dest.Domain, "."))
	ip := dest.IP.Unmap()
	for _, e := range l.entries {
		if !e.anyPort && e.port != dest.Port {
			continue
		}
		if dest.Type == protocol.AddrDomain {
			if e.domain != "" && e.domain == domain {
				return true
			}
			continue
		}
		if e.prefix.IsValid() && e.prefix.Contains(ip) {
			return true
		}
	}
	return false
}
