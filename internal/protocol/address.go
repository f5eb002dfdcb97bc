package protocol

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// AddressType is the destination address encoding in a request header.
type AddressType byte

const (
	AddrIPv4   AddressType = 1
	AddrDomain AddressType = 2
	AddrIPv6   AddressType = 3
)

// Address is a tunnel destination.
type Address struct {
	Type   AddressType
	IP     netip.Addr // set for AddrIPv4 and AddrIPv6
	Domain string     // set for AddrDomain
	Port   uint16
}

// Host returns the host part of the address.
func (a Address) Host() string {
	if a.Type == AddrDomain {
		return a.Domain
	}
	return a.IP.String()
}

// String returns the address in host:port form.
func (a Address) String() string {
	return net.JoinHostPort(a.Host(), strconv.Itoa(int(a.Port)))
}

// ParseAddress parses host:port into an Address. IP literals become
// AddrIPv4/AddrIPv6; everything else is a domain.
func ParseAddress(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("parse port %q: %w", portStr, err)
	}
	return NewAddress(host, uint16(port))
}

// NewAddress builds an Address from a host and port.
func NewAddress(host string, port uint16) (Address, error) {
	if host == "" {
		return Address{}, fmt.Errorf("empty host")
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		ip = ip.Unmap()
		if ip.Is4() {
			return Address{Type: AddrIPv4, IP: ip, Port: port}, nil
		}
		return Address{Type: AddrIPv6, IP: ip.WithZone(""), Port: port}, nil
	}
	if len(host) > 255 {
		return Address{}, fmt.Errorf("domain too long: %d bytes", len(host))
	}
	return Address{Type: AddrDomain, Domain: host, Port: port}, nil
}
