package hycast

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

type inAddrKind uint8

// Kind order matters: IPv4 sorts before IPv6 sorts before hostnames.
const (
	inAddrV4 inAddrKind = iota
	inAddrV6
	inAddrName
)

// InAddr is an internet address: an IPv4 address, an IPv6 address or a
// hostname. Comparable, so it can key maps directly.
type InAddr struct {
	kind inAddrKind
	ip   netip.Addr // set for inAddrV4 and inAddrV6
	name string     // set for inAddrName
}

// InAddrFromIP wraps a parsed IP address.
func InAddrFromIP(ip netip.Addr) InAddr {
	ip = ip.Unmap()
	if ip.Is4() {
		return InAddr{kind: inAddrV4, ip: ip}
	}
	return InAddr{kind: inAddrV6, ip: ip}
}

// InAddrFromName wraps a hostname.
func InAddrFromName(name string) InAddr {
	return InAddr{kind: inAddrName, name: name}
}

// ParseInAddr parses either an IP literal or a hostname.
func ParseInAddr(s string) InAddr {
	if ip, err := netip.ParseAddr(s); err == nil {
		return InAddrFromIP(ip)
	}
	return InAddrFromName(s)
}

// IsSet reports whether the address holds a value. The zero InAddr is
// unset.
func (a InAddr) IsSet() bool {
	if a.kind == inAddrName {
		return a.name != ""
	}
	return a.ip.IsValid()
}

// Compare orders addresses by kind (v4 < v6 < name), then by payload.
func (a InAddr) Compare(b InAddr) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	if a.kind == inAddrName {
		return strings.Compare(a.name, b.name)
	}
	return a.ip.Compare(b.ip)
}

func (a InAddr) String() string {
	if a.kind == inAddrName {
		return a.name
	}
	return a.ip.String()
}

// SockAddr is an internet address plus a port number. Peers are keyed by
// the remote SockAddr; its ordering gives deterministic tie-breaks.
type SockAddr struct {
	Addr InAddr
	Port uint16
}

// ParseSockAddr parses "host:port" where host is an IP literal or name.
func ParseSockAddr(s string) (SockAddr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return SockAddr{}, fmt.Errorf("invalid socket address %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return SockAddr{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	return SockAddr{Addr: ParseInAddr(host), Port: uint16(port)}, nil
}

// SockAddrFromNetAddr converts a net.Addr as returned by the net package.
func SockAddrFromNetAddr(addr net.Addr) SockAddr {
	if ap, err := netip.ParseAddrPort(addr.String()); err == nil {
		return SockAddr{Addr: InAddrFromIP(ap.Addr()), Port: ap.Port()}
	}
	sa, _ := ParseSockAddr(addr.String())
	return sa
}

// Compare orders socket addresses by address then port.
func (sa SockAddr) Compare(other SockAddr) int {
	if c := sa.Addr.Compare(other.Addr); c != 0 {
		return c
	}
	switch {
	case sa.Port < other.Port:
		return -1
	case sa.Port > other.Port:
		return 1
	}
	return 0
}

func (sa SockAddr) String() string {
	return net.JoinHostPort(sa.Addr.String(), strconv.FormatUint(uint64(sa.Port), 10))
}
