package wire

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// EndpointSize is the encoded size of an Endpoint.
const EndpointSize = 18

// Service bits advertised in Hello and Address payloads.
const (
	NodeNetwork   uint64 = 1 << 0
	NodeDelegated uint64 = 1 << 1
)

// Endpoint is an IP and port, compared by value.
type Endpoint struct {
	ap netip.AddrPort
}

// NewEndpoint builds an Endpoint, unmapping v4-in-v6 addresses.
func NewEndpoint(addr netip.Addr, port uint16) Endpoint {
	return Endpoint{ap: netip.AddrPortFrom(addr.Unmap(), port)}
}

// EndpointFromNetAddr converts a TCP address.
func EndpointFromNetAddr(addr net.Addr) (Endpoint, error) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		ip, ok := netip.AddrFromSlice(tcp.IP)
		if !ok {
			return Endpoint{}, fmt.Errorf("wire: invalid ip %v", tcp.IP)
		}
		return NewEndpoint(ip, uint16(tcp.Port)), nil
	}
	return ParseEndpoint(addr.String())
}

// ParseEndpoint parses "host:port" or "[v6]:port".
func ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("wire: parse endpoint %q: %w", s, err)
	}
	return NewEndpoint(ap.Addr(), ap.Port()), nil
}

// Addr returns the IP.
func (e Endpoint) Addr() netip.Addr { return e.ap.Addr() }

// Port returns the port.
func (e Endpoint) Port() uint16 { return e.ap.Port() }

// AddrPort returns the underlying netip value.
func (e Endpoint) AddrPort() netip.AddrPort { return e.ap }

// IsValid reports whether the endpoint holds an address.
func (e Endpoint) IsValid() bool { return e.ap.Addr().IsValid() }

// Is4 reports whether the endpoint is IPv4.
func (e Endpoint) Is4() bool { return e.ap.Addr().Is4() }

// String is the canonical pool key, "1.2.3.4:8806" or "[2001:db8::1]:8806".
func (e Endpoint) String() string { return e.ap.String() }

// Host returns the IP text without the port.
func (e Endpoint) Host() string { return e.ap.Addr().String() }

// Network returns "tcp4" or "tcp6".
func (e Endpoint) Network() string {
	if e.Is4() {
		return "tcp4"
	}
	return "tcp6"
}

// Dial returns the address string suitable for net.Dial.
func (e Endpoint) Dial() string {
	return net.JoinHostPort(e.Host(), strconv.Itoa(int(e.Port())))
}

// MarshalBinary encodes the 18-byte wire form.
func (e Endpoint) MarshalBinary() ([]byte, error) {
	var buf [EndpointSize]byte
	e.put(buf[:])
	return buf[:], nil
}

func (e Endpoint) put(dst []byte) {
	ip16 := e.ap.Addr().As16()
	copy(dst[:16], ip16[:])
	binary.BigEndian.PutUint16(dst[16:18], e.ap.Port())
}

// UnmarshalBinary decodes the 18-byte wire form.
func (e *Endpoint) UnmarshalBinary(data []byte) error {
	if len(data) != EndpointSize {
		return fmt.Errorf("endpoint length %d: %w", len(data), ErrMalformedPayload)
	}
	var ip16 [16]byte
	copy(ip16[:], data[:16])
	*e = NewEndpoint(netip.AddrFrom16(ip16), binary.BigEndian.Uint16(data[16:18]))
	return nil
}

var unroutablePrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("fe80::/64"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("2001:10::/28"),
	netip.MustParsePrefix("::1/128"),
}

// IsRoutable reports whether the endpoint is reachable from the public internet.
func (e Endpoint) IsRoutable() bool {
	addr := e.ap.Addr()
	if !addr.IsValid() || addr.IsUnspecified() {
		return false
	}
	for _, prefix := range unroutablePrefixes {
		if prefix.Contains(addr) {
			return false
		}
	}
	return true
}
