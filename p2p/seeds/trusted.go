package seeds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"dnseed/p2p/wire"
)

// Resolver looks up the addresses behind a trusted host name. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// DefaultResolver returns the Go runtime resolver.
func DefaultResolver() Resolver {
	return net.DefaultResolver
}

// ParseTrusted converts configured trusted entries into endpoints. Entries
// may be "ip", "ip:port" or "[v6]:port"; a missing port means defaultPort.
// Valid entries are returned even when others fail, and the failures are
// joined into the error.
func ParseTrusted(entries []string, defaultPort uint16) ([]wire.Endpoint, error) {
	return ResolveTrusted(context.Background(), nil, entries, defaultPort)
}

// ResolveTrusted is ParseTrusted with host name support. Names are looked up
// through resolver; with a nil resolver they are rejected.
func ResolveTrusted(ctx context.Context, resolver Resolver, entries []string, defaultPort uint16) ([]wire.Endpoint, error) {
	seen := make(map[wire.Endpoint]struct{}, len(entries))
	out := make([]wire.Endpoint, 0, len(entries))
	var errs []error
	for _, raw := range entries {
		host, port, err := splitTrusted(raw, defaultPort)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		addrs, err := lookupHost(ctx, resolver, host)
		if err != nil {
			errs = append(errs, fmt.Errorf("trusted address %q: %w", raw, err))
			continue
		}
		for _, addr := range addrs {
			ep := wire.NewEndpoint(addr, port)
			if _, dup := seen[ep]; dup {
				continue
			}
			seen[ep] = struct{}{}
			out = append(out, ep)
		}
	}
	return out, errors.Join(errs...)
}

func splitTrusted(raw string, defaultPort uint16) (string, uint16, error) {
	entry := strings.TrimSpace(raw)
	if entry == "" {
		return "", 0, errors.New("trusted address must not be empty")
	}
	if _, err := netip.ParseAddr(strings.Trim(entry, "[]")); err == nil {
		return strings.Trim(entry, "[]"), defaultPort, nil
	}
	if !strings.Contains(entry, ":") {
		return entry, defaultPort, nil
	}
	host, portText, err := net.SplitHostPort(entry)
	if err != nil {
		return "", 0, fmt.Errorf("trusted address %q: %w", raw, err)
	}
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("trusted address %q: invalid port %q", raw, portText)
	}
	if host == "" {
		return "", 0, fmt.Errorf("trusted address %q: missing host", raw)
	}
	return host, uint16(port), nil
}

func lookupHost(ctx context.Context, resolver Resolver, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.Zone() != "" {
			return nil, errors.New("zoned addresses are not supported")
		}
		return []netip.Addr{addr}, nil
	}
	if resolver == nil {
		return nil, errors.New("not an IP address")
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errors.New("no addresses")
	}
	return addrs, nil
}
