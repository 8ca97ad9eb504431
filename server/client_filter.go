package server

import (
	"net"
	"net/netip"
	"strings"

	"github.com/pkg/errors"
)

// ipMatcher holds single addresses as full-length prefixes
type ipMatcher []netip.Prefix

func parseIpMatcher(filters []string) (ipMatcher, error) {
	var matcher ipMatcher
	for _, filter := range filters {
		filter = strings.TrimSpace(filter)
		if filter == "" {
			continue
		}

		if strings.Contains(filter, "/") {
			prefix, err := netip.ParsePrefix(filter)
			if err != nil {
				return nil, err
			}
			matcher = append(matcher, prefix.Masked())
		} else {
			addr, err := netip.ParseAddr(filter)
			if err != nil {
				return nil, err
			}
			addr = addr.Unmap()
			matcher = append(matcher, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return matcher, nil
}

func (m ipMatcher) Match(addr netip.Addr) bool {
	// ::ffff:127.0.0.1 needs to compare equal to 127.0.0.1
	addr = addr.Unmap()
	for _, p := range m {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientFilter performs allow/deny filtering of client IP addresses.
// A non-empty allow list takes precedence and the deny list is then ignored.
type ClientFilter struct {
	allow ipMatcher
	deny  ipMatcher
}

func NewClientFilterAllowAll() *ClientFilter {
	return &ClientFilter{}
}

// NewClientFilter parses allows and denies, each of which may be nil or contain
// IP addresses and CIDR blocks.
func NewClientFilter(allows []string, denies []string) (*ClientFilter, error) {
	allow, err := parseIpMatcher(allows)
	if err != nil {
		return nil, errors.Wrap(err, "invalid allow filter")
	}
	deny, err := parseIpMatcher(denies)
	if err != nil {
		return nil, errors.Wrap(err, "invalid deny filter")
	}
	return &ClientFilter{
		allow: allow,
		deny:  deny,
	}, nil
}

// Allow determines if the given client address is allowed by this filter
func (f *ClientFilter) Allow(addr netip.Addr) bool {
	if len(f.allow) > 0 {
		return f.allow.Match(addr)
	}
	if len(f.deny) > 0 {
		return !f.deny.Match(addr)
	}
	return true
}

// AllowAddr is Allow for a connection's remote address.
// Addresses that are not IP based are only allowed when no filtering is configured.
func (f *ClientFilter) AllowAddr(addr net.Addr) bool {
	ip, ok := addrToIp(addr)
	if !ok {
		return len(f.allow) == 0 && len(f.deny) == 0
	}
	return f.Allow(ip)
}

func addrToIp(addr net.Addr) (netip.Addr, bool) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.AddrPort().Addr(), true
	case nil:
		return netip.Addr{}, false
	default:
		addrPort, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.Addr{}, false
		}
		return addrPort.Addr(), true
	}
}
