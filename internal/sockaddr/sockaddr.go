// Package sockaddr converts between socket address structures and their
// textual form.
package sockaddr

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

var (
	ErrMalformed         = errors.New("malformed address")
	ErrUnsupportedFamily = errors.New("unsupported address family")
)

// Format returns the canonical text of the address in sa: a dotted quad for
// IPv4, RFC 5952 form for IPv6. The port is not part of the result.
func Format(sa unix.Sockaddr) (string, error) {
	ap, err := ToAddrPort(sa)
	if err != nil {
		return "", err
	}
	return ap.Addr().String(), nil
}

// ParseIPv4 parses a dotted quad into an IPv4 socket address with port 0.
func ParseIPv4(s string) (*unix.SockaddrInet4, error) {
	addr, err := parse(s)
	if err != nil {
		return nil, err
	}
	if !addr.Is4() {
		return nil, fmt.Errorf("%q is not an IPv4 address: %w", s, ErrMalformed)
	}
	return &unix.SockaddrInet4{Addr: addr.As4()}, nil
}

// ParseIPv6 parses IPv6 text, optionally with a %zone, into an IPv6 socket
// address with port 0. IPv4 dotted quads are rejected; v4-mapped IPv6 text
// such as ::ffff:192.0.2.1 is accepted.
func ParseIPv6(s string) (*unix.SockaddrInet6, error) {
	addr, err := parse(s)
	if err != nil {
		return nil, err
	}
	if !addr.Is6() {
		return nil, fmt.Errorf("%q is not an IPv6 address: %w", s, ErrMalformed)
	}
	sa := &unix.SockaddrInet6{Addr: addr.As16()}
	if zone := addr.Zone(); zone != "" {
		id, err := zoneToIndex(zone)
		if err != nil {
			return nil, fmt.Errorf("%q has unknown zone: %w", s, ErrMalformed)
		}
		sa.ZoneId = id
	}
	return sa, nil
}

// Parse accepts either family.
func Parse(s string) (unix.Sockaddr, error) {
	addr, err := parse(s)
	if err != nil {
		return nil, err
	}
	if addr.Is4() {
		return ParseIPv4(s)
	}
	return ParseIPv6(s)
}

func parse(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, fmt.Errorf("empty address: %w", ErrMalformed)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%q: %w", s, ErrMalformed)
	}
	return addr, nil
}

// ToAddrPort converts an IPv4 or IPv6 socket address.
func ToAddrPort(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		if v == nil {
			return netip.AddrPort{}, ErrMalformed
		}
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port)), nil
	case *unix.SockaddrInet6:
		if v == nil {
			return netip.AddrPort{}, ErrMalformed
		}
		addr := netip.AddrFrom16(v.Addr)
		if v.ZoneId != 0 {
			addr = addr.WithZone(indexToZone(v.ZoneId))
		}
		return netip.AddrPortFrom(addr, uint16(v.Port)), nil
	case nil:
		return netip.AddrPort{}, ErrMalformed
	default:
		return netip.AddrPort{}, fmt.Errorf("%T: %w", sa, ErrUnsupportedFamily)
	}
}

// FromAddrPort is the inverse of ToAddrPort. v4-mapped addresses stay IPv6.
func FromAddrPort(ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr()
	switch {
	case !addr.IsValid():
		return nil, ErrMalformed
	case addr.Is4():
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
	default:
		sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
		if zone := addr.Zone(); zone != "" {
			id, err := zoneToIndex(zone)
			if err != nil {
				return nil, fmt.Errorf("zone %q: %w", zone, ErrMalformed)
			}
			sa.ZoneId = id
		}
		return sa, nil
	}
}

// Family returns unix.AF_INET or unix.AF_INET6, or 0 for anything else.
func Family(sa unix.Sockaddr) int {
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return unix.AF_INET
	case *unix.SockaddrInet6:
		return unix.AF_INET6
	default:
		return 0
	}
}

func zoneToIndex(zone string) (uint32, error) {
	if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return uint32(n), nil
	}
	ifi, err := net.InterfaceByName(zone)
	if err != nil {
		return 0, err
	}
	return uint32(ifi.Index), nil
}

func indexToZone(id uint32) string {
	if ifi, err := net.InterfaceByIndex(int(id)); err == nil {
		return ifi.Name
	}
	return strconv.FormatUint(uint64(id), 10)
}
