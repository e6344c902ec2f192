//go:build !linux

package reachability

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/dmdmdm-nz/reachd/internal/iface"
)

// udpRoutes asks the kernel for a route by connecting a UDP socket, which
// picks a source address without sending anything, and maps that source
// back to its interface.
type udpRoutes struct {
	lister iface.Lister
}

func (u udpRoutes) RouteTo(dst, src netip.Addr) (Route, error) {
	var laddr *net.UDPAddr
	if src.IsValid() {
		laddr = net.UDPAddrFromAddrPort(netip.AddrPortFrom(src, 0))
	}
	conn, err := net.DialUDP("udp", laddr, net.UDPAddrFromAddrPort(netip.AddrPortFrom(dst, 9)))
	if err != nil {
		return Route{}, fmt.Errorf("%w: %s: %v", ErrNoRoute, dst, err)
	}
	defer conn.Close()

	local := conn.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap()
	ifaces, err := u.lister.Interfaces()
	if err != nil {
		return Route{}, fmt.Errorf("list interfaces: %w", err)
	}
	ifc, ok := iface.Owning(ifaces, local)
	if !ok {
		return Route{}, fmt.Errorf("%w: source %s has no interface", ErrNoRoute, local)
	}

	r := Route{
		InterfaceIndex: ifc.Index,
		Source:         local,
		Local:          ifc.HasAddr(dst) || dst.IsLoopback(),
	}
	if !onLink(ifc, dst) {
		r.Gateway = unspecifiedLike(dst)
	}
	return r, nil
}

func onLink(ifc iface.Interface, dst netip.Addr) bool {
	dst = dst.WithZone("").Unmap()
	for _, p := range ifc.Addrs {
		if p.Masked().Contains(dst) {
			return true
		}
	}
	return false
}

func unspecifiedLike(a netip.Addr) netip.Addr {
	if a.Unmap().Is4() {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}
