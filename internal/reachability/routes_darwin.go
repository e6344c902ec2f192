//go:build darwin

package reachability

import (
	"fmt"
	"net/netip"

	"github.com/dmdmdm-nz/reachd/internal/iface"
	"golang.org/x/net/route"
	"golang.org/x/sys/unix"
)

// NewRouteTable returns a route table that reads default routes from the
// kernel RIB and resolves other destinations with a connected UDP socket.
func NewRouteTable(lister iface.Lister) RouteTable {
	return darwinRoutes{udpRoutes{lister: lister}}
}

type darwinRoutes struct {
	udpRoutes
}

func (darwinRoutes) DefaultRoutes() ([]Route, error) {
	rib, err := route.FetchRIB(unix.AF_UNSPEC, route.RIBTypeRoute, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch routing table: %w", err)
	}
	msgs, err := route.ParseRIB(route.RIBTypeRoute, rib)
	if err != nil {
		return nil, fmt.Errorf("parse routing table: %w", err)
	}

	var v4, v6 []Route
	for _, m := range msgs {
		rm, ok := m.(*route.RouteMessage)
		if !ok || rm.Flags&unix.RTF_UP == 0 || rm.Flags&unix.RTF_IFSCOPE != 0 {
			continue
		}
		if len(rm.Addrs) <= unix.RTAX_NETMASK {
			continue
		}
		dst := addrFromRoute(rm.Addrs[unix.RTAX_DST])
		if !dst.IsValid() || !dst.IsUnspecified() || !zeroMask(rm.Addrs[unix.RTAX_NETMASK]) {
			continue
		}

		r := Route{InterfaceIndex: rm.Index}
		if rm.Flags&unix.RTF_GATEWAY != 0 {
			if gw := addrFromRoute(rm.Addrs[unix.RTAX_GATEWAY]); gw.IsValid() {
				r.Gateway = gw
			} else {
				r.Gateway = unspecifiedLike(dst)
			}
		}
		if dst.Is4() {
			v4 = append(v4, r)
		} else {
			v6 = append(v6, r)
		}
	}
	return append(v4, v6...), nil
}

func zeroMask(a route.Addr) bool {
	switch m := a.(type) {
	case nil:
		return true
	case *route.Inet4Addr:
		return m.IP == [4]byte{}
	case *route.Inet6Addr:
		return m.IP == [16]byte{}
	default:
		return false
	}
}

func addrFromRoute(a route.Addr) netip.Addr {
	switch a := a.(type) {
	case *route.Inet4Addr:
		return netip.AddrFrom4(a.IP)
	case *route.Inet6Addr:
		return netip.AddrFrom16(a.IP)
	default:
		return netip.Addr{}
	}
}
