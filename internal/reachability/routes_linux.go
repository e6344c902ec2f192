//go:build linux

package reachability

import (
	"fmt"
	"net"
	"net/netip"
	"slices"

	"github.com/dmdmdm-nz/reachd/internal/iface"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

type netlinkRoutes struct{}

// NewRouteTable returns the platform route table. On linux routes come from
// netlink and the lister is not needed.
func NewRouteTable(_ iface.Lister) RouteTable {
	return netlinkRoutes{}
}

func (netlinkRoutes) RouteTo(dst, src netip.Addr) (Route, error) {
	opts := &netlink.RouteGetOptions{}
	if src.IsValid() {
		opts.SrcAddr = net.IP(src.AsSlice())
	}
	routes, err := netlink.RouteGetWithOptions(net.IP(dst.AsSlice()), opts)
	if err != nil {
		return Route{}, fmt.Errorf("%w: %s: %v", ErrNoRoute, dst, err)
	}
	if len(routes) == 0 {
		return Route{}, fmt.Errorf("%w: %s", ErrNoRoute, dst)
	}
	return fromNetlink(routes[0]), nil
}

func (netlinkRoutes) DefaultRoutes() ([]Route, error) {
	var out []Route
	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		routes, err := netlink.RouteList(nil, family)
		if err != nil {
			return nil, fmt.Errorf("list routes: %w", err)
		}
		defaults := slices.DeleteFunc(routes, func(r netlink.Route) bool {
			return !isDefault(r) || r.Type != unix.RTN_UNICAST
		})
		slices.SortStableFunc(defaults, func(a, b netlink.Route) int {
			return a.Priority - b.Priority
		})
		for _, r := range defaults {
			out = append(out, fromNetlink(r))
		}
	}
	return out, nil
}

func isDefault(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0 && r.Dst.IP.IsUnspecified()
}

func fromNetlink(r netlink.Route) Route {
	out := Route{
		InterfaceIndex: r.LinkIndex,
		Local:          r.Type == unix.RTN_LOCAL,
	}
	if a, ok := netip.AddrFromSlice(r.Src); ok {
		out.Source = a.Unmap()
	}
	if a, ok := netip.AddrFromSlice(r.Gw); ok {
		out.Gateway = a.Unmap()
	}
	// Multipath default routes carry their first hop in MultiPath.
	if out.InterfaceIndex == 0 && len(r.MultiPath) > 0 {
		out.InterfaceIndex = r.MultiPath[0].LinkIndex
		if a, ok := netip.AddrFromSlice(r.MultiPath[0].Gw); ok {
			out.Gateway = a.Unmap()
		}
	}
	return out
}
