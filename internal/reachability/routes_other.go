//go:build !linux && !darwin

package reachability

import (
	"net/netip"

	"github.com/dmdmdm-nz/reachd/internal/iface"
)

// NewRouteTable returns a route table that resolves every lookup, including
// the default route, with a connected UDP socket.
func NewRouteTable(lister iface.Lister) RouteTable {
	return udpDefaultRoutes{udpRoutes{lister: lister}}
}

type udpDefaultRoutes struct {
	udpRoutes
}

// Well-known public addresses stand in for "anywhere off-link".
var probeDestinations = []netip.Addr{
	netip.MustParseAddr("192.0.2.1"),
	netip.MustParseAddr("2001:db8::1"),
}

func (u udpDefaultRoutes) DefaultRoutes() ([]Route, error) {
	var out []Route
	for _, dst := range probeDestinations {
		r, err := u.RouteTo(dst, netip.Addr{})
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
