package reachability

import (
	"errors"
	"net/netip"
)

var ErrNoRoute = errors.New("no route to destination")

// Route is the kernel's answer to "how would a packet to this destination
// leave the host".
type Route struct {
	InterfaceIndex int
	Source         netip.Addr
	// Gateway is invalid for on-link destinations. Lookups that cannot see
	// the next hop report the unspecified address for off-link routes.
	Gateway netip.Addr
	// Local is set when the destination is an address of this host.
	Local bool
}

type RouteTable interface {
	// RouteTo looks up the route to dst, from src when src is valid.
	RouteTo(dst, src netip.Addr) (Route, error)
	// DefaultRoutes lists the default routes, preferred first.
	DefaultRoutes() ([]Route, error)
}
