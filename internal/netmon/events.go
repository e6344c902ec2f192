package netmon

import "net/netip"

type EventType string

const (
	InterfaceUp    EventType = "INTERFACE_UP"
	InterfaceDown  EventType = "INTERFACE_DOWN"
	AddressAdded   EventType = "ADDRESS_ADDED"
	AddressRemoved EventType = "ADDRESS_REMOVED"
	RouteChanged   EventType = "ROUTE_CHANGED"
	// Reconcile is emitted periodically so consumers re-evaluate even when a
	// platform change went unreported.
	Reconcile EventType = "RECONCILE"
)

// Event describes one network configuration change. InterfaceName and
// Address are empty when they do not apply.
type Event struct {
	Type           EventType
	InterfaceName  string
	InterfaceIndex int
	Address        netip.Addr
}

type EventHandler func(event Event)
