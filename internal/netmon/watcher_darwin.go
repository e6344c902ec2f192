//go:build darwin

package netmon

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/route"
	"golang.org/x/sys/unix"
)

type darwinWatcher struct{}

// NewWatcher creates a macOS-specific watcher using AF_ROUTE sockets.
func NewWatcher() Watcher {
	return &darwinWatcher{}
}

func (w *darwinWatcher) Watch(ctx context.Context, callback func(Event)) error {
	fd, err := unix.Socket(unix.AF_ROUTE, unix.SOCK_RAW, unix.AF_UNSPEC)
	if err != nil {
		return fmt.Errorf("open route socket: %w", err)
	}

	// Close socket when context is cancelled
	go func() {
		<-ctx.Done()
		unix.Close(fd)
	}()

	log.Debug("Darwin watcher registered")

	go func() {
		buf := make([]byte, 8192)
		for {
			n, err := unix.Read(fd, buf)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if err == unix.EINTR {
					continue
				}
				log.WithError(err).Warn("Error reading from route socket")
				return
			}

			msgs, err := route.ParseRIB(route.RIBTypeRoute, buf[:n])
			if err != nil {
				log.WithError(err).Trace("Skipping unparseable routing message")
				continue
			}
			for _, m := range msgs {
				if ev, ok := routeMessageEvent(m); ok {
					callback(ev)
				}
			}
		}
	}()

	return nil
}

func routeMessageEvent(m route.Message) (Event, bool) {
	var ev Event
	switch m := m.(type) {
	case *route.InterfaceMessage:
		ev = Event{Type: InterfaceDown, InterfaceIndex: m.Index, InterfaceName: m.Name}
		if m.Flags&unix.IFF_UP != 0 {
			ev.Type = InterfaceUp
		}

	case *route.InterfaceAddrMessage:
		switch m.Type {
		case unix.RTM_NEWADDR:
			ev.Type = AddressAdded
		case unix.RTM_DELADDR:
			ev.Type = AddressRemoved
		default:
			return Event{}, false
		}
		ev.InterfaceIndex = m.Index
		if len(m.Addrs) > unix.RTAX_IFA {
			ev.Address = addrFromRoute(m.Addrs[unix.RTAX_IFA])
		}

	case *route.RouteMessage:
		switch m.Type {
		case unix.RTM_ADD, unix.RTM_DELETE, unix.RTM_CHANGE:
		default:
			return Event{}, false
		}
		ev = Event{Type: RouteChanged, InterfaceIndex: m.Index}

	default:
		return Event{}, false
	}

	if ev.InterfaceName == "" && ev.InterfaceIndex != 0 {
		if ifc, err := net.InterfaceByIndex(ev.InterfaceIndex); err == nil {
			ev.InterfaceName = ifc.Name
		}
	}

	log.WithFields(log.Fields{
		"interface": ev.InterfaceName,
		"type":      ev.Type,
	}).Trace("Received routing message")
	return ev, true
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
