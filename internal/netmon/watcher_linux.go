//go:build linux

package netmon

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/dmdmdm-nz/reachd/internal/iface"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

type linuxWatcher struct{}

// NewWatcher creates a Linux-specific watcher using netlink.
func NewWatcher() Watcher {
	return &linuxWatcher{}
}

func (w *linuxWatcher) Watch(ctx context.Context, callback func(Event)) error {
	linkCh := make(chan netlink.LinkUpdate, 16)
	addrCh := make(chan netlink.AddrUpdate, 16)
	routeCh := make(chan netlink.RouteUpdate, 16)
	done := make(chan struct{})

	onError := func(err error) {
		log.WithError(err).Warn("Netlink subscription error")
	}

	if err := netlink.LinkSubscribeWithOptions(linkCh, done, netlink.LinkSubscribeOptions{
		ErrorCallback: onError,
		ListExisting:  true,
	}); err != nil {
		close(done)
		return fmt.Errorf("subscribe links: %w", err)
	}

	if err := netlink.AddrSubscribeWithOptions(addrCh, done, netlink.AddrSubscribeOptions{
		ErrorCallback: onError,
		ListExisting:  true,
	}); err != nil {
		close(done)
		return fmt.Errorf("subscribe addresses: %w", err)
	}

	if err := netlink.RouteSubscribeWithOptions(routeCh, done, netlink.RouteSubscribeOptions{
		ErrorCallback: onError,
	}); err != nil {
		close(done)
		return fmt.Errorf("subscribe routes: %w", err)
	}

	log.Debug("Netlink watcher registered")

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return

			case update, ok := <-linkCh:
				if !ok {
					log.Warn("Netlink link subscription closed")
					return
				}
				callback(linkEvent(update))

			case update, ok := <-addrCh:
				if !ok {
					log.Warn("Netlink address subscription closed")
					return
				}
				if ev, ok := addrEvent(update); ok {
					callback(ev)
				}

			case update, ok := <-routeCh:
				if !ok {
					log.Warn("Netlink route subscription closed")
					return
				}
				log.WithFields(log.Fields{
					"type":  update.Type,
					"route": update.Route.String(),
				}).Trace("Received route update")
				callback(Event{Type: RouteChanged, InterfaceIndex: update.LinkIndex})
			}
		}
	}()

	return nil
}

func linkEvent(update netlink.LinkUpdate) Event {
	attrs := update.Link.Attrs()
	ev := Event{
		Type:           InterfaceDown,
		InterfaceName:  attrs.Name,
		InterfaceIndex: attrs.Index,
	}
	if update.Header.Type != unix.RTM_DELLINK && iface.LinkUp(attrs) {
		ev.Type = InterfaceUp
	}

	log.WithFields(log.Fields{
		"interface": attrs.Name,
		"type":      ev.Type,
	}).Trace("Received link update")
	return ev
}

func addrEvent(update netlink.AddrUpdate) (Event, bool) {
	addr, ok := netip.AddrFromSlice(update.LinkAddress.IP)
	if !ok {
		return Event{}, false
	}

	ev := Event{
		Type:           AddressRemoved,
		InterfaceIndex: update.LinkIndex,
		Address:        addr.Unmap(),
	}
	if update.NewAddr {
		ev.Type = AddressAdded
	}
	if ifc, err := net.InterfaceByIndex(update.LinkIndex); err == nil {
		ev.InterfaceName = ifc.Name
	}

	log.WithFields(log.Fields{
		"interface": ev.InterfaceName,
		"address":   ev.Address,
		"type":      ev.Type,
	}).Trace("Received address update")
	return ev, true
}
