package netmon

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dmdmdm-nz/reachd/internal/iface"
	log "github.com/sirupsen/logrus"
)

type pollingWatcher struct {
	lister   iface.Lister
	clock    clock.Clock
	interval time.Duration
}

// NewPollingWatcher returns a watcher that lists interfaces every interval
// and reports the difference between consecutive snapshots. Route changes
// cannot be observed this way; consumers rely on the service's reconcile
// events for those.
func NewPollingWatcher(lister iface.Lister, interval time.Duration, clk clock.Clock) Watcher {
	if clk == nil {
		clk = clock.New()
	}
	return &pollingWatcher{
		lister:   lister,
		clock:    clk,
		interval: interval,
	}
}

func (w *pollingWatcher) Watch(ctx context.Context, callback func(Event)) error {
	prev, err := w.snapshot()
	if err != nil {
		return fmt.Errorf("initial interface snapshot: %w", err)
	}
	for _, ev := range diffSnapshots(nil, prev) {
		callback(ev)
	}

	ticker := w.clock.Ticker(w.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				next, err := w.snapshot()
				if err != nil {
					log.WithError(err).Warn("Failed to poll interfaces")
					continue
				}
				for _, ev := range diffSnapshots(prev, next) {
					callback(ev)
				}
				prev = next
			}
		}
	}()

	return nil
}

type polledInterface struct {
	index int
	name  string
	up    bool
	addrs map[netip.Addr]struct{}
}

func (w *pollingWatcher) snapshot() (map[int]polledInterface, error) {
	ifaces, err := w.lister.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make(map[int]polledInterface, len(ifaces))
	for _, ifc := range ifaces {
		p := polledInterface{
			index: ifc.Index,
			name:  ifc.Name,
			up:    ifc.Up,
			addrs: make(map[netip.Addr]struct{}, len(ifc.Addrs)),
		}
		for _, a := range ifc.Addrs {
			p.addrs[a.Addr()] = struct{}{}
		}
		out[ifc.Index] = p
	}
	return out, nil
}

// diffSnapshots returns the events that turn prev into next, in interface
// index order.
func diffSnapshots(prev, next map[int]polledInterface) []Event {
	indexes := make([]int, 0, len(prev)+len(next))
	for idx := range prev {
		indexes = append(indexes, idx)
	}
	for idx := range next {
		if _, ok := prev[idx]; !ok {
			indexes = append(indexes, idx)
		}
	}
	slices.Sort(indexes)

	var events []Event
	for _, idx := range indexes {
		p, hadPrev := prev[idx]
		n, hasNext := next[idx]

		name := n.name
		if !hasNext {
			name = p.name
		}
		ev := func(t EventType, addr netip.Addr) Event {
			return Event{Type: t, InterfaceName: name, InterfaceIndex: idx, Address: addr}
		}

		for _, a := range sortedAddrs(p.addrs) {
			if _, ok := n.addrs[a]; !ok {
				events = append(events, ev(AddressRemoved, a))
			}
		}
		switch {
		case hasNext && n.up && (!hadPrev || !p.up):
			events = append(events, ev(InterfaceUp, netip.Addr{}))
		case hadPrev && p.up && (!hasNext || !n.up):
			events = append(events, ev(InterfaceDown, netip.Addr{}))
		}
		for _, a := range sortedAddrs(n.addrs) {
			if _, ok := p.addrs[a]; !ok {
				events = append(events, ev(AddressAdded, a))
			}
		}
	}
	return events
}
