// Package addrinfo reports the host's current WLAN and WWAN addresses.
package addrinfo

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/dmdmdm-nz/reachd/internal/iface"
	"github.com/dmdmdm-nz/reachd/internal/netmon"
	log "github.com/sirupsen/logrus"
)

var ErrEnumeration = errors.New("interface enumeration failed")

// Snapshot holds one address per interface class and family. Empty strings
// mean no address was assigned.
type Snapshot struct {
	WLANIPv4  string    `json:"wlan_ipv4,omitempty" plist:"wlan_ipv4,omitempty"`
	WLANIPv6  string    `json:"wlan_ipv6,omitempty" plist:"wlan_ipv6,omitempty"`
	WWANIPv4  string    `json:"wwan_ipv4,omitempty" plist:"wwan_ipv4,omitempty"`
	WWANIPv6  string    `json:"wwan_ipv6,omitempty" plist:"wwan_ipv6,omitempty"`
	UpdatedAt time.Time `json:"updated_at" plist:"updated_at"`
}

type AddressInfo struct {
	lister iface.Lister

	mu   sync.RWMutex
	snap Snapshot
}

// New enumerates interfaces once and fails if that is not possible.
func New(lister iface.Lister) (*AddressInfo, error) {
	a := &AddressInfo{lister: lister}
	if err := a.Refresh(); err != nil {
		return nil, err
	}
	return a, nil
}

var (
	sharedMu   sync.Mutex
	sharedInfo *AddressInfo
)

// Shared returns the process-wide instance, creating it on first use.
func Shared() (*AddressInfo, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedInfo == nil {
		a, err := New(iface.NewLister())
		if err != nil {
			return nil, err
		}
		sharedInfo = a
	}
	return sharedInfo, nil
}

// ResetShared forgets the shared instance.
func ResetShared() {
	sharedMu.Lock()
	sharedInfo = nil
	sharedMu.Unlock()
}

// Refresh re-reads the interfaces. On failure the previous snapshot stays.
func (a *AddressInfo) Refresh() error {
	ifaces, err := a.lister.Interfaces()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEnumeration, err)
	}

	var s Snapshot
	s.WLANIPv4, s.WLANIPv6 = pick(ifaces, iface.ClassWLAN)
	s.WWANIPv4, s.WWANIPv6 = pick(ifaces, iface.ClassWWAN)
	s.UpdatedAt = time.Now()

	a.mu.Lock()
	changed := !sameAddrs(a.snap, s)
	a.snap = s
	a.mu.Unlock()

	if changed {
		log.WithFields(log.Fields{
			"wlan_ipv4": s.WLANIPv4,
			"wlan_ipv6": s.WLANIPv6,
			"wwan_ipv4": s.WWANIPv4,
			"wwan_ipv6": s.WWANIPv6,
		}).Debug("Interface addresses changed")
	}
	return nil
}

// Snapshot refreshes and returns all four addresses.
func (a *AddressInfo) Snapshot() Snapshot {
	if err := a.Refresh(); err != nil {
		log.WithError(err).Warn("Failed to refresh interface addresses")
	}
	return a.Cached()
}

// Cached returns the last snapshot without refreshing.
func (a *AddressInfo) Cached() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snap
}

func (a *AddressInfo) WLANIPv4Address() (string, bool) { return present(a.Snapshot().WLANIPv4) }
func (a *AddressInfo) WLANIPv6Address() (string, bool) { return present(a.Snapshot().WLANIPv6) }
func (a *AddressInfo) WWANIPv4Address() (string, bool) { return present(a.Snapshot().WWANIPv4) }
func (a *AddressInfo) WWANIPv6Address() (string, bool) { return present(a.Snapshot().WWANIPv6) }

// Follow refreshes on every event until events is closed or ctx is done.
func (a *AddressInfo) Follow(ctx context.Context, events <-chan netmon.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			log.WithFields(log.Fields{
				"type":      ev.Type,
				"interface": ev.InterfaceName,
			}).Trace("Refreshing addresses")
			if err := a.Refresh(); err != nil {
				log.WithError(err).Warn("Failed to refresh interface addresses")
			}
		}
	}
}

func present(s string) (string, bool) { return s, s != "" }

func sameAddrs(a, b Snapshot) bool {
	return a.WLANIPv4 == b.WLANIPv4 && a.WLANIPv6 == b.WLANIPv6 &&
		a.WWANIPv4 == b.WWANIPv4 && a.WWANIPv6 == b.WWANIPv6
}

// pick chooses the first IPv4 and the best IPv6 address among the up
// interfaces of class, in index order. Global and unique-local IPv6
// addresses win over link-local ones.
func pick(ifaces []iface.Interface, class iface.Class) (v4, v6 string) {
	var linkLocal netip.Addr
	var global netip.Addr
	var first4 netip.Addr

	sorted := append([]iface.Interface(nil), ifaces...)
	iface.SortByIndex(sorted)

	for _, ifc := range sorted {
		if !ifc.Up || ifc.Loopback || ifc.Class != class {
			continue
		}
		for _, p := range ifc.Addrs {
			a := p.Addr()
			switch {
			case a.IsLoopback() || a.IsUnspecified():
			case a.Is4():
				if !first4.IsValid() {
					first4 = a
				}
			case a.Is4In6():
			case a.IsLinkLocalUnicast():
				if !linkLocal.IsValid() {
					linkLocal = a
				}
			default:
				if !global.IsValid() {
					global = a
				}
			}
		}
	}

	if first4.IsValid() {
		v4 = first4.String()
	}
	switch {
	case global.IsValid():
		v6 = global.WithZone("").String()
	case linkLocal.IsValid():
		v6 = linkLocal.WithZone("").String()
	}
	return v4, v6
}
