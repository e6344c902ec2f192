// Package iface enumerates network interfaces and sorts them into the
// classes reachability cares about: WLAN, WWAN, wired and everything else.
package iface

import (
	"net"
	"net/netip"
	"slices"
	"strings"
)

type Class int

const (
	ClassOther Class = iota
	ClassWired
	ClassWLAN
	ClassWWAN
)

func (c Class) String() string {
	switch c {
	case ClassWired:
		return "wired"
	case ClassWLAN:
		return "wlan"
	case ClassWWAN:
		return "wwan"
	default:
		return "other"
	}
}

// Interface is a point-in-time view of one network interface.
type Interface struct {
	Index    int
	Name     string
	Up       bool
	Loopback bool
	Class    Class
	Addrs    []netip.Prefix
}

// HasAddr reports whether addr is assigned to the interface. Zones are ignored.
func (i Interface) HasAddr(addr netip.Addr) bool {
	addr = addr.WithZone("").Unmap()
	for _, p := range i.Addrs {
		if p.Addr().WithZone("").Unmap() == addr {
			return true
		}
	}
	return false
}

// Lister returns the current set of interfaces.
type Lister interface {
	Interfaces() ([]Interface, error)
}

// ByIndex finds the interface with the given index.
func ByIndex(ifaces []Interface, index int) (Interface, bool) {
	for _, i := range ifaces {
		if i.Index == index {
			return i, true
		}
	}
	return Interface{}, false
}

// Owning finds the up interface that has addr assigned.
func Owning(ifaces []Interface, addr netip.Addr) (Interface, bool) {
	for _, i := range ifaces {
		if i.Up && i.HasAddr(addr) {
			return i, true
		}
	}
	return Interface{}, false
}

// SortByIndex orders interfaces by kernel index, which is stable across
// enumerations and puts the primary interfaces first on most systems.
func SortByIndex(ifaces []Interface) {
	slices.SortFunc(ifaces, func(a, b Interface) int { return a.Index - b.Index })
}

type stdLister struct {
	classifier *Classifier
}

// NewStdLister enumerates interfaces with the net package. It works on every
// platform but cannot see sysfs hints.
func NewStdLister(c *Classifier) Lister {
	return &stdLister{classifier: c}
}

func (l *stdLister) Interfaces() ([]Interface, error) {
	nifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]Interface, 0, len(nifs))
	for _, nif := range nifs {
		ifc := Interface{
			Index:    nif.Index,
			Name:     nif.Name,
			Up:       nif.Flags&net.FlagUp != 0,
			Loopback: nif.Flags&net.FlagLoopback != 0,
		}
		ifc.Class = l.classifier.Classify(nif.Name, ifc.Loopback)

		addrs, err := nif.Addrs()
		if err == nil {
			for _, a := range addrs {
				if p, ok := prefixFromAddr(a); ok {
					ifc.Addrs = append(ifc.Addrs, p)
				}
			}
		}
		out = append(out, ifc)
	}
	SortByIndex(out)
	return out, nil
}

func prefixFromAddr(a net.Addr) (netip.Prefix, bool) {
	ipNet, ok := a.(*net.IPNet)
	if !ok {
		return netip.Prefix{}, false
	}
	return prefixFromIPNet(ipNet)
}

// Prefixes never carry a zone; the interface itself is the zone.
func prefixFromIPNet(ipNet *net.IPNet) (netip.Prefix, bool) {
	if ipNet == nil {
		return netip.Prefix{}, false
	}
	addr, ok := netip.AddrFromSlice(ipNet.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	addr = addr.Unmap()
	ones, bits := ipNet.Mask.Size()
	if addr.Is4() && bits == 128 {
		ones -= 96
	}
	return netip.PrefixFrom(addr, ones), true
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
