//go:build linux

package iface

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

type netlinkLister struct {
	classifier *Classifier
}

// NewLister returns the lister for the running platform. On linux it reads
// links and addresses over netlink.
func NewLister() Lister {
	return &netlinkLister{classifier: DefaultClassifier()}
}

func (l *netlinkLister) Interfaces() ([]Interface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}

	out := make([]Interface, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		ifc := Interface{
			Index:    attrs.Index,
			Name:     attrs.Name,
			Up:       LinkUp(attrs),
			Loopback: attrs.Flags&net.FlagLoopback != 0,
		}
		ifc.Class = l.classifier.Classify(attrs.Name, ifc.Loopback)

		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			log.WithError(err).WithField("interface", attrs.Name).Trace("Failed to list addresses")
		}
		for _, a := range addrs {
			if p, ok := prefixFromIPNet(a.IPNet); ok {
				ifc.Addrs = append(ifc.Addrs, p)
			}
		}
		out = append(out, ifc)
	}
	SortByIndex(out)
	return out, nil
}

// LinkUp reports whether the link is administratively up and not known to
// be operationally down.
func LinkUp(attrs *netlink.LinkAttrs) bool {
	return attrs.Flags&net.FlagUp != 0 && operational(attrs.OperState)
}

// Drivers that do not report carrier leave the state unknown; treat those
// as operational.
func operational(s netlink.LinkOperState) bool {
	switch s {
	case netlink.OperDown, netlink.OperLowerLayerDown, netlink.OperNotPresent:
		return false
	default:
		return true
	}
}
