package reachability

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/dmdmdm-nz/reachd/internal/sockaddr"
	"github.com/miekg/dns"
	"golang.org/x/sys/unix"
)

var ErrInvalidTarget = errors.New("invalid reachability target")

type Kind int

const (
	KindDefaultRoute Kind = iota
	KindHost
	KindAddress
	KindAddressPair
)

func (k Kind) String() string {
	switch k {
	case KindDefaultRoute:
		return "default-route"
	case KindHost:
		return "host"
	case KindAddress:
		return "address"
	case KindAddressPair:
		return "address-pair"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Target is what an observer watches. The zero value is the default route.
type Target struct {
	kind   Kind
	host   string
	local  netip.AddrPort
	remote netip.AddrPort
}

func DefaultRouteTarget() Target {
	return Target{kind: KindDefaultRoute}
}

// HostTarget accepts a DNS name or an IP literal. A trailing dot is dropped.
func HostTarget(name string) (Target, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Target{}, fmt.Errorf("empty host name: %w", ErrInvalidTarget)
	}
	if _, err := netip.ParseAddr(name); err != nil {
		if _, ok := dns.IsDomainName(name); !ok || strings.ContainsAny(name, " \t/\\") {
			return Target{}, fmt.Errorf("host %q: %w", name, ErrInvalidTarget)
		}
	}
	return Target{kind: KindHost, host: strings.TrimSuffix(name, ".")}, nil
}

// AddressTarget watches the route to a single IPv4 or IPv6 address.
func AddressTarget(sa unix.Sockaddr) (Target, error) {
	ap, err := sockaddr.ToAddrPort(sa)
	if err != nil {
		return Target{}, fmt.Errorf("address: %v: %w", err, ErrInvalidTarget)
	}
	return Target{kind: KindAddress, remote: ap}, nil
}

// AddressPairTarget watches the route from local to remote. Both addresses
// must belong to the same family.
func AddressPairTarget(local, remote unix.Sockaddr) (Target, error) {
	l, err := sockaddr.ToAddrPort(local)
	if err != nil {
		return Target{}, fmt.Errorf("local address: %v: %w", err, ErrInvalidTarget)
	}
	r, err := sockaddr.ToAddrPort(remote)
	if err != nil {
		return Target{}, fmt.Errorf("remote address: %v: %w", err, ErrInvalidTarget)
	}
	if l.Addr().Is4() != r.Addr().Is4() {
		return Target{}, fmt.Errorf("address pair mixes families: %w", ErrInvalidTarget)
	}
	return Target{kind: KindAddressPair, local: l, remote: r}, nil
}

func (t Target) Kind() Kind { return t.kind }

// Host is the host name of a KindHost target.
func (t Target) Host() string { return t.host }

// Remote is the watched address of KindAddress and KindAddressPair targets.
func (t Target) Remote() netip.AddrPort { return t.remote }

// Local is the source address of a KindAddressPair target.
func (t Target) Local() netip.AddrPort { return t.local }

func (t Target) String() string {
	switch t.kind {
	case KindHost:
		return t.host
	case KindAddress:
		return t.remote.Addr().String()
	case KindAddressPair:
		return t.local.Addr().String() + "->" + t.remote.Addr().String()
	default:
		return "default"
	}
}
