package reachability

import (
	"fmt"
	"strings"
)

type Status int

const (
	NotReachable Status = iota
	ReachableOverWiFi
	ReachableOverWWAN
)

func (s Status) String() string {
	switch s {
	case NotReachable:
		return "not-reachable"
	case ReachableOverWiFi:
		return "reachable-wifi"
	case ReachableOverWWAN:
		return "reachable-wwan"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "not-reachable":
		*s = NotReachable
	case "reachable-wifi":
		*s = ReachableOverWiFi
	case "reachable-wwan":
		*s = ReachableOverWWAN
	default:
		return fmt.Errorf("unknown reachability status %q", b)
	}
	return nil
}

// Flags is the raw reachability state a Provider reports for a target.
type Flags uint32

const (
	Reachable Flags = 1 << iota
	ConnectionRequired
	ConnectionOnTraffic
	ConnectionOnDemand
	InterventionRequired
	TransientConnection
	IsLocalAddress
	IsDirect
	IsWWAN
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{Reachable, "reachable"},
	{ConnectionRequired, "connection-required"},
	{ConnectionOnTraffic, "connection-on-traffic"},
	{ConnectionOnDemand, "connection-on-demand"},
	{InterventionRequired, "intervention-required"},
	{TransientConnection, "transient-connection"},
	{IsLocalAddress, "local-address"},
	{IsDirect, "direct"},
	{IsWWAN, "wwan"},
}

func (f Flags) Has(bits Flags) bool { return f&bits == bits }

// Status derives the reachability status from the flags.
func (f Flags) Status() Status {
	if !f.Has(Reachable) {
		return NotReachable
	}
	if f.Has(IsWWAN) {
		return ReachableOverWWAN
	}
	if !f.Has(ConnectionRequired) {
		return ReachableOverWiFi
	}
	// A connection that comes up by itself counts, unless a user has to act.
	if f&(ConnectionOnDemand|ConnectionOnTraffic) != 0 && !f.Has(InterventionRequired) {
		return ReachableOverWiFi
	}
	return NotReachable
}

func (f Flags) IsReachable() bool            { return f.Status() != NotReachable }
func (f Flags) IsConnectionRequired() bool   { return f.Has(ConnectionRequired) }
func (f Flags) IsOnDemand() bool             { return f&(ConnectionOnDemand|ConnectionOnTraffic) != 0 }
func (f Flags) IsInterventionRequired() bool { return f.Has(InterventionRequired) }

// Names lists the set flags in bit order.
func (f Flags) Names() []string {
	names := make([]string, 0, len(flagNames))
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return names
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Names(), "|")
}
