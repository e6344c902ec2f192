package api

import (
	"github.com/dmdmdm-nz/reachd/internal/reachability"
)

// ObserverInfo is the wire form of one observer.
type ObserverInfo struct {
	ID                   string              `json:"id" plist:"id"`
	Kind                 string              `json:"kind" plist:"kind"`
	Target               string              `json:"target" plist:"target"`
	Status               reachability.Status `json:"status" plist:"status"`
	Flags                []string            `json:"flags" plist:"flags"`
	Reachable            bool                `json:"reachable" plist:"reachable"`
	ConnectionRequired   bool                `json:"connectionRequired" plist:"connectionRequired"`
	OnDemand             bool                `json:"onDemand" plist:"onDemand"`
	InterventionRequired bool                `json:"interventionRequired" plist:"interventionRequired"`
	Listening            bool                `json:"listening" plist:"listening"`
}

// CreateObserverRequest names exactly one target: a host, an address, or a
// local and remote address pair.
type CreateObserverRequest struct {
	Host    string `json:"host,omitempty"`
	Address string `json:"address,omitempty"`
	Local   string `json:"local,omitempty"`
	Remote  string `json:"remote,omitempty"`
}

const (
	EventSnapshot = "snapshot"
	EventChange   = "change"
)

// StatusEvent is one message on the reachability websocket.
type StatusEvent struct {
	Type     string               `json:"type"`
	Observer ObserverInfo         `json:"observer"`
	Previous *reachability.Status `json:"previous,omitempty"`
}

func observerInfo(o *reachability.Observer) ObserverInfo {
	snap := o.Snapshot()
	return ObserverInfo{
		ID:                   o.ID().String(),
		Kind:                 o.Target().Kind().String(),
		Target:               o.Target().String(),
		Status:               snap.Status,
		Flags:                snap.Flags.Names(),
		Reachable:            snap.Reachable,
		ConnectionRequired:   snap.ConnectionRequired,
		OnDemand:             snap.OnDemand,
		InterventionRequired: snap.InterventionRequired,
		Listening:            snap.Listening,
	}
}
