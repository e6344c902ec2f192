package reachability

import (
	"sync"

	"github.com/dmdmdm-nz/reachd/internal/notify"
)

// StatusChangedNotification is posted on every status transition.
const StatusChangedNotification = "network-reachability-changed"

// StatusChange is the payload of StatusChangedNotification. Observer is the
// subject of the notification.
type StatusChange struct {
	Observer *Observer
	Status   Status
	Previous Status
	Flags    Flags
}

// DefaultCenter is the center observers post to unless WithCenter is given.
var DefaultCenter = sync.OnceValue(notify.NewCenter[StatusChange])
