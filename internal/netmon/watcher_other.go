//go:build !linux && !darwin

package netmon

import (
	"time"

	"github.com/dmdmdm-nz/reachd/internal/iface"
)

// NewWatcher falls back to polling on platforms without a supported change
// notification source.
func NewWatcher() Watcher {
	return NewPollingWatcher(iface.NewLister(), 5*time.Second, nil)
}
