package reachability

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	sharedMu       sync.Mutex
	sharedObserver *Observer
)

// Shared returns the process-wide default-route observer, creating it on
// first use. A failed creation is retried on the next call.
func Shared() (*Observer, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedObserver == nil {
		o, err := New()
		if err != nil {
			return nil, err
		}
		sharedObserver = o
	}
	return sharedObserver, nil
}

// ResetShared closes and forgets the shared observer.
func ResetShared() {
	sharedMu.Lock()
	o := sharedObserver
	sharedObserver = nil
	sharedMu.Unlock()

	if o != nil {
		if err := o.Close(); err != nil {
			log.WithError(err).Debug("Failed to close shared observer")
		}
	}
}
