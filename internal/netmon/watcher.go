package netmon

import "context"

// Watcher reports network configuration changes using a platform event
// source (netlink on linux, route sockets on darwin) or polling.
type Watcher interface {
	// Watch registers for changes and returns once registration succeeded
	// or failed. On success callback is invoked for every change until ctx
	// is cancelled. Callbacks are never concurrent.
	Watch(ctx context.Context, callback func(Event)) error
}
