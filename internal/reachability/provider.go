package reachability

import "errors"

var (
	// ErrProbeUnavailable is returned when a provider cannot create a probe
	// for a target.
	ErrProbeUnavailable = errors.New("reachability probe unavailable")
	// ErrRegistration is returned when a probe cannot register for change
	// callbacks.
	ErrRegistration = errors.New("reachability registration failed")
)

// Provider creates probes, the platform side of an observer.
type Provider interface {
	NewProbe(t Target) (Probe, error)
}

// Probe evaluates one target and reports changes to a single registered
// callback.
type Probe interface {
	// Flags evaluates the target now.
	Flags() Flags
	// Register installs callback, replacing any previous one. Callbacks may
	// run on any goroutine and must not block.
	Register(callback func(Flags)) error
	// Unregister removes the callback. Safe to call when not registered.
	Unregister()
	Close() error
}
