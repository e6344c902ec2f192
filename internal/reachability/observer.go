// Package reachability tracks whether a target (the default route, a host,
// an address or an address pair) can be reached, and over which kind of
// interface. Observers report transitions to a delegate, a handler and a
// notification center.
package reachability

import (
	"fmt"
	goruntime "runtime"
	"sync"
	"weak"

	"github.com/dmdmdm-nz/reachd/internal/notify"
	"github.com/dmdmdm-nz/reachd/internal/runtime"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type flagUpdate struct {
	gen   uint64
	flags Flags
}

// probeHandle owns the probe and the current dispatch queue. It never points
// back at the observer so a forgotten observer can be collected and cleaned
// up through it.
type probeHandle struct {
	mu     sync.Mutex
	probe  Probe
	queue  *runtime.SubQueue[flagUpdate]
	closed bool
}

func (h *probeHandle) swapQueue(q *runtime.SubQueue[flagUpdate]) {
	h.mu.Lock()
	old := h.queue
	h.queue = q
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (h *probeHandle) release() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	q := h.queue
	h.queue = nil
	h.mu.Unlock()

	h.probe.Unregister()
	if q != nil {
		q.Close()
	}
	return h.probe.Close()
}

func (h *probeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Observer reports reachability transitions of one fixed target.
type Observer struct {
	id     uuid.UUID
	target Target
	center *notify.Center[StatusChange]
	handle *probeHandle

	cleanup goruntime.Cleanup

	// lifeMu serializes StartListening, StopListening and Close.
	lifeMu sync.Mutex

	mu        sync.RWMutex
	status    Status
	flags     Flags
	listening bool
	gen       uint64
	delegate  DelegateRef
	handler   Handler
}

type options struct {
	provider Provider
	center   *notify.Center[StatusChange]
}

type Option func(*options)

// WithProvider replaces the system provider.
func WithProvider(p Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithCenter posts notifications to c instead of DefaultCenter().
func WithCenter(c *notify.Center[StatusChange]) Option {
	return func(o *options) { o.center = c }
}

// New observes the default route.
func New(opts ...Option) (*Observer, error) {
	return NewForTarget(DefaultRouteTarget(), opts...)
}

// NewForHost observes the route to the addresses name resolves to.
func NewForHost(name string, opts ...Option) (*Observer, error) {
	t, err := HostTarget(name)
	if err != nil {
		return nil, err
	}
	return NewForTarget(t, opts...)
}

func NewForAddress(sa unix.Sockaddr, opts ...Option) (*Observer, error) {
	t, err := AddressTarget(sa)
	if err != nil {
		return nil, err
	}
	return NewForTarget(t, opts...)
}

func NewForAddressPair(local, remote unix.Sockaddr, opts ...Option) (*Observer, error) {
	t, err := AddressPairTarget(local, remote)
	if err != nil {
		return nil, err
	}
	return NewForTarget(t, opts...)
}

// NewForTarget creates an inert observer for t. Its status is evaluated
// before NewForTarget returns.
func NewForTarget(t Target, opts ...Option) (*Observer, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.provider == nil {
		o.provider = DefaultProvider()
	}
	if o.center == nil {
		o.center = DefaultCenter()
	}

	probe, err := o.provider.NewProbe(t)
	if err != nil {
		return nil, fmt.Errorf("create probe for %s: %w", t, err)
	}

	flags := probe.Flags()
	obs := &Observer{
		id:     uuid.New(),
		target: t,
		center: o.center,
		handle: &probeHandle{probe: probe},
		status: flags.Status(),
		flags:  flags,
	}
	obs.cleanup = goruntime.AddCleanup(obs, func(h *probeHandle) {
		if err := h.release(); err != nil {
			log.WithError(err).Debug("Failed to release probe of collected observer")
		}
	}, obs.handle)

	log.WithFields(log.Fields{
		"observer": obs.id,
		"target":   t.String(),
		"status":   obs.status,
	}).Debug("Created reachability observer")
	return obs, nil
}

func (o *Observer) ID() uuid.UUID  { return o.id }
func (o *Observer) Target() Target { return o.target }

// StartListening registers for change callbacks. It returns true when the
// observer is listening, including when it already was.
func (o *Observer) StartListening() bool {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	o.mu.Lock()
	if o.listening {
		o.mu.Unlock()
		return true
	}
	o.gen++
	gen := o.gen
	o.mu.Unlock()

	if o.handle.isClosed() {
		return false
	}

	q := runtime.NewLiveSubQueue[flagUpdate](8)
	if err := o.handle.probe.Register(func(f Flags) {
		q.Enqueue(flagUpdate{gen: gen, flags: f})
	}); err != nil {
		q.Close()
		log.WithError(err).WithField("observer", o.id).Warn("Failed to start listening")
		return false
	}

	o.mu.Lock()
	o.listening = true
	o.mu.Unlock()

	o.handle.swapQueue(q)
	go dispatch(weak.Make(o), q)

	// Catch up with anything that changed while inert.
	q.Enqueue(flagUpdate{gen: gen, flags: o.handle.probe.Flags()})

	log.WithFields(log.Fields{
		"observer": o.id,
		"target":   o.target.String(),
	}).Debug("Started listening")
	return true
}

// StopListening unregisters the probe. Updates already queued are dropped,
// and no delegate, handler or broadcast call starts after it returns. A
// sink already running, such as the one calling StopListening, completes.
func (o *Observer) StopListening() {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	o.stopLocked()
}

func (o *Observer) stopLocked() {
	o.mu.Lock()
	if !o.listening {
		o.mu.Unlock()
		return
	}
	o.listening = false
	o.gen++
	o.mu.Unlock()

	o.handle.probe.Unregister()
	o.handle.swapQueue(nil)

	log.WithField("observer", o.id).Debug("Stopped listening")
}

// Close stops listening and releases the probe. The observer stays readable
// but cannot listen again.
func (o *Observer) Close() error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	o.stopLocked()
	o.cleanup.Stop()
	return o.handle.release()
}

func (o *Observer) IsListening() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.listening
}

func (o *Observer) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

func (o *Observer) Flags() Flags {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.flags
}

func (o *Observer) IsReachable() bool            { return o.Snapshot().Status != NotReachable }
func (o *Observer) IsConnectionRequired() bool   { return o.Flags().IsConnectionRequired() }
func (o *Observer) IsOnDemand() bool             { return o.Flags().IsOnDemand() }
func (o *Observer) IsInterventionRequired() bool { return o.Flags().IsInterventionRequired() }

// Snapshot is a consistent view of an observer's cached state.
type Snapshot struct {
	Status               Status
	Flags                Flags
	Reachable            bool
	ConnectionRequired   bool
	OnDemand             bool
	InterventionRequired bool
	Listening            bool
}

func (o *Observer) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Snapshot{
		Status:               o.status,
		Flags:                o.flags,
		Reachable:            o.status != NotReachable,
		ConnectionRequired:   o.flags.IsConnectionRequired(),
		OnDemand:             o.flags.IsOnDemand(),
		InterventionRequired: o.flags.IsInterventionRequired(),
		Listening:            o.listening,
	}
}

// SetDelegate sets the delegate, or clears it when ref is nil.
func (o *Observer) SetDelegate(ref DelegateRef) {
	o.mu.Lock()
	o.delegate = ref
	o.mu.Unlock()
}

func (o *Observer) SetStatusChangedHandler(h Handler) {
	o.mu.Lock()
	o.handler = h
	o.mu.Unlock()
}

// dispatch drains q for the observer behind wp. It exits when q is closed or
// the observer has been collected.
func dispatch(wp weak.Pointer[Observer], q *runtime.SubQueue[flagUpdate]) {
	for u := range q.Chan() {
		o := wp.Value()
		if o == nil {
			q.Close()
			return
		}
		o.apply(u)
	}
}

func (o *Observer) apply(u flagUpdate) {
	o.mu.Lock()
	if u.gen != o.gen {
		o.mu.Unlock()
		return
	}
	prev := o.status
	next := u.flags.Status()
	o.flags = u.flags
	if next == prev {
		o.mu.Unlock()
		log.WithFields(log.Fields{
			"observer": o.id,
			"flags":    u.flags,
		}).Trace("Flags changed without status transition")
		return
	}
	o.status = next
	var delegate Delegate
	if o.delegate != nil {
		delegate = o.delegate.Delegate()
	}
	handler := o.handler
	o.mu.Unlock()

	log.WithFields(log.Fields{
		"observer": o.id,
		"target":   o.target.String(),
		"from":     prev,
		"to":       next,
	}).Debug("Reachability status changed")

	if delegate != nil && o.current(u.gen) {
		delegate.ReachabilityStatusChanged(o, next)
	}
	if handler != nil && o.current(u.gen) {
		handler(o, next)
	}
	if o.current(u.gen) {
		o.center.Post(StatusChangedNotification, StatusChange{
			Observer: o,
			Status:   next,
			Previous: prev,
			Flags:    u.flags,
		})
	}
}

// current reports whether gen is still the listening generation. Checked
// before each sink so a StopListening during fan-out silences the rest.
func (o *Observer) current(gen uint64) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.gen == gen
}
