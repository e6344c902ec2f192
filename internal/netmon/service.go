package netmon

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dmdmdm-nz/reachd/internal/runtime"
	log "github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("netmon: service closed")

type interfaceState struct {
	name  string
	index int
	up    bool
	addrs map[netip.Addr]struct{}
}

// Service fans watcher events out to subscribers. The watcher runs while at
// least one holder has acquired the service.
type Service struct {
	watcher           Watcher
	clock             clock.Clock
	reconcileInterval time.Duration

	mu         sync.RWMutex
	interfaces map[string]*interfaceState

	subsMu           sync.Mutex
	subs             map[int]*runtime.SubQueue[Event]
	nextSubscriberID int
	closed           bool

	refMu    sync.Mutex
	refs     int
	cancel   context.CancelFunc
	loopDone chan struct{}
}

type Option func(*Service)

// WithClock replaces the clock driving reconcile ticks.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// NewService creates a service around watcher. A reconcileInterval of zero
// disables reconcile events.
func NewService(watcher Watcher, reconcileInterval time.Duration, opts ...Option) *Service {
	s := &Service{
		watcher:           watcher,
		clock:             clock.New(),
		reconcileInterval: reconcileInterval,
		interfaces:        make(map[string]*interfaceState),
		subs:              make(map[int]*runtime.SubQueue[Event]),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	sharedOnce    sync.Once
	sharedService *Service
)

// Shared returns the process-wide service backed by the platform watcher.
func Shared() *Service {
	sharedOnce.Do(func() {
		sharedService = NewService(NewWatcher(), time.Minute)
	})
	return sharedService
}

// Subscribe returns a channel that first carries the known interface state
// (up interfaces and their addresses) and then every live event.
func (s *Service) Subscribe() (<-chan Event, func()) {
	// Take a snapshot.
	snapshot := s.snapshotEvents()

	sub := runtime.NewSubQueue[Event](len(snapshot) + 8)

	// Register subscriber in paused mode (live events will enqueue).
	s.subsMu.Lock()
	if s.closed {
		s.subsMu.Unlock()
		sub.Close()
		return sub.Chan(), func() {}
	}
	id := s.nextSubscriberID
	s.nextSubscriberID++
	s.subs[id] = sub
	s.subsMu.Unlock()

	for _, ev := range snapshot {
		sub.OutOfBandSnapshotSend(ev)
	}

	// Transition to live: flush queued live events, then unpause.
	sub.SetPaused(false)

	unsub := func() {
		s.subsMu.Lock()
		if q, ok := s.subs[id]; ok {
			delete(s.subs, id)
			q.Close()
		}
		s.subsMu.Unlock()
	}
	return sub.Chan(), unsub
}

// Acquire starts the watcher if this is the first holder. The watcher's
// registration error is returned and the holder count is left unchanged.
func (s *Service) Acquire() error {
	s.refMu.Lock()
	defer s.refMu.Unlock()

	s.subsMu.Lock()
	closed := s.closed
	s.subsMu.Unlock()
	if closed {
		return ErrClosed
	}

	if s.refs == 0 {
		ctx, cancel := context.WithCancel(context.Background())
		if err := s.watcher.Watch(ctx, s.handleWatcherEvent); err != nil {
			cancel()
			return fmt.Errorf("netmon: register watcher: %w", err)
		}
		s.cancel = cancel
		s.loopDone = make(chan struct{})
		go s.reconcileLoop(ctx, s.loopDone)
		log.Debug("Network monitoring started")
	}
	s.refs++
	return nil
}

// Release drops one holder. The watcher stops when the last holder releases.
func (s *Service) Release() {
	s.refMu.Lock()
	if s.refs == 0 {
		s.refMu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		s.refMu.Unlock()
		return
	}
	cancel, done := s.cancel, s.loopDone
	s.cancel, s.loopDone = nil, nil
	s.refMu.Unlock()

	cancel()
	<-done

	// The watcher reports existing state again on the next registration.
	s.mu.Lock()
	clear(s.interfaces)
	s.mu.Unlock()
	log.Debug("Network monitoring stopped")
}

// Holders returns the number of outstanding Acquire calls.
func (s *Service) Holders() int {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	return s.refs
}

// Start holds the service until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	log.Info("Starting network monitoring service")
	if err := s.Acquire(); err != nil {
		return err
	}
	defer s.Release()

	<-ctx.Done()
	log.Info("Stopping network monitoring service")
	return nil
}

func (s *Service) Close() error {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, q := range s.subs {
		q.Close()
		delete(s.subs, id)
	}
	return nil
}

func (s *Service) reconcileLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	if s.reconcileInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := s.clock.Ticker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Trace("Reconcile tick")
			s.broadcast(Event{Type: Reconcile})
		}
	}
}

// handleWatcherEvent records the event and publishes it unless it repeats
// the state already known for the interface.
func (s *Service) handleWatcherEvent(ev Event) {
	if !s.apply(ev) {
		log.WithFields(log.Fields{
			"interface": ev.InterfaceName,
			"type":      ev.Type,
		}).Trace("Dropping duplicate event")
		return
	}

	log.WithFields(log.Fields{
		"interface": ev.InterfaceName,
		"type":      ev.Type,
		"address":   ev.Address,
	}).Debug("Network change")
	s.broadcast(ev)
}

func (s *Service) apply(ev Event) bool {
	switch ev.Type {
	case InterfaceUp, InterfaceDown, AddressAdded, AddressRemoved:
	default:
		return true
	}

	key := ev.InterfaceName
	if key == "" {
		key = "#" + strconv.Itoa(ev.InterfaceIndex)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.interfaces[key]
	if !ok {
		st = &interfaceState{
			name:  ev.InterfaceName,
			index: ev.InterfaceIndex,
			addrs: make(map[netip.Addr]struct{}),
		}
	}

	switch ev.Type {
	case InterfaceUp:
		if ok && st.up {
			return false
		}
		st.up = true
	case InterfaceDown:
		if !ok || !st.up {
			return false
		}
		st.up = false
	case AddressAdded:
		if _, dup := st.addrs[ev.Address]; dup {
			return false
		}
		st.addrs[ev.Address] = struct{}{}
	case AddressRemoved:
		if _, known := st.addrs[ev.Address]; !known {
			return false
		}
		delete(st.addrs, ev.Address)
	}

	if !st.up && len(st.addrs) == 0 {
		delete(s.interfaces, key)
	} else {
		s.interfaces[key] = st
	}
	return true
}

func (s *Service) snapshotEvents() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]*interfaceState, 0, len(s.interfaces))
	for _, st := range s.interfaces {
		states = append(states, st)
	}
	slices.SortFunc(states, func(a, b *interfaceState) int {
		if c := cmp.Compare(a.index, b.index); c != 0 {
			return c
		}
		return cmp.Compare(a.name, b.name)
	})

	var out []Event
	for _, st := range states {
		if st.up {
			out = append(out, Event{Type: InterfaceUp, InterfaceName: st.name, InterfaceIndex: st.index})
		}
		for _, a := range sortedAddrs(st.addrs) {
			out = append(out, Event{Type: AddressAdded, InterfaceName: st.name, InterfaceIndex: st.index, Address: a})
		}
	}
	return out
}

func (s *Service) broadcast(ev Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, sub := range s.subs {
		sub.Enqueue(ev)
	}
}

func sortedAddrs(m map[netip.Addr]struct{}) []netip.Addr {
	out := make([]netip.Addr, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	slices.SortFunc(out, netip.Addr.Compare)
	return out
}
