package targetmgr

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/dmdmdm-nz/reachd/internal/notify"
	"github.com/dmdmdm-nz/reachd/internal/reachability"
)

var (
	ErrNotFound = errors.New("observer not found")
	ErrExists   = errors.New("target already observed")
	ErrClosed   = errors.New("manager closed")
)

type entry struct {
	observer *reachability.Observer
	label    string
	seq      uint64
}

// Manager owns the daemon's observers, keyed by observer ID.
type Manager struct {
	center  *notify.Center[reachability.StatusChange]
	metrics *Metrics
	opts    []reachability.Option

	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
	nextSeq uint64
	running bool
	closed  bool
}

// NewManager creates a manager whose observers post to center. A nil center
// means reachability.DefaultCenter(); nil metrics are created unregistered.
func NewManager(center *notify.Center[reachability.StatusChange], metrics *Metrics, opts ...reachability.Option) *Manager {
	if center == nil {
		center = reachability.DefaultCenter()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Manager{
		center:  center,
		metrics: metrics,
		opts:    append(slices.Clone(opts), reachability.WithCenter(center)),
		entries: make(map[uuid.UUID]*entry),
	}
}

// Center is where every managed observer posts its transitions.
func (m *Manager) Center() *notify.Center[reachability.StatusChange] {
	return m.center
}

// Add creates an observer for t. Once Start has run the observer listens
// immediately.
func (m *Manager) Add(t reachability.Target) (*reachability.Observer, error) {
	label := t.String()

	m.mu.RLock()
	err := m.admitLocked(label)
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	// Construction evaluates the target, which may resolve a host name.
	o, err := reachability.NewForTarget(t, m.opts...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.admitLocked(label); err != nil {
		_ = o.Close()
		return nil, err
	}
	o.SetStatusChangedHandler(m.handleStatusChanged)

	m.nextSeq++
	m.entries[o.ID()] = &entry{observer: o, label: label, seq: m.nextSeq}
	m.metrics.observers.Set(float64(len(m.entries)))
	m.metrics.setStatus(label, o.Status())

	log.WithFields(log.Fields{
		"observer": o.ID(),
		"target":   label,
		"status":   o.Status(),
	}).Info("Observer added")

	if m.running {
		m.listen(o, label)
	}
	return o, nil
}

// admitLocked rejects label when the manager is closed or already observes it.
func (m *Manager) admitLocked(label string) error {
	if m.closed {
		return ErrClosed
	}
	for _, e := range m.entries {
		if strings.EqualFold(e.label, label) {
			return ErrExists
		}
	}
	return nil
}

// Remove closes and forgets the observer with the given ID.
func (m *Manager) Remove(id uuid.UUID) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
		m.metrics.observers.Set(float64(len(m.entries)))
		m.metrics.forget(e.label)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	log.WithFields(log.Fields{
		"observer": id,
		"target":   e.label,
	}).Info("Observer removed")
	return e.observer.Close()
}

func (m *Manager) Get(id uuid.UUID) (*reachability.Observer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return e.observer, true
}

// All returns the observers in the order they were added.
func (m *Manager) All() []*reachability.Observer {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	slices.SortFunc(entries, func(a, b *entry) int { return cmp.Compare(a.seq, b.seq) })

	out := make([]*reachability.Observer, len(entries))
	for i, e := range entries {
		out[i] = e.observer
	}
	return out
}

// Start makes every observer listen, including ones added later, until ctx
// is done. Observers stop listening when it returns.
func (m *Manager) Start(ctx context.Context) error {
	log.Info("Starting target manager")
	defer log.Info("Stopping target manager")

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.running = true
	for _, e := range m.entries {
		m.listen(e.observer, e.label)
	}
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	m.running = false
	for _, e := range m.entries {
		e.observer.StopListening()
	}
	m.mu.Unlock()
	return nil
}

// Close closes every observer. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.running = false
	entries := m.entries
	m.entries = make(map[uuid.UUID]*entry)
	m.metrics.observers.Set(0)
	m.mu.Unlock()

	var err error
	for id, e := range entries {
		log.WithField("observer", id).Debug("Closing observer")
		m.metrics.forget(e.label)
		err = multierr.Append(err, e.observer.Close())
	}
	return err
}

// listen must be called with m.mu held.
func (m *Manager) listen(o *reachability.Observer, label string) {
	if o.StartListening() {
		return
	}
	m.metrics.listenFailures.Inc()
	log.WithFields(log.Fields{
		"observer": o.ID(),
		"target":   label,
	}).Warn("Observer could not start listening")
}

func (m *Manager) handleStatusChanged(o *reachability.Observer, s reachability.Status) {
	label := o.Target().String()

	m.mu.RLock()
	_, managed := m.entries[o.ID()]
	m.mu.RUnlock()
	if !managed {
		return
	}

	m.metrics.transition(label, s)
	log.WithFields(log.Fields{
		"observer": o.ID(),
		"target":   label,
		"status":   s,
		"flags":    o.Flags(),
	}).Info("Reachability changed")
}
