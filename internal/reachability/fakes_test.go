package reachability

import (
	"context"
	"net/netip"
	"sync"

	"github.com/dmdmdm-nz/reachd/internal/iface"
	"github.com/dmdmdm-nz/reachd/internal/netmon"
)

type fakeProbe struct {
	mu          sync.Mutex
	flags       Flags
	callback    func(Flags)
	registerErr error
	registers   int
	unregisters int
	closed      bool
}

func (p *fakeProbe) Flags() Flags {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flags
}

func (p *fakeProbe) Register(cb func(Flags)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registerErr != nil {
		return p.registerErr
	}
	p.registers++
	p.callback = cb
	return nil
}

func (p *fakeProbe) Unregister() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.callback != nil {
		p.unregisters++
	}
	p.callback = nil
}

func (p *fakeProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Set changes the flags and reports them like a platform change would.
func (p *fakeProbe) Set(f Flags) {
	p.mu.Lock()
	p.flags = f
	cb := p.callback
	p.mu.Unlock()
	if cb != nil {
		cb(f)
	}
}

func (p *fakeProbe) Registered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callback != nil
}

func (p *fakeProbe) Counts() (registers, unregisters int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registers, p.unregisters
}

func (p *fakeProbe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeProvider struct {
	mu      sync.Mutex
	probe   *fakeProbe
	err     error
	targets []Target
}

func newFakeProvider(initial Flags) *fakeProvider {
	return &fakeProvider{probe: &fakeProbe{flags: initial}}
}

func (p *fakeProvider) NewProbe(t Target) (Probe, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.targets = append(p.targets, t)
	return p.probe, nil
}

type staticLister struct {
	mu     sync.Mutex
	ifaces []iface.Interface
	err    error
}

func (l *staticLister) Interfaces() ([]iface.Interface, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	return append([]iface.Interface(nil), l.ifaces...), nil
}

func (l *staticLister) Set(ifaces ...iface.Interface) {
	l.mu.Lock()
	l.ifaces = ifaces
	l.mu.Unlock()
}

type fakeRoutes struct {
	mu       sync.Mutex
	routes   map[netip.Addr]Route
	defaults []Route
	lookups  []netip.Addr
}

func (r *fakeRoutes) RouteTo(dst, src netip.Addr) (Route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups = append(r.lookups, dst)
	rt, ok := r.routes[dst]
	if !ok {
		return Route{}, ErrNoRoute
	}
	if src.IsValid() && rt.Source.IsValid() && rt.Source != src {
		return Route{}, ErrNoRoute
	}
	return rt, nil
}

func (r *fakeRoutes) DefaultRoutes() ([]Route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Route(nil), r.defaults...), nil
}

type fakeMonitor struct {
	mu       sync.Mutex
	acquires int
	releases int
	err      error
	events   chan netmon.Event
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{events: make(chan netmon.Event, 16)}
}

func (m *fakeMonitor) Acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.acquires++
	return nil
}

func (m *fakeMonitor) Release() {
	m.mu.Lock()
	m.releases++
	m.mu.Unlock()
}

func (m *fakeMonitor) Subscribe() (<-chan netmon.Event, func()) {
	var once sync.Once
	return m.events, func() { once.Do(func() { close(m.events) }) }
}

func (m *fakeMonitor) Counts() (acquires, releases int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquires, m.releases
}

type staticResolver map[string][]netip.Addr

func (r staticResolver) LookupHost(_ context.Context, host string) ([]netip.Addr, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, ErrNoAddresses
	}
	return addrs, nil
}
