package reachability

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/dmdmdm-nz/reachd/internal/iface"
	"github.com/dmdmdm-nz/reachd/internal/netmon"
	log "github.com/sirupsen/logrus"
)

// Monitor is the change source probes listen to.
type Monitor interface {
	Acquire() error
	Release()
	Subscribe() (<-chan netmon.Event, func())
}

// SystemProvider evaluates targets against the host's interfaces and route
// table and re-evaluates on network change events.
type SystemProvider struct {
	routes         RouteTable
	lister         iface.Lister
	resolver       Resolver
	monitor        Monitor
	resolveTimeout time.Duration
}

type ProviderOption func(*SystemProvider)

func WithRouteTable(rt RouteTable) ProviderOption {
	return func(p *SystemProvider) { p.routes = rt }
}

func WithLister(l iface.Lister) ProviderOption {
	return func(p *SystemProvider) { p.lister = l }
}

func WithResolver(r Resolver) ProviderOption {
	return func(p *SystemProvider) { p.resolver = r }
}

func WithMonitor(m Monitor) ProviderOption {
	return func(p *SystemProvider) { p.monitor = m }
}

// WithResolveTimeout bounds each host name resolution.
func WithResolveTimeout(d time.Duration) ProviderOption {
	return func(p *SystemProvider) { p.resolveTimeout = d }
}

func NewSystemProvider(opts ...ProviderOption) *SystemProvider {
	p := &SystemProvider{resolveTimeout: 3 * time.Second}
	for _, opt := range opts {
		opt(p)
	}
	if p.lister == nil {
		p.lister = iface.NewLister()
	}
	if p.routes == nil {
		p.routes = NewRouteTable(p.lister)
	}
	if p.resolver == nil {
		p.resolver = NewSystemResolver(DefaultResolvConf)
	}
	if p.monitor == nil {
		p.monitor = netmon.Shared()
	}
	return p
}

var (
	defaultProviderMu sync.Mutex
	defaultProvider   Provider
)

// DefaultProvider returns the process-wide provider, a SystemProvider on
// the shared network monitor unless SetDefaultProvider replaced it.
func DefaultProvider() Provider {
	defaultProviderMu.Lock()
	defer defaultProviderMu.Unlock()
	if defaultProvider == nil {
		defaultProvider = NewSystemProvider()
	}
	return defaultProvider
}

// SetDefaultProvider replaces the process-wide provider. Passing nil
// restores the system provider on next use.
func SetDefaultProvider(p Provider) {
	defaultProviderMu.Lock()
	defaultProvider = p
	defaultProviderMu.Unlock()
}

func (p *SystemProvider) NewProbe(t Target) (Probe, error) {
	switch t.Kind() {
	case KindDefaultRoute, KindHost, KindAddress, KindAddressPair:
	default:
		return nil, fmt.Errorf("%w: unknown target kind %s", ErrProbeUnavailable, t.Kind())
	}
	if t.Kind() == KindHost && t.Host() == "" {
		return nil, fmt.Errorf("%w: host target without name", ErrProbeUnavailable)
	}
	return &systemProbe{provider: p, target: t}, nil
}

// Evaluate computes the flags of t from the current system state.
func (p *SystemProvider) Evaluate(t Target) Flags {
	ifaces, err := p.lister.Interfaces()
	if err != nil {
		log.WithError(err).Warn("Failed to list interfaces")
		return 0
	}

	switch t.Kind() {
	case KindDefaultRoute:
		return p.evaluateDefault(ifaces)

	case KindAddress:
		dst := t.Remote().Addr()
		if dst.IsUnspecified() {
			return p.evaluateDefault(ifaces)
		}
		return p.evaluateRoute(ifaces, dst, netip.Addr{})

	case KindAddressPair:
		local := t.Local().Addr()
		if !local.IsUnspecified() {
			if _, ok := iface.Owning(ifaces, local); !ok {
				return 0
			}
		}
		return p.evaluateRoute(ifaces, t.Remote().Addr(), local)

	case KindHost:
		return p.evaluateHost(ifaces, t.Host())

	default:
		return 0
	}
}

func (p *SystemProvider) evaluateDefault(ifaces []iface.Interface) Flags {
	routes, err := p.routes.DefaultRoutes()
	if err != nil {
		log.WithError(err).Debug("Failed to read default routes")
		return 0
	}
	for _, r := range routes {
		if f := routeFlags(ifaces, r, netip.Addr{}); f.Has(Reachable) {
			return f
		}
	}
	return 0
}

func (p *SystemProvider) evaluateRoute(ifaces []iface.Interface, dst, src netip.Addr) Flags {
	r, err := p.routes.RouteTo(dst, src)
	if err != nil {
		log.WithError(err).WithField("destination", dst).Trace("No route")
		return 0
	}
	return routeFlags(ifaces, r, dst)
}

func (p *SystemProvider) evaluateHost(ifaces []iface.Interface, host string) Flags {
	ctx, cancel := context.WithTimeout(context.Background(), p.resolveTimeout)
	defer cancel()

	addrs, err := p.resolver.LookupHost(ctx, host)
	if err != nil {
		log.WithError(err).WithField("host", host).Debug("Failed to resolve host")
		return 0
	}
	for _, a := range addrs {
		if f := p.evaluateRoute(ifaces, a, netip.Addr{}); f.Has(Reachable) {
			return f
		}
	}
	return 0
}

// routeFlags turns a route into flags. dst is invalid for default routes.
func routeFlags(ifaces []iface.Interface, r Route, dst netip.Addr) Flags {
	ifc, ok := iface.ByIndex(ifaces, r.InterfaceIndex)
	if !ok || !ifc.Up {
		return 0
	}

	f := Reachable
	if r.Local || (dst.IsValid() && assigned(ifaces, dst)) {
		f |= IsLocalAddress | IsDirect
	}
	if !r.Gateway.IsValid() {
		f |= IsDirect
	}
	if ifc.Class == iface.ClassWWAN {
		f |= IsWWAN
		if len(ifc.Addrs) == 0 {
			f |= ConnectionRequired | ConnectionOnTraffic | TransientConnection
		}
	}
	return f
}

func assigned(ifaces []iface.Interface, addr netip.Addr) bool {
	for _, ifc := range ifaces {
		if ifc.HasAddr(addr) {
			return true
		}
	}
	return false
}

type systemProbe struct {
	provider *SystemProvider
	target   Target

	mu       sync.Mutex
	callback func(Flags)
	stop     func()
	closed   bool
}

func (sp *systemProbe) Flags() Flags {
	return sp.provider.Evaluate(sp.target)
}

func (sp *systemProbe) Register(callback func(Flags)) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.closed {
		return fmt.Errorf("%w: probe closed", ErrRegistration)
	}
	if sp.stop != nil {
		sp.callback = callback
		return nil
	}

	if err := sp.provider.monitor.Acquire(); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	events, unsub := sp.provider.monitor.Subscribe()
	sp.callback = callback

	var once sync.Once
	sp.stop = func() {
		once.Do(func() {
			unsub()
			sp.provider.monitor.Release()
		})
	}

	go sp.run(events)
	return nil
}

// run re-evaluates after each burst of events. Events that queued up while
// evaluating are folded into one evaluation.
func (sp *systemProbe) run(events <-chan netmon.Event) {
	for ev := range events {
		n := 1
	drain:
		for {
			select {
			case _, ok := <-events:
				if !ok {
					return
				}
				n++
			default:
				break drain
			}
		}

		log.WithFields(log.Fields{
			"target": sp.target.String(),
			"event":  ev.Type,
			"events": n,
		}).Trace("Re-evaluating reachability")

		f := sp.Flags()

		sp.mu.Lock()
		cb := sp.callback
		sp.mu.Unlock()
		if cb != nil {
			cb(f)
		}
	}
}

func (sp *systemProbe) Unregister() {
	sp.mu.Lock()
	stop := sp.stop
	sp.stop = nil
	sp.callback = nil
	sp.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (sp *systemProbe) Close() error {
	sp.Unregister()
	sp.mu.Lock()
	sp.closed = true
	sp.mu.Unlock()
	return nil
}
