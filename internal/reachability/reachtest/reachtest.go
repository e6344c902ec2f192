// Package reachtest provides a scriptable reachability.Provider for tests of
// code built on observers.
package reachtest

import (
	"errors"
	"sync"

	"github.com/dmdmdm-nz/reachd/internal/reachability"
)

// Probe reports whatever flags Set gives it.
type Probe struct {
	mu          sync.Mutex
	flags       reachability.Flags
	callback    func(reachability.Flags)
	registerErr error
	closed      bool
}

func (p *Probe) Flags() reachability.Flags {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flags
}

func (p *Probe) Register(cb func(reachability.Flags)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return reachability.ErrRegistration
	}
	if p.registerErr != nil {
		return p.registerErr
	}
	p.callback = cb
	return nil
}

func (p *Probe) Unregister() {
	p.mu.Lock()
	p.callback = nil
	p.mu.Unlock()
}

func (p *Probe) Close() error {
	p.mu.Lock()
	p.callback = nil
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Set changes the flags and reports them to a registered callback.
func (p *Probe) Set(f reachability.Flags) {
	p.mu.Lock()
	p.flags = f
	cb := p.callback
	p.mu.Unlock()
	if cb != nil {
		cb(f)
	}
}

func (p *Probe) Registered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callback != nil
}

func (p *Probe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Provider hands out one Probe per target, keyed by the target's string form.
type Provider struct {
	mu          sync.Mutex
	initial     reachability.Flags
	probes      map[string]*Probe
	registerErr error
}

// NewProvider creates a provider whose probes start with initial flags.
func NewProvider(initial reachability.Flags) *Provider {
	return &Provider{initial: initial, probes: make(map[string]*Probe)}
}

// FailRegistration makes probes created afterwards refuse Register.
func (p *Provider) FailRegistration() {
	p.mu.Lock()
	p.registerErr = errors.New("registration refused")
	p.mu.Unlock()
}

func (p *Provider) NewProbe(t reachability.Target) (reachability.Probe, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	probe := &Probe{flags: p.initial, registerErr: p.registerErr}
	p.probes[t.String()] = probe
	return probe, nil
}

// Probe returns the latest probe created for the target with the given
// string form.
func (p *Provider) Probe(target string) (*Probe, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	probe, ok := p.probes[target]
	return probe, ok
}
