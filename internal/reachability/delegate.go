package reachability

import "weak"

// Delegate receives status transitions of an observer.
type Delegate interface {
	ReachabilityStatusChanged(o *Observer, status Status)
}

// Handler is the callback form of Delegate.
type Handler func(o *Observer, status Status)

// DelegateRef resolves to the delegate at dispatch time, or nil once the
// delegate is gone.
type DelegateRef interface {
	Delegate() Delegate
}

type weakDelegate[D any, PD interface {
	*D
	Delegate
}] struct {
	p weak.Pointer[D]
}

func (w weakDelegate[D, PD]) Delegate() Delegate {
	v := w.p.Value()
	if v == nil {
		return nil
	}
	return PD(v)
}

// WeakDelegate refers to d without keeping it alive. After d is collected
// the observer skips it.
func WeakDelegate[D any, PD interface {
	*D
	Delegate
}](d PD) DelegateRef {
	p := (*D)(d)
	if p == nil {
		return nil
	}
	return weakDelegate[D, PD]{p: weak.Make(p)}
}

type strongDelegate struct{ d Delegate }

func (s strongDelegate) Delegate() Delegate { return s.d }

// StrongDelegate keeps d alive for as long as the observer holds it.
func StrongDelegate(d Delegate) DelegateRef {
	if d == nil {
		return nil
	}
	return strongDelegate{d: d}
}
