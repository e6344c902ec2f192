//go:build !linux

package iface

// NewLister returns the lister for the running platform.
func NewLister() Lister {
	return NewStdLister(DefaultClassifier())
}
