//go:build !linux && !darwin && !freebsd && !windows

package changemarker

// New returns an in-memory marker: this host has no native one, so markers
// do not survive a restart.
func New() Marker { return NewMemory() }
