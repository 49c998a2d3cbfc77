// Package changemarker tracks a one-bit "changed since last mirrored" flag per
// file. It lets a mirror task re-copy files whose relative path already exists
// at the destination, and it stops circular setups from copying a file back
// and forth forever: after a successful copy both ends are marked Clean.
package changemarker

import (
	"fmt"
	"sync"
)

// State is the value of a file's change marker.
type State int

const (
	// Dirty means the file changed since it was last mirrored (or never was).
	Dirty State = iota
	// Clean means the file is unchanged since it was last mirrored.
	Clean
)

func (s State) String() string {
	switch s {
	case Dirty:
		return "dirty"
	case Clean:
		return "clean"
	default:
		return fmt.Sprintf("unknown_state(%d)", int(s))
	}
}

// Marker reads and writes change markers of files on disk.
type Marker interface {
	Get(path string) (State, error)
	Set(path string, state State) error
}

// Memory keeps markers in process memory. Unknown paths read Dirty.
// It backs hosts without a native marker and is handy in tests.
type Memory struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemory returns an empty in-memory marker.
func NewMemory() *Memory {
	return &Memory{states: make(map[string]State)}
}

func (m *Memory) Get(path string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[path]; ok {
		return s, nil
	}
	return Dirty, nil
}

func (m *Memory) Set(path string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[path] = state
	return nil
}

// Statically assert that our types implement the interface.
var _ Marker = (*Memory)(nil)
