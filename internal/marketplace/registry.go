package marketplace

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a Publisher from options.
type Factory func(Options) (Publisher, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// Register makes a publisher kind available to New.
func Register(kind string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[kind] = factory
}

// New creates a publisher of the given kind.
func New(kind string, opts Options) (Publisher, error) {
	factoryMu.RLock()
	factory, exists := factories[kind]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown marketplace kind: %s", kind)
	}
	return factory(opts)
}

// Kinds lists the registered publisher kinds.
func Kinds() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
