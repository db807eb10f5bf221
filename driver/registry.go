package driver

import (
	"sort"
	"strings"
	"sync"
)

var (
	registry   = make(map[string]Driver)
	registryMu sync.RWMutex
)

// Register makes a backend available under name. Backends call it from
// their package init functions. The name is case-insensitive.
func Register(name string, d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = d
}

// Lookup returns the backend registered under name, or nil.
func Lookup(name string) Driver {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[strings.ToLower(name)]
}

// Names returns the sorted names of all registered backends.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
