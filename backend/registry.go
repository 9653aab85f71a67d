package backend

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// BackendFactory creates a backend. It returns an error wrapping
// ErrNotInitialized when the native library cannot be loaded.
type BackendFactory func() (Backend, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]BackendFactory)
)

// priority lists the preferred backends, best first. Names not listed
// rank after them in lexical order.
var priority = []string{NameVulkan, NameWGPU, NameSoft, NameWGPUNoop}

func rank(name string) int {
	if i := slices.Index(priority, name); i >= 0 {
		return i
	}
	return len(priority)
}

// Register makes a backend available under name, replacing any previous
// factory. Backend packages call it from init.
func Register(name string, factory BackendFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// Unregister removes name from the registry.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Available returns the registered names, best first.
func Available() []string {
	registryMu.RLock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	registryMu.RUnlock()

	slices.SortFunc(names, func(a, b string) int {
		return cmp.Or(cmp.Compare(rank(a), rank(b)), cmp.Compare(a, b))
	})
	return names
}

// IsRegistered reports whether name has a factory.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// Get instantiates the backend registered as name.
func Get(name string) (Backend, error) {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}

	b, err := factory()
	switch {
	case err != nil:
		return nil, fmt.Errorf("backend %q: %w", name, err)
	case b == nil:
		return nil, fmt.Errorf("%w: %q returned no backend", ErrBackendNotAvailable, name)
	}
	return b, nil
}

// Default returns the best backend that initializes, or nil.
func Default() Backend {
	b, _ := Select()
	return b
}

// MustDefault is like Default but panics when nothing initializes.
func MustDefault() Backend {
	b, err := Select()
	if err != nil {
		panic(err)
	}
	return b
}

// Select returns the first of preferred that is registered and
// initializes, trying every registered backend when preferred is empty.
// On failure the error of each candidate is joined into the result.
func Select(preferred ...string) (Backend, error) {
	if len(preferred) == 0 {
		preferred = Available()
	}
	var errs []error
	for _, name := range preferred {
		b, err := Get(name)
		if err == nil {
			return b, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrBackendNotAvailable
	}
	return nil, fmt.Errorf("%w: %w", ErrBackendNotAvailable, errors.Join(errs...))
}
