// factory.go maps backend names (local, s3, azure, gcs) to constructors and picks
// the configured one.
package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/carbon-marketplace/icr-marketplace/internal/config"
)

// FactoryFunc builds a backend from configuration
type FactoryFunc func(*config.Config) (Storage, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]FactoryFunc)
)

// Register registers a storage backend factory
func Register(name string, factory FactoryFunc) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = factory
}

// Registered lists the registered backend names in order
func Registered() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStorage creates the backend named by storage.default_backend
func NewStorage(cfg *config.Config) (Storage, error) {
	mu.RLock()
	factory, ok := factories[cfg.Storage.DefaultBackend]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend: %s (registered: %v)", cfg.Storage.DefaultBackend, Registered())
	}
	return factory(cfg)
}
