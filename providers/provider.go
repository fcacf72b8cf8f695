package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/sunset/types"
)

// Inventory lists the resources currently present in an account. The
// returned slice is an immutable snapshot; pagination is the adapter's job.
type Inventory interface {
	ListResources(ctx context.Context, filter types.ResourceFilter) ([]types.Resource, error)
}

// Deleter retires resources. Delete returns classified errors
// (types.ClassifiedError); Exists is used to verify a deletion took effect.
type Deleter interface {
	Delete(ctx context.Context, res types.Resource) error
	Exists(ctx context.Context, res types.Resource) (bool, error)
}

// CloudProvider interface for all cloud providers
type CloudProvider interface {
	Inventory
	Deleter

	Name() string
	Region() string
}

// ProviderConfig holds provider configuration. Credentials come from the
// provider's default chain; only selection knobs live here.
type ProviderConfig struct {
	Region  string
	Profile string
	// Path to a resource fixture, used by the static provider
	Path string
	// How far back utilization metrics are read
	UtilizationLookback time.Duration
	// Delete databases without a final snapshot
	SkipFinalSnapshot bool
}

// ProviderFactory creates a provider instance
type ProviderFactory func(ctx context.Context, config ProviderConfig) (CloudProvider, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]ProviderFactory)
)

// RegisterProvider registers a new provider factory
func RegisterProvider(name string, factory ProviderFactory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = factory
}

// GetProvider creates a provider instance by name
func GetProvider(ctx context.Context, name string, config ProviderConfig) (CloudProvider, error) {
	mu.RLock()
	factory, exists := factories[name]
	mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("provider %s not found (available: %v)", name, ListProviders())
	}
	return factory(ctx, config)
}

// ListProviders returns available provider names, sorted
func ListProviders() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
