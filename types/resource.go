package types

import (
	"slices"
	"time"
)

// Kind is the coarse category of a cloud resource
type Kind string

const (
	KindVM       Kind = "vm"
	KindDisk     Kind = "disk"
	KindDatabase Kind = "database"
	KindOther    Kind = "other"
)

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	switch k {
	case KindVM, KindDisk, KindDatabase, KindOther:
		return true
	}
	return false
}

// Resource represents a cloud resource as observed in one inventory snapshot
type Resource struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Provider  string            `json:"provider"`
	Region    string            `json:"region"`
	Name      string            `json:"name,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Observed  ObservedState     `json:"observed"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
}

// ObservedState is the provider-reported runtime status of a resource.
// IdleSince is zero when the resource is active or the provider cannot tell.
type ObservedState struct {
	Status            string        `json:"status,omitempty"`
	Attached          bool          `json:"attached,omitempty"`
	IdleSince         time.Time     `json:"idle_since,omitempty"`
	Utilization       *float64      `json:"utilization,omitempty"`
	UtilizationWindow time.Duration `json:"utilization_window,omitempty"`
}

// ResourceFilter for querying resources
type ResourceFilter struct {
	Kinds      []Kind   `json:"kinds,omitempty"`
	Region     string   `json:"region,omitempty"`
	IDs        []string `json:"ids,omitempty"`
	TagPresent []string `json:"tag_present,omitempty"`
	TagAbsent  []string `json:"tag_absent,omitempty"`
}

// Matches checks if resource matches filter criteria
func (r *Resource) Matches(filter ResourceFilter) bool {
	return r.matchesBasicFields(filter) && r.matchesIDs(filter) && r.matchesTags(filter)
}

// WantsKind reports whether the filter admits resources of kind k.
// Adapters use it to skip whole API families.
func (f ResourceFilter) WantsKind(k Kind) bool {
	return len(f.Kinds) == 0 || slices.Contains(f.Kinds, k)
}

func (r *Resource) matchesBasicFields(filter ResourceFilter) bool {
	if !filter.WantsKind(r.Kind) {
		return false
	}
	if filter.Region != "" && r.Region != filter.Region {
		return false
	}
	return true
}

func (r *Resource) matchesIDs(filter ResourceFilter) bool {
	if len(filter.IDs) == 0 {
		return true
	}
	return slices.Contains(filter.IDs, r.ID)
}

func (r *Resource) matchesTags(filter ResourceFilter) bool {
	for _, key := range filter.TagPresent {
		if _, ok := r.Tag(key); !ok {
			return false
		}
	}
	for _, key := range filter.TagAbsent {
		if _, ok := r.Tag(key); ok {
			return false
		}
	}
	return true
}
