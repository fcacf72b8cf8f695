package types

// BuildResourceMap converts a slice of resources to a map for efficient lookup by ID
func BuildResourceMap(resources []Resource) map[string]Resource {
	resourceMap := make(map[string]Resource, len(resources))
	for _, resource := range resources {
		resourceMap[resource.ID] = resource
	}
	return resourceMap
}

// Float64 returns a pointer to v
func Float64(v float64) *float64 {
	return &v
}
