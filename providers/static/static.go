// Package static serves an inventory from a YAML fixture file. Deletions
// are written back to the file, which makes it usable for rehearsing
// policies locally without cloud credentials.
package static

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/sunset/providers"
	"github.com/yairfalse/sunset/types"
)

func init() {
	providers.RegisterProvider("static", func(_ context.Context, cfg providers.ProviderConfig) (providers.CloudProvider, error) {
		return Load(cfg.Path, cfg.Region)
	})
}

// Fixture is the on-disk document
type Fixture struct {
	Resources []FixtureResource `yaml:"resources"`
}

// FixtureResource is one resource in the fixture
type FixtureResource struct {
	ID       string            `yaml:"id"`
	Kind     types.Kind        `yaml:"kind"`
	Region   string            `yaml:"region,omitempty"`
	Name     string            `yaml:"name,omitempty"`
	Tags     map[string]string `yaml:"tags,omitempty"`
	Observed FixtureObserved   `yaml:"observed,omitempty"`
}

// FixtureObserved mirrors types.ObservedState
type FixtureObserved struct {
	Status            string        `yaml:"status,omitempty"`
	Attached          bool          `yaml:"attached,omitempty"`
	IdleSince         time.Time     `yaml:"idle_since,omitempty"`
	Utilization       *float64      `yaml:"utilization,omitempty"`
	UtilizationWindow time.Duration `yaml:"utilization_window,omitempty"`
}

// Provider is an in-memory inventory backed by a fixture
type Provider struct {
	mu        sync.Mutex
	path      string
	region    string
	resources map[string]FixtureResource
}

var _ providers.CloudProvider = (*Provider)(nil)

// Load reads the fixture at path
func Load(path, region string) (*Provider, error) {
	if path == "" {
		return nil, fmt.Errorf("static provider requires a fixture path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}

	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("failed to parse fixture %s: %w", path, err)
	}

	p := New(region, fx.Resources...)
	p.path = path
	return p, nil
}

// New builds a provider from resources without a backing file
func New(region string, resources ...FixtureResource) *Provider {
	p := &Provider{region: region, resources: make(map[string]FixtureResource, len(resources))}
	for _, r := range resources {
		if r.Kind == "" {
			r.Kind = types.KindOther
		}
		if r.Region == "" {
			r.Region = region
		}
		p.resources[r.ID] = r
	}
	return p
}

func (p *Provider) Name() string   { return "static" }
func (p *Provider) Region() string { return p.region }

// ListResources returns the fixture resources matching filter, sorted by ID
func (p *Provider) ListResources(_ context.Context, filter types.ResourceFilter) ([]types.Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []types.Resource
	for _, fr := range p.resources {
		res := fr.toResource()
		if res.Matches(filter) {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes the resource and rewrites the fixture file
func (p *Provider) Delete(_ context.Context, res types.Resource) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.resources[res.ID]; !ok {
		return types.NotFound("delete", fmt.Errorf("resource %s not in fixture", res.ID)).WithResource(res.ID)
	}
	delete(p.resources, res.ID)
	if err := p.save(); err != nil {
		return types.Ambiguous("delete", err).WithResource(res.ID)
	}
	return nil
}

// Exists reports whether the resource is still in the fixture
func (p *Provider) Exists(_ context.Context, res types.Resource) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.resources[res.ID]
	return ok, nil
}

func (p *Provider) save() error {
	if p.path == "" {
		return nil
	}
	fx := Fixture{Resources: make([]FixtureResource, 0, len(p.resources))}
	for _, r := range p.resources {
		fx.Resources = append(fx.Resources, r)
	}
	sort.Slice(fx.Resources, func(i, j int) bool { return fx.Resources[i].ID < fx.Resources[j].ID })

	data, err := yaml.Marshal(fx)
	if err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}

func (r FixtureResource) toResource() types.Resource {
	tags := make(map[string]string, len(r.Tags))
	for k, v := range r.Tags {
		tags[k] = v
	}
	return types.Resource{
		ID:       r.ID,
		Kind:     r.Kind,
		Provider: "static",
		Region:   r.Region,
		Name:     r.Name,
		Tags:     tags,
		Observed: types.ObservedState{
			Status:            r.Observed.Status,
			Attached:          r.Observed.Attached,
			IdleSince:         r.Observed.IdleSince,
			Utilization:       r.Observed.Utilization,
			UtilizationWindow: r.Observed.UtilizationWindow,
		},
	}
}
