package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pario-ai/payless/pkg/models"
	"github.com/pario-ai/payless/pkg/pricing"
)

// Route is a resolved provider and model.
type Route struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
}

// Registry maps vendor names to bindings and to their model lists in the
// active pricing catalog. It holds no per-call state.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	aliases   map[string]Route
	table     *pricing.Table
}

// NewRegistry creates a Registry reading model lists from t.
func NewRegistry(t *pricing.Table) *Registry {
	if t == nil {
		t = pricing.NewTable(nil)
	}
	return &Registry{
		providers: make(map[string]Provider),
		aliases:   make(map[string]Route),
		table:     t,
	}
}

// Register adds p under p.Name(). Registering the same name twice is an error.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.Name()]; ok {
		return fmt.Errorf("register provider %s: already registered", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

// SetAlias maps a client-facing model alias to a provider and model.
func (r *Registry) SetAlias(alias string, route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = route
}

// Get returns the binding registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Providers returns registered vendor names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table returns the pricing table the registry reads model lists from.
func (r *Registry) Table() *pricing.Table { return r.table }

// Descriptor returns the catalog entry for a vendor. A registered vendor
// missing from the catalog gets an empty descriptor and has no default model.
func (r *Registry) Descriptor(name string) (models.ProviderDescriptor, error) {
	if d, ok := r.table.Catalog().Providers[name]; ok {
		return d, nil
	}
	if _, err := r.Get(name); err != nil {
		return models.ProviderDescriptor{}, err
	}
	return models.ProviderDescriptor{Name: name}, nil
}

// Models returns the vendor's available models.
func (r *Registry) Models(name string) ([]string, error) {
	d, err := r.Descriptor(name)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), d.AvailableModels...), nil
}

// DefaultModel returns the vendor's default model.
func (r *Registry) DefaultModel(name string) (string, error) {
	d, err := r.Descriptor(name)
	if err != nil {
		return "", err
	}
	if d.DefaultModel == "" {
		return "", fmt.Errorf("%w: %s", ErrNoDefaultModel, name)
	}
	return d.DefaultModel, nil
}

// Resolve picks the binding and model for a call.
//
// With no provider name, model is first looked up as an alias, then as a
// model listed by a registered vendor. With no model, the vendor default is
// used. A model the vendor does not list is passed through unchanged and
// billed at the fallback rate.
func (r *Registry) Resolve(providerName, model string) (Provider, string, error) {
	if providerName == "" {
		route, err := r.routeFor(model)
		if err != nil {
			return nil, "", err
		}
		providerName, model = route.Provider, route.Model
	}

	p, err := r.Get(providerName)
	if err != nil {
		return nil, "", err
	}
	if model == "" {
		model, err = r.DefaultModel(providerName)
		if err != nil {
			return nil, "", err
		}
	}
	return p, model, nil
}

func (r *Registry) routeFor(model string) (Route, error) {
	r.mu.RLock()
	route, ok := r.aliases[model]
	r.mu.RUnlock()
	if ok {
		return route, nil
	}

	cat := r.table.Catalog()
	for _, name := range r.Providers() {
		if d, ok := cat.Providers[name]; ok && (model == "" || d.HasModel(model)) {
			return Route{Provider: name, Model: model}, nil
		}
	}
	if model == "" {
		return Route{}, fmt.Errorf("%w: no provider registered", ErrUnknownProvider)
	}
	return Route{}, fmt.Errorf("%w: no provider serves model %s", ErrUnknownProvider, model)
}
