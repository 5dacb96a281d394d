package step

import (
	"fmt"
	"sort"

	"isocore/pkg/domain"
)

// Factory constructs a controller instance.
type Factory func() Controller

// Plugin contributes step types to a registry.
type Plugin interface {
	Name() string
	Version() string
	Register(registry *Registry) error
}

// Registry maps step type tags to controller factories. It is populated at
// startup and sealed before use; lookups of unknown tags fail.
type Registry struct {
	factories map[domain.StepType]Factory
	plugins   []PluginMetadata
	sealed    bool
}

// PluginMetadata records an installed step plugin.
type PluginMetadata struct {
	Name    string
	Version string
	Types   []domain.StepType
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[domain.StepType]Factory)}
}

// DefaultRegistry returns a sealed registry holding the built-in steps.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	if err := r.Install(Builtins()); err != nil {
		panic(err)
	}
	r.Seal()
	return r
}

// Register binds a tag to a factory.
func (r *Registry) Register(t domain.StepType, factory Factory) error {
	if r.sealed {
		return fmt.Errorf("step registry sealed, cannot register %s", t)
	}
	if t == "" || factory == nil {
		return fmt.Errorf("step type and factory are required")
	}
	if _, exists := r.factories[t]; exists {
		return fmt.Errorf("step type %s already registered", t)
	}
	r.factories[t] = factory
	return nil
}

// Install registers every type contributed by the plugin.
func (r *Registry) Install(plugin Plugin) error {
	if plugin == nil {
		return fmt.Errorf("plugin is nil")
	}
	before := r.Types()
	if err := plugin.Register(r); err != nil {
		return fmt.Errorf("install %s: %w", plugin.Name(), err)
	}
	meta := PluginMetadata{Name: plugin.Name(), Version: plugin.Version()}
	known := make(map[domain.StepType]struct{}, len(before))
	for _, t := range before {
		known[t] = struct{}{}
	}
	for _, t := range r.Types() {
		if _, ok := known[t]; !ok {
			meta.Types = append(meta.Types, t)
		}
	}
	r.plugins = append(r.plugins, meta)
	return nil
}

// Seal prevents further registration.
func (r *Registry) Seal() { r.sealed = true }

// Resolve constructs the controller for a tag.
func (r *Registry) Resolve(t domain.StepType) (Controller, error) {
	factory, ok := r.factories[t]
	if !ok {
		return nil, fmt.Errorf("unknown step type %q", t)
	}
	return factory(), nil
}

// Types returns the registered tags sorted.
func (r *Registry) Types() []domain.StepType {
	out := make([]domain.StepType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Plugins returns metadata for installed plugins.
func (r *Registry) Plugins() []PluginMetadata {
	return append([]PluginMetadata(nil), r.plugins...)
}
