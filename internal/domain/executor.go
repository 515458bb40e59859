package domain

import (
	"fmt"
	"sort"
	"sync"
)

// ExecutorConfig names the pluggable executor that runs a leaf node and the
// parameters it is invoked with.
type ExecutorConfig struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Clone returns a deep copy of the config.
func (c *ExecutorConfig) Clone() *ExecutorConfig {
	if c == nil {
		return nil
	}
	return &ExecutorConfig{Name: c.Name, Params: cloneMap(c.Params)}
}

// RegistrationKind tags a Registration.
type RegistrationKind string

// Registration kinds
const (
	KindExecutor   RegistrationKind = "executor"
	KindController RegistrationKind = "controller"
)

// Registration is an explicit startup-time declaration of an executor or a
// controller.
type Registration struct {
	Kind   RegistrationKind `json:"kind" mapstructure:"kind"`
	Name   string           `json:"name" mapstructure:"name"`
	Config map[string]any   `json:"config,omitempty" mapstructure:"config"`
}

type registrationKey struct {
	kind RegistrationKind
	name string
}

// Registry holds the registrations known to the engine.
type Registry struct {
	mu      sync.RWMutex
	entries map[registrationKey]Registration
}

// NewRegistry builds a registry, rejecting unknown kinds, empty names and duplicates.
func NewRegistry(regs ...Registration) (*Registry, error) {
	r := &Registry{entries: make(map[registrationKey]Registration, len(regs))}
	for _, reg := range regs {
		if err := r.Register(reg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a registration.
func (r *Registry) Register(reg Registration) error {
	if reg.Kind != KindExecutor && reg.Kind != KindController {
		return NewValidationError("kind", fmt.Sprintf("unknown registration kind %q", reg.Kind))
	}
	if reg.Name == "" {
		return NewValidationError("name", "registration name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := registrationKey{kind: reg.Kind, name: reg.Name}
	if _, exists := r.entries[key]; exists {
		return NewValidationError("name", fmt.Sprintf("%s %q registered twice", reg.Kind, reg.Name))
	}
	r.entries[key] = reg
	return nil
}

// Lookup returns the registration of the given kind and name.
func (r *Registry) Lookup(kind RegistrationKind, name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[registrationKey{kind: kind, name: name}]
	return reg, ok
}

// List returns the registrations of a kind sorted by name.
func (r *Registry) List(kind RegistrationKind) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Registration
	for key, reg := range r.entries {
		if key.kind == kind {
			out = append(out, reg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateExecutor checks that cfg names a registered executor. A registry
// without executors accepts any name.
func (r *Registry) ValidateExecutor(cfg *ExecutorConfig) error {
	if r == nil || cfg == nil {
		return nil
	}
	if len(r.List(KindExecutor)) == 0 {
		return nil
	}
	if _, ok := r.Lookup(KindExecutor, cfg.Name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecutor, cfg.Name)
	}
	return nil
}
