package notify

import (
	"os"

	"gopkg.in/yaml.v3"

	"maestro/internal/errors"
)

// Binding names the channel an agent's events go to.
type Binding struct {
	Channel string `yaml:"channel"` // log | webhook | chat
	Target  string `yaml:"target,omitempty"`
}

// Resolver picks a backend per agent. Resolution order: explicit binding,
// per-agent config, wildcard binding, wildcard config.
type Resolver struct {
	bindings map[string]Binding
	config   map[string]Binding
	backends map[string]Backend
}

// NewResolver builds a resolver over the available backends, keyed by
// channel name.
func NewResolver(backends ...Backend) *Resolver {
	byName := make(map[string]Backend, len(backends))
	for _, b := range backends {
		byName[b.Name()] = b
	}
	return &Resolver{
		bindings: map[string]Binding{},
		config:   map[string]Binding{},
		backends: byName,
	}
}

// LoadBindings reads the agent→channel binding file. A missing file leaves
// the bindings empty.
func (r *Resolver) LoadBindings(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewResource(err, "channel bindings")
	}
	var doc struct {
		Bindings map[string]Binding `yaml:"bindings"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.NewValidation("bindings", "parse channel bindings: %v", err)
	}
	if doc.Bindings != nil {
		r.bindings = doc.Bindings
	}
	return nil
}

// SetConfig installs per-agent config bindings ("*" is the wildcard).
func (r *Resolver) SetConfig(config map[string]Binding) {
	if config != nil {
		r.config = config
	}
}

// Resolve returns the backend for an agent, or nil when nothing is bound.
func (r *Resolver) Resolve(agent string) Backend {
	for _, b := range []Binding{r.bindings[agent], r.config[agent], r.bindings["*"], r.config["*"]} {
		if b.Channel == "" {
			continue
		}
		if backend, ok := r.backends[b.Channel]; ok {
			return backend
		}
	}
	return nil
}
