// Package router assigns each task to exactly one agent.
package router

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"maestro/internal/errors"
)

// Agent describes one registered worker agent.
type Agent struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// Registry is the set of agents tasks may be routed to.
type Registry struct {
	Agents       []Agent `yaml:"agents"`
	DefaultAgent string  `yaml:"default_agent"`

	byName map[string]Agent
}

// Rule routes a task to an agent when any keyword matches a title or
// description token.
type Rule struct {
	Agent    string   `yaml:"agent"`
	Keywords []string `yaml:"keywords"`
}

// NewRegistry builds a registry in code, for deployments without a registry
// file.
func NewRegistry(agents []Agent, defaultAgent string) (*Registry, error) {
	reg := Registry{Agents: agents, DefaultAgent: defaultAgent}
	if err := reg.init(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// LoadRegistry reads the agents registry from a YAML file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewResource(err, "agents registry")
	}
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, errors.NewValidation("agents", "parse agents registry: %v", err)
	}
	if err := reg.init(); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (r *Registry) init() error {
	if len(r.Agents) == 0 {
		return errors.NewValidation("agents", "registry declares no agents")
	}
	r.byName = make(map[string]Agent, len(r.Agents))
	for _, a := range r.Agents {
		if a.Name == "" {
			return errors.NewValidation("agents", "agent with empty name")
		}
		if _, dup := r.byName[a.Name]; dup {
			return errors.NewValidation("agents", "duplicate agent %q", a.Name)
		}
		r.byName[a.Name] = a
	}
	if r.DefaultAgent == "" {
		r.DefaultAgent = r.Agents[0].Name
	}
	if _, ok := r.byName[r.DefaultAgent]; !ok {
		return errors.NewValidation("default_agent", "default agent %q is not registered", r.DefaultAgent)
	}
	return nil
}

// Has reports whether an agent name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Names returns the registered agent names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Describe renders the registry for LLM prompts.
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, a := range r.Agents {
		fmt.Fprintf(&b, "- %s: %s", a.Name, a.Description)
		if len(a.Capabilities) > 0 {
			fmt.Fprintf(&b, " (capabilities: %s)", strings.Join(a.Capabilities, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// LoadRules reads routing rules from a YAML file and validates them against
// the registry. Loading fails closed: a rule naming an unregistered agent
// rejects the whole file.
func LoadRules(path string, reg *Registry) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewResource(err, "routing rules")
	}
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewValidation("rules", "parse routing rules: %v", err)
	}
	if err := ValidateRules(doc.Rules, reg); err != nil {
		return nil, err
	}
	return doc.Rules, nil
}

// ValidateRules checks every rule references a registered agent and carries
// at least one keyword.
func ValidateRules(rules []Rule, reg *Registry) error {
	for i, rule := range rules {
		if !reg.Has(rule.Agent) {
			return errors.NewValidation("rules", "rule %d references unregistered agent %q", i, rule.Agent)
		}
		if len(rule.Keywords) == 0 {
			return errors.NewValidation("rules", "rule %d for agent %q has no keywords", i, rule.Agent)
		}
	}
	return nil
}
