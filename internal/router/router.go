package router

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"maestro/internal/logging"
	"maestro/internal/plan"
)

// Decision records where a task was routed and why.
type Decision struct {
	Agent  string
	Reason string
}

// Fallback resolves a task to an agent when no hard rule fires. The LLM
// client implements this.
type Fallback interface {
	RouteTask(ctx context.Context, task plan.Task, registry *Registry) (agent string, confidence float64, err error)
}

// FallbackFunc adapts a function to the Fallback interface.
type FallbackFunc func(ctx context.Context, task plan.Task, registry *Registry) (string, float64, error)

func (f FallbackFunc) RouteTask(ctx context.Context, task plan.Task, registry *Registry) (string, float64, error) {
	return f(ctx, task, registry)
}

// Confidence below this falls through to the default agent.
const minConfidence = 0.5

const cacheSize = 256

// Router is the two-stage task routing policy. Decisions are memoized per
// (title, description) so identical tasks route identically within a run.
type Router struct {
	registry *Registry
	rules    []Rule
	fallback Fallback
	cache    *lru.Cache[string, Decision]
	logger   logging.Logger
}

// New builds a router. fallback may be nil; tasks then route to the default
// agent when no hard rule matches.
func New(registry *Registry, rules []Rule, fallback Fallback, logger logging.Logger) (*Router, error) {
	if err := ValidateRules(rules, registry); err != nil {
		return nil, err
	}
	cache, err := lru.New[string, Decision](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Router{
		registry: registry,
		rules:    rules,
		fallback: fallback,
		cache:    cache,
		logger:   logging.OrNop(logger),
	}, nil
}

// Route assigns one task to an agent.
func (r *Router) Route(ctx context.Context, task plan.Task) (Decision, error) {
	key := task.Title + "\x00" + task.Description
	if d, ok := r.cache.Get(key); ok {
		return d, nil
	}
	d, err := r.route(ctx, task)
	if err != nil {
		return Decision{}, err
	}
	r.cache.Add(key, d)
	r.logger.Debug("routed task %s to %s (%s)", task.ID, d.Agent, d.Reason)
	return d, nil
}

// RouteAll assigns every task in the plan and returns a task id → agent map.
func (r *Router) RouteAll(ctx context.Context, tasks []plan.Task) (map[string]string, map[string]Decision, error) {
	assigned := make(map[string]string, len(tasks))
	decisions := make(map[string]Decision, len(tasks))
	for _, task := range tasks {
		d, err := r.Route(ctx, task)
		if err != nil {
			return nil, nil, err
		}
		assigned[task.ID] = d.Agent
		decisions[task.ID] = d
	}
	return assigned, decisions, nil
}

func (r *Router) route(ctx context.Context, task plan.Task) (Decision, error) {
	tokens := tokenize(task.Title + " " + task.Description)
	for _, rule := range r.rules {
		for _, kw := range rule.Keywords {
			if tokens[strings.ToLower(kw)] {
				return Decision{Agent: rule.Agent, Reason: "hard_rule:" + rule.Agent}, nil
			}
		}
	}

	if r.fallback == nil {
		return Decision{Agent: r.registry.DefaultAgent, Reason: "default:no_fallback"}, nil
	}

	agent, confidence, err := r.fallback.RouteTask(ctx, task, r.registry)
	if err != nil {
		r.logger.Warn("routing fallback for task %s: %v", task.ID, err)
		return Decision{Agent: r.registry.DefaultAgent, Reason: "default:fallback_error"}, nil
	}
	if !r.registry.Has(agent) || confidence < minConfidence {
		return Decision{
			Agent:  r.registry.DefaultAgent,
			Reason: fmt.Sprintf("default:low_confidence:%.2f", confidence),
		}, nil
	}
	return Decision{Agent: agent, Reason: fmt.Sprintf("llm:%.2f", confidence)}, nil
}

func tokenize(text string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[tok] = true
	}
	return out
}
