package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"maestro/internal/plan"
	"maestro/internal/router"
)

// RouterFallback adapts the model to the router's fallback stage.
type RouterFallback struct {
	client Client
}

// NewRouterFallback wraps the client for routing decisions.
func NewRouterFallback(client Client) *RouterFallback {
	return &RouterFallback{client: client}
}

// RouteTask asks the model which registered agent should own the task.
func (f *RouterFallback) RouteTask(ctx context.Context, task plan.Task, registry *router.Registry) (string, float64, error) {
	prompt := fmt.Sprintf(`Pick the best agent for this task.

Available agents:
%s
Task title: %s
Task description: %s

Respond with JSON: {"assigned_to":"<agent name>","confidence":0.0}`,
		registry.Describe(), task.Title, task.Description)

	content, err := f.client.Complete(ctx, []Message{{Role: "user", Content: prompt}})
	if err != nil {
		return "", 0, err
	}

	var parsed struct {
		AssignedTo string  `json:"assigned_to"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(ExtractJSON(content)), &parsed); err != nil {
		return "", 0, fmt.Errorf("routing response is not valid JSON: %w", err)
	}
	return parsed.AssignedTo, parsed.Confidence, nil
}
