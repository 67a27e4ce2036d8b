package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"maestro/internal/errors"
	"maestro/internal/plan"
)

const decomposeAttempts = 3

const decomposeSystemPrompt = `You are a planning assistant that decomposes a goal into atomic tasks.
Respond with a single JSON object of the form:
{"tasks":[{"id":"t1","title":"...","description":"...","deps":[],"inputs":[],"outputs":[],"done_when":["..."],"task_type":"implement"}]}
Rules:
- Produce between 3 and 8 tasks, preferring 4 to 6.
- task_type is one of implement, test, integrate, docs, ops, research, coordination.
- deps reference ids of other tasks in the same plan; the graph must be acyclic.
- outputs are bare filenames other tasks can consume as inputs.
- Every task needs at least one done_when criterion.
Respond with JSON only, no prose.`

// Decompose asks the model for a task plan and validates it against the
// plan schema. A validation failure triggers one repair round carrying the
// validator error back to the model, bounded to three attempts total. The
// returned plan has fresh task ids and staged done-when criteria.
func Decompose(ctx context.Context, client Client, goal string) (*plan.Plan, error) {
	messages := []Message{
		{Role: "system", Content: decomposeSystemPrompt},
		{Role: "user", Content: "Goal: " + goal},
	}

	var lastErr error
	for attempt := 1; attempt <= decomposeAttempts; attempt++ {
		content, err := client.Complete(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("decompose goal: %w", err)
		}

		p, err := parsePlan(content)
		if err == nil {
			p.InjectStageCriteria()
			return p, nil
		}
		lastErr = err

		messages = append(messages,
			Message{Role: "assistant", Content: content},
			Message{Role: "user", Content: fmt.Sprintf(
				"The plan was rejected: %v. Return a corrected JSON plan for the same goal.", err)},
		)
	}
	return nil, errors.NewValidation("plan", "decomposition failed after %d attempts: %v", decomposeAttempts, lastErr)
}

// parsePlan decodes the model output into a validated plan. Model output is
// often almost-JSON (fenced, trailing commas, single quotes); one repair
// pass with jsonrepair recovers those before giving up. The model's ids are
// labels only: fresh task ids are assigned before schema validation so the
// orchestrator owns identity.
func parsePlan(content string) (*plan.Plan, error) {
	raw := ExtractJSON(content)

	var p plan.Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, fmt.Errorf("plan is not valid JSON: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &p); err != nil {
			return nil, fmt.Errorf("plan is not valid JSON after repair: %w", err)
		}
	}
	p.AssignFreshIDs()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ExtractJSON strips markdown code fences and surrounding prose, returning
// the outermost JSON object in the text.
func ExtractJSON(content string) string {
	s := strings.TrimSpace(content)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	s = strings.TrimSpace(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
