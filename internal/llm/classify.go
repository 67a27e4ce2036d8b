package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// GoalClass buckets a goal by the kind of work it needs.
type GoalClass string

const (
	GoalCoding    GoalClass = "coding"
	GoalNonCoding GoalClass = "non_coding"
	GoalMixed     GoalClass = "mixed"
)

const classifySystemPrompt = `Classify the user's goal into exactly one category:
- coding: the goal is primarily about writing or changing software.
- non_coding: the goal needs research, writing or operations but no code.
- mixed: the goal needs both.
Respond with JSON: {"class":"coding|non_coding|mixed"}`

// ClassifyGoal buckets a goal as coding, non-coding or mixed. Unparseable
// model output defaults to mixed, which enables the widest agent set.
func ClassifyGoal(ctx context.Context, client Client, goal string) (GoalClass, error) {
	content, err := client.Complete(ctx, []Message{
		{Role: "system", Content: classifySystemPrompt},
		{Role: "user", Content: goal},
	})
	if err != nil {
		return "", err
	}

	var parsed struct {
		Class string `json:"class"`
	}
	if err := json.Unmarshal([]byte(ExtractJSON(content)), &parsed); err == nil {
		switch GoalClass(parsed.Class) {
		case GoalCoding, GoalNonCoding, GoalMixed:
			return GoalClass(parsed.Class), nil
		}
	}
	// Fall back to a token scan when the model answered in prose.
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "non_coding") || strings.Contains(lower, "non-coding"):
		return GoalNonCoding, nil
	case strings.Contains(lower, "coding"):
		return GoalCoding, nil
	default:
		return GoalMixed, nil
	}
}
