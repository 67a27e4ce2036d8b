package llm

import (
	"context"
	"fmt"
	"strings"
)

// AutoResumeAnswer drafts an answer to a waiting task's question when the
// waiting policy is auto. The answer stays short so it reads like an
// operator reply, not a new instruction.
func AutoResumeAnswer(ctx context.Context, client Client, goal, taskTitle, question string) (string, error) {
	prompt := fmt.Sprintf(`An autonomous task paused with a question for its operator.

Overall goal: %s
Task: %s
Question: %s

Answer the question in one or two sentences so the task can continue.
Prefer safe defaults; if the question asks for permission, grant it only
when the action is clearly within the stated goal. Respond with the answer
text only.`, goal, taskTitle, question)

	content, err := client.Complete(ctx, []Message{{Role: "user", Content: prompt}})
	if err != nil {
		return "", err
	}
	answer := strings.TrimSpace(content)
	if answer == "" {
		return "", fmt.Errorf("model returned an empty answer")
	}
	return answer, nil
}
