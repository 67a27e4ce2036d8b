package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/ids"
)

const validPlanJSON = `{
  "tasks": [
    {"id": "t1", "title": "Design the schema", "deps": [], "outputs": ["schema.sql"], "done_when": ["schema reviewed"], "task_type": "implement"},
    {"id": "t2", "title": "Implement the API", "deps": ["t1"], "inputs": ["schema.sql"], "outputs": ["api.go"], "done_when": ["endpoints respond"], "task_type": "implement"},
    {"id": "t3", "title": "Write integration tests", "deps": ["t2"], "inputs": ["api.go"], "done_when": ["tests pass"], "task_type": "test"}
  ]
}`

func TestDecomposeValidPlan(t *testing.T) {
	client := &MockClient{Responses: []string{validPlanJSON}}

	p, err := Decompose(context.Background(), client, "build a todo service")
	require.NoError(t, err)
	require.Len(t, p.Tasks, 3)

	for _, task := range p.Tasks {
		assert.True(t, ids.IsTaskID(task.ID), "fresh ids replace model labels, got %q", task.ID)
		assert.GreaterOrEqual(t, len(task.DoneWhen), 3, "stage criteria are appended")
	}
	// Dependencies are rewritten to the fresh ids.
	assert.Equal(t, []string{p.Tasks[0].ID}, p.Tasks[1].Deps)
	assert.Equal(t, []string{p.Tasks[1].ID}, p.Tasks[2].Deps)
}

func TestDecomposeRepairsAlmostJSON(t *testing.T) {
	fenced := "Here is the plan:\n```json\n" + validPlanJSON + ",\n```"
	client := &MockClient{Responses: []string{fenced}}

	p, err := Decompose(context.Background(), client, "build a todo service")
	require.NoError(t, err)
	assert.Len(t, p.Tasks, 3)
}

func TestDecomposeRepairRoundCarriesValidatorError(t *testing.T) {
	tooFew := `{"tasks":[{"id":"t1","title":"Only one task","deps":[],"done_when":["x"],"task_type":"implement"}]}`
	client := &MockClient{Responses: []string{tooFew, validPlanJSON}}

	p, err := Decompose(context.Background(), client, "build a todo service")
	require.NoError(t, err)
	assert.Len(t, p.Tasks, 3)

	require.Len(t, client.Calls, 2)
	repair := client.Calls[1]
	assert.Contains(t, repair[len(repair)-1].Content, "rejected")
}

func TestDecomposeGivesUpAfterThreeAttempts(t *testing.T) {
	bad := `{"tasks":[]}`
	client := &MockClient{Responses: []string{bad, bad, bad, validPlanJSON}}

	_, err := Decompose(context.Background(), client, "build a todo service")
	require.Error(t, err)
	assert.Len(t, client.Calls, 3)
}

func TestClassifyGoal(t *testing.T) {
	cases := []struct {
		response string
		want     GoalClass
	}{
		{`{"class":"coding"}`, GoalCoding},
		{`{"class":"non_coding"}`, GoalNonCoding},
		{`{"class":"mixed"}`, GoalMixed},
		{"This looks like a non-coding goal to me.", GoalNonCoding},
		{"nothing useful", GoalMixed},
	}
	for _, tc := range cases {
		client := &MockClient{Responses: []string{tc.response}}
		got, err := ClassifyGoal(context.Background(), client, "do something")
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "response %q", tc.response)
	}
}

func TestAutoResumeAnswer(t *testing.T) {
	client := &MockClient{Responses: []string{"  Yes, proceed with the default region.  "}}
	answer, err := AutoResumeAnswer(context.Background(), client, "deploy the service", "provision infra", "which region?")
	require.NoError(t, err)
	assert.Equal(t, "Yes, proceed with the default region.", answer)

	empty := &MockClient{Responses: []string{"   "}}
	_, err = AutoResumeAnswer(context.Background(), empty, "g", "t", "q")
	require.Error(t, err)
}
