package plan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/ids"
)

func makeTask(id, title string, deps ...string) Task {
	return Task{
		ID:       id,
		Title:    title,
		Deps:     deps,
		DoneWhen: []string{"it works"},
		TaskType: TypeImplement,
	}
}

func validPlan() *Plan {
	a := ids.NewTaskID()
	b := ids.NewTaskID()
	c := ids.NewTaskID()
	return &Plan{Tasks: []Task{
		makeTask(a, "design schema"),
		makeTask(b, "implement store", a),
		makeTask(c, "write tests", b),
	}}
}

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, validPlan().Validate())
}

func TestValidateBounds(t *testing.T) {
	p := &Plan{Tasks: []Task{makeTask(ids.NewTaskID(), "only one")}}
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3-8 tasks")

	var many []Task
	for i := 0; i < 9; i++ {
		many = append(many, makeTask(ids.NewTaskID(), "task number x"))
	}
	err = (&Plan{Tasks: many}).Validate()
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Plan)
		want   string
	}{
		{"bad id", func(p *Plan) { p.Tasks[0].ID = "task-1" }, "invalid task id"},
		{"short title", func(p *Plan) { p.Tasks[0].Title = "ab" }, "at least 3 characters"},
		{"no done_when", func(p *Plan) { p.Tasks[1].DoneWhen = nil }, "done_when"},
		{"bad type", func(p *Plan) { p.Tasks[2].TaskType = "guess" }, "unknown task type"},
		{"unknown dep", func(p *Plan) { p.Tasks[1].Deps = []string{"tsk_0000000000000000000000000A"} }, "unknown dependency"},
		{"self dep", func(p *Plan) { p.Tasks[0].Deps = []string{p.Tasks[0].ID} }, "depends on itself"},
		{"dup id", func(p *Plan) { p.Tasks[1].ID = p.Tasks[0].ID }, "duplicate task id"},
		{"too many subtasks", func(p *Plan) { p.Tasks[0].Subtasks = make([]string, 7) }, "subtasks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPlan()
			tt.mutate(p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAssignFreshIDsRewritesDeps(t *testing.T) {
	p := &Plan{Tasks: []Task{
		makeTask("a", "first task"),
		makeTask("b", "second task", "a"),
		makeTask("c", "third task", "a", "b"),
	}}
	p.AssignFreshIDs()

	require.NoError(t, p.Validate())
	assert.Equal(t, []string{p.Tasks[0].ID}, p.Tasks[1].Deps)
	assert.Equal(t, []string{p.Tasks[0].ID, p.Tasks[1].ID}, p.Tasks[2].Deps)
}

func TestInjectStageCriteria(t *testing.T) {
	p := validPlan()
	p.InjectStageCriteria()
	for _, task := range p.Tasks {
		require.GreaterOrEqual(t, len(task.DoneWhen), 3)
		assert.True(t, strings.HasPrefix(task.DoneWhen[len(task.DoneWhen)-2], "Stage A"))
		assert.True(t, strings.HasPrefix(task.DoneWhen[len(task.DoneWhen)-1], "Stage B"))
	}
}

func TestRoutingText(t *testing.T) {
	task := Task{Title: "Build API", Description: "REST endpoints"}
	assert.Equal(t, "build api rest endpoints", task.RoutingText())
}
