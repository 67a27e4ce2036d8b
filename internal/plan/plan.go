// Package plan defines the task plan model produced by goal decomposition
// and consumed by routing, DAG building and execution.
package plan

import (
	"fmt"
	"strings"

	"maestro/internal/errors"
	"maestro/internal/ids"
)

// TaskType classifies what kind of work a task is.
type TaskType string

const (
	TypeImplement    TaskType = "implement"
	TypeTest         TaskType = "test"
	TypeIntegrate    TaskType = "integrate"
	TypeDocs         TaskType = "docs"
	TypeOps          TaskType = "ops"
	TypeResearch     TaskType = "research"
	TypeCoordination TaskType = "coordination"
)

var validTaskTypes = map[TaskType]bool{
	TypeImplement: true, TypeTest: true, TypeIntegrate: true,
	TypeDocs: true, TypeOps: true, TypeResearch: true, TypeCoordination: true,
}

// Plan size bounds: decomposition must yield an atomic, reviewable graph.
const (
	MinTasks    = 3
	MaxTasks    = 8
	MaxSubtasks = 6
)

// Task is a unit of work within a run.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status,omitempty"`
	Deps        []string `json:"deps"`
	Inputs      []string `json:"inputs,omitempty"`
	Outputs     []string `json:"outputs,omitempty"`
	DoneWhen    []string `json:"done_when"`
	TaskType    TaskType `json:"task_type"`
	AssignedTo  string   `json:"assigned_to,omitempty"`
	Subtasks    []string `json:"subtasks,omitempty"`
}

// Plan is the decomposition envelope returned by the LLM.
type Plan struct {
	Tasks []Task `json:"tasks"`
}

// Validate checks the plan against the task schema. It returns a
// ValidationError naming the first offending field.
func (p *Plan) Validate() error {
	if len(p.Tasks) < MinTasks || len(p.Tasks) > MaxTasks {
		return errors.NewValidation("tasks", "plan must have %d-%d tasks, got %d", MinTasks, MaxTasks, len(p.Tasks))
	}
	seen := map[string]bool{}
	for i, task := range p.Tasks {
		field := func(name string) string { return fmt.Sprintf("tasks[%d].%s", i, name) }
		if !ids.IsTaskID(task.ID) {
			return errors.NewValidation(field("id"), "invalid task id %q", task.ID)
		}
		if seen[task.ID] {
			return errors.NewValidation(field("id"), "duplicate task id %q", task.ID)
		}
		seen[task.ID] = true
		if len(strings.TrimSpace(task.Title)) < 3 {
			return errors.NewValidation(field("title"), "title must be at least 3 characters")
		}
		if len(task.DoneWhen) == 0 {
			return errors.NewValidation(field("done_when"), "at least one done_when criterion required")
		}
		if !validTaskTypes[task.TaskType] {
			return errors.NewValidation(field("task_type"), "unknown task type %q", task.TaskType)
		}
		if len(task.Subtasks) > MaxSubtasks {
			return errors.NewValidation(field("subtasks"), "at most %d subtasks, got %d", MaxSubtasks, len(task.Subtasks))
		}
	}
	for i, task := range p.Tasks {
		for _, dep := range task.Deps {
			if !seen[dep] {
				return errors.NewValidation(fmt.Sprintf("tasks[%d].deps", i), "unknown dependency %q", dep)
			}
			if dep == task.ID {
				return errors.NewValidation(fmt.Sprintf("tasks[%d].deps", i), "task %q depends on itself", task.ID)
			}
		}
	}
	return nil
}

// AssignFreshIDs replaces every task id with a newly generated one and
// rewrites dependency references to match. LLM-proposed ids are treated as
// labels only; the orchestrator owns identity.
func (p *Plan) AssignFreshIDs() {
	mapping := make(map[string]string, len(p.Tasks))
	for i := range p.Tasks {
		fresh := ids.NewTaskID()
		mapping[p.Tasks[i].ID] = fresh
		p.Tasks[i].ID = fresh
	}
	for i := range p.Tasks {
		for j, dep := range p.Tasks[i].Deps {
			if fresh, ok := mapping[dep]; ok {
				p.Tasks[i].Deps[j] = fresh
			}
		}
	}
}

// InjectStageCriteria appends the two-stage completion criteria each task
// must satisfy: produce the declared outputs (Stage A), then self-verify
// against the done-when list (Stage B).
func (p *Plan) InjectStageCriteria() {
	for i := range p.Tasks {
		task := &p.Tasks[i]
		stageA := "Stage A: every declared output file exists in the shared artifacts directory"
		stageB := "Stage B: all done-when criteria verified against the produced outputs"
		task.DoneWhen = append(task.DoneWhen, stageA, stageB)
	}
}

// RoutingText returns the normalized text the router tokenizes.
func (t *Task) RoutingText() string {
	return strings.ToLower(strings.TrimSpace(t.Title + " " + t.Description))
}
