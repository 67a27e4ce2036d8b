package orchestrator

import (
	"encoding/json"
	"os"
	"time"

	"maestro/internal/artifacts"
	"maestro/internal/errors"
	"maestro/internal/executor"
	"maestro/internal/store"
)

// Report is the durable summary of one finished run.
type Report struct {
	JobID       string            `json:"job_id"`
	RunID       string            `json:"run_id"`
	Goal        string            `json:"goal"`
	Status      store.RunStatus   `json:"status"`
	Summary     ReportSummary     `json:"summary"`
	Tasks       []TaskReport      `json:"tasks"`
	Artifacts   []artifacts.Entry `json:"artifacts"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// ReportSummary counts tasks per terminal outcome.
type ReportSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Waiting   int `json:"waiting"`
}

// TaskReport is one task's final record within a report.
type TaskReport struct {
	TaskID   string           `json:"task_id"`
	Title    string           `json:"title"`
	Agent    string           `json:"agent,omitempty"`
	Status   store.TaskStatus `json:"status"`
	Attempts int              `json:"attempts"`
	Error    string           `json:"error,omitempty"`
}

// writeReport assembles the report from the run's task records and the
// artifact manifest, then persists it with a latest-run pointer.
func (o *Orchestrator) writeReport(job *store.Job, runID string, paths Paths,
	art *artifacts.Dir, res executor.Result) (*Report, error) {

	states, err := o.store.TaskStates(runID)
	if err != nil {
		return nil, err
	}
	manifest, err := art.WriteManifest()
	if err != nil {
		o.logger.Warn("artifact manifest for run %s: %v", runID, err)
	}

	report := &Report{
		JobID:       job.JobID,
		RunID:       runID,
		Goal:        job.Goal,
		Status:      res.Status,
		Artifacts:   manifest,
		GeneratedAt: o.clock().UTC(),
	}
	for _, task := range o.tasksFor(job, paths) {
		state := states[task.TaskID]
		task.Status = state.Status
		if task.Status == "" {
			task.Status = store.TaskPending
		}
		task.Attempts = state.Attempts
		task.Error = state.LastError
		report.Tasks = append(report.Tasks, task)

		report.Summary.Total++
		switch task.Status {
		case store.TaskCompleted:
			report.Summary.Completed++
		case store.TaskFailed:
			report.Summary.Failed++
		case store.TaskWaitingHuman:
			report.Summary.Waiting++
		}
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return report, err
	}
	if err := os.WriteFile(paths.ReportFile(runID), data, 0o644); err != nil {
		return report, errors.NewResource(err, "run report")
	}
	pointer, _ := json.Marshal(map[string]string{"run_id": runID, "report": paths.ReportFile(runID)})
	_ = os.WriteFile(paths.LatestFile(job.JobID), pointer, 0o644)
	return report, nil
}

// tasksFor reloads the persisted plan so the report reflects the same task
// set the run executed, independent of in-memory ordering.
func (o *Orchestrator) tasksFor(job *store.Job, paths Paths) []TaskReport {
	data, err := os.ReadFile(paths.PlanFile(job.JobID))
	if err != nil {
		return nil
	}
	var p struct {
		Tasks []struct {
			ID         string `json:"id"`
			Title      string `json:"title"`
			AssignedTo string `json:"assigned_to"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	out := make([]TaskReport, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		out = append(out, TaskReport{TaskID: t.ID, Title: t.Title, Agent: t.AssignedTo})
	}
	return out
}
