package orchestrator

import (
	"os"
	"path/filepath"

	"maestro/internal/errors"
)

// Paths is the canonical per-project directory layout.
type Paths struct {
	Root      string
	State     string
	Tasks     string
	Runs      string
	Logs      string
	Artifacts string
	Queue     string
}

// NewPaths derives the layout under the project root.
func NewPaths(projectRoot string) Paths {
	orch := filepath.Join(projectRoot, ".orchestrator")
	return Paths{
		Root:      projectRoot,
		State:     filepath.Join(orch, "state"),
		Tasks:     filepath.Join(orch, "tasks"),
		Runs:      filepath.Join(orch, "runs"),
		Logs:      filepath.Join(orch, "logs"),
		Artifacts: filepath.Join(projectRoot, "artifacts"),
		Queue:     filepath.Join(orch, "queue"),
	}
}

// Init creates every directory of the layout.
func (p Paths) Init() error {
	for _, dir := range []string{p.State, p.Tasks, p.Runs, p.Logs, p.Artifacts} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.NewResource(err, dir)
		}
	}
	return nil
}

// PlanFile is where a job's decomposed plan persists across worker passes.
func (p Paths) PlanFile(jobID string) string {
	return filepath.Join(p.State, "plan_"+jobID+".json")
}

// WaitingFile holds the active waiting-human context for a run.
func (p Paths) WaitingFile(runID string) string {
	return filepath.Join(p.State, "waiting_"+runID+".json")
}

// AuditFile holds the captured pre-execution plan for a run.
func (p Paths) AuditFile(runID string) string {
	return filepath.Join(p.State, "audit_"+runID+".json")
}

// TaskFile holds one task's metadata.
func (p Paths) TaskFile(taskID string) string {
	return filepath.Join(p.Tasks, taskID+".json")
}

// ReportFile holds the final run report.
func (p Paths) ReportFile(runID string) string {
	return filepath.Join(p.Runs, "report_"+runID+".json")
}

// LatestFile is the latest-run pointer for a tag.
func (p Paths) LatestFile(tag string) string {
	return filepath.Join(p.Runs, "latest-"+tag+".json")
}
