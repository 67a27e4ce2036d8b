package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	xerrors "maestro/internal/errors"
)

// CreateRun opens a new run for a job and makes it the job's live run.
func (s *FileStore) CreateRun(jobID, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.db.Jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if _, exists := s.db.Runs[runID]; exists {
		return nil, xerrors.NewValidation("run_id", "run %s already exists", runID)
	}
	now := s.clock()
	run := &Run{
		RunID:     runID,
		JobID:     jobID,
		Status:    RunRunning,
		PID:       os.Getpid(),
		WorkerID:  job.WorkerID,
		StartedAt: now,
		Tasks:     map[string]*TaskState{},
	}
	s.db.Runs[runID] = run
	job.RunID = runID
	job.UpdatedAt = now
	if err := s.flushLocked(); err != nil {
		return nil, err
	}
	s.writeRunProjectionLocked()
	return cloneRun(run), nil
}

// GetRun returns a copy of the run.
func (s *FileStore) GetRun(runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.db.Runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return cloneRun(run), nil
}

// UpdateRun applies fn under the store lock. A run that already reached a
// terminal status cannot transition again ("terminal once").
func (s *FileStore) UpdateRun(runID string, fn func(*Run) error) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.db.Runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	before := run.Status
	if err := fn(run); err != nil {
		return nil, err
	}
	if before.IsTerminal() && run.Status != before {
		attempted := run.Status
		run.Status = before
		s.appendEventLocked(run.JobID, runID, EventTerminalReversal, map[string]string{
			"from": string(before), "to": string(attempted),
		})
		s.fireTerminalReversalLocked()
		if err := s.flushLocked(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("run %s is %s: %w", runID, before, ErrTerminal)
	}
	if run.Status.IsTerminal() && run.FinishedAt == nil {
		now := s.clock()
		run.FinishedAt = &now
	}
	if err := s.flushLocked(); err != nil {
		return nil, err
	}
	s.writeRunProjectionLocked()
	return cloneRun(run), nil
}

// SetTaskState transitions a task within a run. Transitions out of terminal
// task states are rejected; attempts increment on each entry into running.
func (s *FileStore) SetTaskState(runID, taskID string, status TaskStatus, lastError string) (*TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.db.Runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if run.Tasks == nil {
		run.Tasks = map[string]*TaskState{}
	}
	ts, ok := run.Tasks[taskID]
	if !ok {
		ts = &TaskState{Status: TaskPending}
		run.Tasks[taskID] = ts
	}
	if ts.Status.IsTerminal() && status != ts.Status {
		s.appendEventLocked(run.JobID, runID, EventTerminalReversal, map[string]string{
			"task_id": taskID, "from": string(ts.Status), "to": string(status),
		})
		s.fireTerminalReversalLocked()
		if err := s.flushLocked(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("task %s is %s: %w", taskID, ts.Status, ErrTerminal)
	}
	if status == TaskRunning && ts.Status != TaskRunning {
		ts.Attempts++
	}
	ts.Status = status
	ts.LastError = lastError
	ts.UpdatedAt = s.clock()
	if err := s.flushLocked(); err != nil {
		return nil, err
	}
	out := *ts
	return &out, nil
}

// TaskStates returns a copy of the run's per-task records.
func (s *FileStore) TaskStates(runID string) (map[string]TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.db.Runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	out := make(map[string]TaskState, len(run.Tasks))
	for id, ts := range run.Tasks {
		out[id] = *ts
	}
	return out, nil
}

// runProjection is the temporal_runs.json row: the tier-1 source for the
// externally observable run status.
type runProjection struct {
	JobID     string    `json:"job_id"`
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *FileStore) writeRunProjectionLocked() {
	projection := map[string]runProjection{}
	for _, run := range s.db.Runs {
		cur, ok := projection[run.JobID]
		if ok && run.StartedAt.Before(mustRun(s.db.Runs, cur.RunID).StartedAt) {
			continue
		}
		projection[run.JobID] = runProjection{
			JobID:     run.JobID,
			RunID:     run.RunID,
			Status:    run.Status,
			UpdatedAt: s.clock(),
		}
	}
	data, err := json.MarshalIndent(projection, "", "  ")
	if err != nil {
		return
	}
	if err := writeFileAtomic(filepath.Join(s.dir, "temporal_runs.json"), data); err != nil {
		s.logger.Warn("run projection write: %v", err)
	}
}

func mustRun(runs map[string]*Run, runID string) *Run {
	if run, ok := runs[runID]; ok {
		return run
	}
	return &Run{}
}

// RunProjection reads the temporal run-state file for a job. It is the
// highest-precedence status source; a missing row is not an error.
func (s *FileStore) RunProjection(jobID string) (RunStatus, string, bool) {
	data, err := os.ReadFile(filepath.Join(s.dir, "temporal_runs.json"))
	if err != nil {
		return "", "", false
	}
	var projection map[string]runProjection
	if err := json.Unmarshal(data, &projection); err != nil {
		return "", "", false
	}
	row, ok := projection[jobID]
	if !ok {
		return "", "", false
	}
	return row.Status, row.RunID, true
}

// JobView returns the job joined with its live run and exports a
// human-readable snapshot next to the store.
func (s *FileStore) JobView(jobID string) (*Job, *Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.db.Jobs[jobID]
	if !ok {
		return nil, nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	var run *Run
	if job.RunID != "" {
		run = s.db.Runs[job.RunID]
	}

	snapshot := map[string]any{
		"job":         job,
		"run":         run,
		"events":      len(s.db.Events[jobID]),
		"exported_at": s.clock(),
	}
	if data, err := json.MarshalIndent(snapshot, "", "  "); err == nil {
		path := filepath.Join(s.dir, "jobs", job.JobID+".snapshot.json")
		if err := writeFileAtomic(path, data); err != nil {
			s.logger.Warn("snapshot export: %v", err)
		}
	}

	if run != nil {
		return cloneJob(job), cloneRun(run), nil
	}
	return cloneJob(job), nil, nil
}

func cloneRun(run *Run) *Run {
	out := *run
	out.Tasks = make(map[string]*TaskState, len(run.Tasks))
	for id, ts := range run.Tasks {
		c := *ts
		out.Tasks[id] = &c
	}
	if run.Meta != nil {
		out.Meta = make(map[string]any, len(run.Meta))
		for k, v := range run.Meta {
			out.Meta[k] = v
		}
	}
	return &out
}
