// Package status collapses job and run state into the single externally
// observable status view.
package status

import (
	"maestro/internal/errors"
	"maestro/internal/store"
)

// View is the external projection of a job.
type View string

const (
	ViewRunning View = "running"
	ViewWaiting View = "waiting"
	ViewDone    View = "done"
	ViewFailed  View = "failed"
)

// Divergence flags disagreeing status sources.
type Divergence struct {
	RunID      string `json:"run_id,omitempty"`
	Severity   string `json:"severity"` // low | high
	ActionHint string `json:"action_hint"`
}

// Report is the reconciled status answer.
type Report struct {
	JobID      string          `json:"job_id"`
	View       View            `json:"status_view"`
	JobStatus  store.JobStatus `json:"job_status"`
	RunStatus  store.RunStatus `json:"run_status,omitempty"`
	Source     string          `json:"run_status_source,omitempty"`
	Error      string          `json:"error,omitempty"`
	Divergence *Divergence     `json:"status_divergence,omitempty"`
}

// Resolve reconciles the status sources for a job. Precedence for the run
// status: the temporal run projection, then last_result.status, then the
// job status itself.
func Resolve(st *store.FileStore, jobID string) (*Report, error) {
	job, err := st.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	report := &Report{JobID: jobID, JobStatus: job.Status, Error: job.Error}

	projStatus, projRunID, haveProj := st.RunProjection(jobID)
	var lastStatus store.RunStatus
	haveLast := false
	if job.LastResult != nil && job.LastResult.Status != "" {
		lastStatus = store.RunStatus(job.LastResult.Status)
		haveLast = true
	}

	switch {
	case haveProj:
		report.RunStatus = projStatus
		report.Source = "temporal_runs"
		report.Divergence = divergence(projRunID, projStatus, lastStatus, haveLast, job.Status)
	case haveLast:
		report.RunStatus = lastStatus
		report.Source = "last_result"
	default:
		report.Source = "job"
	}

	view, err := Map(job.Status, report.RunStatus)
	if err != nil {
		return nil, err
	}
	report.View = view
	return report, nil
}

// Map collapses a (job status, run status) pair into one view. Unmappable
// combinations are invariant violations.
func Map(job store.JobStatus, run store.RunStatus) (View, error) {
	switch job {
	case store.JobAwaitingAudit, store.JobWaitingHuman, store.JobReviseRequested:
		return ViewWaiting, nil
	}
	switch run {
	case store.RunAwaitingAudit, store.RunWaitingHuman:
		return ViewWaiting, nil
	}

	// A queued job and a completed job with no run on record both occur
	// before or after a worker holds the job; status must still resolve
	// for them, so they extend the core table rather than erroring.
	switch job {
	case store.JobRunning, store.JobPlanning, store.JobApproved, store.JobQueued:
		return ViewRunning, nil
	}
	switch run {
	case store.RunRunning, store.RunRetrying, store.RunQueued:
		return ViewRunning, nil
	}

	if job == store.JobCompleted && (run == store.RunFinished || run == store.RunCompleted || run == "") {
		return ViewDone, nil
	}

	switch job {
	case store.JobFailed, store.JobCancelled:
		return ViewFailed, nil
	}
	switch run {
	case store.RunFailed, store.RunCancelled, store.RunTimeout, store.RunError:
		return ViewFailed, nil
	}

	return "", errors.NewLogic("STATUS_MAP_UNDEFINED", "no view for job=%s run=%s", job, run)
}

// divergence compares the chosen source against the others. Disagreement
// across view categories is what operators need to know about; same-view
// differences stay quiet.
func divergence(runID string, chosen, last store.RunStatus, haveLast bool, job store.JobStatus) *Divergence {
	chosenView, ok := runOnlyView(chosen)
	if !ok {
		return nil
	}
	if lastView, ok := runOnlyView(last); haveLast && ok && lastView != chosenView {
		return &Divergence{
			RunID:      runID,
			Severity:   severity(chosenView, lastView),
			ActionHint: "last_result disagrees with the run projection; inspect the run record",
		}
	}
	if jobView, ok := jobOnlyView(job); ok && jobView != chosenView {
		return &Divergence{
			RunID:      runID,
			Severity:   severity(chosenView, jobView),
			ActionHint: "job status disagrees with the run projection; the worker may have exited mid-transition",
		}
	}
	return nil
}

func runOnlyView(run store.RunStatus) (View, bool) {
	switch run {
	case store.RunAwaitingAudit, store.RunWaitingHuman:
		return ViewWaiting, true
	case store.RunRunning, store.RunRetrying, store.RunQueued:
		return ViewRunning, true
	case store.RunFinished, store.RunCompleted:
		return ViewDone, true
	case store.RunFailed, store.RunCancelled, store.RunTimeout, store.RunError:
		return ViewFailed, true
	default:
		return "", false
	}
}

func jobOnlyView(job store.JobStatus) (View, bool) {
	switch job {
	case store.JobAwaitingAudit, store.JobWaitingHuman, store.JobReviseRequested:
		return ViewWaiting, true
	case store.JobRunning, store.JobPlanning, store.JobApproved, store.JobQueued:
		return ViewRunning, true
	case store.JobCompleted:
		return ViewDone, true
	case store.JobFailed, store.JobCancelled:
		return ViewFailed, true
	default:
		return "", false
	}
}

// severity is high when one side claims a terminal outcome and the other an
// active one.
func severity(a, b View) string {
	terminal := func(v View) bool { return v == ViewDone || v == ViewFailed }
	if terminal(a) != terminal(b) {
		return "high"
	}
	return "low"
}
