// Package store is the durable, single-writer record of jobs, runs, events
// and control state. Every other component consumes snapshots from it or
// flushes staged deltas through its API.
package store

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobQueued          JobStatus = "queued"
	JobPlanning        JobStatus = "planning"
	JobApproved        JobStatus = "approved"
	JobRunning         JobStatus = "running"
	JobAwaitingAudit   JobStatus = "awaiting_audit"
	JobReviseRequested JobStatus = "revise_requested"
	JobWaitingHuman    JobStatus = "waiting_human"
	JobCompleted       JobStatus = "completed"
	JobFailed          JobStatus = "failed"
	JobCancelled       JobStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Claimable reports whether a worker may lease the job in this status.
func (s JobStatus) Claimable() bool {
	switch s {
	case JobQueued, JobPlanning, JobApproved:
		return true
	default:
		return false
	}
}

// RunStatus represents the lifecycle state of one execution attempt.
type RunStatus string

const (
	RunQueued        RunStatus = "queued"
	RunRunning       RunStatus = "running"
	RunRetrying      RunStatus = "retrying"
	RunFinished      RunStatus = "finished"
	RunCompleted     RunStatus = "completed"
	RunFailed        RunStatus = "failed"
	RunError         RunStatus = "error"
	RunAwaitingAudit RunStatus = "awaiting_audit"
	RunWaitingHuman  RunStatus = "waiting_human"
	RunCancelled     RunStatus = "cancelled"
	RunTimeout       RunStatus = "timeout"
)

// IsTerminal reports whether the run reached a final state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunFinished, RunCompleted, RunFailed, RunError, RunCancelled, RunTimeout:
		return true
	default:
		return false
	}
}

// TaskStatus represents the runtime state of a task within a run.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskRunning      TaskStatus = "running"
	TaskWaitingHuman TaskStatus = "waiting_human"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
)

// IsTerminal reports whether the task reached a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// AuditDecision values for the pre-execution gate.
const (
	AuditPending = "pending"
	AuditApprove = "approve"
	AuditRevise  = "revise"
)

// Audit captures the state of the pre-execution approval gate.
type Audit struct {
	Decision string `json:"decision"`
	Revision string `json:"revision,omitempty"`
	Passed   bool   `json:"passed"`
}

// HumanInput records an operator answer delivered through the control plane.
type HumanInput struct {
	At       time.Time `json:"at"`
	Question string    `json:"question,omitempty"`
	Answer   string    `json:"answer"`
	TaskID   string    `json:"task_id,omitempty"`
}

// LastResult is the structured outcome of the most recent run.
type LastResult struct {
	Status    string          `json:"status"`
	RunID     string          `json:"run_id,omitempty"`
	Error     string          `json:"error,omitempty"`
	Report    json.RawMessage `json:"report,omitempty"`
	Question  string          `json:"question,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Job is the durable work item.
type Job struct {
	JobID     string    `json:"job_id"`
	ProjectID string    `json:"project_id"`
	Goal      string    `json:"goal"`
	Status    JobStatus `json:"status"`

	Audit       Audit        `json:"audit"`
	RunID       string       `json:"run_id,omitempty"`
	LastResult  *LastResult  `json:"last_result,omitempty"`
	Error       string       `json:"error,omitempty"`
	HumanInputs []HumanInput `json:"human_inputs,omitempty"`

	WorkerID    string     `json:"worker_id,omitempty"`
	RunnerPID   int        `json:"runner_pid,omitempty"`
	LeaseUntil  *time.Time `json:"lease_until,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

	AttemptCount int `json:"attempt_count"`
	MaxAttempts  int `json:"max_attempts"`

	LastNotifiedStatus  string     `json:"last_notified_status,omitempty"`
	LastMainHeartbeatTS *time.Time `json:"last_main_heartbeat_ts,omitempty"`
	LastHeartbeatLogTS  *time.Time `json:"last_heartbeat_log_ts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Run is one attempt of executing a job's plan.
type Run struct {
	RunID       string         `json:"run_id"`
	JobID       string         `json:"job_id"`
	Status      RunStatus      `json:"status"`
	PID         int            `json:"pid,omitempty"`
	WorkerID    string         `json:"worker_id,omitempty"`
	LeaseUntil  *time.Time     `json:"lease_until,omitempty"`
	HeartbeatAt *time.Time     `json:"heartbeat_at,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`

	// Tasks holds the runtime per-task records for this run.
	Tasks map[string]*TaskState `json:"tasks,omitempty"`
}

// TaskState is the runtime per-task record within a run.
type TaskState struct {
	Status    TaskStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Event is an append-only audit row keyed to a job.
type Event struct {
	TS      time.Time       `json:"ts"`
	JobID   string          `json:"job_id"`
	RunID   string          `json:"run_id,omitempty"`
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event names emitted by the store and its callers.
const (
	EventJobCreated          = "job_created"
	EventJobClaimed          = "job_claimed"
	EventHeartbeat           = "heartbeat"
	EventStaleRecovered      = "stale_recovered"
	EventAuditApproved       = "audit_approved"
	EventAuditRevise         = "audit_revise_requested"
	EventAnswerConsumed      = "answer_consumed"
	EventJobResumed          = "job_resumed"
	EventJobCancelled        = "job_cancelled"
	EventStatusChanged       = "status_changed"
	EventTerminalReversal    = "terminal_reversal"
	EventSnapshotExported    = "snapshot_exported"
	EventControlSignalFailed = "control_signal_failed"
)
