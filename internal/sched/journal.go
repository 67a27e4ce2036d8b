package sched

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	xerrors "maestro/internal/errors"
	"maestro/internal/logging"
)

// ExceptionEntry is one classified scheduler error in the exception journal.
type ExceptionEntry struct {
	TS           time.Time `json:"ts"`
	Code         string    `json:"code"`
	RunID        string    `json:"run_id,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	RootCause    string    `json:"root_cause"`
	Impact       string    `json:"impact"`
	RecoveryPlan string    `json:"recovery_plan"`
}

// Journal appends classified scheduler exceptions to
// scheduler_exceptions.jsonl. Logic errors never silently disappear: each
// carries a root cause, impact and recovery plan for the operator.
type Journal struct {
	mu     sync.Mutex
	path   string
	logger logging.Logger
	clock  func() time.Time
}

// NewJournal creates a journal writing into the given state directory.
func NewJournal(stateDir string, logger logging.Logger) *Journal {
	return &Journal{
		path:   filepath.Join(stateDir, "scheduler_exceptions.jsonl"),
		logger: logging.OrNop(logger),
		clock:  time.Now,
	}
}

// Record classifies err and appends it to the journal. Non-logic errors are
// ignored: they are handled by the supervising loops, not the journal.
func (j *Journal) Record(runID, taskID string, err error) {
	var le *xerrors.LogicError
	if !errors.As(err, &le) {
		return
	}
	entry := ExceptionEntry{
		TS:           j.clock(),
		Code:         le.Code,
		RunID:        runID,
		TaskID:       taskID,
		RootCause:    le.Error(),
		Impact:       "run halted on invariant violation",
		RecoveryPlan: "inspect event log and re-submit the job after clearing the inconsistent state",
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	data, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		return
	}
	f, openErr := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if openErr != nil {
		j.logger.Warn("exception journal open: %v", openErr)
		return
	}
	defer func() { _ = f.Close() }()
	if _, writeErr := f.Write(append(data, '\n')); writeErr != nil {
		j.logger.Warn("exception journal write: %v", writeErr)
	}
}
