// Package control delivers approve / revise / resume / cancel signals into
// the state store while the worker runs.
package control

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"maestro/internal/errors"
)

// Actions accepted by the control plane.
const (
	ActionApprove = "approve"
	ActionRevise  = "revise"
	ActionResume  = "resume"
	ActionCancel  = "cancel"
)

// Payload carries the action-specific arguments.
type Payload struct {
	Revision string `json:"revision,omitempty"`
	Answer   string `json:"answer,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
}

// Signal is one control request addressed to a job.
type Signal struct {
	JobID      string    `json:"job_id"`
	Action     string    `json:"action"`
	Payload    Payload   `json:"payload"`
	RequestID  string    `json:"request_id"`
	SignalSeq  int64     `json:"signal_seq,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// queueDoc is the durable temporal_signals.json document. Seen request ids
// survive drains so a retried CLI call stays deduplicated.
type queueDoc struct {
	Signals        []Signal `json:"signals"`
	SeenRequestIDs []string `json:"seen_request_ids"`
}

// Queue is the durable signal queue. Emit and Drain serialize behind one
// mutex and persist with write-new-and-rename, mirroring the state store's
// single-writer discipline.
type Queue struct {
	mu    sync.Mutex
	path  string
	clock func() time.Time
}

// NewQueue creates a queue persisted at stateDir/temporal_signals.json.
func NewQueue(stateDir string) *Queue {
	return &Queue{path: filepath.Join(stateDir, "temporal_signals.json"), clock: time.Now}
}

// Emit appends a signal. A duplicate request id is reported as deduped and
// not re-appended.
func (q *Queue) Emit(sig Signal) (deduped bool, err error) {
	if err := validate(sig); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	doc, err := q.loadLocked()
	if err != nil {
		return false, err
	}
	for _, id := range doc.SeenRequestIDs {
		if id == sig.RequestID {
			return true, nil
		}
	}

	sig.EnqueuedAt = q.clock()
	doc.Signals = append(doc.Signals, sig)
	doc.SeenRequestIDs = append(doc.SeenRequestIDs, sig.RequestID)
	return false, q.saveLocked(doc)
}

// Drain atomically removes and returns all pending signals.
func (q *Queue) Drain() ([]Signal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	doc, err := q.loadLocked()
	if err != nil {
		return nil, err
	}
	if len(doc.Signals) == 0 {
		return nil, nil
	}
	pending := doc.Signals
	doc.Signals = nil
	if err := q.saveLocked(doc); err != nil {
		return nil, err
	}
	return pending, nil
}

// Pending returns the queued signals without removing them.
func (q *Queue) Pending() ([]Signal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	doc, err := q.loadLocked()
	if err != nil {
		return nil, err
	}
	return doc.Signals, nil
}

func (q *Queue) loadLocked() (*queueDoc, error) {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return &queueDoc{}, nil
	}
	if err != nil {
		return nil, errors.NewResource(err, "signal queue")
	}
	var doc queueDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewResource(err, "signal queue")
	}
	return &doc, nil
}

func (q *Queue) saveLocked(doc *queueDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.NewResource(err, "signal queue")
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.NewResource(err, "signal queue")
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return errors.NewResource(err, "signal queue")
	}
	return nil
}

func validate(sig Signal) error {
	if sig.JobID == "" {
		return errors.NewValidation("job_id", "job id is required")
	}
	if sig.RequestID == "" {
		return errors.NewValidation("request_id", "request id is required")
	}
	switch sig.Action {
	case ActionApprove, ActionCancel:
	case ActionRevise:
		if sig.Payload.Revision == "" {
			return errors.NewValidation("revision", "revise requires a revision text")
		}
	case ActionResume:
		if sig.Payload.Answer == "" {
			return errors.NewValidation("answer", "invalid_answer: resume requires a non-empty answer")
		}
	default:
		return errors.NewValidation("action", "unknown action %q", sig.Action)
	}
	return nil
}
