package control

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"maestro/internal/logging"
	"maestro/internal/store"
)

// ResumeMetrics counts resume-signal outcomes. The observability collector
// implements it; nil drops them.
type ResumeMetrics interface {
	RecordResumeSignal(ctx context.Context, outcome string)
}

// Applier folds drained signals into the state store.
type Applier struct {
	store   *store.FileStore
	logger  logging.Logger
	metrics ResumeMetrics
}

// NewApplier builds an applier over the store.
func NewApplier(st *store.FileStore, logger logging.Logger, metrics ResumeMetrics) *Applier {
	return &Applier{store: st, logger: logging.OrNop(logger), metrics: metrics}
}

// ApplyAll applies each signal in order. Individual failures are recorded
// as events and do not stop the batch: the control plane never propagates
// errors into the worker loop.
func (a *Applier) ApplyAll(signals []Signal) {
	for _, sig := range signals {
		if err := a.Apply(sig); err != nil {
			a.logger.Warn("control: %s on job %s failed: %v", sig.Action, sig.JobID, err)
			_ = a.store.AppendEvent(sig.JobID, "", store.EventControlSignalFailed, map[string]any{
				"action":     sig.Action,
				"request_id": sig.RequestID,
				"error":      err.Error(),
			})
		}
	}
}

// Apply folds one signal into the store.
func (a *Applier) Apply(sig Signal) error {
	// Out-of-order protection: a sequence strictly below the last applied
	// one for this job is stale and rejected.
	if sig.SignalSeq > 0 {
		if last := a.store.LastSignalSeq(sig.JobID); sig.SignalSeq < last {
			return fmt.Errorf("stale signal_seq %d < %d", sig.SignalSeq, last)
		}
		if err := a.store.SetSignalSeq(sig.JobID, sig.SignalSeq); err != nil {
			return err
		}
	}

	switch sig.Action {
	case ActionApprove:
		return a.approve(sig)
	case ActionRevise:
		return a.revise(sig)
	case ActionResume:
		return a.resume(sig)
	case ActionCancel:
		return a.cancel(sig)
	default:
		return fmt.Errorf("unknown action %q", sig.Action)
	}
}

func (a *Applier) approve(sig Signal) error {
	_, err := a.store.UpdateJob(sig.JobID, func(j *store.Job) error {
		j.Audit.Decision = store.AuditApprove
		j.Audit.Passed = true
		if j.Status == store.JobAwaitingAudit || j.Status == store.JobQueued {
			j.Status = store.JobApproved
		}
		return nil
	})
	if err != nil {
		return err
	}
	return a.store.AppendEvent(sig.JobID, "", store.EventAuditApproved, map[string]any{"request_id": sig.RequestID})
}

func (a *Applier) revise(sig Signal) error {
	_, err := a.store.UpdateJob(sig.JobID, func(j *store.Job) error {
		j.Audit.Decision = store.AuditRevise
		j.Audit.Revision = sig.Payload.Revision
		j.Audit.Passed = false
		j.Status = store.JobReviseRequested
		return nil
	})
	if err != nil {
		return err
	}
	return a.store.AppendEvent(sig.JobID, "", store.EventAuditRevise, map[string]any{
		"request_id": sig.RequestID,
		"revision":   sig.Payload.Revision,
	})
}

// DedupeKey derives the content hash that makes resume idempotent.
func DedupeKey(taskID, answer string) string {
	sum := sha1.Sum([]byte(taskID + "::" + answer))
	return hex.EncodeToString(sum[:])[:16]
}

func (a *Applier) resume(sig Signal) error {
	key := DedupeKey(sig.Payload.TaskID, sig.Payload.Answer)

	events, err := a.store.Events(sig.JobID)
	if err != nil {
		a.recordResume("failed")
		return err
	}
	for _, ev := range events {
		if ev.Name != store.EventJobResumed {
			continue
		}
		var payload struct {
			DedupeKey string `json:"dedupe_key"`
		}
		if json.Unmarshal(ev.Payload, &payload) == nil && payload.DedupeKey == key {
			// Same (task_id, answer) already consumed: idempotent no-op.
			a.recordResume("deduped")
			return nil
		}
	}

	job, err := a.store.UpdateJob(sig.JobID, func(j *store.Job) error {
		j.HumanInputs = append(j.HumanInputs, store.HumanInput{
			At:     time.Now().UTC(),
			Answer: sig.Payload.Answer,
			TaskID: sig.Payload.TaskID,
		})
		if j.Audit.Passed {
			j.Status = store.JobApproved
		} else {
			j.Status = store.JobAwaitingAudit
		}
		return nil
	})
	if err != nil {
		a.recordResume("failed")
		return err
	}
	a.recordResume("applied")

	if err := a.store.AppendEvent(sig.JobID, job.RunID, store.EventAnswerConsumed, map[string]any{
		"task_id": sig.Payload.TaskID,
	}); err != nil {
		return err
	}
	return a.store.AppendEvent(sig.JobID, job.RunID, store.EventJobResumed, map[string]any{
		"task_id":    sig.Payload.TaskID,
		"answer":     truncateAnswer(sig.Payload.Answer),
		"dedupe_key": key,
	})
}

func (a *Applier) cancel(sig Signal) error {
	_, err := a.store.UpdateJob(sig.JobID, func(j *store.Job) error {
		j.Status = store.JobCancelled
		return nil
	})
	if err != nil {
		return err
	}
	return a.store.AppendEvent(sig.JobID, "", store.EventJobCancelled, map[string]any{"request_id": sig.RequestID})
}

func (a *Applier) recordResume(outcome string) {
	if a.metrics != nil {
		a.metrics.RecordResumeSignal(context.Background(), outcome)
	}
}

func truncateAnswer(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
