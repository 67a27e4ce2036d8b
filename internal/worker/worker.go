// Package worker is the claim/execute daemon: it drains control signals,
// recovers stale leases, claims queued jobs and drives each through the
// orchestrator pipeline under a heartbeat.
package worker

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"maestro/internal/async"
	"maestro/internal/config"
	"maestro/internal/control"
	"maestro/internal/ids"
	"maestro/internal/logging"
	"maestro/internal/observability"
	"maestro/internal/orchestrator"
	"maestro/internal/store"
)

// JobExecutor runs one job to its next pause or terminal state. The
// orchestrator implements it.
type JobExecutor interface {
	ExecuteJob(ctx context.Context, job *store.Job) (*orchestrator.Outcome, error)
}

const defaultLease = 60 * time.Second

// Options tunes a worker beyond the shared config.
type Options struct {
	WorkerID     string
	Lease        time.Duration
	PollInterval time.Duration
	Metrics      *observability.MetricsCollector
	Logger       logging.Logger
	Clock        func() time.Time
}

// Worker owns one daemon loop.
type Worker struct {
	id       string
	cfg      *config.Config
	store    *store.FileStore
	queue    *control.Queue
	applier  *control.Applier
	exec     JobExecutor
	metrics  *observability.MetricsCollector
	logger   logging.Logger
	clock    func() time.Time
	lease    time.Duration
	poll     time.Duration
	inFlight atomic.Int64
}

// New wires a worker. queue may be nil when no control plane is mounted.
func New(cfg *config.Config, st *store.FileStore, queue *control.Queue, exec JobExecutor, opts Options) *Worker {
	id := opts.WorkerID
	if id == "" {
		id = ids.NewWorkerID()
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := logging.OrNop(opts.Logger)
	var rm control.ResumeMetrics
	if opts.Metrics != nil {
		rm = opts.Metrics
	}
	return &Worker{
		id:      id,
		cfg:     cfg,
		store:   st,
		queue:   queue,
		applier: control.NewApplier(st, logger, rm),
		exec:    exec,
		metrics: opts.Metrics,
		logger:  logger,
		clock:   clock,
		lease:   lease,
		poll:    poll,
	}
}

// ID returns the worker identity used for leases.
func (w *Worker) ID() string { return w.id }

// Run loops until the context is cancelled, waiting for in-flight jobs to
// finish before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker %s started (concurrency=%d)", w.id, w.cfg.WorkerMaxConcurrency)
	var g errgroup.Group
	g.SetLimit(w.cfg.WorkerMaxConcurrency)

	for {
		if ctx.Err() != nil {
			err := g.Wait()
			w.logger.Info("worker %s stopped", w.id)
			return err
		}
		w.pass(ctx, &g)

		select {
		case <-ctx.Done():
		case <-time.After(w.poll):
		}
	}
}

// RunOnce performs a single pass and waits for every claimed job to finish.
// It returns the number of jobs processed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	var g errgroup.Group
	g.SetLimit(w.cfg.WorkerMaxConcurrency)
	n := w.pass(ctx, &g)
	return n, g.Wait()
}

// pass drains control signals, recovers stale leases and claims into free
// slots.
func (w *Worker) pass(ctx context.Context, g *errgroup.Group) int {
	if w.queue != nil {
		signals, err := w.queue.Drain()
		if err != nil {
			w.logger.Warn("drain control queue: %v", err)
		} else if len(signals) > 0 {
			w.applier.ApplyAll(signals)
		}
	}

	// A revise decision re-opens planning; the orchestrator rebuilds the
	// plan with the revision text folded into the goal.
	if revised, err := w.store.ListJobs(store.JobReviseRequested); err == nil {
		for _, job := range revised {
			if _, err := w.store.UpdateJob(job.JobID, func(j *store.Job) error {
				j.Status = store.JobPlanning
				return nil
			}); err != nil {
				w.logger.Warn("reopen planning for job %s: %v", job.JobID, err)
			}
		}
	}

	if recovered, err := w.store.RecoverStale(w.cfg.RunningStaleAfter); err != nil {
		w.logger.Warn("recover stale jobs: %v", err)
	} else if len(recovered) > 0 {
		w.logger.Info("recovered %d stale jobs: %v", len(recovered), recovered)
	}

	slots := w.cfg.WorkerMaxConcurrency - int(w.inFlight.Load())
	if slots <= 0 {
		return 0
	}
	jobs, err := w.store.Claim(w.id, slots, w.lease)
	if err != nil {
		w.logger.Warn("claim jobs: %v", err)
		return 0
	}
	for _, job := range jobs {
		job := job
		w.inFlight.Add(1)
		g.Go(func() error {
			defer w.inFlight.Add(-1)
			w.processJob(ctx, job)
			return nil
		})
	}
	return len(jobs)
}

// processJob drives one claimed job through the pipeline and records its
// outcome on the job record.
func (w *Worker) processJob(ctx context.Context, job *store.Job) {
	w.recordClaim(ctx)
	defer w.recordRelease(ctx)

	job, err := w.store.UpdateJob(job.JobID, func(j *store.Job) error {
		j.Status = store.JobRunning
		j.RunnerPID = os.Getpid()
		return nil
	})
	if err != nil {
		w.logger.Error("mark job running: %v", err)
		return
	}

	stopHeartbeat := w.startHeartbeat(job.JobID)
	defer stopHeartbeat()

	jobCtx := ctx
	if w.cfg.WorkerJobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.cfg.WorkerJobTimeout)
		defer cancel()
	}

	outcome, execErr := w.exec.ExecuteJob(jobCtx, job)
	if execErr != nil {
		w.logger.Error("job %s pipeline: %v", job.JobID, execErr)
		w.settleFailure(ctx, job, "", execErr.Error())
		return
	}
	w.settle(ctx, job, outcome)
}

// settle maps the run outcome onto the job record.
func (w *Worker) settle(ctx context.Context, job *store.Job, outcome *orchestrator.Outcome) {
	w.recordRunStatus(ctx, string(outcome.Status))

	switch outcome.Status {
	case store.RunCompleted, store.RunFinished:
		w.updateSettled(job.JobID, store.JobCompleted, outcome, "")
	case store.RunAwaitingAudit:
		w.updateSettled(job.JobID, store.JobAwaitingAudit, outcome, "")
	case store.RunWaitingHuman:
		w.updateSettled(job.JobID, store.JobWaitingHuman, outcome, "")
	case store.RunCancelled:
		w.updateSettled(job.JobID, store.JobCancelled, outcome, outcome.Error)
	default:
		w.settleFailure(ctx, job, outcome.RunID, outcome.Error)
		return
	}
	w.logger.Info("job %s settled: run %s %s", job.JobID, outcome.RunID, outcome.Status)
}

// settleFailure counts the failure against the job's attempt budget and
// either requeues it or fails it for good. Attempts only move here, never
// on claim, so waiting and audit pauses do not burn the budget.
func (w *Worker) settleFailure(ctx context.Context, job *store.Job, runID, errMsg string) {
	updated, err := w.store.UpdateJob(job.JobID, func(j *store.Job) error {
		j.AttemptCount++
		if j.AttemptCount < j.MaxAttempts {
			j.Status = store.JobApproved
		} else {
			j.Status = store.JobFailed
		}
		j.Error = errMsg
		j.LastResult = &store.LastResult{
			Status:    string(j.Status),
			RunID:     runID,
			Error:     errMsg,
			UpdatedAt: w.clock().UTC(),
		}
		j.WorkerID = ""
		j.LeaseUntil = nil
		return nil
	})
	if err != nil {
		w.logger.Error("settle job %s: %v", job.JobID, err)
		return
	}
	if updated.Status == store.JobApproved {
		w.logger.Warn("job %s attempt %d/%d failed, requeueing: %s",
			job.JobID, updated.AttemptCount, updated.MaxAttempts, errMsg)
		return
	}
	w.logger.Error("job %s failed after %d attempts: %s", job.JobID, updated.AttemptCount, errMsg)
}

func (w *Worker) updateSettled(jobID string, status store.JobStatus, outcome *orchestrator.Outcome, errMsg string) {
	var report json.RawMessage
	if outcome.Report != nil {
		if data, err := json.Marshal(outcome.Report); err == nil {
			report = data
		}
	}
	if _, err := w.store.UpdateJob(jobID, func(j *store.Job) error {
		j.Status = status
		j.Error = errMsg
		j.LastResult = &store.LastResult{
			Status:    string(outcome.Status),
			RunID:     outcome.RunID,
			Error:     outcome.Error,
			Question:  outcome.Question,
			Report:    report,
			UpdatedAt: w.clock().UTC(),
		}
		j.WorkerID = ""
		j.LeaseUntil = nil
		return nil
	}); err != nil {
		w.logger.Error("settle job %s: %v", jobID, err)
	}
}

// startHeartbeat refreshes the job's lease until the returned stop function
// is called.
func (w *Worker) startHeartbeat(jobID string) func() {
	done := make(chan struct{})
	interval := w.lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	async.Go(w.logger, "heartbeat-"+jobID, func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := w.store.Heartbeat(jobID, w.id, w.lease); err != nil {
					w.logger.Warn("heartbeat job %s: %v", jobID, err)
					return
				}
			}
		}
	})
	return func() { close(done) }
}

func (w *Worker) recordClaim(ctx context.Context) {
	if w.metrics != nil {
		w.metrics.RecordJobClaimed(ctx, w.id)
	}
}

func (w *Worker) recordRelease(ctx context.Context) {
	if w.metrics != nil {
		w.metrics.RecordJobReleased(ctx, w.id)
	}
}

func (w *Worker) recordRunStatus(ctx context.Context, status string) {
	if w.metrics != nil {
		w.metrics.RecordRunFinished(ctx, status)
	}
}
