// Package orchestrator composes the pipeline for a single run: decompose a
// goal, route tasks, build the graph, gate on human approval and drive the
// executor to a report.
package orchestrator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"maestro/internal/artifacts"
	"maestro/internal/config"
	"maestro/internal/dag"
	"maestro/internal/errors"
	"maestro/internal/executor"
	"maestro/internal/gates"
	"maestro/internal/ids"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/observability"
	"maestro/internal/plan"
	"maestro/internal/router"
	"maestro/internal/sched"
	"maestro/internal/session"
	"maestro/internal/store"
)

// Workflow event names the orchestrator emits.
const (
	EventWorkflowAwaitingAudit = "workflow_awaiting_audit"
	EventWorkflowWaitingHuman  = "workflow_waiting_human"
	EventWorkflowFinished      = "workflow_finished"
	EventWorkflowFailed        = "workflow_failed"
)

// Outcome is what one pipeline pass produced.
type Outcome struct {
	Status   store.RunStatus     `json:"status"`
	RunID    string              `json:"run_id"`
	Question string              `json:"question,omitempty"`
	Error    string              `json:"error,omitempty"`
	Audit    *gates.AuditPayload `json:"audit,omitempty"`
	Report   *Report             `json:"report,omitempty"`
	Recovery *Recovery           `json:"recovery,omitempty"`
}

// Recovery guides the operator after a user-visible failure.
type Recovery struct {
	RootCause          string `json:"root_cause"`
	Impact             string `json:"impact"`
	RecoveryPlan       string `json:"recovery_plan"`
	NeedsHumanApproval bool   `json:"needs_human_approval"`
}

// Orchestrator owns the single-run pipeline.
type Orchestrator struct {
	cfg      *config.Config
	store    *store.FileStore
	llm      llm.Client
	sessions session.API
	registry *router.Registry
	rules    []router.Rule
	notifier executor.Notifier
	metrics  *observability.MetricsCollector
	logger   logging.Logger
	clock    func() time.Time
	poll     time.Duration
}

// New wires an orchestrator. llm and sessions may be nil only in tests that
// stop before the stages needing them.
func New(cfg *config.Config, st *store.FileStore, llmClient llm.Client, sessions session.API,
	registry *router.Registry, rules []router.Rule, notifier executor.Notifier,
	metrics *observability.MetricsCollector, logger logging.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		llm:      llmClient,
		sessions: sessions,
		registry: registry,
		rules:    rules,
		notifier: notifier,
		metrics:  metrics,
		logger:   logging.OrNop(logger),
		clock:    time.Now,
	}
}

// ProjectID derives the stable per-project directory name: slug of the goal
// plus the job id when present, else the run id.
func ProjectID(goal, jobID, runID string) string {
	suffix := jobID
	if suffix == "" {
		suffix = runID
	}
	return ids.Slug(goal, 24) + "-" + suffix
}

// ExecuteJob runs the pipeline for one claimed job. The returned Outcome
// is persisted by the worker as the job's last_result; err is reserved for
// infrastructure failures that should count against the retry budget.
func (o *Orchestrator) ExecuteJob(ctx context.Context, job *store.Job) (*Outcome, error) {
	runID := ids.NewRunID(o.cfg.RunID)
	projectID := job.ProjectID
	if projectID == "" {
		projectID = ProjectID(job.Goal, job.JobID, runID)
	}
	paths := NewPaths(o.cfg.ProjectDir(projectID))
	if err := paths.Init(); err != nil {
		return nil, err
	}

	// A run paused on a gate or a human question is resumed, not replaced,
	// so completed tasks carry forward.
	resumed := false
	if job.RunID != "" {
		if prev, err := o.store.GetRun(job.RunID); err == nil &&
			(prev.Status == store.RunWaitingHuman || prev.Status == store.RunAwaitingAudit) {
			runID = prev.RunID
			resumed = true
		}
	}

	if outcome := o.designGate(job, paths, runID); outcome != nil {
		return outcome, nil
	}

	if resumed {
		if _, err := o.store.UpdateRun(runID, func(r *store.Run) error {
			r.Status = store.RunRunning
			return nil
		}); err != nil {
			return nil, err
		}
	} else if _, err := o.store.CreateRun(job.JobID, runID); err != nil {
		return nil, err
	}

	if !resumed && o.llm != nil {
		if class, err := llm.ClassifyGoal(ctx, o.llm, job.Goal); err == nil {
			o.logger.Info("job %s classified as %s", job.JobID, class)
			if _, err := o.store.UpdateRun(runID, func(r *store.Run) error {
				if r.Meta == nil {
					r.Meta = map[string]any{}
				}
				r.Meta["goal_class"] = string(class)
				return nil
			}); err != nil {
				o.logger.Warn("record goal class on run %s: %v", runID, err)
			}
		}
	}

	tasks, err := o.loadOrDecompose(ctx, job, paths)
	if err != nil {
		return o.failRun(job, runID, paths, err)
	}

	assigned, decisions, err := o.route(ctx, tasks)
	if err != nil {
		return o.failRun(job, runID, paths, err)
	}
	for i := range tasks {
		tasks[i].AssignedTo = assigned[tasks[i].ID]
	}
	// Re-persist with assignments so re-entry reuses both ids and routing.
	if data, err := json.MarshalIndent(plan.Plan{Tasks: tasks}, "", "  "); err == nil {
		_ = os.WriteFile(paths.PlanFile(job.JobID), data, 0o644)
	}
	o.persistTaskMetadata(paths, tasks, decisions)

	graph, err := dag.Build(tasks)
	if err != nil {
		return o.failRun(job, runID, paths, err)
	}

	if outcome := o.auditGate(job, runID, paths, tasks); outcome != nil {
		return outcome, nil
	}

	return o.execute(ctx, job, runID, paths, tasks, assigned, graph)
}

// designGate pauses the job before any planning when design confirmation is
// required and not yet given.
func (o *Orchestrator) designGate(job *store.Job, paths Paths, runID string) *Outcome {
	if !o.cfg.RequireDesignConfirm || o.cfg.DesignConfirmed {
		return nil
	}
	// A resume with no task id while this gate holds the job can only be
	// the design confirmation.
	for _, input := range job.HumanInputs {
		if input.TaskID == "design" || input.TaskID == "" {
			return nil
		}
	}

	draft := fmt.Sprintf("# Design draft\n\nGoal: %s\n\nReview the decomposition approach and resume to proceed.\n", job.Goal)
	_ = os.WriteFile(filepath.Join(paths.Artifacts, "design_draft.md"), []byte(draft), 0o644)

	question := "Design confirmation required: review design_draft.md and resume with your approval."
	o.persistWaiting(paths, runID, job.JobID, map[string]string{"design": question})
	o.notify(EventWorkflowWaitingHuman, job, runID, map[string]any{"question": question})
	return &Outcome{Status: store.RunWaitingHuman, RunID: runID, Question: question}
}

// loadOrDecompose reuses the persisted plan across worker passes so task
// identity survives waiting-human round-trips. A pending revise decision
// invalidates the cached plan.
func (o *Orchestrator) loadOrDecompose(ctx context.Context, job *store.Job, paths Paths) ([]plan.Task, error) {
	if job.Audit.Decision != store.AuditRevise {
		if data, err := os.ReadFile(paths.PlanFile(job.JobID)); err == nil {
			var p plan.Plan
			if err := json.Unmarshal(data, &p); err == nil && len(p.Tasks) > 0 {
				return p.Tasks, nil
			}
		}
	}

	if o.llm == nil {
		return nil, errors.NewValidation("llm_url", "no plan on disk and no LLM endpoint configured")
	}

	goal := job.Goal
	if job.Audit.Revision != "" {
		goal = fmt.Sprintf("%s\n\nRevision from review: %s", goal, job.Audit.Revision)
	}

	p, err := llm.Decompose(ctx, o.llm, goal)
	if err != nil {
		return nil, err
	}
	if data, err := json.MarshalIndent(p, "", "  "); err == nil {
		_ = os.WriteFile(paths.PlanFile(job.JobID), data, 0o644)
	}

	// The revision is consumed; the fresh plan goes back through the audit
	// gate as a pending decision.
	if job.Audit.Decision == store.AuditRevise {
		if updated, err := o.store.UpdateJob(job.JobID, func(j *store.Job) error {
			j.Audit.Decision = store.AuditPending
			j.Audit.Passed = false
			return nil
		}); err != nil {
			o.logger.Warn("reset audit decision for job %s: %v", job.JobID, err)
		} else {
			job.Audit = updated.Audit
		}
	}
	return p.Tasks, nil
}

func (o *Orchestrator) route(ctx context.Context, tasks []plan.Task) (map[string]string, map[string]router.Decision, error) {
	var fallback router.Fallback
	if o.llm != nil {
		fallback = llm.NewRouterFallback(o.llm)
	}
	r, err := router.New(o.registry, o.rules, fallback, o.logger)
	if err != nil {
		return nil, nil, err
	}
	return r.RouteAll(ctx, tasks)
}

func (o *Orchestrator) persistTaskMetadata(paths Paths, tasks []plan.Task, decisions map[string]router.Decision) {
	for _, task := range tasks {
		meta := struct {
			plan.Task
			RoutingReason string `json:"routing_reason,omitempty"`
		}{Task: task, RoutingReason: decisions[task.ID].Reason}
		if data, err := json.MarshalIndent(meta, "", "  "); err == nil {
			_ = os.WriteFile(paths.TaskFile(task.ID), data, 0o644)
		}
	}
}

// auditGate pauses before execution until a human approves the plan.
func (o *Orchestrator) auditGate(job *store.Job, runID string, paths Paths, tasks []plan.Task) *Outcome {
	if !o.cfg.AuditGate {
		return nil
	}
	if job.Audit.Decision == store.AuditApprove || o.cfg.AuditDecision == store.AuditApprove {
		return nil
	}

	payload := gates.BuildAuditPayload(gates.AuditInput{
		Status:          string(store.JobAwaitingAudit),
		JobID:           job.JobID,
		RunID:           runID,
		Goal:            job.Goal,
		ImpactScope:     impactScope(tasks),
		RiskItems:       riskItems(tasks),
		CommandPreview:  commandPreview(tasks),
		UserInstruction: "approve, revise or cancel this plan via the control CLI",
	})

	auditDoc := struct {
		Payload gates.AuditPayload `json:"payload"`
		Tasks   []plan.Task        `json:"tasks"`
	}{Payload: payload, Tasks: tasks}
	if data, err := json.MarshalIndent(auditDoc, "", "  "); err == nil {
		_ = os.WriteFile(paths.AuditFile(runID), data, 0o644)
	}

	if _, err := o.store.UpdateRun(runID, func(r *store.Run) error {
		r.Status = store.RunAwaitingAudit
		return nil
	}); err != nil {
		o.logger.Warn("mark run %s awaiting audit: %v", runID, err)
	}
	o.notify(EventWorkflowAwaitingAudit, job, runID, map[string]any{"missing_fields": payload.MissingFields})
	return &Outcome{Status: store.RunAwaitingAudit, RunID: runID, Audit: &payload}
}

// execute drives the scheduler/executor loop, applying the waiting policy
// until the run terminates.
func (o *Orchestrator) execute(ctx context.Context, job *store.Job, runID string, paths Paths,
	tasks []plan.Task, assigned map[string]string, graph *dag.Graph) (*Outcome, error) {

	art, err := artifacts.New(paths.Artifacts)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		art.Allow(task.ID, task.Outputs)
	}

	answers := map[string]string{}
	var unbound []string
	for _, input := range job.HumanInputs {
		switch input.TaskID {
		case "design":
		case "":
			unbound = append(unbound, input.Answer)
		default:
			answers[input.TaskID] = input.Answer
		}
	}
	// A resume without a task id targets whatever the run paused on; the
	// last such answer goes to every still-unanswered waiting task.
	if len(unbound) > 0 {
		answer := unbound[len(unbound)-1]
		for taskID := range o.loadWaiting(paths, runID) {
			if _, ok := answers[taskID]; !ok && taskID != "design" {
				answers[taskID] = answer
			}
		}
	}

	journal := sched.NewJournal(paths.State, o.logger)
	autoResumes := 0

	for {
		scheduler := sched.New(graph, assigned)
		if err := o.replayCompleted(scheduler, runID); err != nil {
			return nil, err
		}

		pool := session.NewPool(o.sessions, o.logger)
		watcher := session.NewWatcher(o.sessions)
		execOpts := executor.Options{
			Limits:       sched.Limits{PerAgent: o.cfg.AgentLimits, Global: o.cfg.MaxParallelTasks},
			IdleTimeout:  o.cfg.ExecutorIdleTimeout,
			PollInterval: o.poll,
			Notifier:     o.notifier,
			Logger:       o.logger,
			TaskRetries:  o.cfg.TaskMaxRetries,
			Answers:      answers,
		}
		if o.metrics != nil {
			execOpts.Metrics = o.metrics
		}
		exec := executor.New(scheduler, pool, watcher, o.store, art, job.JobID, runID, tasks, execOpts)

		res, err := exec.Run(ctx)
		if err != nil {
			journal.Record(runID, "", err)
			return o.failRun(job, runID, paths, err)
		}

		switch res.Status {
		case store.RunWaitingHuman:
			outcome, resumed, err := o.handleWaiting(ctx, job, runID, paths, tasks, res, answers, &autoResumes)
			if err != nil {
				return o.failRun(job, runID, paths, err)
			}
			if resumed {
				continue
			}
			return outcome, nil

		default:
			return o.finishRun(job, runID, paths, art, res)
		}
	}
}

// replayCompleted fast-forwards the fresh scheduler past tasks the store
// already saw complete in this run.
func (o *Orchestrator) replayCompleted(scheduler *sched.Scheduler, runID string) error {
	states, err := o.store.TaskStates(runID)
	if err != nil {
		return err
	}
	for {
		advanced := false
		for _, a := range scheduler.Runnable() {
			if states[a.TaskID].Status != store.TaskCompleted {
				continue
			}
			if err := scheduler.Start(a.TaskID); err != nil {
				return err
			}
			if err := scheduler.Finish(a.TaskID, true); err != nil {
				return err
			}
			advanced = true
		}
		if !advanced {
			return nil
		}
	}
}

// handleWaiting applies the configured waiting policy. resumed reports that
// the run should re-enter the executor loop.
func (o *Orchestrator) handleWaiting(ctx context.Context, job *store.Job, runID string, paths Paths,
	tasks []plan.Task, res executor.Result, answers map[string]string, autoResumes *int) (*Outcome, bool, error) {

	taskID, question := firstWaiting(res.Waiting)

	switch o.cfg.WaitingPolicy {
	case config.WaitingPolicyStrict:
		return nil, false, errors.NewValidation("waiting_policy",
			"task %s requires human input under strict policy: %s", taskID, question)

	case config.WaitingPolicyAuto:
		if *autoResumes < o.cfg.MaxAutoResumes {
			*autoResumes++
			answer, err := llm.AutoResumeAnswer(ctx, o.llm, job.Goal, titleOf(tasks, taskID), question)
			if err != nil {
				return nil, false, err
			}
			o.logger.Info("auto-resume %d/%d for task %s", *autoResumes, o.cfg.MaxAutoResumes, taskID)
			answers[taskID] = answer
			return nil, true, nil
		}
		fallthrough

	default:
		o.persistWaiting(paths, runID, job.JobID, res.Waiting)
		if _, err := o.store.UpdateRun(runID, func(r *store.Run) error {
			r.Status = store.RunWaitingHuman
			return nil
		}); err != nil {
			return nil, false, err
		}
		o.notify(EventWorkflowWaitingHuman, job, runID, map[string]any{"task_id": taskID, "question": question})
		return &Outcome{Status: store.RunWaitingHuman, RunID: runID, Question: question}, false, nil
	}
}

func (o *Orchestrator) finishRun(job *store.Job, runID string, paths Paths, art *artifacts.Dir, res executor.Result) (*Outcome, error) {
	o.reconcileCascade(runID, res)
	report, err := o.writeReport(job, runID, paths, art, res)
	if err != nil {
		o.logger.Warn("report for run %s: %v", runID, err)
	}

	if _, err := o.store.UpdateRun(runID, func(r *store.Run) error {
		r.Status = res.Status
		return nil
	}); err != nil {
		return nil, err
	}
	_ = os.Remove(paths.WaitingFile(runID))

	outcome := &Outcome{Status: res.Status, RunID: runID, Report: report}
	if res.Status == store.RunCompleted {
		o.notify(EventWorkflowFinished, job, runID, map[string]any{"done": len(res.Done)})
	} else {
		outcome.Error = summarizeErrors(res)
		outcome.Recovery = &Recovery{
			RootCause:          outcome.Error,
			Impact:             fmt.Sprintf("%d of %d tasks failed; completed work is kept in artifacts", len(res.Failed), len(res.Done)+len(res.Failed)),
			RecoveryPlan:       "inspect the failed task errors in the report, fix the cause and re-submit the goal",
			NeedsHumanApproval: true,
		}
		o.notify(EventWorkflowFailed, job, runID, map[string]any{"error": outcome.Error})
	}
	return outcome, nil
}

// reconcileCascade marks cascade-failed descendants in the store; only the
// directly failed task was recorded during execution.
func (o *Orchestrator) reconcileCascade(runID string, res executor.Result) {
	if res.Status != store.RunFailed {
		return
	}
	states, err := o.store.TaskStates(runID)
	if err != nil {
		return
	}
	for _, taskID := range res.Failed {
		if state, ok := states[taskID]; ok && state.Status.IsTerminal() {
			continue
		}
		msg := res.Errors[taskID]
		if msg == "" {
			msg = "failed by dependency cascade"
		}
		if _, err := o.store.SetTaskState(runID, taskID, store.TaskFailed, msg); err != nil {
			o.logger.Warn("cascade state for task %s: %v", taskID, err)
		}
	}
}

// failRun converts a pipeline error into a failed outcome with recovery
// guidance for the operator.
func (o *Orchestrator) failRun(job *store.Job, runID string, paths Paths, cause error) (*Outcome, error) {
	if _, err := o.store.UpdateRun(runID, func(r *store.Run) error {
		r.Status = store.RunError
		if r.Meta == nil {
			r.Meta = map[string]any{}
		}
		r.Meta["error"] = cause.Error()
		return nil
	}); err != nil && !stderrors.Is(err, store.ErrNotFound) {
		o.logger.Warn("persist failure on run %s: %v", runID, err)
	}
	o.notify(EventWorkflowFailed, job, runID, map[string]any{"error": cause.Error()})
	recovery := &Recovery{
		RootCause:          cause.Error(),
		Impact:             "run aborted before the task graph finished",
		RecoveryPlan:       "fix the root cause and re-submit, or resume the job once the input is available",
		NeedsHumanApproval: !errors.IsTransient(cause),
	}
	return &Outcome{Status: store.RunError, RunID: runID, Error: cause.Error(), Recovery: recovery}, nil
}

// loadWaiting reads back the waiting-human context persisted when the run
// paused. A missing or malformed file yields an empty map.
func (o *Orchestrator) loadWaiting(paths Paths, runID string) map[string]string {
	data, err := os.ReadFile(paths.WaitingFile(runID))
	if err != nil {
		return nil
	}
	var doc struct {
		Waiting map[string]string `json:"waiting_tasks"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	return doc.Waiting
}

func (o *Orchestrator) persistWaiting(paths Paths, runID, jobID string, waiting map[string]string) {
	doc := struct {
		JobID   string            `json:"job_id"`
		RunID   string            `json:"run_id"`
		Waiting map[string]string `json:"waiting_tasks"`
		SavedAt time.Time         `json:"saved_at"`
	}{JobID: jobID, RunID: runID, Waiting: waiting, SavedAt: o.clock().UTC()}
	if data, err := json.MarshalIndent(doc, "", "  "); err == nil {
		_ = os.WriteFile(paths.WaitingFile(runID), data, 0o644)
	}
}

func (o *Orchestrator) notify(event string, job *store.Job, runID string, payload map[string]any) {
	if o.notifier == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["job_id"] = job.JobID
	payload["run_id"] = runID
	payload["title"] = job.Goal
	o.notifier.Notify(event, payload)
}

func firstWaiting(waiting map[string]string) (string, string) {
	for taskID, question := range waiting {
		return taskID, question
	}
	return "", ""
}

func titleOf(tasks []plan.Task, taskID string) string {
	for _, t := range tasks {
		if t.ID == taskID {
			return t.Title
		}
	}
	return taskID
}

func summarizeErrors(res executor.Result) string {
	for _, taskID := range res.Failed {
		if msg, ok := res.Errors[taskID]; ok {
			return fmt.Sprintf("task %s: %s", taskID, msg)
		}
	}
	return fmt.Sprintf("%d tasks failed", len(res.Failed))
}

func impactScope(tasks []plan.Task) string {
	outputs := 0
	for _, t := range tasks {
		outputs += len(t.Outputs)
	}
	return fmt.Sprintf("%d tasks producing %d artifacts", len(tasks), outputs)
}

func riskItems(tasks []plan.Task) string {
	for _, t := range tasks {
		if t.TaskType == plan.TypeOps {
			return "plan includes operational tasks; review before approving"
		}
	}
	return "no elevated-risk task types detected"
}

func commandPreview(tasks []plan.Task) string {
	if len(tasks) == 0 {
		return ""
	}
	return fmt.Sprintf("dispatch %q to %s (+%d more tasks)", tasks[0].Title, tasks[0].AssignedTo, len(tasks)-1)
}
