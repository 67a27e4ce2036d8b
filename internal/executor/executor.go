// Package executor drives one run's task graph to completion: it dispatches
// prompts into agent sessions, polls for terminal directives and advances
// the scheduler.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"maestro/internal/artifacts"
	"maestro/internal/errors"
	"maestro/internal/logging"
	"maestro/internal/plan"
	"maestro/internal/protocol"
	"maestro/internal/sched"
	"maestro/internal/session"
	"maestro/internal/store"
)

// Notifier receives lifecycle events. The notify queue implements it; a nil
// notifier drops events.
type Notifier interface {
	Notify(event string, payload map[string]any)
}

// Lifecycle event names emitted by the executor.
const (
	EventTaskDispatched = "task_dispatched"
	EventTaskCompleted  = "task_completed"
	EventTaskFailed     = "task_failed"
	EventTaskWaiting    = "task_waiting"
	EventTaskRetried    = "task_retried"
)

// Metrics receives task and run counters. The observability collector
// implements it; nil drops them.
type Metrics interface {
	RecordTaskFinished(ctx context.Context, agent, status string, duration time.Duration)
	RecordRunStalled(ctx context.Context)
}

// Result is the outcome of one executor run.
type Result struct {
	Status  store.RunStatus
	Done    []string
	Failed  []string
	Waiting map[string]string
	Errors  map[string]string
}

// Executor owns the per-run dispatch/poll loop.
type Executor struct {
	scheduler *sched.Scheduler
	pool      *session.Pool
	watcher   *session.Watcher
	store     *store.FileStore
	artifacts *artifacts.Dir
	notifier  Notifier
	logger    logging.Logger

	jobID string
	runID string
	tasks map[string]plan.Task

	limits       sched.Limits
	idleTimeout  time.Duration
	pollInterval time.Duration
	taskRetries  int
	metrics      Metrics
	clock        func() time.Time

	answers        map[string]string
	taskSession    map[string]string
	sessionTask    map[string]string
	runningByAgent map[string]int
	waiting        map[string]string
	taskErrors     map[string]string
	retried        map[string]int
	startedAt      map[string]time.Time
	lastProgressAt time.Time
}

// Options configures an executor.
type Options struct {
	Limits       sched.Limits
	IdleTimeout  time.Duration
	PollInterval time.Duration
	Notifier     Notifier
	Logger       logging.Logger
	Metrics      Metrics
	Clock        func() time.Time

	// TaskRetries is the per-task readmission budget: a failing task is
	// returned to the ready set this many times before it fails for good.
	TaskRetries int

	// Answers carries operator replies per task id; they are appended to
	// the task prompt when the run re-enters after waiting_human.
	Answers map[string]string
}

// New wires an executor for one run. tasks must cover every node in the
// scheduler's graph.
func New(scheduler *sched.Scheduler, pool *session.Pool, watcher *session.Watcher,
	st *store.FileStore, art *artifacts.Dir, jobID, runID string, tasks []plan.Task, opts Options) *Executor {

	byID := make(map[string]plan.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = 60 * time.Second
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Executor{
		scheduler:      scheduler,
		pool:           pool,
		watcher:        watcher,
		store:          st,
		artifacts:      art,
		notifier:       opts.Notifier,
		logger:         logging.OrNop(opts.Logger),
		jobID:          jobID,
		runID:          runID,
		tasks:          byID,
		limits:         opts.Limits,
		idleTimeout:    idle,
		pollInterval:   poll,
		taskRetries:    opts.TaskRetries,
		metrics:        opts.Metrics,
		clock:          clock,
		answers:        opts.Answers,
		taskSession:    map[string]string{},
		sessionTask:    map[string]string{},
		runningByAgent: map[string]int{},
		waiting:        map[string]string{},
		taskErrors:     map[string]string{},
		retried:        map[string]int{},
		startedAt:      map[string]time.Time{},
	}
}

// Run executes the loop until every task is terminal, a task needs a human,
// or the run stalls. A waiting result carries the pending questions; the
// orchestrator decides how to answer them.
func (e *Executor) Run(ctx context.Context) (Result, error) {
	e.lastProgressAt = e.clock()

	for {
		if err := ctx.Err(); err != nil {
			return e.result(store.RunError), err
		}

		dispatched, err := e.dispatchPass(ctx)
		if err != nil {
			return e.result(store.RunError), err
		}

		progressed, waited, err := e.pollPass(ctx)
		if err != nil {
			return e.result(store.RunError), err
		}
		if waited {
			return e.result(store.RunWaitingHuman), nil
		}

		if e.scheduler.Finished() {
			if len(e.scheduler.Failed()) > 0 {
				return e.result(store.RunFailed), nil
			}
			return e.result(store.RunCompleted), nil
		}

		if dispatched || progressed {
			continue
		}

		if e.scheduler.RunningCount() == 0 && len(e.scheduler.Runnable()) == 0 {
			if e.metrics != nil {
				e.metrics.RecordRunStalled(ctx)
			}
			return e.result(store.RunError), errors.NewLogic("EXEC_LOOP_STALLED",
				"no runnable, running or polling tasks and no progress this pass")
		}

		if e.scheduler.RunningCount() > 0 && e.clock().Sub(e.lastProgressAt) >= e.idleTimeout {
			if err := e.failIdleTasks(ctx); err != nil {
				return e.result(store.RunError), err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return e.result(store.RunError), ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}

// dispatchPass sends prompts for the selected batch of runnable tasks.
func (e *Executor) dispatchPass(ctx context.Context) (bool, error) {
	batch := sched.SelectBatch(e.scheduler.Runnable(), e.limits, e.scheduler.RunningCount(), e.runningByAgent)
	dispatched := false

	for _, a := range batch {
		sessID, ok, err := e.pool.Acquire(ctx, a.Agent)
		if err != nil {
			if failErr := e.failTask(ctx, a.TaskID, fmt.Sprintf("dispatch: %v", err), false); failErr != nil {
				return dispatched, failErr
			}
			continue
		}
		if !ok {
			// Agent's session is still busy with another task.
			continue
		}

		task := e.tasks[a.TaskID]
		prompt := BuildPrompt(task, e.artifacts.Path())
		if answer := e.answers[a.TaskID]; answer != "" {
			prompt += "Operator answer to your earlier question: " + answer + "\n"
		}
		msgID, err := e.pool.API().Reply(ctx, sessID, "user", prompt)
		if err != nil {
			e.pool.Release(sessID)
			if failErr := e.failTask(ctx, a.TaskID, fmt.Sprintf("dispatch: %v", err), false); failErr != nil {
				return dispatched, failErr
			}
			continue
		}

		if err := e.scheduler.Start(a.TaskID); err != nil {
			e.pool.Release(sessID)
			return dispatched, err
		}
		if _, err := e.store.SetTaskState(e.runID, a.TaskID, store.TaskRunning, ""); err != nil {
			return dispatched, err
		}
		e.taskSession[a.TaskID] = sessID
		e.sessionTask[sessID] = a.TaskID
		e.runningByAgent[a.Agent]++
		e.startedAt[a.TaskID] = e.clock()
		// Watching from the prompt's own message id keeps stale directives
		// from a previous task on the reused session out of this task.
		e.watcher.Watch(sessID, msgID)
		e.notify(EventTaskDispatched, a.TaskID, map[string]any{"agent": a.Agent, "session_id": sessID})
		e.lastProgressAt = e.clock()
		dispatched = true
	}
	return dispatched, nil
}

// pollPass consumes new session output. waited is true when a task asked
// for human input, which ends the run.
func (e *Executor) pollPass(ctx context.Context) (progressed, waited bool, err error) {
	bursts, err := e.watcher.Poll(ctx)
	if err != nil {
		return false, false, err
	}

	var sessIDs []string
	for id := range bursts {
		sessIDs = append(sessIDs, id)
	}
	sort.Strings(sessIDs)

	for _, sessID := range sessIDs {
		taskID, ok := e.sessionTask[sessID]
		if !ok {
			continue
		}
		texts := make([]string, 0, len(bursts[sessID]))
		for _, m := range bursts[sessID] {
			texts = append(texts, m.Content)
		}

		directive, found := protocol.FirstTerminal(texts...)
		if !found {
			// Output without a terminal still counts as progress.
			e.lastProgressAt = e.clock()
			progressed = true
			continue
		}

		e.releaseSession(taskID, sessID)
		progressed = true
		e.lastProgressAt = e.clock()

		switch directive.Type {
		case protocol.DirectiveDone:
			missing := e.artifacts.MissingOutputs(e.tasks[taskID].Outputs)
			if len(missing) > 0 {
				msg := "missing outputs: " + strings.Join(missing, ", ")
				if err := e.failTask(ctx, taskID, msg, true); err != nil {
					return progressed, waited, err
				}
				continue
			}
			if err := e.scheduler.Finish(taskID, true); err != nil {
				return progressed, waited, err
			}
			if _, err := e.store.SetTaskState(e.runID, taskID, store.TaskCompleted, ""); err != nil {
				return progressed, waited, err
			}
			e.recordTaskFinished(ctx, taskID, "completed")
			e.notify(EventTaskCompleted, taskID, map[string]any{"payload": directive.Payload})

		case protocol.DirectiveFailed:
			msg := directive.Text
			if msg == "" {
				if v, ok := directive.Payload["error"].(string); ok {
					msg = v
				}
			}
			if msg == "" {
				msg = "task reported failure"
			}
			if err := e.failTask(ctx, taskID, msg, true); err != nil {
				return progressed, waited, err
			}

		case protocol.DirectiveWaiting:
			// The run will pause, but sibling terminals already fetched in
			// this pass still apply below so resume does not replay them.
			question := directive.Question()
			e.waiting[taskID] = question
			if _, err := e.store.SetTaskState(e.runID, taskID, store.TaskWaitingHuman, ""); err != nil {
				return progressed, waited, err
			}
			e.notify(EventTaskWaiting, taskID, map[string]any{"question": question})
			waited = true
		}
	}
	return progressed, waited, nil
}

// failTask records a failure on scheduler and store. started distinguishes
// tasks that were running from ones that never dispatched. A task with
// readmission budget left goes back to the ready set instead of failing.
func (e *Executor) failTask(ctx context.Context, taskID, msg string, started bool) error {
	e.taskErrors[taskID] = msg
	if !started {
		if err := e.scheduler.Start(taskID); err != nil {
			return err
		}
	}
	if err := e.scheduler.Finish(taskID, false); err != nil {
		return err
	}

	if e.retried[taskID] < e.taskRetries {
		e.retried[taskID]++
		if err := e.scheduler.Readmit(taskID); err != nil {
			return err
		}
		if _, err := e.store.SetTaskState(e.runID, taskID, store.TaskPending, msg); err != nil {
			return err
		}
		delete(e.taskErrors, taskID)
		e.logger.Info("task %s readmitted for retry %d/%d: %s", taskID, e.retried[taskID], e.taskRetries, msg)
		e.notify(EventTaskRetried, taskID, map[string]any{"error": msg, "retry": e.retried[taskID]})
		return nil
	}

	if _, err := e.store.SetTaskState(e.runID, taskID, store.TaskFailed, msg); err != nil {
		return err
	}
	e.recordTaskFinished(ctx, taskID, "failed")
	e.notify(EventTaskFailed, taskID, map[string]any{"error": msg})
	return nil
}

func (e *Executor) failIdleTasks(ctx context.Context) error {
	msg := fmt.Sprintf("idle timeout after %ds", int(e.idleTimeout.Seconds()))
	for taskID, sessID := range e.taskSession {
		e.releaseSession(taskID, sessID)
		if err := e.failTask(ctx, taskID, msg, true); err != nil {
			return err
		}
	}
	e.lastProgressAt = e.clock()
	return nil
}

func (e *Executor) recordTaskFinished(ctx context.Context, taskID, status string) {
	if e.metrics == nil {
		return
	}
	var elapsed time.Duration
	if started, ok := e.startedAt[taskID]; ok {
		elapsed = e.clock().Sub(started)
	}
	e.metrics.RecordTaskFinished(ctx, e.tasks[taskID].AssignedTo, status, elapsed)
}

func (e *Executor) releaseSession(taskID, sessID string) {
	e.pool.Release(sessID)
	e.watcher.Unwatch(sessID)
	delete(e.taskSession, taskID)
	delete(e.sessionTask, sessID)
	if agent := e.tasks[taskID].AssignedTo; agent != "" && e.runningByAgent[agent] > 0 {
		e.runningByAgent[agent]--
	}
}

func (e *Executor) notify(event, taskID string, payload map[string]any) {
	if e.notifier == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["job_id"] = e.jobID
	payload["run_id"] = e.runID
	payload["task_id"] = taskID
	e.notifier.Notify(event, payload)
}

func (e *Executor) result(status store.RunStatus) Result {
	return Result{
		Status:  status,
		Done:    e.scheduler.Done(),
		Failed:  e.scheduler.Failed(),
		Waiting: e.waiting,
		Errors:  e.taskErrors,
	}
}

// BuildPrompt renders the textual contract the agent must obey.
func BuildPrompt(task plan.Task, artifactsDir string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	writeList(&b, "Inputs:", task.Inputs)
	writeList(&b, "Required Outputs:", task.Outputs)
	writeList(&b, "Done Criteria:", task.DoneWhen)
	fmt.Fprintf(&b, "Shared artifacts directory: %s\n", artifactsDir)
	b.WriteString("Rules:\n")
	b.WriteString("- Write every declared output file into the shared artifacts directory.\n")
	b.WriteString("- If an input refers to an artifact filename, read it from that directory.\n")
	b.WriteString("- Use exact output filenames.\n")
	b.WriteString("When finished output exactly: [TASK_DONE]\n")
	b.WriteString("If impossible output exactly:  [TASK_FAILED]\n")
	b.WriteString("If you need user input output exactly: [TASK_WAITING] <question>\n")
	return b.String()
}

func writeList(b *strings.Builder, header string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(header + "\n")
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}
