// Package sched is the in-memory state machine over a run's task graph.
package sched

import (
	"sort"

	"maestro/internal/dag"
	"maestro/internal/errors"
)

// Assignment pairs a ready task with the agent routed to execute it.
type Assignment struct {
	Agent  string
	TaskID string
}

// Scheduler tracks which tasks are ready, running, done or failed and
// propagates completions through the dependency graph. It is single-threaded
// by contract: the executor loop is the only caller.
type Scheduler struct {
	graph         *dag.Graph
	assignedTo    map[string]string
	ready         map[string]bool
	running       map[string]bool
	done          map[string]bool
	failed        map[string]bool
	remainingDeps map[string]int
	total         int
}

// New builds a scheduler over a frozen graph. assignedTo maps each task to
// its routed agent.
func New(graph *dag.Graph, assignedTo map[string]string) *Scheduler {
	s := &Scheduler{
		graph:         graph,
		assignedTo:    assignedTo,
		ready:         map[string]bool{},
		running:       map[string]bool{},
		done:          map[string]bool{},
		failed:        map[string]bool{},
		remainingDeps: map[string]int{},
		total:         len(graph.InDegree),
	}
	for id, deg := range graph.InDegree {
		s.remainingDeps[id] = deg
	}
	for _, id := range graph.InitialReady {
		s.ready[id] = true
	}
	return s
}

// Runnable enumerates ready, not-yet-running tasks in stable sorted order.
func (s *Scheduler) Runnable() []Assignment {
	var ids []string
	for id := range s.ready {
		if !s.running[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]Assignment, 0, len(ids))
	for _, id := range ids {
		out = append(out, Assignment{Agent: s.assignedTo[id], TaskID: id})
	}
	return out
}

// Start moves a ready task into running.
func (s *Scheduler) Start(taskID string) error {
	if !s.ready[taskID] {
		return errors.NewLogic("SCHED_START_NOT_READY", "task %s is not ready", taskID)
	}
	delete(s.ready, taskID)
	s.running[taskID] = true
	return nil
}

// Finish completes a running task. On success, children with all
// dependencies satisfied become ready. On failure, every transitive child
// is cascade-failed.
func (s *Scheduler) Finish(taskID string, success bool) error {
	if !s.running[taskID] {
		return errors.NewLogic("SCHED_FINISH_NOT_RUNNING", "task %s is not running", taskID)
	}
	delete(s.running, taskID)

	if !success {
		s.failed[taskID] = true
		s.cascadeFail(taskID)
		return nil
	}

	s.done[taskID] = true
	for _, child := range s.graph.Forward[taskID] {
		s.remainingDeps[child]--
		if s.remainingDeps[child] == 0 && !s.inAnySet(child) {
			s.ready[child] = true
		}
	}
	return nil
}

// Readmit returns a previously failed task to the ready set for a retry.
// Its cascade-failed descendants are restored to pending.
func (s *Scheduler) Readmit(taskID string) error {
	if !s.failed[taskID] {
		return errors.NewLogic("SCHED_READMIT_NOT_FAILED", "task %s is not failed", taskID)
	}
	delete(s.failed, taskID)
	s.ready[taskID] = true
	for _, child := range s.graph.Descendants(taskID) {
		if s.failed[child] && !s.done[child] {
			delete(s.failed, child)
		}
	}
	return nil
}

func (s *Scheduler) cascadeFail(taskID string) {
	for _, child := range s.graph.Descendants(taskID) {
		delete(s.ready, child)
		delete(s.running, child)
		if !s.done[child] {
			s.failed[child] = true
		}
	}
}

func (s *Scheduler) inAnySet(taskID string) bool {
	return s.ready[taskID] || s.running[taskID] || s.done[taskID] || s.failed[taskID]
}

// Finished reports whether every task reached a terminal set.
func (s *Scheduler) Finished() bool {
	return len(s.done)+len(s.failed) == s.total
}

// RunningCount returns the number of in-flight tasks.
func (s *Scheduler) RunningCount() int { return len(s.running) }

// Done returns the sorted ids of completed tasks.
func (s *Scheduler) Done() []string { return sortedKeys(s.done) }

// Failed returns the sorted ids of failed tasks.
func (s *Scheduler) Failed() []string { return sortedKeys(s.failed) }

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
