package store

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*FileStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s, err := Open(t.TempDir(), WithClock(clock.Now))
	require.NoError(t, err)
	return s, clock
}

func TestCreateAndGetJob(t *testing.T) {
	s, _ := newTestStore(t)

	job, err := s.CreateJob("deadbeefdeadbeef", "proj", "build it", 3)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.Status)
	assert.Equal(t, AuditPending, job.Audit.Decision)
	assert.Equal(t, 3, job.MaxAttempts)

	got, err := s.GetJob("deadbeefdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, "build it", got.Goal)

	_, err = s.GetJob("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.CreateJob("deadbeefdeadbeef", "proj", "again", 3)
	assert.Error(t, err)
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.CreateJob("j1", "proj", "goal", 1)
	require.NoError(t, err)

	reopened, err := Open(dir)
	require.NoError(t, err)
	job, err := reopened.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, "goal", job.Goal)

	events, err := reopened.Events("j1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventJobCreated, events[0].Name)
}

func TestClaimExclusive(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.CreateJob("j1", "proj", "goal", 1)
	require.NoError(t, err)

	// Two workers race; exactly one wins the single job.
	var wg sync.WaitGroup
	wins := make(chan string, 2)
	for _, worker := range []string{"w1", "w2"} {
		wg.Add(1)
		go func(w string) {
			defer wg.Done()
			claimed, err := s.Claim(w, 1, time.Minute)
			require.NoError(t, err)
			if len(claimed) == 1 {
				wins <- w
			}
		}(worker)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	job, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, winners[0], job.WorkerID)
	assert.NotNil(t, job.LeaseUntil)
}

func TestClaimSkipsLeasedAndNonClaimable(t *testing.T) {
	s, clock := newTestStore(t)
	_, err := s.CreateJob("j1", "proj", "goal", 1)
	require.NoError(t, err)

	claimed, err := s.Claim("w1", 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Lease still live: another worker sees nothing.
	claimed, err = s.Claim("w2", 5, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// Lease expired: w2 takes over.
	clock.Advance(2 * time.Minute)
	claimed, err = s.Claim("w2", 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "w2", claimed[0].WorkerID)

	// Terminal jobs are never claimable.
	_, err = s.UpdateJob("j1", func(j *Job) error { j.Status = JobFailed; return nil })
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	claimed, err = s.Claim("w1", 5, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimNotReentrantForHolder(t *testing.T) {
	s, clock := newTestStore(t)
	_, err := s.CreateJob("j1", "proj", "goal", 1)
	require.NoError(t, err)

	claimed, err := s.Claim("w1", 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// The holder cannot claim the same job again while its lease is live.
	claimed, err = s.Claim("w1", 5, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	clock.Advance(2 * time.Minute)
	claimed, err = s.Claim("w1", 5, time.Minute)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestHeartbeatThrottlesEvents(t *testing.T) {
	s, clock := newTestStore(t)
	_, err := s.CreateJob("j1", "proj", "goal", 1)
	require.NoError(t, err)
	_, err = s.Claim("w1", 1, time.Minute)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Heartbeat("j1", "w1", time.Minute))
		clock.Advance(5 * time.Second)
	}
	clock.Advance(30 * time.Second)
	require.NoError(t, s.Heartbeat("j1", "w1", time.Minute))

	events, err := s.Events("j1")
	require.NoError(t, err)
	var beats int
	for _, ev := range events {
		if ev.Name == EventHeartbeat {
			beats++
		}
	}
	assert.Equal(t, 2, beats, "heartbeat events must be throttled")

	err = s.Heartbeat("j1", "intruder", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)
}

func TestRecoverStale(t *testing.T) {
	s, clock := newTestStore(t)
	_, err := s.CreateJob("j1", "proj", "goal", 1)
	require.NoError(t, err)
	_, err = s.Claim("w1", 1, time.Minute)
	require.NoError(t, err)
	_, err = s.UpdateJob("j1", func(j *Job) error { j.Status = JobRunning; return nil })
	require.NoError(t, err)

	// Fresh heartbeat: nothing recovered.
	require.NoError(t, s.Heartbeat("j1", "w1", 10*time.Minute))
	recovered, err := s.RecoverStale(2 * time.Minute)
	require.NoError(t, err)
	assert.Empty(t, recovered)

	clock.Advance(3 * time.Minute)
	recovered, err = s.RecoverStale(2 * time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, recovered)

	job, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, JobApproved, job.Status)
	assert.Empty(t, job.WorkerID)
	assert.Nil(t, job.LeaseUntil)

	// Recovered job can be claimed again.
	claimed, err := s.Claim("w2", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}

func TestRecoverStalePlanningToQueued(t *testing.T) {
	s, clock := newTestStore(t)
	_, err := s.CreateJob("j1", "proj", "goal", 1)
	require.NoError(t, err)
	_, err = s.Claim("w1", 1, time.Minute)
	require.NoError(t, err)
	_, err = s.UpdateJob("j1", func(j *Job) error { j.Status = JobPlanning; return nil })
	require.NoError(t, err)

	clock.Advance(time.Hour)
	recovered, err := s.RecoverStale(2 * time.Minute)
	require.NoError(t, err)
	require.Len(t, recovered, 1)

	job, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.Status)
}

func TestJobTerminalOnce(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.CreateJob("j1", "proj", "goal", 1)
	require.NoError(t, err)
	_, err = s.UpdateJob("j1", func(j *Job) error { j.Status = JobCompleted; return nil })
	require.NoError(t, err)

	_, err = s.UpdateJob("j1", func(j *Job) error { j.Status = JobRunning; return nil })
	assert.ErrorIs(t, err, ErrTerminal)

	job, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.Status)

	events, err := s.Events("j1")
	require.NoError(t, err)
	var reversals int
	for _, ev := range events {
		if ev.Name == EventTerminalReversal {
			reversals++
		}
	}
	assert.Equal(t, 1, reversals)
}

func TestTerminalReversalHookFires(t *testing.T) {
	clock := newFakeClock()
	var reversals int
	s, err := Open(t.TempDir(), WithClock(clock.Now), WithTerminalReversalHook(func() { reversals++ }))
	require.NoError(t, err)

	_, err = s.CreateJob("j1", "proj", "goal", 1)
	require.NoError(t, err)
	_, err = s.CreateRun("j1", "r1")
	require.NoError(t, err)

	_, err = s.UpdateJob("j1", func(j *Job) error { j.Status = JobCompleted; return nil })
	require.NoError(t, err)
	_, err = s.UpdateJob("j1", func(j *Job) error { j.Status = JobRunning; return nil })
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, 1, reversals)

	_, err = s.SetTaskState("r1", "tsk_A", TaskCompleted, "")
	require.NoError(t, err)
	_, err = s.SetTaskState("r1", "tsk_A", TaskRunning, "")
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, 2, reversals)
}

func TestRunTerminalOnce(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.CreateJob("j1", "proj", "goal", 1)
	require.NoError(t, err)
	_, err = s.CreateRun("j1", "r1")
	require.NoError(t, err)

	_, err = s.UpdateRun("r1", func(r *Run) error { r.Status = RunFinished; return nil })
	require.NoError(t, err)

	_, err = s.UpdateRun("r1", func(r *Run) error { r.Status = RunRunning; return nil })
	assert.ErrorIs(t, err, ErrTerminal)

	run, err := s.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, RunFinished, run.Status)
	assert.NotNil(t, run.FinishedAt)
}

func TestTaskStateTransitions(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.CreateJob("j1", "proj", "goal", 1)
	require.NoError(t, err)
	_, err = s.CreateRun("j1", "r1")
	require.NoError(t, err)

	ts, err := s.SetTaskState("r1", "tsk_A", TaskRunning, "")
	require.NoError(t, err)
	assert.Equal(t, 1, ts.Attempts)

	_, err = s.SetTaskState("r1", "tsk_A", TaskPending, "retrying")
	require.NoError(t, err)
	ts, err = s.SetTaskState("r1", "tsk_A", TaskRunning, "")
	require.NoError(t, err)
	assert.Equal(t, 2, ts.Attempts)

	_, err = s.SetTaskState("r1", "tsk_A", TaskCompleted, "")
	require.NoError(t, err)

	_, err = s.SetTaskState("r1", "tsk_A", TaskRunning, "")
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestRunProjection(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.CreateJob("j1", "proj", "goal", 1)
	require.NoError(t, err)
	_, err = s.CreateRun("j1", "r1")
	require.NoError(t, err)

	status, runID, ok := s.RunProjection("j1")
	require.True(t, ok)
	assert.Equal(t, RunRunning, status)
	assert.Equal(t, "r1", runID)

	_, err = s.UpdateRun("r1", func(r *Run) error { r.Status = RunWaitingHuman; return nil })
	require.NoError(t, err)

	status, _, ok = s.RunProjection("j1")
	require.True(t, ok)
	assert.Equal(t, RunWaitingHuman, status)

	_, _, ok = s.RunProjection("unknown")
	assert.False(t, ok)
}

func TestJobViewExportsSnapshot(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.CreateJob("j1", "proj", "goal", 1)
	require.NoError(t, err)

	job, run, err := s.JobView("j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", job.JobID)
	assert.Nil(t, run)

	_, statErr := os.Stat(filepath.Join(dir, "jobs", "j1.snapshot.json"))
	assert.NoError(t, statErr)
}

func TestLegacyQueueMirror(t *testing.T) {
	dir := t.TempDir()
	queueDir := filepath.Join(dir, "queue")
	s, err := Open(filepath.Join(dir, "state"), WithLegacyQueueMirror(queueDir))
	require.NoError(t, err)

	_, err = s.CreateJob("j1", "proj", "goal", 1)
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(queueDir, "jobs", "j1.json"))
	assert.NoError(t, statErr)
}

func TestEventsAreOrdered(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.CreateJob("j1", "proj", "goal", 1)
	require.NoError(t, err)
	require.NoError(t, s.AppendEvent("j1", "", "first", nil))
	require.NoError(t, s.AppendEvent("j1", "r1", "second", map[string]int{"n": 2}))

	events, err := s.Events("j1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventJobCreated, events[0].Name)
	assert.Equal(t, "first", events[1].Name)
	assert.Equal(t, "second", events[2].Name)
	assert.Equal(t, "r1", events[2].RunID)
}

func TestSignalSeq(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Zero(t, s.LastSignalSeq("j1"))
	require.NoError(t, s.SetSignalSeq("j1", 7))
	assert.Equal(t, int64(7), s.LastSignalSeq("j1"))
}
