package worker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/config"
	"maestro/internal/control"
	"maestro/internal/orchestrator"
	"maestro/internal/store"
)

// fakeExec returns scripted outcomes keyed by job id; seq entries are
// consumed one per call before the fixed outcome, and unscripted jobs
// complete.
type fakeExec struct {
	mu       sync.Mutex
	outcomes map[string]*orchestrator.Outcome
	seq      map[string][]*orchestrator.Outcome
	errs     map[string]error
	calls    []string
}

func (f *fakeExec) ExecuteJob(_ context.Context, job *store.Job) (*orchestrator.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, job.JobID)
	var next *orchestrator.Outcome
	if q := f.seq[job.JobID]; len(q) > 0 {
		next = q[0]
		f.seq[job.JobID] = q[1:]
	}
	f.mu.Unlock()
	if err := f.errs[job.JobID]; err != nil {
		return nil, err
	}
	if next != nil {
		return next, nil
	}
	if o := f.outcomes[job.JobID]; o != nil {
		return o, nil
	}
	return &orchestrator.Outcome{Status: store.RunCompleted, RunID: "run-1"}, nil
}

func testWorker(t *testing.T, exec JobExecutor) (*Worker, *store.FileStore, *control.Queue) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "state"))
	require.NoError(t, err)
	queue := control.NewQueue(filepath.Join(dir, "state"))
	cfg := &config.Config{
		WorkerMaxConcurrency: 2,
		MaxParallelTasks:     2,
		RunningStaleAfter:    5 * time.Minute,
		WorkerJobTimeout:     time.Minute,
		WaitingPolicy:        config.WaitingPolicyHuman,
	}
	w := New(cfg, st, queue, exec, Options{
		WorkerID:     "w-test",
		Lease:        time.Minute,
		PollInterval: 10 * time.Millisecond,
	})
	return w, st, queue
}

func TestRunOnceCompletesJob(t *testing.T) {
	exec := &fakeExec{}
	w, st, _ := testWorker(t, exec)
	_, err := st.CreateJob("j1", "proj", "ship it", 3)
	require.NoError(t, err)

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"j1"}, exec.calls)

	job, err := st.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, job.Status)
	require.NotNil(t, job.LastResult)
	assert.Equal(t, string(store.RunCompleted), job.LastResult.Status)
	assert.Equal(t, "run-1", job.LastResult.RunID)
	assert.Empty(t, job.WorkerID, "lease cleared on settle")
	assert.Zero(t, job.AttemptCount, "attempts count failures only")
}

func TestRunOnceWaitingHuman(t *testing.T) {
	exec := &fakeExec{outcomes: map[string]*orchestrator.Outcome{
		"j1": {Status: store.RunWaitingHuman, RunID: "run-1", Question: "which db?"},
	}}
	w, st, _ := testWorker(t, exec)
	_, err := st.CreateJob("j1", "proj", "ship it", 3)
	require.NoError(t, err)

	_, err = w.RunOnce(context.Background())
	require.NoError(t, err)

	job, err := st.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, store.JobWaitingHuman, job.Status)
	assert.Equal(t, "which db?", job.LastResult.Question)

	// Waiting jobs are not claimable; the next pass must not re-run them.
	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, exec.calls, 1)
}

func TestRunOnceAwaitingAudit(t *testing.T) {
	exec := &fakeExec{outcomes: map[string]*orchestrator.Outcome{
		"j1": {Status: store.RunAwaitingAudit, RunID: "run-1"},
	}}
	w, st, _ := testWorker(t, exec)
	_, err := st.CreateJob("j1", "proj", "ship it", 3)
	require.NoError(t, err)

	_, err = w.RunOnce(context.Background())
	require.NoError(t, err)

	job, err := st.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, store.JobAwaitingAudit, job.Status)
}

func TestFailureRetriesUntilAttemptsExhaust(t *testing.T) {
	exec := &fakeExec{outcomes: map[string]*orchestrator.Outcome{
		"j1": {Status: store.RunFailed, RunID: "run-1", Error: "boom"},
	}}
	w, st, _ := testWorker(t, exec)
	_, err := st.CreateJob("j1", "proj", "ship it", 2)
	require.NoError(t, err)

	_, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	job, err := st.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, store.JobApproved, job.Status, "first failure requeues")

	_, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	job, err = st.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, job.Status, "attempt budget exhausted")
	assert.Equal(t, "boom", job.Error)
	assert.Len(t, exec.calls, 2)
}

func TestWaitingPausesDoNotConsumeAttempts(t *testing.T) {
	// Two human pauses before one real failure must leave the full retry
	// budget minus that failure, not exhaust it.
	exec := &fakeExec{seq: map[string][]*orchestrator.Outcome{
		"j1": {
			{Status: store.RunWaitingHuman, RunID: "run-1", Question: "which db?"},
			{Status: store.RunWaitingHuman, RunID: "run-1", Question: "which schema?"},
			{Status: store.RunFailed, RunID: "run-1", Error: "boom"},
		},
	}}
	w, st, _ := testWorker(t, exec)
	_, err := st.CreateJob("j1", "proj", "ship it", 3)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = w.RunOnce(context.Background())
		require.NoError(t, err)
		// Answer the pause so the job is claimable again.
		if job, err := st.GetJob("j1"); err == nil && job.Status == store.JobWaitingHuman {
			_, err = st.UpdateJob("j1", func(j *store.Job) error {
				j.Status = store.JobApproved
				return nil
			})
			require.NoError(t, err)
		}
	}

	job, err := st.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, store.JobApproved, job.Status, "one failure out of three attempts requeues")
	assert.Equal(t, 1, job.AttemptCount)
	assert.Len(t, exec.calls, 3)
}

func TestPipelineErrorCountsAgainstAttempts(t *testing.T) {
	exec := &fakeExec{errs: map[string]error{"j1": context.DeadlineExceeded}}
	w, st, _ := testWorker(t, exec)
	_, err := st.CreateJob("j1", "proj", "ship it", 1)
	require.NoError(t, err)

	_, err = w.RunOnce(context.Background())
	require.NoError(t, err)

	job, err := st.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, job.Status)
	assert.Contains(t, job.Error, "deadline")
}

func TestPassDrainsControlSignals(t *testing.T) {
	exec := &fakeExec{outcomes: map[string]*orchestrator.Outcome{
		"j1": {Status: store.RunAwaitingAudit, RunID: "run-1"},
	}}
	w, st, queue := testWorker(t, exec)
	_, err := st.CreateJob("j1", "proj", "ship it", 3)
	require.NoError(t, err)

	_, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	job, err := st.GetJob("j1")
	require.NoError(t, err)
	require.Equal(t, store.JobAwaitingAudit, job.Status)

	_, err = queue.Emit(control.Signal{
		JobID: "j1", Action: control.ActionApprove, RequestID: "req-1", SignalSeq: 1,
	})
	require.NoError(t, err)

	// The approval drains at the start of the pass, making j1 claimable
	// again within the same pass.
	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = st.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, store.JobAwaitingAudit, job.Status, "second run pauses again without plan approval recorded by executor fake")
	assert.True(t, job.Audit.Passed)
}

func TestConcurrencyLimitRespected(t *testing.T) {
	exec := &fakeExec{}
	w, st, _ := testWorker(t, exec)
	for _, id := range []string{"j1", "j2", "j3"} {
		_, err := st.CreateJob(id, "proj", "ship "+id, 3)
		require.NoError(t, err)
	}

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "claim is capped at free slots")

	n, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
