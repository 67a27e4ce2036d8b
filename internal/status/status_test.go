package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/errors"
	"maestro/internal/store"
)

func TestMapTable(t *testing.T) {
	cases := []struct {
		job  store.JobStatus
		run  store.RunStatus
		want View
	}{
		{store.JobAwaitingAudit, "", ViewWaiting},
		{store.JobWaitingHuman, store.RunWaitingHuman, ViewWaiting},
		{store.JobReviseRequested, "", ViewWaiting},
		{store.JobRunning, store.RunWaitingHuman, ViewWaiting},
		{store.JobRunning, store.RunRunning, ViewRunning},
		{store.JobPlanning, "", ViewRunning},
		{store.JobApproved, store.RunQueued, ViewRunning},
		{store.JobQueued, "", ViewRunning},
		{store.JobCompleted, store.RunFinished, ViewDone},
		{store.JobCompleted, store.RunCompleted, ViewDone},
		{store.JobCompleted, "", ViewDone},
		{store.JobFailed, store.RunFailed, ViewFailed},
		{store.JobCancelled, "", ViewFailed},
		{store.JobCompleted, store.RunError, ViewFailed},
		{store.JobCompleted, store.RunTimeout, ViewFailed},
	}
	for _, tc := range cases {
		got, err := Map(tc.job, tc.run)
		require.NoError(t, err, "job=%s run=%s", tc.job, tc.run)
		assert.Equal(t, tc.want, got, "job=%s run=%s", tc.job, tc.run)
	}
}

// Jobs before their first run and completed jobs whose run record was
// pruned have no run status; both must still resolve to a view.
func TestMapResolvesWithoutRunStatus(t *testing.T) {
	got, err := Map(store.JobQueued, "")
	require.NoError(t, err)
	assert.Equal(t, ViewRunning, got)

	got, err = Map(store.JobCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, ViewDone, got)
}

func TestMapUndefinedCombination(t *testing.T) {
	_, err := Map("", "")
	require.Error(t, err)
	var le *errors.LogicError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "STATUS_MAP_UNDEFINED", le.Code)
}

func openStore(t *testing.T) *store.FileStore {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestResolvePrecedence(t *testing.T) {
	st := openStore(t)
	_, err := st.CreateJob("j1", "p1", "goal", 3)
	require.NoError(t, err)

	// No run yet: job status is the only source.
	rep, err := Resolve(st, "j1")
	require.NoError(t, err)
	assert.Equal(t, ViewRunning, rep.View)
	assert.Equal(t, "job", rep.Source)

	// last_result present but no run projection.
	_, err = st.UpdateJob("j1", func(j *store.Job) error {
		j.LastResult = &store.LastResult{Status: string(store.RunWaitingHuman), UpdatedAt: time.Now()}
		j.Status = store.JobWaitingHuman
		return nil
	})
	require.NoError(t, err)
	rep, err = Resolve(st, "j1")
	require.NoError(t, err)
	assert.Equal(t, ViewWaiting, rep.View)
	assert.Equal(t, "last_result", rep.Source)

	// Run projection exists and takes precedence over everything.
	_, err = st.CreateRun("j1", "r1")
	require.NoError(t, err)
	rep, err = Resolve(st, "j1")
	require.NoError(t, err)
	assert.Equal(t, "temporal_runs", rep.Source)
	assert.Equal(t, store.RunRunning, rep.RunStatus)
}

func TestResolveDivergence(t *testing.T) {
	st := openStore(t)
	_, err := st.CreateJob("j1", "p1", "goal", 3)
	require.NoError(t, err)
	_, err = st.CreateRun("j1", "r1")
	require.NoError(t, err)
	_, err = st.UpdateRun("r1", func(r *store.Run) error {
		r.Status = store.RunCompleted
		return nil
	})
	require.NoError(t, err)

	// Projection says completed while the job record still says running:
	// a terminal/active split is a high-severity divergence.
	_, err = st.UpdateJob("j1", func(j *store.Job) error {
		j.Status = store.JobRunning
		return nil
	})
	require.NoError(t, err)

	rep, err := Resolve(st, "j1")
	require.NoError(t, err)
	require.NotNil(t, rep.Divergence)
	assert.Equal(t, "high", rep.Divergence.Severity)
	assert.Equal(t, "r1", rep.Divergence.RunID)
}

func TestResolveAgreementHasNoDivergence(t *testing.T) {
	st := openStore(t)
	_, err := st.CreateJob("j1", "p1", "goal", 3)
	require.NoError(t, err)
	_, err = st.CreateRun("j1", "r1")
	require.NoError(t, err)
	_, err = st.UpdateJob("j1", func(j *store.Job) error {
		j.Status = store.JobRunning
		j.LastResult = &store.LastResult{Status: string(store.RunRunning)}
		return nil
	})
	require.NoError(t, err)

	rep, err := Resolve(st, "j1")
	require.NoError(t, err)
	assert.Equal(t, ViewRunning, rep.View)
	assert.Nil(t, rep.Divergence)
}
