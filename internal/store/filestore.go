package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	xerrors "maestro/internal/errors"
	"maestro/internal/logging"
)

// ErrNotFound is returned when a job or run lookup fails.
var ErrNotFound = errors.New("not found")

// ErrLeaseHeld is returned when a mutation is attempted by a worker that does
// not own the job's lease.
var ErrLeaseHeld = errors.New("lease held by another worker")

// ErrTerminal is returned when a transition out of a terminal state is
// attempted. Terminal states are write-once.
var ErrTerminal = errors.New("terminal state is write-once")

// database is the single JSON document persisted to orchestrator.db.
type database struct {
	Jobs       map[string]*Job    `json:"jobs"`
	Runs       map[string]*Run    `json:"runs"`
	Events     map[string][]Event `json:"events"`
	SignalSeqs map[string]int64   `json:"signal_seqs"`
}

func newDatabase() *database {
	return &database{
		Jobs:       map[string]*Job{},
		Runs:       map[string]*Run{},
		Events:     map[string][]Event{},
		SignalSeqs: map[string]int64{},
	}
}

// Option customises a FileStore.
type Option func(*FileStore)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *FileStore) { s.clock = clock }
}

// WithHeartbeatLogEvery sets the heartbeat event throttle interval.
func WithHeartbeatLogEvery(d time.Duration) Option {
	return func(s *FileStore) { s.heartbeatLogEvery = d }
}

// WithLegacyQueueMirror mirrors job records under queue/jobs/<job_id>.json.
func WithLegacyQueueMirror(dir string) Option {
	return func(s *FileStore) { s.legacyQueueDir = dir }
}

// WithLogger sets the store logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *FileStore) { s.logger = logger }
}

// WithTerminalReversalHook registers fn to run whenever a transition out of
// a terminal state is rejected. The hook runs under the store lock and must
// not call back into the store.
func WithTerminalReversalHook(fn func()) Option {
	return func(s *FileStore) { s.terminalReversalHook = fn }
}

// FileStore is a crash-atomic, single-writer state store backed by one JSON
// document plus per-job snapshot exports. All compound read-modify-writes are
// serialized behind one mutex; durability comes from write-new-and-rename.
type FileStore struct {
	mu                   sync.Mutex
	dir                  string
	logger               logging.Logger
	clock                func() time.Time
	heartbeatLogEvery    time.Duration
	legacyQueueDir       string
	terminalReversalHook func()
	db                   *database
}

// Open loads (or initializes) the store rooted at the given state directory.
func Open(dir string, opts ...Option) (*FileStore, error) {
	s := &FileStore{
		dir:               dir,
		logger:            logging.NewComponentLogger("store"),
		clock:             time.Now,
		heartbeatLogEvery: 30 * time.Second,
		db:                newDatabase(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Join(dir, "jobs"), 0o755); err != nil {
		return nil, xerrors.NewResource(err, "state dir")
	}

	path := s.dbPath()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// fresh store
	case err != nil:
		return nil, xerrors.NewResource(err, "state store")
	default:
		if err := json.Unmarshal(data, s.db); err != nil {
			return nil, xerrors.NewResource(err, "state store")
		}
		if s.db.Jobs == nil {
			s.db = newDatabase()
		}
	}
	return s, nil
}

func (s *FileStore) dbPath() string { return filepath.Join(s.dir, "orchestrator.db") }

// flushLocked persists the database document crash-atomically.
func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(s.db, "", "  ")
	if err != nil {
		return xerrors.NewResource(err, "state store")
	}
	if err := writeFileAtomic(s.dbPath(), data); err != nil {
		return xerrors.NewResource(err, "state store")
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// appendEventLocked records an event; events are the ground truth for
// observability and are never mutated.
func (s *FileStore) appendEventLocked(jobID, runID, name string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	s.db.Events[jobID] = append(s.db.Events[jobID], Event{
		TS:      s.clock(),
		JobID:   jobID,
		RunID:   runID,
		Name:    name,
		Payload: raw,
	})
}

// CreateJob persists a new job in status queued.
func (s *FileStore) CreateJob(jobID, projectID, goal string, maxAttempts int) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.db.Jobs[jobID]; exists {
		return nil, xerrors.NewValidation("job_id", "job %s already exists", jobID)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	now := s.clock()
	job := &Job{
		JobID:       jobID,
		ProjectID:   projectID,
		Goal:        goal,
		Status:      JobQueued,
		Audit:       Audit{Decision: AuditPending},
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.db.Jobs[jobID] = job
	s.appendEventLocked(jobID, "", EventJobCreated, map[string]string{"goal": goal})
	if err := s.flushLocked(); err != nil {
		return nil, err
	}
	s.mirrorLegacyLocked(job)
	return cloneJob(job), nil
}

// GetJob returns a copy of the job.
func (s *FileStore) GetJob(jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.db.Jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return cloneJob(job), nil
}

// ListJobs returns jobs filtered by status; with no filter, all jobs.
// Results are sorted by creation time for stable iteration.
func (s *FileStore) ListJobs(statuses ...JobStatus) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := map[JobStatus]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	var out []*Job
	for _, job := range s.db.Jobs {
		if len(want) == 0 || want[job.Status] {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateJob applies fn to the job under the store lock and persists the
// result. Transitions out of a terminal status are rejected and recorded.
func (s *FileStore) UpdateJob(jobID string, fn func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateJobLocked(jobID, fn)
}

func (s *FileStore) updateJobLocked(jobID string, fn func(*Job) error) (*Job, error) {
	job, ok := s.db.Jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	before := job.Status
	if err := fn(job); err != nil {
		return nil, err
	}
	if before.IsTerminal() && job.Status != before {
		attempted := job.Status
		job.Status = before
		s.appendEventLocked(jobID, job.RunID, EventTerminalReversal, map[string]string{
			"from": string(before), "to": string(attempted),
		})
		s.fireTerminalReversalLocked()
		if err := s.flushLocked(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("job %s is %s: %w", jobID, before, ErrTerminal)
	}
	job.UpdatedAt = s.clock()
	if job.Status != before {
		s.appendEventLocked(jobID, job.RunID, EventStatusChanged, map[string]string{
			"from": string(before), "to": string(job.Status),
		})
	}
	if err := s.flushLocked(); err != nil {
		return nil, err
	}
	s.mirrorLegacyLocked(job)
	return cloneJob(job), nil
}

// AppendEvent records an event outside of a job mutation.
func (s *FileStore) AppendEvent(jobID, runID, name string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.db.Jobs[jobID]; !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	s.appendEventLocked(jobID, runID, name, payload)
	return s.flushLocked()
}

// Events returns the append-only event log for a job, in commit order.
func (s *FileStore) Events(jobID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.db.Events[jobID]
	out := make([]Event, len(events))
	copy(out, events)
	return out, nil
}

// Claim atomically leases up to limit claimable jobs for workerID.
// A job is claimable when its status allows it and its lease is free or
// expired; at most one concurrent claimer wins each job.
func (s *FileStore) Claim(workerID string, limit int, lease time.Duration) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var candidates []*Job
	for _, job := range s.db.Jobs {
		if !job.Status.Claimable() {
			continue
		}
		// Any live lease blocks a claim, including the holder's own: the
		// in-flight run must settle (or the lease expire) first, or one
		// worker could dispatch the same job twice.
		if job.LeaseUntil != nil && job.LeaseUntil.After(now) {
			continue
		}
		candidates = append(candidates, job)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].JobID < candidates[j].JobID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	var claimed []*Job
	for _, job := range candidates {
		if len(claimed) >= limit {
			break
		}
		until := now.Add(lease)
		job.WorkerID = workerID
		job.LeaseUntil = &until
		hb := now
		job.HeartbeatAt = &hb
		job.UpdatedAt = now
		s.appendEventLocked(job.JobID, job.RunID, EventJobClaimed, map[string]string{"worker_id": workerID})
		claimed = append(claimed, cloneJob(job))
	}
	if len(claimed) > 0 {
		if err := s.flushLocked(); err != nil {
			return nil, err
		}
	}
	return claimed, nil
}

// Heartbeat refreshes the lease for a job owned by workerID. The heartbeat
// event is throttled to at most one per heartbeatLogEvery per job.
func (s *FileStore) Heartbeat(jobID, workerID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.db.Jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if job.WorkerID != workerID {
		return fmt.Errorf("job %s owned by %q: %w", jobID, job.WorkerID, ErrLeaseHeld)
	}
	now := s.clock()
	until := now.Add(lease)
	job.LeaseUntil = &until
	hb := now
	job.HeartbeatAt = &hb
	job.LastMainHeartbeatTS = &hb
	job.UpdatedAt = now

	if job.LastHeartbeatLogTS == nil || now.Sub(*job.LastHeartbeatLogTS) >= s.heartbeatLogEvery {
		job.LastHeartbeatLogTS = &hb
		s.appendEventLocked(jobID, job.RunID, EventHeartbeat, map[string]string{"worker_id": workerID})
	}
	return s.flushLocked()
}

// RecoverStale reverts jobs whose worker died: running → approved and
// planning → queued, when the heartbeat is older than staleAfter or the
// lease has expired. Worker ownership fields are cleared.
func (s *FileStore) RecoverStale(staleAfter time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var recovered []string
	for _, job := range s.db.Jobs {
		if job.Status != JobRunning && job.Status != JobPlanning {
			continue
		}
		stale := job.HeartbeatAt == nil || now.Sub(*job.HeartbeatAt) >= staleAfter
		expired := job.LeaseUntil != nil && !job.LeaseUntil.After(now)
		if !stale && !expired {
			continue
		}
		from := job.Status
		if job.Status == JobRunning {
			job.Status = JobApproved
		} else {
			job.Status = JobQueued
		}
		job.WorkerID = ""
		job.RunnerPID = 0
		job.LeaseUntil = nil
		job.UpdatedAt = now
		s.appendEventLocked(job.JobID, job.RunID, EventStaleRecovered, map[string]string{
			"from": string(from), "to": string(job.Status),
		})
		recovered = append(recovered, job.JobID)
		s.mirrorLegacyLocked(job)
	}
	if len(recovered) > 0 {
		if err := s.flushLocked(); err != nil {
			return nil, err
		}
		sort.Strings(recovered)
	}
	return recovered, nil
}

// LastSignalSeq returns the last applied control-signal sequence for a job.
func (s *FileStore) LastSignalSeq(jobID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.SignalSeqs[jobID]
}

// SetSignalSeq records the last applied control-signal sequence for a job.
func (s *FileStore) SetSignalSeq(jobID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.SignalSeqs[jobID] = seq
	return s.flushLocked()
}

// mirrorLegacyLocked writes the legacy queue-mode job file when enabled.
func (s *FileStore) mirrorLegacyLocked(job *Job) {
	if s.legacyQueueDir == "" {
		return
	}
	dir := filepath.Join(s.legacyQueueDir, "jobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("legacy queue mirror: %v", err)
		return
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return
	}
	if err := writeFileAtomic(filepath.Join(dir, job.JobID+".json"), data); err != nil {
		s.logger.Warn("legacy queue mirror: %v", err)
	}
}

func (s *FileStore) fireTerminalReversalLocked() {
	if s.terminalReversalHook != nil {
		s.terminalReversalHook()
	}
}

func cloneJob(job *Job) *Job {
	out := *job
	if job.LastResult != nil {
		lr := *job.LastResult
		out.LastResult = &lr
	}
	out.HumanInputs = append([]HumanInput(nil), job.HumanInputs...)
	return &out
}
