package repository

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"quicksim/core/models"
	"quicksim/storage"

	"github.com/google/uuid"
)

var (
	// ErrJobNotFound is returned for ids the store has never issued or has forgotten
	ErrJobNotFound = errors.New("job not found")
	// ErrStatusConflict is returned when a compare-and-set transition loses
	ErrStatusConflict = errors.New("job status conflict")
)

// maxEventsPerJob bounds the in-memory transition history of a job
const maxEventsPerJob = 32

// JobRepository is the in-memory job store. It is safe for concurrent use by
// request handlers and scheduler workers.
type JobRepository struct {
	artifacts *storage.ArtifactStore
	newID     func() string

	mu     sync.RWMutex
	jobs   map[string]*models.Job
	events map[string][]models.JobEvent
	// expired holds ids forgotten by retention, keyed to when they were dropped
	expired map[string]time.Time
}

// NewJobRepository creates a new job repository
func NewJobRepository(artifacts *storage.ArtifactStore) *JobRepository {
	return &JobRepository{
		artifacts: artifacts,
		newID:     func() string { return uuid.New().String() },
		jobs:      make(map[string]*models.Job),
		events:    make(map[string][]models.JobEvent),
		expired:   make(map[string]time.Time),
	}
}

// CreateJob registers a new pending job under a fresh id
func (r *JobRepository) CreateJob(mode models.ExecutionMode) (*models.Job, error) {
	id := r.newID()
	now := time.Now()

	job := &models.Job{
		ID:         id,
		Mode:       mode,
		Status:     models.JobStatusPending,
		InputPath:  r.artifacts.InputPath(id),
		OutputPath: r.artifacts.OutputPath(id),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// ids are never reused, even after Forget
	_, live := r.jobs[id]
	_, gone := r.expired[id]
	if live || gone {
		return nil, fmt.Errorf("job id %s already issued", id)
	}
	r.jobs[id] = job
	r.appendEventLocked(id, nil, job.Status, models.ReasonJobCreated, now)

	return job.Clone(), nil
}

// InputPath returns the staged input location for a job id
func (r *JobRepository) InputPath(jobID string) string {
	return r.artifacts.InputPath(jobID)
}

// OutputPath returns the output report location for a job id
func (r *JobRepository) OutputPath(jobID string) string {
	return r.artifacts.OutputPath(jobID)
}

// GetJob retrieves a copy of a job by ID
func (r *JobRepository) GetJob(jobID string) (*models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// GetState returns the current status of a job
func (r *JobRepository) GetState(jobID string) (models.JobStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return "", false
	}
	return job.Status, true
}

// SetState unconditionally moves a job to status
func (r *JobRepository) SetState(jobID string, status models.JobStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	r.transitionLocked(job, status, reason, time.Now())
	return nil
}

// UpdateJobStatus moves a job from one status to another atomically with
// event logging. It fails with ErrStatusConflict if the job is not in from.
func (r *JobRepository) UpdateJobStatus(jobID string, from, to models.JobStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != from {
		return fmt.Errorf("%w: job %s is %s, expected %s", ErrStatusConflict, jobID, job.Status, from)
	}
	r.transitionLocked(job, to, reason, time.Now())
	return nil
}

// CompleteJob records the metric and marks a running job completed
func (r *JobRepository) CompleteJob(jobID string, dps float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != models.JobStatusRunning {
		return fmt.Errorf("%w: job %s is %s, expected %s", ErrStatusConflict, jobID, job.Status, models.JobStatusRunning)
	}
	job.DPS = &dps
	r.transitionLocked(job, models.JobStatusCompleted, models.ReasonCompleted, time.Now())
	return nil
}

// FailJob records the failure message and marks the job failed
func (r *JobRepository) FailJob(jobID string, from models.JobStatus, reason string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != from {
		return fmt.Errorf("%w: job %s is %s, expected %s", ErrStatusConflict, jobID, job.Status, from)
	}
	if cause != nil {
		job.Error = cause.Error()
	} else {
		job.Error = reason
	}
	r.transitionLocked(job, models.JobStatusFailed, reason, time.Now())
	return nil
}

// ListJobs lists jobs newest first, optionally filtered by status
func (r *JobRepository) ListJobs(status *models.JobStatus, limit int) []*models.Job {
	r.mu.RLock()
	jobs := make([]*models.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if status != nil && job.Status != *status {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

// Events returns the transition history of a job, oldest first
func (r *JobRepository) Events(jobID string) ([]models.JobEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.jobs[jobID]; !ok {
		return nil, ErrJobNotFound
	}
	events := make([]models.JobEvent, len(r.events[jobID]))
	copy(events, r.events[jobID])
	return events, nil
}

// IsActive reports whether a job still owns its input artifact
func (r *JobRepository) IsActive(jobID string) bool {
	status, ok := r.GetState(jobID)
	return ok && !status.Terminal()
}

// Forget drops a terminal job's metadata. The id stays reserved and reads
// as expired until PruneExpired removes it.
func (r *JobRepository) Forget(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok || !job.Status.Terminal() {
		return false
	}
	r.forgetLocked(jobID, time.Now())
	return true
}

// ForgetBefore drops terminal jobs that finished before cutoff
func (r *JobRepository) ForgetBefore(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	n := 0
	for id, job := range r.jobs {
		if !job.Status.Terminal() || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		r.forgetLocked(id, now)
		n++
	}
	return n
}

// Expired reports whether jobID belonged to a job that retention dropped
func (r *JobRepository) Expired(jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.expired[jobID]
	return ok
}

// PruneExpired releases ids forgotten before cutoff. They then read as
// unknown.
func (r *JobRepository) PruneExpired(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, at := range r.expired {
		if at.Before(cutoff) {
			delete(r.expired, id)
			n++
		}
	}
	return n
}

func (r *JobRepository) forgetLocked(jobID string, at time.Time) {
	delete(r.jobs, jobID)
	delete(r.events, jobID)
	r.expired[jobID] = at
}

// Counts returns the number of known jobs per status
func (r *JobRepository) Counts() map[models.JobStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[models.JobStatus]int, 4)
	for _, job := range r.jobs {
		counts[job.Status]++
	}
	return counts
}

func (r *JobRepository) transitionLocked(job *models.Job, to models.JobStatus, reason string, at time.Time) {
	from := job.Status
	job.Status = to
	job.UpdatedAt = at
	switch {
	case to == models.JobStatusRunning && job.StartedAt == nil:
		job.StartedAt = &at
	case to.Terminal():
		job.CompletedAt = &at
	}
	r.appendEventLocked(job.ID, &from, to, reason, at)
}

func (r *JobRepository) appendEventLocked(jobID string, from *models.JobStatus, to models.JobStatus, reason string, at time.Time) {
	events := append(r.events[jobID], models.JobEvent{
		JobID:      jobID,
		At:         at,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
	})
	if len(events) > maxEventsPerJob {
		events = events[len(events)-maxEventsPerJob:]
	}
	r.events[jobID] = events
}
