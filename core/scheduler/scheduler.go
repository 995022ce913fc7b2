package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quicksim/core/executor"
	"quicksim/core/models"
	"quicksim/core/monitoring"
	"quicksim/core/repository"
	"quicksim/core/results"
	"quicksim/logging"
	"quicksim/storage"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrStopped is returned once the scheduler no longer accepts work
	ErrStopped = errors.New("scheduler stopped")
	// ErrAlreadyDispatched is returned when a job id is dispatched twice
	ErrAlreadyDispatched = errors.New("job already dispatched")
)

// Scheduler runs simulations on a fixed pool of background workers.
// Jobs outlive the HTTP request that submitted them; the only context a
// simulation sees is the scheduler's own.
type Scheduler struct {
	jobRepo   *repository.JobRepository
	artifacts *storage.ArtifactStore
	runner    executor.Runner
	metrics   *monitoring.MetricsExporter
	logger    *slog.Logger

	queue   *JobQueue
	workers int
	slots   *semaphore.Weighted
	wake    chan struct{}

	runCtx context.Context
	kill   context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	started    bool
	stopped    bool
	stopChan   chan struct{}
	dispatched map[string]struct{}
}

// NewScheduler creates a new scheduler
func NewScheduler(
	jobRepo *repository.JobRepository,
	artifacts *storage.ArtifactStore,
	runner executor.Runner,
	metrics *monitoring.MetricsExporter,
	logger *slog.Logger,
	workers int,
) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	runCtx, kill := context.WithCancel(context.Background())
	return &Scheduler{
		jobRepo:    jobRepo,
		artifacts:  artifacts,
		runner:     runner,
		metrics:    metrics,
		logger:     logger.With("component", "scheduler"),
		queue:      NewJobQueue(),
		workers:    workers,
		slots:      semaphore.NewWeighted(int64(workers)),
		wake:       make(chan struct{}, workers),
		runCtx:     runCtx,
		kill:       kill,
		stopChan:   make(chan struct{}),
		dispatched: make(map[string]struct{}),
	}
}

// Start launches the worker goroutines
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.logger.Info("Scheduler started", "workers", s.workers)
	return nil
}

// Dispatch queues a pending job for background execution and returns
// immediately
func (s *Scheduler) Dispatch(job *models.Job) error {
	// claim and enqueue under one lock so Shutdown cannot slip in between
	s.mu.Lock()
	if err := s.claimLocked(job.ID, false); err != nil {
		s.mu.Unlock()
		return err
	}
	s.queue.Enqueue(job)
	s.mu.Unlock()

	s.metrics.SetQueueDepth(s.queue.Depth())

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run executes a pending job on the calling goroutine and returns its
// metric. The simulation itself still runs under the scheduler's context,
// so a caller giving up does not kill it.
func (s *Scheduler) Run(job *models.Job) (float64, error) {
	if err := s.claim(job.ID, true); err != nil {
		return 0, err
	}
	defer s.wg.Done()
	return s.execute(job)
}

// Stop stops accepting new jobs. Queued jobs are still run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopChan)
}

// Shutdown stops intake and waits for queued and running jobs. If ctx ends
// first, running simulator processes are killed and their jobs fail.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Shutdown timed out, killing running simulations", "queued", s.queue.Depth())
		err = ctx.Err()
	}
	s.kill()
	<-done

	s.abandonQueued()
	return err
}

// abandonQueued fails jobs no worker will pick up anymore
func (s *Scheduler) abandonQueued() {
	for job := s.queue.PopJob(); job != nil; job = s.queue.PopJob() {
		ctx := logging.WithJobID(context.Background(), job.ID)
		s.fail(ctx, job.ID, models.JobStatusPending, models.ReasonDispatchRejected, ErrStopped)
		s.removeInput(ctx, job.InputPath)
	}
	s.metrics.SetQueueDepth(0)
}

// QueueDepth returns the number of jobs waiting for a worker
func (s *Scheduler) QueueDepth() int {
	return s.queue.Depth()
}

// claim enforces a single dispatch per job id. With inline set, the caller
// is counted as in flight until it calls wg.Done.
func (s *Scheduler) claim(jobID string, inline bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimLocked(jobID, inline)
}

func (s *Scheduler) claimLocked(jobID string, inline bool) error {
	if s.stopped {
		return ErrStopped
	}
	if _, dup := s.dispatched[jobID]; dup {
		return fmt.Errorf("%w: %s", ErrAlreadyDispatched, jobID)
	}
	status, ok := s.jobRepo.GetState(jobID)
	if !ok {
		return repository.ErrJobNotFound
	}
	if status != models.JobStatusPending {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyDispatched, jobID, status)
	}
	s.dispatched[jobID] = struct{}{}
	if inline {
		s.wg.Add(1)
	}
	return nil
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		if job := s.queue.PopJob(); job != nil {
			s.metrics.SetQueueDepth(s.queue.Depth())
			_, _ = s.execute(job)
			continue
		}

		select {
		case <-s.wake:
		case <-s.stopChan:
			if s.queue.Depth() == 0 {
				s.logger.Debug("Worker exiting", "worker", id)
				return
			}
		case <-s.runCtx.Done():
			return
		}
	}
}

// execute runs one job to completion. The input artifact is removed after
// the runner returns, whatever the outcome.
func (s *Scheduler) execute(job *models.Job) (dps float64, err error) {
	ctx := logging.WithJobID(s.runCtx, job.ID)

	if err := s.slots.Acquire(ctx, 1); err != nil {
		s.fail(ctx, job.ID, models.JobStatusPending, models.ReasonDispatchRejected, err)
		_ = s.artifacts.Remove(job.InputPath)
		return 0, err
	}
	defer s.slots.Release(1)

	if err := s.jobRepo.UpdateJobStatus(job.ID, models.JobStatusPending, models.JobStatusRunning, models.ReasonExecutionStarted); err != nil {
		s.logger.WarnContext(ctx, "Skipping job", "error", err)
		s.removeInput(ctx, job.InputPath)
		return 0, err
	}

	start := time.Now()
	status := models.JobStatusFailed
	s.metrics.RecordStarted()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			s.logger.ErrorContext(ctx, "Recovered from panic while running job", "panic", r)
			s.fail(ctx, job.ID, models.JobStatusRunning, models.ReasonWorkerPanic, err)
		}
	}()
	defer func() {
		s.metrics.RecordFinished(status, time.Since(start).Seconds())
	}()
	defer s.removeInput(ctx, job.InputPath)

	s.logger.InfoContext(ctx, "Processing job")

	partial := s.artifacts.PartialOutputPath(job.ID)
	if err := s.runner.Run(ctx, job.InputPath, partial); err != nil {
		_ = s.artifacts.Remove(partial)
		s.fail(ctx, job.ID, models.JobStatusRunning, models.ReasonExecutionFailed, err)
		return 0, err
	}

	if err := s.artifacts.PromoteOutput(job.ID); err != nil {
		err = fmt.Errorf("simc reported success but wrote no output: %w", err)
		s.fail(ctx, job.ID, models.JobStatusRunning, models.ReasonOutputUnparsable, err)
		return 0, err
	}

	dps, err = results.Extract(s.artifacts.OutputPath(job.ID))
	if err != nil {
		s.fail(ctx, job.ID, models.JobStatusRunning, models.ReasonOutputUnparsable, err)
		return 0, err
	}

	if err := s.jobRepo.CompleteJob(job.ID, dps); err != nil {
		s.logger.ErrorContext(ctx, "Failed to update job status", "error", err)
		return 0, err
	}
	status = models.JobStatusCompleted
	s.logger.InfoContext(ctx, "Job completed", "dps", dps, "duration", time.Since(start).String())
	return dps, nil
}

func (s *Scheduler) fail(ctx context.Context, jobID string, from models.JobStatus, reason string, cause error) {
	s.logger.ErrorContext(ctx, "Job failed", "reason", reason, "error", cause)
	if err := s.jobRepo.FailJob(jobID, from, reason, cause); err != nil {
		s.logger.ErrorContext(ctx, "Failed to update job status", "error", err)
	}
}

func (s *Scheduler) removeInput(ctx context.Context, path string) {
	if err := s.artifacts.Remove(path); err != nil {
		s.logger.ErrorContext(ctx, "Failed to remove input artifact", "path", path, "error", err)
	}
}
