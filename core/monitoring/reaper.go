package monitoring

import (
	"context"
	"log/slog"
	"time"

	"quicksim/core/repository"
	"quicksim/storage"
)

// Retention configures what the reaper keeps and for how long
type Retention struct {
	// OutputTTL expires reports and their jobs. Non-positive keeps them.
	OutputTTL time.Duration
	// ExpiredTTL is how long a forgotten job id keeps reading as expired
	ExpiredTTL time.Duration
	// TempTTL is the age after which a blocking-run temp input is a leftover
	TempTTL  time.Duration
	Interval time.Duration
}

// Reaper expires finished simulation results and cleans up inputs that
// nothing will ever run
type Reaper struct {
	jobRepo   *repository.JobRepository
	artifacts *storage.ArtifactStore
	metrics   *MetricsExporter
	logger    *slog.Logger

	retention Retention
	now       func() time.Time
}

// NewReaper creates a new reaper
func NewReaper(
	jobRepo *repository.JobRepository,
	artifacts *storage.ArtifactStore,
	metrics *MetricsExporter,
	logger *slog.Logger,
	retention Retention,
) *Reaper {
	if retention.Interval <= 0 {
		retention.Interval = 10 * time.Minute
	}
	if retention.ExpiredTTL <= 0 {
		retention.ExpiredTTL = 7 * 24 * time.Hour
	}
	if retention.TempTTL <= 0 {
		retention.TempTTL = 6 * time.Hour
	}
	return &Reaper{
		jobRepo:   jobRepo,
		artifacts: artifacts,
		metrics:   metrics,
		logger:    logger.With("component", "reaper"),
		retention: retention,
		now:       time.Now,
	}
}

// Start runs a sweep every interval until ctx is done
func (r *Reaper) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.retention.Interval)
	defer ticker.Stop()

	r.logger.Info("Reaper started",
		"output_ttl", r.retention.OutputTTL.String(),
		"interval", r.retention.Interval.String(),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// SweepStats summarizes one sweep
type SweepStats struct {
	ExpiredOutputs int
	OrphanedInputs int
	ForgottenJobs  int
	ReleasedIDs    int
}

// Sweep performs a single retention pass
func (r *Reaper) Sweep() SweepStats {
	return r.sweep(r.now().Add(-r.retention.TempTTL))
}

// SweepLeftovers is the pass run before the server takes requests. No
// blocking run can be in flight yet, so every temp input is a leftover.
func (r *Reaper) SweepLeftovers() SweepStats {
	return r.sweep(r.now())
}

func (r *Reaper) sweep(tempCutoff time.Time) SweepStats {
	now := r.now()

	// zero cutoff keeps every output
	var outputCutoff time.Time
	if r.retention.OutputTTL > 0 {
		outputCutoff = now.Add(-r.retention.OutputTTL)
	}

	res, err := r.artifacts.Sweep(storage.SweepPolicy{
		OutputCutoff: outputCutoff,
		TempCutoff:   tempCutoff,
		Active:       r.jobRepo.IsActive,
	})
	if err != nil {
		r.logger.Error("Sweep incomplete", "error", err)
	}

	stats := SweepStats{
		ExpiredOutputs: len(res.ExpiredOutputs),
		OrphanedInputs: len(res.OrphanedInputs),
	}
	for _, id := range res.ExpiredOutputs {
		if r.jobRepo.Forget(id) {
			stats.ForgottenJobs++
		}
	}
	if r.retention.OutputTTL > 0 {
		stats.ForgottenJobs += r.jobRepo.ForgetBefore(outputCutoff)
	}
	stats.ReleasedIDs = r.jobRepo.PruneExpired(now.Add(-r.retention.ExpiredTTL))

	r.metrics.RecordSwept(stats.ExpiredOutputs, stats.OrphanedInputs)
	if stats != (SweepStats{}) {
		r.logger.Info("Sweep finished",
			"expired_outputs", stats.ExpiredOutputs,
			"orphaned_inputs", stats.OrphanedInputs,
			"forgotten_jobs", stats.ForgottenJobs,
			"released_ids", stats.ReleasedIDs,
		)
	}
	return stats
}
