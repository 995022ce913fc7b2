package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// InputExt is the extension of staged simulation profiles
	InputExt = ".simc"
	// OutputExt is the extension of simulator JSON reports
	OutputExt = ".json"
	// PartialExt marks an output the simulator is still writing
	PartialExt = ".partial"
	// TempPrefix names ephemeral inputs used by blocking runs
	TempPrefix = "quicksim-"
)

// ArtifactStore owns the on-disk layout of job artifacts
type ArtifactStore struct {
	dir string
}

// NewArtifactStore creates the jobs directory if needed
func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if dir == "" {
		return nil, errors.New("jobs directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create jobs directory %s: %w", dir, err)
	}
	return &ArtifactStore{dir: dir}, nil
}

// Dir returns the jobs directory
func (s *ArtifactStore) Dir() string {
	return s.dir
}

// InputPath returns where the staged profile of a job lives
func (s *ArtifactStore) InputPath(jobID string) string {
	return filepath.Join(s.dir, jobID+InputExt)
}

// OutputPath returns where the finished report of a job lives
func (s *ArtifactStore) OutputPath(jobID string) string {
	return filepath.Join(s.dir, jobID+OutputExt)
}

// PartialOutputPath returns the path handed to the simulator; it is renamed
// to OutputPath only once the simulator exits successfully.
func (s *ArtifactStore) PartialOutputPath(jobID string) string {
	return s.OutputPath(jobID) + PartialExt
}

// PromoteOutput atomically moves a finished report into place
func (s *ArtifactStore) PromoteOutput(jobID string) error {
	if err := os.Rename(s.PartialOutputPath(jobID), s.OutputPath(jobID)); err != nil {
		return fmt.Errorf("failed to promote output for job %s: %w", jobID, err)
	}
	return nil
}

// Remove deletes an artifact; a missing file is not an error
func (s *ArtifactStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// SweepResult lists what a sweep deleted
type SweepResult struct {
	ExpiredOutputs []string // job ids
	OrphanedInputs []string // file names
}

// SweepPolicy selects what a sweep removes
type SweepPolicy struct {
	// OutputCutoff expires outputs last modified before it. Zero keeps them.
	OutputCutoff time.Time
	// TempCutoff expires blocking-run temp inputs last modified before it
	TempCutoff time.Time
	// Active reports jobs whose input and partial output must stay
	Active func(jobID string) bool
}

// Sweep removes expired outputs and temp inputs, and inputs or partial
// outputs whose job is not active.
func (s *ArtifactStore) Sweep(policy SweepPolicy) (SweepResult, error) {
	active := policy.Active
	if active == nil {
		active = func(string) bool { return false }
	}
	var res SweepResult

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return res, fmt.Errorf("failed to read jobs directory: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(s.dir, name)

		switch {
		case strings.HasPrefix(name, TempPrefix):
			info, err := entry.Info()
			if err != nil || !info.ModTime().Before(policy.TempCutoff) {
				continue
			}
			if err := s.Remove(path); err != nil {
				errs = append(errs, err)
				continue
			}
			res.OrphanedInputs = append(res.OrphanedInputs, name)

		case strings.HasSuffix(name, OutputExt+PartialExt):
			if active(strings.TrimSuffix(name, OutputExt+PartialExt)) {
				continue
			}
			if err := s.Remove(path); err != nil {
				errs = append(errs, err)
			}

		case strings.HasSuffix(name, InputExt):
			if active(strings.TrimSuffix(name, InputExt)) {
				continue
			}
			if err := s.Remove(path); err != nil {
				errs = append(errs, err)
				continue
			}
			res.OrphanedInputs = append(res.OrphanedInputs, name)

		case strings.HasSuffix(name, OutputExt):
			info, err := entry.Info()
			if err != nil || !info.ModTime().Before(policy.OutputCutoff) {
				continue
			}
			if err := s.Remove(path); err != nil {
				errs = append(errs, err)
				continue
			}
			res.ExpiredOutputs = append(res.ExpiredOutputs, strings.TrimSuffix(name, OutputExt))
		}
	}

	return res, errors.Join(errs...)
}
