package spec

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"quicksim/storage"
)

var (
	// ErrEmptyProfile is returned for a blank submission
	ErrEmptyProfile = errors.New("profile is empty")
	// ErrProfileTooLarge is returned when a submission exceeds the size limit
	ErrProfileTooLarge = errors.New("profile is too large")
)

// StagingError reports that an input artifact could not be written
type StagingError struct {
	JobID string
	Op    string
	Err   error
}

func (e *StagingError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("staging %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("staging job %s: %s: %v", e.JobID, e.Op, e.Err)
}

func (e *StagingError) Unwrap() error {
	return e.Err
}

// Bounds are the execution parameters appended to every profile
type Bounds struct {
	MaxTime    int // seconds
	Iterations int
}

// boundedKeys are the profile options a client may not set
var boundedKeys = map[string]struct{}{
	"max_time":   {},
	"iterations": {},
}

// Stager materializes submitted profiles into input artifacts
type Stager struct {
	artifacts *storage.ArtifactStore
	bounds    Bounds
}

// NewStager creates a new stager
func NewStager(artifacts *storage.ArtifactStore, bounds Bounds) *Stager {
	return &Stager{
		artifacts: artifacts,
		bounds:    bounds,
	}
}

// ValidateProfile checks a raw submission before a job is created
func ValidateProfile(raw string, maxBytes int) error {
	if strings.TrimSpace(raw) == "" {
		return ErrEmptyProfile
	}
	if maxBytes > 0 && len(raw) > maxBytes {
		return ErrProfileTooLarge
	}
	return nil
}

// Render returns the profile as it is written to disk: the client's lines
// minus any bounded option, wherever it sits on a line, followed by the
// fixed bounds. The bounds come
// last so that simc's last-occurrence-wins rule also holds them.
func (s *Stager) Render(raw string) string {
	var b strings.Builder
	b.Grow(len(raw) + 64)

	sc := bufio.NewScanner(strings.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), len(raw)+1)
	for sc.Scan() {
		line, ok := stripBounded(strings.TrimSuffix(sc.Text(), "\r"))
		if !ok {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	fmt.Fprintf(&b, "max_time=%d\n", s.bounds.MaxTime)
	fmt.Fprintf(&b, "iterations=%d\n", s.bounds.Iterations)
	return b.String()
}

// Stage writes the durable, job-named input artifact used by background
// runs. It must outlive the request that created it.
func (s *Stager) Stage(jobID, raw string) (string, error) {
	path := s.artifacts.InputPath(jobID)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", &StagingError{JobID: jobID, Op: "create", Err: err}
	}
	if err := writeAndClose(f, s.Render(raw)); err != nil {
		_ = s.artifacts.Remove(path)
		return "", &StagingError{JobID: jobID, Op: "write", Err: err}
	}
	return path, nil
}

// StageTemp writes an ephemeral input artifact for a run that finishes
// before the request returns. The caller must invoke cleanup.
func (s *Stager) StageTemp(raw string) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp(s.artifacts.Dir(), storage.TempPrefix+"*"+storage.InputExt)
	if err != nil {
		return "", nil, &StagingError{Op: "create", Err: err}
	}
	path = f.Name()
	cleanup = func() { _ = s.artifacts.Remove(path) }

	if err := writeAndClose(f, s.Render(raw)); err != nil {
		cleanup()
		return "", nil, &StagingError{Op: "write", Err: err}
	}
	return path, cleanup, nil
}

func writeAndClose(f *os.File, content string) error {
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// isBoundedOption reports whether a profile line assigns a bounded key,
// including simc's "key+=value" append form.
func isBoundedOption(line string) bool {
	key, _, ok := strings.Cut(line, "=")
	if !ok {
		return false
	}
	key = strings.TrimSuffix(strings.TrimSpace(key), "+")
	_, bounded := boundedKeys[strings.ToLower(strings.TrimSpace(key))]
	return bounded
}

// stripBounded drops bounded options from one profile line. simc reads
// several whitespace separated options per line, so each one is checked.
// ok is false when nothing is left of the line.
func stripBounded(line string) (string, bool) {
	if strings.HasPrefix(strings.TrimSpace(line), "#") {
		return line, true
	}

	opts := splitOptions(line)
	kept := make([]string, 0, len(opts))
	dropped, comment := false, false
	for _, opt := range opts {
		if strings.HasPrefix(opt, "#") {
			comment = true
		}
		if !comment && isBoundedOption(opt) {
			dropped = true
			continue
		}
		kept = append(kept, opt)
	}

	if !dropped {
		return line, true
	}
	if len(kept) == 0 {
		return "", false
	}
	return strings.Join(kept, " "), true
}

// splitOptions splits a profile line on blanks. Quoted text stays inside
// its option, and blanks around "=" or "+=" do not split.
func splitOptions(line string) []string {
	var opts []string
	start := -1
	quoted := false

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			quoted = !quoted
			if start < 0 {
				start = i
			}
		case !quoted && isBlank(c):
			if start < 0 {
				continue
			}
			j := i
			for j < len(line) && isBlank(line[j]) {
				j++
			}
			rest := line[j:]
			if strings.HasSuffix(line[start:i], "=") || strings.HasPrefix(rest, "=") || strings.HasPrefix(rest, "+=") {
				i = j - 1
				continue
			}
			opts = append(opts, line[start:i])
			start = -1
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if start >= 0 {
		opts = append(opts, strings.TrimRight(line[start:], " \t"))
	}
	return opts
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t'
}
