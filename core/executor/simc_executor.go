package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// stderrTailBytes is how much simulator stderr is kept for error reports
const stderrTailBytes = 4 << 10

// Runner executes one simulation from an input artifact into an output artifact
type Runner interface {
	Run(ctx context.Context, inputPath, outputPath string) error
}

// RunnerFunc adapts a function to the Runner interface
type RunnerFunc func(ctx context.Context, inputPath, outputPath string) error

// Run calls f
func (f RunnerFunc) Run(ctx context.Context, inputPath, outputPath string) error {
	return f(ctx, inputPath, outputPath)
}

// DispatchFailure reports that the simulator exited unsuccessfully
type DispatchFailure struct {
	ExitCode int
	Stderr   string
}

func (e *DispatchFailure) Error() string {
	msg := fmt.Sprintf("simc exited with status %d", e.ExitCode)
	if line := lastLine(e.Stderr); line != "" {
		msg += ": " + line
	}
	return msg
}

// SimcRunner invokes the SimulationCraft command line binary
type SimcRunner struct {
	Path string
	Args []string // extra arguments placed before the input file
}

// NewSimcRunner creates a runner for the simc binary at path
func NewSimcRunner(path string, args ...string) *SimcRunner {
	return &SimcRunner{Path: path, Args: args}
}

// Run executes `simc [args] <input> json2=<output>` and waits for it to exit
func (r *SimcRunner) Run(ctx context.Context, inputPath, outputPath string) error {
	args := make([]string, 0, len(r.Args)+2)
	args = append(args, r.Args...)
	args = append(args, inputPath, "json2="+outputPath)

	cmd := exec.CommandContext(ctx, r.Path, args...)
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &DispatchFailure{
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderr.String(),
		}
	}
	return fmt.Errorf("failed to start simc: %w", err)
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
