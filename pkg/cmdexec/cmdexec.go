// Package cmdexec runs external tools with timeouts and captured output.
//
// The whole system is an orchestrator around shelled-out binaries
// (pg_dump, pg_basebackup, rsync, rclone), so every invocation goes
// through one runner that handles context timeouts, environment
// injection and exit-code extraction uniformly.
package cmdexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/alfops/alf-backup/pkg/plog"
)

// Options controls a single invocation.
type Options struct {
	// Timeout bounds the command's runtime. Zero means no timeout.
	Timeout time.Duration

	// Env entries are appended to the parent environment.
	Env []string

	// Dir is the working directory. Empty means inherit.
	Dir string

	// Stdout, when set, receives the command's stdout as a stream
	// instead of it being captured into the result.
	Stdout io.Writer
}

// Result carries the outcome of a finished invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

type Runner struct {
	// commandContext allows mocking os/exec for testing.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewRunner creates a Runner. A nil commandContext uses the real os/exec.
func NewRunner(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *Runner {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &Runner{commandContext: commandContext}
}

// Run executes name with args under the given options. The returned Result
// is non-nil whenever the command started, including on failure, so callers
// can report stderr and the exit code.
func (r *Runner) Run(ctx context.Context, opts Options, name string, args ...string) (*Result, error) {
	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := r.commandContext(runCtx, name, args...)
	if len(opts.Env) > 0 {
		base := cmd.Env
		if base == nil {
			base = os.Environ()
		}
		cmd.Env = append(base, opts.Env...)
	}
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}

	var stdout, stderr bytes.Buffer
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	} else {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr

	plog.Debug("Executing command", "command", name, "args", strings.Join(args, " "))

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err == nil {
		return res, nil
	}

	// A deadline on runCtx but not on the parent means our timeout fired.
	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return res, fmt.Errorf("command %s timed out after %s", name, opts.Timeout)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, fmt.Errorf("command %s exited with code %d: %s", name, res.ExitCode, firstLine(res.Stderr))
	}
	return res, fmt.Errorf("command %s failed to start: %w", name, err)
}

// CheckBinaries verifies that every named binary is resolvable on PATH.
func CheckBinaries(names ...string) error {
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("required binary %q not found in PATH: %w", name, err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
