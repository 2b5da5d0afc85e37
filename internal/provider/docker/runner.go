package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Runner executes docker CLI invocations. The default implementation shells
// out to the docker binary; tests substitute a scripted one.
type Runner interface {
	// Output runs the command and returns its stdout. A non-zero exit is
	// returned as a *CommandError carrying stderr.
	Output(ctx context.Context, args ...string) ([]byte, error)

	// Stream runs the command writing output to stdout and stderr as it is produced.
	Stream(ctx context.Context, stdout, stderr io.Writer, args ...string) error
}

// CommandError is a failed docker invocation.
type CommandError struct {
	Args     []string
	Stderr   string
	exitCode int
	Err      error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("docker %s: %s", firstArg(e.Args), msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExitCode is the exit status of the docker process, -1 when it did not start.
func (e *CommandError) ExitCode() int { return e.exitCode }

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

type cliRunner struct {
	binary string
}

func (r cliRunner) Output(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderr, remaining: maxOutputBytes}

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &CommandError{Args: args, Stderr: stderr.String(), exitCode: exitCodeOf(err), Err: err}
	}
	return stdout.Bytes(), nil
}

func (r cliRunner) Stream(ctx context.Context, stdout, stderr io.Writer, args ...string) error {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Killing the CLI client detaches a follow stream or an exec session.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	if err := cmd.Run(); err != nil {
		return &CommandError{Args: args, exitCode: exitCodeOf(err), Err: err}
	}
	return nil
}

func exitCodeOf(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedWriter stops writing after a byte limit. Excess data is discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
