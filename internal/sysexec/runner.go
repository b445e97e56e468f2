// Package sysexec wraps external command execution for the appliers. Every
// mutation of OS networking state funnels through the Runner interface so
// tests can substitute a fake and assert on the exact command sequence without
// touching real kernel state.
package sysexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner abstracts command execution for the ipset/iptables appliers.
type Runner interface {
	// Run executes the command and returns its combined output. A non-zero
	// exit produces a *CommandError.
	Run(ctx context.Context, command string, args ...string) (string, error)
	// Check executes a probe command whose exit code 1 means "condition not
	// met" rather than failure (iptables -C, ipset list). It returns false
	// without error in that case.
	Check(ctx context.Context, command string, args ...string) (bool, error)
}

// CommandError captures detailed failure information from command execution.
type CommandError struct {
	Command string
	Args    []string
	Output  string
	Err     error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	joined := strings.Join(e.Args, " ")
	if e.Output != "" {
		return fmt.Sprintf("command %s %s failed: %v: %s", e.Command, joined, e.Err, strings.TrimSpace(e.Output))
	}
	return fmt.Sprintf("command %s %s failed: %v", e.Command, joined, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit code, or -1 when the command never ran.
func (e *CommandError) ExitCode() int {
	var exitErr interface{ ExitCode() int }
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// ExecRunner executes commands on the host system.
type ExecRunner struct{}

// NewRunner constructs an ExecRunner instance.
func NewRunner() Runner {
	return &ExecRunner{}
}

// Run executes the provided command and returns detailed errors when it fails.
func (r *ExecRunner) Run(ctx context.Context, command string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), &CommandError{
			Command: command,
			Args:    append([]string(nil), args...),
			Output:  string(output),
			Err:     err,
		}
	}
	return string(output), nil
}

// Check executes the command, mapping exit code 1 to a negative probe result.
func (r *ExecRunner) Check(ctx context.Context, command string, args ...string) (bool, error) {
	_, err := r.Run(ctx, command, args...)
	if err == nil {
		return true, nil
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

// LookRequired verifies the named binaries are present on PATH, so a run fails
// before mutating anything rather than halfway through.
func LookRequired(names ...string) error {
	var missing []string
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required tools missing from PATH: %s", strings.Join(missing, ", "))
	}
	return nil
}
