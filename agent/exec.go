// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// DefaultCommandTimeout bounds one command when Executor.Timeout is
// zero.
const DefaultCommandTimeout = 30 * time.Second

// DefaultShell interprets command text when Executor.Shell is empty.
const DefaultShell = "/bin/sh"

// waitDelay bounds how long Execute waits for output pipes to drain
// after the process group is killed.
const waitDelay = 2 * time.Second

// ErrCommandTimeout is returned when a command outlives its timeout.
var ErrCommandTimeout = errors.New("timed out")

// CommandResult is the outcome of a command that ran to completion.
type CommandResult struct {
	// Output is standard output and standard error interleaved in the
	// order they were written.
	Output string

	ExitCode int

	// IsError is set for a non-zero exit status. The output is still
	// reported to the controller.
	IsError bool
}

// Executor runs command text through a shell.
type Executor struct {
	// Shell is invoked as "Shell -c text".
	Shell string

	// Timeout bounds each command. The command's whole process group
	// is killed when it expires.
	Timeout time.Duration

	// Dir is the working directory. Empty means the agent's.
	Dir string
}

// Execute runs text and buffers its combined output. It returns
// ErrCommandTimeout if the timeout expires, ctx.Err() if ctx is
// cancelled first, and a wrapped error if the shell cannot start.
func (e *Executor) Execute(ctx context.Context, text string) (CommandResult, error) {
	shell := e.Shell
	if shell == "" {
		shell = DefaultShell
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	commandContext, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var output bytes.Buffer
	cmd := exec.CommandContext(commandContext, shell, "-c", text)
	cmd.Dir = e.Dir
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = waitDelay
	killProcessGroupOnCancel(cmd)

	err := cmd.Run()
	if ctx.Err() != nil {
		return CommandResult{}, ctx.Err()
	}
	if errors.Is(commandContext.Err(), context.DeadlineExceeded) {
		return CommandResult{}, ErrCommandTimeout
	}
	if err == nil {
		return CommandResult{Output: output.String()}, nil
	}

	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return CommandResult{
			Output:   output.String(),
			ExitCode: exitError.ExitCode(),
			IsError:  true,
		}, nil
	}
	return CommandResult{}, fmt.Errorf("running %s: %w", shell, err)
}
