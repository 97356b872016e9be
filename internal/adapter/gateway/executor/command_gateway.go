package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/YoshitsuguKoike/contractd/internal/application/port/output"
)

// CommandGateway implements the Executor and CheckRunner ports by running
// external commands. The executor binary receives the contract description as
// an argument and the input payload on stdin, and writes the candidate output
// payload to stdout. Check commands run through the shell.
type CommandGateway struct {
	Bin            string
	DefaultTimeout time.Duration
}

// NewCommandGateway creates a command gateway with the given executor binary
func NewCommandGateway(bin string, defaultTimeout time.Duration) *CommandGateway {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Minute
	}
	return &CommandGateway{Bin: bin, DefaultTimeout: defaultTimeout}
}

// Execute runs the executor binary for a contract
func (g *CommandGateway) Execute(ctx context.Context, req output.ExecutionRequest) (*output.ExecutionResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.DefaultTimeout
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(cctx, g.Bin, req.Title)
	cmd.Stdin = bytes.NewReader(req.Input)
	out, err := cmd.Output()
	duration := time.Since(start)

	if cctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("executor timed out after %s", timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("executor exited with %d: %s", exitErr.ExitCode(), string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("executor failed: %w", err)
	}

	// Executor output must be a JSON payload; wrap raw text for tools that
	// print plain output
	payload := bytes.TrimSpace(out)
	if !json.Valid(payload) {
		wrapped, merr := json.Marshal(map[string]string{"output": string(payload)})
		if merr != nil {
			return nil, fmt.Errorf("wrap executor output: %w", merr)
		}
		payload = wrapped
	}

	return &output.ExecutionResult{
		Output:   json.RawMessage(payload),
		Duration: duration,
	}, nil
}

// RunCheck runs a verification check command via the shell with an enforced timeout.
// A timeout is reported on the result, not as an error: the pipeline records it
// as a failed check.
func (g *CommandGateway) RunCheck(ctx context.Context, req output.CheckRequest) (*output.CheckResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.DefaultTimeout
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(cctx, "sh", "-c", req.Command)
	out, err := cmd.CombinedOutput()
	duration := time.Since(start)

	result := &output.CheckResult{
		Output:   string(out),
		Duration: duration,
	}

	if cctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("check %s failed to start: %w", req.Name, err)
	}

	result.ExitCode = 0
	return result, nil
}
