package output

import (
	"context"
	"encoding/json"
	"time"
)

// ExecutionRequest is handed to the external executor that performs the work
type ExecutionRequest struct {
	ContractID  string
	Title       string
	Description string
	Input       json.RawMessage
	Timeout     time.Duration
}

// ExecutionResult is the candidate output produced by the executor.
// It is not success: the verification pipeline still has to judge it.
type ExecutionResult struct {
	Output   json.RawMessage
	Duration time.Duration
}

// Executor performs a contract's work. Synchronous from the caller's
// perspective and bounded by the request timeout; the engine does not care
// whether it is a subprocess, a remote call, or a mock.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// CheckRequest describes one command-based verification check run
type CheckRequest struct {
	Name    string
	Command string
	Timeout time.Duration
}

// CheckResult is the observed outcome of a check command
type CheckResult struct {
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
}

// CheckRunner executes verification check commands with an enforced timeout
type CheckRunner interface {
	RunCheck(ctx context.Context, req CheckRequest) (*CheckResult, error)
}
