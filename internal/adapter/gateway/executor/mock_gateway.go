package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/YoshitsuguKoike/contractd/internal/application/port/output"
)

// MockGateway is an Executor/CheckRunner for tests and dry runs.
// It echoes the request input as candidate output and passes every check.
type MockGateway struct {
	ExecuteErr error
	CheckExit  int
	CheckOut   string

	// LastRequest is the most recent Execute request, kept for assertions
	LastRequest output.ExecutionRequest
}

// NewMockGateway creates a mock gateway
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

// Execute returns the request input as the candidate output
func (g *MockGateway) Execute(ctx context.Context, req output.ExecutionRequest) (*output.ExecutionResult, error) {
	g.LastRequest = req
	if g.ExecuteErr != nil {
		return nil, g.ExecuteErr
	}
	out := req.Input
	if len(out) == 0 {
		out = json.RawMessage(`{}`)
	}
	return &output.ExecutionResult{Output: out, Duration: time.Millisecond}, nil
}

// RunCheck reports the configured exit code without running anything
func (g *MockGateway) RunCheck(ctx context.Context, req output.CheckRequest) (*output.CheckResult, error) {
	return &output.CheckResult{
		ExitCode: g.CheckExit,
		Output:   g.CheckOut,
		Duration: time.Millisecond,
	}, nil
}
