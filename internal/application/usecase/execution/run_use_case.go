package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/YoshitsuguKoike/contractd/internal/application/port/output"
	"github.com/YoshitsuguKoike/contractd/internal/application/service"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model/contract"
	"github.com/YoshitsuguKoike/contractd/internal/domain/repository"
)

// RunInput selects what to run and as whom
type RunInput struct {
	// ContractID targets a specific contract; empty means pick the oldest ready one
	ContractID string
	Worker     model.WorkerID
}

// RunOutput reports what a single run did
type RunOutput struct {
	ContractID    string       `json:"contract_id,omitempty"`
	Status        model.Status `json:"status,omitempty"`
	NoOp          bool         `json:"no_op"`
	NoOpReason    string       `json:"no_op_reason,omitempty"` // "no_contracts" | "lost_race"
	Passed        bool         `json:"passed"`
	PendingReview bool         `json:"pending_review"`
	FailedCheck   string       `json:"failed_check,omitempty"`
	ElapsedMs     int64        `json:"elapsed_ms"`
	CompletedAt   time.Time    `json:"completed_at"`
}

// RunUseCase drives one contract through a full work cycle: claim, execute,
// submit the candidate output, verify. The claim is kept alive by background
// heartbeats for the duration of the execution.
type RunUseCase struct {
	repo         repository.ContractRepository
	claims       *service.ClaimService
	verification *service.VerificationService
	executor     output.Executor

	heartbeatInterval time.Duration
	execTimeout       time.Duration
}

// NewRunUseCase creates a new RunUseCase
func NewRunUseCase(
	repo repository.ContractRepository,
	claims *service.ClaimService,
	verification *service.VerificationService,
	executor output.Executor,
	heartbeatInterval time.Duration,
	execTimeout time.Duration,
) *RunUseCase {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	if execTimeout <= 0 {
		execTimeout = 10 * time.Minute
	}
	return &RunUseCase{
		repo:              repo,
		claims:            claims,
		verification:      verification,
		executor:          executor,
		heartbeatInterval: heartbeatInterval,
		execTimeout:       execTimeout,
	}
}

// Execute runs a single work cycle
func (uc *RunUseCase) Execute(ctx context.Context, input RunInput) (*RunOutput, error) {
	startTime := time.Now()

	// 1. Claim a contract
	claimed, noOpReason, err := uc.claim(ctx, input)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return &RunOutput{
			NoOp:        true,
			NoOpReason:  noOpReason,
			ElapsedMs:   time.Since(startTime).Milliseconds(),
			CompletedAt: time.Now(),
		}, nil
	}

	// 2. Move into execution
	executing, err := uc.claims.Start(ctx, claimed.ID(), input.Worker)
	if err != nil {
		return nil, fmt.Errorf("start execution of %s: %w", claimed.ID(), err)
	}

	// 3. Keep the claim alive while the executor works
	hbCtx, stopHeartbeats := context.WithCancel(ctx)
	defer stopHeartbeats()
	go uc.heartbeatLoop(hbCtx, executing.ID(), input.Worker)

	// 4. Run the executor
	result, execErr := uc.executor.Execute(ctx, output.ExecutionRequest{
		ContractID:  executing.ID().String(),
		Title:       executing.Title(),
		Description: executing.Description(),
		Input:       executing.Spec().Input.Payload,
		Timeout:     uc.executionTimeout(executing),
	})
	stopHeartbeats()

	if execErr != nil {
		failed, ferr := uc.claims.FailExecution(ctx, executing.ID(), input.Worker, execErr.Error())
		if ferr != nil {
			return nil, fmt.Errorf("record execution failure of %s: %w", executing.ID(), ferr)
		}
		return &RunOutput{
			ContractID:  failed.ID().String(),
			Status:      failed.Status(),
			ElapsedMs:   time.Since(startTime).Milliseconds(),
			CompletedAt: time.Now(),
		}, nil
	}

	// 5. Submit the candidate output and verify it
	submitted, err := uc.claims.Complete(ctx, executing.ID(), input.Worker, result.Output)
	if err != nil {
		return nil, fmt.Errorf("submit output of %s: %w", executing.ID(), err)
	}

	outcome, err := uc.verification.Verify(ctx, submitted.ID())
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", submitted.ID(), err)
	}

	return &RunOutput{
		ContractID:    outcome.Contract.ID().String(),
		Status:        outcome.Contract.Status(),
		Passed:        outcome.Passed,
		PendingReview: outcome.PendingReview,
		FailedCheck:   outcome.FailedCheck,
		ElapsedMs:     time.Since(startTime).Milliseconds(),
		CompletedAt:   time.Now(),
	}, nil
}

// claim resolves the run target: an explicit contract, or the oldest ready
// one this worker can win. Contract IDs sort by creation time, so listing
// in ID order is oldest-first.
func (uc *RunUseCase) claim(ctx context.Context, input RunInput) (*contract.Contract, string, error) {
	if input.ContractID != "" {
		id, err := model.NewContractIDFromString(input.ContractID)
		if err != nil {
			return nil, "", err
		}
		c, err := uc.claims.Claim(ctx, id, input.Worker)
		if err != nil {
			return nil, "", err
		}
		return c, "", nil
	}

	ready, _, err := uc.repo.List(ctx, repository.Filter{Statuses: []model.Status{model.StatusReady}})
	if err != nil {
		return nil, "", fmt.Errorf("list ready contracts: %w", err)
	}
	if len(ready) == 0 {
		return nil, "no_contracts", nil
	}

	for _, candidate := range ready {
		c, err := uc.claims.Claim(ctx, candidate.ID(), input.Worker)
		if err != nil {
			if errors.Is(err, contract.ErrAlreadyClaimed) ||
				errors.Is(err, contract.ErrNotReady) ||
				errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			return nil, "", err
		}
		return c, "", nil
	}
	return nil, "lost_race", nil
}

// executionTimeout returns the contract's own execution bound, or the
// configured default when the contract does not declare one
func (uc *RunUseCase) executionTimeout(c *contract.Contract) time.Duration {
	if t := c.Spec().TimeoutSec; t > 0 {
		return time.Duration(t) * time.Second
	}
	return uc.execTimeout
}

// heartbeatLoop refreshes the claim until the context is cancelled
func (uc *RunUseCase) heartbeatLoop(ctx context.Context, id model.ContractID, worker model.WorkerID) {
	ticker := time.NewTicker(uc.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := uc.claims.Heartbeat(ctx, id, worker); err != nil {
				return
			}
		}
	}
}
