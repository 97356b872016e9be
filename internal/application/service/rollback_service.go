package service

import (
	"context"
	"fmt"
	"time"

	"github.com/YoshitsuguKoike/contractd/internal/application/port/output"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model/contract"
	"github.com/YoshitsuguKoike/contractd/internal/domain/repository"
)

// RollbackServiceConfig holds configuration for the rollback engine
type RollbackServiceConfig struct {
	MaxAttempts    int           // automatic rollback attempts before escalation
	CommandTimeout time.Duration // per-command timeout for automatic rollback
}

// DefaultRollbackServiceConfig returns default configuration
func DefaultRollbackServiceConfig() RollbackServiceConfig {
	return RollbackServiceConfig{
		MaxAttempts:    3,
		CommandTimeout: 60 * time.Second,
	}
}

// RollbackOutcome reports what the rollback engine did with a failed contract
type RollbackOutcome struct {
	Contract *contract.Contract
	Strategy contract.RollbackStrategy

	// CompensatingID is set for the compensating strategy: the new contract
	// whose completion finalizes the rollback
	CompensatingID *model.ContractID

	// AwaitingOperator is set for the manual strategy
	AwaitingOperator bool
	Instructions     string
}

// RollbackService undoes or compensates for the effects of failed contracts.
// Strategy is data on the contract's spec; the engine only dispatches on it.
type RollbackService struct {
	repo   repository.ContractRepository
	runner output.CheckRunner
	config RollbackServiceConfig

	infoLog func(format string, args ...interface{})
	warnLog func(format string, args ...interface{})
}

// NewRollbackService creates a new rollback engine
func NewRollbackService(
	repo repository.ContractRepository,
	runner output.CheckRunner,
	config RollbackServiceConfig,
	infoLog func(format string, args ...interface{}),
	warnLog func(format string, args ...interface{}),
) *RollbackService {
	if infoLog == nil {
		infoLog = func(format string, args ...interface{}) {}
	}
	if warnLog == nil {
		warnLog = func(format string, args ...interface{}) {}
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 60 * time.Second
	}
	return &RollbackService{
		repo:    repo,
		runner:  runner,
		config:  config,
		infoLog: infoLog,
		warnLog: warnLog,
	}
}

// Rollback starts the rollback of a failed contract according to its declared
// strategy. none fails with ErrNoRollback; automatic runs the reversal
// commands; compensating spawns a counteracting contract; manual parks the
// contract until an operator confirms.
func (s *RollbackService) Rollback(ctx context.Context, id model.ContractID) (*RollbackOutcome, error) {
	c, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsFailed() {
		return nil, fmt.Errorf("%w: cannot roll back in %s", contract.ErrInvalidTransition, c.Status())
	}

	strategy := c.Spec().Rollback.EffectiveStrategy()
	switch strategy {
	case contract.RollbackNone:
		return nil, contract.ErrNoRollback

	case contract.RollbackAutomatic:
		return s.rollbackAutomatic(ctx, c)

	case contract.RollbackCompensating:
		return s.rollbackCompensating(ctx, c)

	case contract.RollbackManual:
		return s.rollbackManual(ctx, c)

	default:
		return nil, fmt.Errorf("unknown rollback strategy: %s", strategy)
	}
}

// RollbackPerformed is the operator's confirmation that a manual rollback was
// carried out. Moves the contract from rolling_back to rolled_back.
func (s *RollbackService) RollbackPerformed(ctx context.Context, id model.ContractID, operator, note string) (*contract.Contract, error) {
	c, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status() != model.StatusRollingBack {
		return nil, fmt.Errorf("%w: contract is %s, not rolling_back", contract.ErrInvalidTransition, c.Status())
	}

	updated, err := s.repo.UpdateCAS(ctx, id, c.Version(), repository.EventRollbackComplete,
		func(c *contract.Contract) error {
			return c.CompleteRollback()
		})
	if err != nil {
		return nil, err
	}
	s.infoLog("manual rollback of %s confirmed by %s: %s", id, operator, note)
	return updated, nil
}

// ResolveCompensation finalizes a compensating rollback once the compensating
// contract has completed. Called by the verification pipeline.
func (s *RollbackService) ResolveCompensation(ctx context.Context, compensating *contract.Contract) error {
	targetID := compensating.CompensatesFor()
	if targetID == nil {
		return nil
	}

	target, err := s.repo.Find(ctx, *targetID)
	if err != nil {
		return fmt.Errorf("find compensated contract %s: %w", targetID, err)
	}
	if target.Status() != model.StatusRollingBack {
		s.warnLog("compensation %s completed but %s is %s", compensating.ID(), targetID, target.Status())
		return nil
	}

	_, err = s.repo.UpdateCAS(ctx, *targetID, target.Version(), repository.EventRollbackComplete,
		func(c *contract.Contract) error {
			return c.CompleteRollback()
		})
	if err != nil {
		return fmt.Errorf("complete compensated rollback of %s: %w", targetID, err)
	}
	s.infoLog("contract %s rolled back via compensation %s", targetID, compensating.ID())
	return nil
}

// rollbackAutomatic runs the declared reversal commands in order.
// The first failing command aborts and returns the contract to failed; the
// attempt counter caps how often this can be retried before escalation.
func (s *RollbackService) rollbackAutomatic(ctx context.Context, c *contract.Contract) (*RollbackOutcome, error) {
	if !c.CanRetryRollback(s.config.MaxAttempts) {
		return nil, fmt.Errorf("%w: %d of %d attempts used, operator intervention required",
			contract.ErrRollbackExhausted, c.RollbackAttempts(), s.config.MaxAttempts)
	}

	rolling, err := s.repo.UpdateCAS(ctx, c.ID(), c.Version(), repository.EventRollbackStarted,
		func(c *contract.Contract) error {
			return c.BeginRollback()
		})
	if err != nil {
		return nil, err
	}

	for i, command := range rolling.Spec().Rollback.Commands {
		result, err := s.runner.RunCheck(ctx, output.CheckRequest{
			Name:    fmt.Sprintf("rollback[%d]", i),
			Command: command,
			Timeout: s.config.CommandTimeout,
		})
		reason := ""
		if err != nil {
			reason = fmt.Sprintf("rollback command %d failed to start: %v", i, err)
		} else if result.TimedOut {
			reason = fmt.Sprintf("rollback command %d timed out after %s", i, s.config.CommandTimeout)
		} else if result.ExitCode != 0 {
			reason = fmt.Sprintf("rollback command %d exited with %d: %s", i, result.ExitCode, result.Output)
		}
		if reason == "" {
			continue
		}

		failed, ferr := s.repo.UpdateCAS(ctx, rolling.ID(), rolling.Version(), repository.EventRollbackFailed,
			func(c *contract.Contract) error {
				return c.FailRollback(reason)
			})
		if ferr != nil {
			return nil, ferr
		}
		s.warnLog("automatic rollback of %s failed (attempt %d of %d): %s",
			failed.ID(), failed.RollbackAttempts(), s.config.MaxAttempts, reason)
		return &RollbackOutcome{Contract: failed, Strategy: contract.RollbackAutomatic}, nil
	}

	done, err := s.repo.UpdateCAS(ctx, rolling.ID(), rolling.Version(), repository.EventRollbackComplete,
		func(c *contract.Contract) error {
			return c.CompleteRollback()
		})
	if err != nil {
		return nil, err
	}
	s.infoLog("contract %s rolled back automatically", done.ID())
	return &RollbackOutcome{Contract: done, Strategy: contract.RollbackAutomatic}, nil
}

// rollbackCompensating spawns a new contract that counteracts the failed
// one's effects. The original stays in rolling_back until the compensating
// contract completes and ResolveCompensation fires.
func (s *RollbackService) rollbackCompensating(ctx context.Context, c *contract.Contract) (*RollbackOutcome, error) {
	rolling, err := s.repo.UpdateCAS(ctx, c.ID(), c.Version(), repository.EventRollbackStarted,
		func(c *contract.Contract) error {
			return c.BeginRollback()
		})
	if err != nil {
		return nil, err
	}

	spec := contract.Spec{
		Input: contract.InputSpec{Payload: rolling.Spec().Rollback.Template},
	}
	compensating, err := contract.NewContract(
		"Compensate: "+rolling.Title(),
		fmt.Sprintf("Counteracts the effects of failed contract %s", rolling.ID()),
		spec, nil, rolling.MaxRetries(),
	)
	if err != nil {
		return nil, fmt.Errorf("build compensating contract: %w", err)
	}
	compensating.SetParent(rolling.ID())
	compensating.SetCompensatesFor(rolling.ID())

	if err := s.repo.Create(ctx, compensating); err != nil {
		return nil, fmt.Errorf("create compensating contract: %w", err)
	}
	compID := compensating.ID()
	s.infoLog("contract %s compensated by new contract %s", rolling.ID(), compID)

	return &RollbackOutcome{
		Contract:       rolling,
		Strategy:       contract.RollbackCompensating,
		CompensatingID: &compID,
	}, nil
}

// rollbackManual parks the contract in rolling_back and surfaces the
// operator instructions. RollbackPerformed finishes it.
func (s *RollbackService) rollbackManual(ctx context.Context, c *contract.Contract) (*RollbackOutcome, error) {
	rolling, err := s.repo.UpdateCAS(ctx, c.ID(), c.Version(), repository.EventRollbackStarted,
		func(c *contract.Contract) error {
			return c.BeginRollback()
		})
	if err != nil {
		return nil, err
	}

	instructions := rolling.Spec().Rollback.Instructions
	s.infoLog("contract %s awaiting manual rollback", rolling.ID())
	return &RollbackOutcome{
		Contract:         rolling,
		Strategy:         contract.RollbackManual,
		AwaitingOperator: true,
		Instructions:     instructions,
	}, nil
}
