package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model/contract"
	"github.com/YoshitsuguKoike/contractd/internal/domain/repository"
)

// StaleClaimPolicy decides what the sweep does with an abandoned claim
type StaleClaimPolicy string

const (
	// StaleRequeue unclaims the contract back to ready for another worker
	StaleRequeue StaleClaimPolicy = "requeue"
	// StaleFail marks the contract failed
	StaleFail StaleClaimPolicy = "fail"
)

// ClaimServiceConfig holds configuration for the claiming coordinator
type ClaimServiceConfig struct {
	HeartbeatTimeout time.Duration    // claim staleness threshold
	SweepInterval    time.Duration    // how often the background sweep runs
	StalePolicy      StaleClaimPolicy // what to do with stale claims
}

// DefaultClaimServiceConfig returns default configuration
func DefaultClaimServiceConfig() ClaimServiceConfig {
	return ClaimServiceConfig{
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    30 * time.Second,
		StalePolicy:      StaleRequeue,
	}
}

// ClaimService arbitrates which worker owns a contract, tracks claim
// liveness, and advances contracts through execution. All coordination is
// compare-and-swap against the store; there is no global lock.
type ClaimService struct {
	repo     repository.ContractRepository
	resolver *ResolverService
	config   ClaimServiceConfig

	sweepCancel context.CancelFunc
	stopOnce    sync.Once

	infoLog func(format string, args ...interface{})
	warnLog func(format string, args ...interface{})
}

// NewClaimService creates a new claiming coordinator
func NewClaimService(
	repo repository.ContractRepository,
	resolver *ResolverService,
	config ClaimServiceConfig,
	infoLog func(format string, args ...interface{}),
	warnLog func(format string, args ...interface{}),
) *ClaimService {
	if infoLog == nil {
		infoLog = func(format string, args ...interface{}) {}
	}
	if warnLog == nil {
		warnLog = func(format string, args ...interface{}) {}
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = 90 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Second
	}
	if config.StalePolicy == "" {
		config.StalePolicy = StaleRequeue
	}
	return &ClaimService{
		repo:     repo,
		resolver: resolver,
		config:   config,
		infoLog:  infoLog,
		warnLog:  warnLog,
	}
}

// Claim attempts to take exclusive ownership of a ready contract.
// Losing the compare-and-swap race is resolved by re-reading: if the winner
// holds the claim the caller gets ErrAlreadyClaimed, never a blind retry.
func (s *ClaimService) Claim(ctx context.Context, id model.ContractID, worker model.WorkerID) (*contract.Contract, error) {
	c, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Owner() != nil {
		return nil, fmt.Errorf("%w: %s owned by %s", contract.ErrAlreadyClaimed, id, c.Owner())
	}
	if c.Status() != model.StatusReady {
		return nil, fmt.Errorf("%w: %s is %s", contract.ErrNotReady, id, c.Status())
	}

	updated, err := s.repo.UpdateCAS(ctx, id, c.Version(), repository.EventClaimed,
		func(c *contract.Contract) error {
			return c.Claim(worker)
		})
	if err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil, s.explainClaimRace(ctx, id, err)
		}
		return nil, err
	}

	s.infoLog("contract %s claimed by %s", id, worker)
	return updated, nil
}

// explainClaimRace re-reads after a lost claim race and reports what actually
// happened instead of the raw conflict
func (s *ClaimService) explainClaimRace(ctx context.Context, id model.ContractID, conflict error) error {
	current, err := s.repo.Find(ctx, id)
	if err != nil {
		return conflict
	}
	if current.Owner() != nil {
		return fmt.Errorf("%w: %s owned by %s", contract.ErrAlreadyClaimed, id, current.Owner())
	}
	if current.Status() != model.StatusReady {
		return fmt.Errorf("%w: %s is %s", contract.ErrNotReady, id, current.Status())
	}
	return conflict
}

// Unclaim gives a claimed contract back to the ready pool. Only allowed
// before execution starts; an executing contract is released by the sweep
// or through FailExecution, never voluntarily.
func (s *ClaimService) Unclaim(ctx context.Context, id model.ContractID, worker model.WorkerID) (*contract.Contract, error) {
	c, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Owner() == nil || !c.Owner().Equals(worker) {
		return nil, contract.ErrNotOwner
	}

	return s.repo.UpdateCAS(ctx, id, c.Version(), repository.EventUnclaimed,
		func(c *contract.Contract) error {
			if c.Owner() == nil || !c.Owner().Equals(worker) {
				return contract.ErrNotOwner
			}
			if c.Status() != model.StatusClaimed {
				return fmt.Errorf("%w: cannot unclaim from %s", contract.ErrInvalidTransition, c.Status())
			}
			return c.Unclaim()
		})
}

// Heartbeat refreshes claim liveness. Fails with ErrNotOwner if the caller
// does not hold the claim. Idempotent with respect to contract state.
func (s *ClaimService) Heartbeat(ctx context.Context, id model.ContractID, worker model.WorkerID) (*contract.Contract, error) {
	c, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.repo.UpdateCAS(ctx, id, c.Version(), repository.EventHeartbeat,
		func(c *contract.Contract) error {
			return c.Heartbeat(worker)
		})
}

// Start moves a claimed contract into execution after re-validating ownership
func (s *ClaimService) Start(ctx context.Context, id model.ContractID, worker model.WorkerID) (*contract.Contract, error) {
	c, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.repo.UpdateCAS(ctx, id, c.Version(), repository.EventStarted,
		func(c *contract.Contract) error {
			return c.Start(worker)
		})
}

// Complete stores the candidate output and parks the contract in verifying.
// Success is not recorded until the verification pipeline passes.
func (s *ClaimService) Complete(ctx context.Context, id model.ContractID, worker model.WorkerID, candidateOutput json.RawMessage) (*contract.Contract, error) {
	c, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.repo.UpdateCAS(ctx, id, c.Version(), repository.EventExecutionDone,
		func(c *contract.Contract) error {
			return c.Complete(worker, candidateOutput)
		})
}

// FailExecution records an executor failure and cascades to dependents
func (s *ClaimService) FailExecution(ctx context.Context, id model.ContractID, worker model.WorkerID, reason string) (*contract.Contract, error) {
	c, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateCAS(ctx, id, c.Version(), repository.EventExecutionFailed,
		func(c *contract.Contract) error {
			if c.Owner() == nil || !c.Owner().Equals(worker) {
				return contract.ErrNotOwner
			}
			return c.FailExecution(reason)
		})
	if err != nil {
		return nil, err
	}

	if err := s.resolver.CascadeFailure(ctx, id); err != nil {
		s.warnLog("cascade after execution failure of %s: %v", id, err)
	}
	return updated, nil
}

// Retry moves a failed contract back into execution under the retry budget
func (s *ClaimService) Retry(ctx context.Context, id model.ContractID, worker model.WorkerID) (*contract.Contract, error) {
	c, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.repo.UpdateCAS(ctx, id, c.Version(), repository.EventRetried,
		func(c *contract.Contract) error {
			return c.Retry(worker)
		})
}

// Cancel marks a contract cancelled. Cooperative: an in-flight executor is
// not terminated, only prevented from making further lifecycle progress.
func (s *ClaimService) Cancel(ctx context.Context, id model.ContractID) (*contract.Contract, error) {
	c, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.repo.UpdateCAS(ctx, id, c.Version(), repository.EventCancelled,
		func(c *contract.Contract) error {
			return c.Cancel()
		})
}

// SweepStale revokes claims whose heartbeat exceeded the timeout. This sweep
// is the only component permitted to revoke a claim without the owner's
// cooperation. Returns the number of claims revoked.
func (s *ClaimService) SweepStale(ctx context.Context) (int, error) {
	held, _, err := s.repo.List(ctx, repository.Filter{
		Statuses: []model.Status{model.StatusClaimed, model.StatusExecuting},
	})
	if err != nil {
		return 0, fmt.Errorf("list held contracts: %w", err)
	}

	revoked := 0
	for _, c := range held {
		if !c.HeartbeatStale(s.config.HeartbeatTimeout) {
			continue
		}

		owner := "unknown"
		if c.Owner() != nil {
			owner = c.Owner().String()
		}

		failed := false
		switch s.config.StalePolicy {
		case StaleFail:
			// CAS on the listed version, so the listed status is the one mutated
			failed = c.Status() == model.StatusExecuting
			_, err = s.repo.UpdateCAS(ctx, c.ID(), c.Version(), repository.EventClaimRevoked,
				func(c *contract.Contract) error {
					if c.Status() == model.StatusClaimed {
						// A claim that never started executing is requeued, not failed
						return c.Unclaim()
					}
					return c.FailExecution("claim expired: no heartbeat from " + owner)
				})
		default:
			_, err = s.repo.UpdateCAS(ctx, c.ID(), c.Version(), repository.EventClaimRevoked,
				func(c *contract.Contract) error {
					return c.Unclaim()
				})
		}
		if err != nil {
			if errors.Is(err, repository.ErrVersionConflict) || errors.Is(err, contract.ErrInvalidTransition) {
				// The owner came back or another sweep won; leave it alone
				continue
			}
			return revoked, err
		}
		revoked++
		s.warnLog("revoked stale claim on %s (owner %s)", c.ID(), owner)

		if failed {
			if err := s.resolver.CascadeFailure(ctx, c.ID()); err != nil {
				s.warnLog("cascade after expiring claim on %s: %v", c.ID(), err)
			}
		}
	}
	return revoked, nil
}

// StartSweeper starts the background sweep: stale-claim revocation plus the
// periodic readiness sweep that catches missed promotion events.
func (s *ClaimService) StartSweeper(ctx context.Context) error {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.sweepCancel = cancel

	go s.sweepScheduler(sweepCtx)
	return nil
}

// StopSweeper stops the background sweep
func (s *ClaimService) StopSweeper() error {
	s.stopOnce.Do(func() {
		if s.sweepCancel != nil {
			s.sweepCancel()
		}
	})
	return nil
}

// sweepScheduler periodically revokes stale claims and promotes ready contracts
func (s *ClaimService) sweepScheduler(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepStale(ctx); err != nil {
				s.warnLog("stale claim sweep: %v", err)
			}
			if _, err := s.resolver.PromoteReady(ctx); err != nil {
				s.warnLog("readiness sweep: %v", err)
			}
		}
	}
}
