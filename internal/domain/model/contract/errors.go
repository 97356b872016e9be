package contract

import "errors"

// Precondition violations surfaced to callers. These are recoverable:
// the caller re-reads the contract and decides whether its action still applies.
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotReady          = errors.New("contract is not ready")
	ErrAlreadyClaimed    = errors.New("contract is already claimed")
	ErrNotOwner          = errors.New("caller does not own the claim")
	ErrRetryExhausted    = errors.New("retry budget exhausted")
	ErrNoRollback        = errors.New("contract has no rollback strategy")
	ErrRollbackExhausted = errors.New("rollback attempt budget exhausted")
	ErrSelfDependency    = errors.New("contract cannot block on itself")
)
