package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
)

// Contract is the central entity: a unit of work with typed input, required
// output shape, verification criteria, and a rollback procedure.
// Contract is an aggregate root; all mutation goes through transition methods,
// never direct field edits.
type Contract struct {
	id          model.ContractID
	title       string
	description string
	spec        Spec

	status           model.Status
	owner            *model.WorkerID
	version          int64
	retryCount       int
	maxRetries       int
	rollbackAttempts int

	blockedBy      []Dependency
	parentID       *model.ContractID
	compensatesFor *model.ContractID

	candidateOutput json.RawMessage
	lastError       string

	createdAt     time.Time
	claimedAt     *time.Time
	startedAt     *time.Time
	completedAt   *time.Time
	lastHeartbeat *time.Time
	updatedAt     time.Time
}

// NewContract creates a contract in pending with version 1
func NewContract(title, description string, spec Spec, blockedBy []Dependency, maxRetries int) (*Contract, error) {
	if title == "" {
		return nil, errors.New("title cannot be empty")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if maxRetries < 0 {
		return nil, errors.New("max retries cannot be negative")
	}

	id := model.NewContractID()
	for _, dep := range blockedBy {
		if dep.ContractID.Equals(id) || dep.ContractID.IsZero() {
			return nil, ErrSelfDependency
		}
	}

	now := time.Now().UTC()
	return &Contract{
		id:          id,
		title:       title,
		description: description,
		spec:        spec,
		status:      model.StatusPending,
		version:     1,
		maxRetries:  maxRetries,
		blockedBy:   dedupeDependencies(blockedBy),
		createdAt:   now,
		updatedAt:   now,
	}, nil
}

// ReconstructContract reconstructs a contract from stored data.
// Used by repositories when loading from the database.
func ReconstructContract(
	id model.ContractID,
	title, description string,
	spec Spec,
	status model.Status,
	owner *model.WorkerID,
	version int64,
	retryCount, maxRetries, rollbackAttempts int,
	blockedBy []Dependency,
	parentID, compensatesFor *model.ContractID,
	candidateOutput json.RawMessage,
	lastError string,
	createdAt time.Time,
	claimedAt, startedAt, completedAt, lastHeartbeat *time.Time,
	updatedAt time.Time,
) *Contract {
	return &Contract{
		id:               id,
		title:            title,
		description:      description,
		spec:             spec,
		status:           status,
		owner:            owner,
		version:          version,
		retryCount:       retryCount,
		maxRetries:       maxRetries,
		rollbackAttempts: rollbackAttempts,
		blockedBy:        blockedBy,
		parentID:         parentID,
		compensatesFor:   compensatesFor,
		candidateOutput:  candidateOutput,
		lastError:        lastError,
		createdAt:        createdAt,
		claimedAt:        claimedAt,
		startedAt:        startedAt,
		completedAt:      completedAt,
		lastHeartbeat:    lastHeartbeat,
		updatedAt:        updatedAt,
	}
}

// Getters
func (c *Contract) ID() model.ContractID               { return c.id }
func (c *Contract) Title() string                      { return c.title }
func (c *Contract) Description() string                { return c.description }
func (c *Contract) Spec() Spec                         { return c.spec }
func (c *Contract) Status() model.Status               { return c.status }
func (c *Contract) Owner() *model.WorkerID             { return c.owner }
func (c *Contract) Version() int64                     { return c.version }
func (c *Contract) RetryCount() int                    { return c.retryCount }
func (c *Contract) MaxRetries() int                    { return c.maxRetries }
func (c *Contract) RollbackAttempts() int              { return c.rollbackAttempts }
func (c *Contract) BlockedBy() []Dependency            { return c.blockedBy }
func (c *Contract) ParentID() *model.ContractID        { return c.parentID }
func (c *Contract) CompensatesFor() *model.ContractID  { return c.compensatesFor }
func (c *Contract) CandidateOutput() json.RawMessage   { return c.candidateOutput }
func (c *Contract) LastError() string                  { return c.lastError }
func (c *Contract) CreatedAt() time.Time               { return c.createdAt }
func (c *Contract) ClaimedAt() *time.Time              { return c.claimedAt }
func (c *Contract) StartedAt() *time.Time              { return c.startedAt }
func (c *Contract) CompletedAt() *time.Time            { return c.completedAt }
func (c *Contract) LastHeartbeat() *time.Time          { return c.lastHeartbeat }
func (c *Contract) UpdatedAt() time.Time               { return c.updatedAt }

// SetParent links this contract to the contract that spawned it
func (c *Contract) SetParent(id model.ContractID) {
	c.parentID = &id
}

// SetCompensatesFor marks this contract as compensation for a failed contract
func (c *Contract) SetCompensatesFor(id model.ContractID) {
	c.compensatesFor = &id
}

// DependencyIDs returns the blocked_by contract IDs
func (c *Contract) DependencyIDs() []model.ContractID {
	ids := make([]model.ContractID, 0, len(c.blockedBy))
	for _, dep := range c.blockedBy {
		ids = append(ids, dep.ContractID)
	}
	return ids
}

// AddDependency adds a blocked_by edge. Cycle detection is the resolver's
// responsibility; this only rejects self-dependency and duplicates.
func (c *Contract) AddDependency(dep Dependency) error {
	if dep.ContractID.Equals(c.id) {
		return ErrSelfDependency
	}
	if c.status.IsTerminal() {
		return fmt.Errorf("%w: cannot add dependency in %s", ErrInvalidTransition, c.status)
	}
	for _, existing := range c.blockedBy {
		if existing.ContractID.Equals(dep.ContractID) {
			return nil
		}
	}
	if !dep.OnFailure.IsValid() {
		dep.OnFailure = CascadeFail
	}
	c.blockedBy = append(c.blockedBy, dep)
	c.touch()
	return nil
}

// MarkReady transitions pending -> ready once every dependency is completed.
// The readiness guard itself lives in the resolver, which sees the full store.
func (c *Contract) MarkReady() error {
	if err := c.transition(model.StatusReady); err != nil {
		return err
	}
	return nil
}

// Claim transitions ready -> claimed and records the owner
func (c *Contract) Claim(worker model.WorkerID) error {
	if c.owner != nil {
		return ErrAlreadyClaimed
	}
	if c.status != model.StatusReady {
		return fmt.Errorf("%w: status is %s", ErrNotReady, c.status)
	}
	if err := c.transition(model.StatusClaimed); err != nil {
		return err
	}
	now := time.Now().UTC()
	c.owner = &worker
	c.claimedAt = &now
	c.lastHeartbeat = &now
	return nil
}

// Unclaim transitions claimed -> ready and clears the owner.
// Used by the stale-claim sweep and by workers giving a contract back.
func (c *Contract) Unclaim() error {
	if err := c.transition(model.StatusReady); err != nil {
		return err
	}
	c.owner = nil
	c.claimedAt = nil
	c.lastHeartbeat = nil
	return nil
}

// Start transitions claimed -> executing
func (c *Contract) Start(worker model.WorkerID) error {
	if err := c.requireOwner(worker); err != nil {
		return err
	}
	if err := c.transition(model.StatusExecuting); err != nil {
		return err
	}
	now := time.Now().UTC()
	c.startedAt = &now
	return nil
}

// Heartbeat refreshes the claim liveness timestamp.
// Idempotent: repeated heartbeats only move last_heartbeat forward.
func (c *Contract) Heartbeat(worker model.WorkerID) error {
	if err := c.requireOwner(worker); err != nil {
		return err
	}
	if !c.status.RequiresOwner() {
		return fmt.Errorf("%w: status is %s", ErrInvalidTransition, c.status)
	}
	now := time.Now().UTC()
	c.lastHeartbeat = &now
	c.touch()
	return nil
}

// HeartbeatStale reports whether the claim has gone stale
func (c *Contract) HeartbeatStale(timeout time.Duration) bool {
	if c.lastHeartbeat == nil {
		return false
	}
	return time.Now().UTC().Sub(*c.lastHeartbeat) > timeout
}

// Complete transitions executing -> verifying with the candidate output.
// Success is not recorded until the verification pipeline passes.
func (c *Contract) Complete(worker model.WorkerID, output json.RawMessage) error {
	if err := c.requireOwner(worker); err != nil {
		return err
	}
	if err := c.transition(model.StatusVerifying); err != nil {
		return err
	}
	c.candidateOutput = output
	return nil
}

// VerifyPass transitions verifying -> completed
func (c *Contract) VerifyPass() error {
	if err := c.transition(model.StatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	c.completedAt = &now
	c.owner = nil
	return nil
}

// VerifyFail transitions verifying -> failed with the failure reason
func (c *Contract) VerifyFail(reason string) error {
	if err := c.transition(model.StatusFailed); err != nil {
		return err
	}
	c.lastError = reason
	c.owner = nil
	return nil
}

// FailExecution transitions executing -> failed with the execution error
func (c *Contract) FailExecution(execErr string) error {
	if c.status != model.StatusExecuting {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.status, model.StatusFailed)
	}
	if err := c.transition(model.StatusFailed); err != nil {
		return err
	}
	c.lastError = execErr
	c.owner = nil
	return nil
}

// FailDependency fails a contract because a dependency failed (cascade policy fail).
// Allowed from pending and ready; a contract already in flight is left to its own
// lifecycle and the resolver records the event instead.
func (c *Contract) FailDependency(dependencyID model.ContractID) error {
	if c.status != model.StatusPending && c.status != model.StatusReady {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.status, model.StatusFailed)
	}
	if err := c.transition(model.StatusFailed); err != nil {
		return err
	}
	c.lastError = "dependency failed: " + dependencyID.String()
	return nil
}

// Retry transitions failed -> executing, guarded by the retry budget.
// The retrying worker takes ownership.
func (c *Contract) Retry(worker model.WorkerID) error {
	if c.status != model.StatusFailed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.status, model.StatusExecuting)
	}
	if c.retryCount >= c.maxRetries {
		return fmt.Errorf("%w: %d of %d", ErrRetryExhausted, c.retryCount, c.maxRetries)
	}
	if err := c.transition(model.StatusExecuting); err != nil {
		return err
	}
	now := time.Now().UTC()
	c.retryCount++
	c.owner = &worker
	c.lastHeartbeat = &now
	c.startedAt = &now
	c.lastError = ""
	c.candidateOutput = nil
	return nil
}

// BeginRollback transitions failed -> rolling_back.
// A contract with no rollback strategy never enters rolling_back.
func (c *Contract) BeginRollback() error {
	if c.spec.Rollback.EffectiveStrategy() == RollbackNone {
		return ErrNoRollback
	}
	if err := c.transition(model.StatusRollingBack); err != nil {
		return err
	}
	return nil
}

// CompleteRollback transitions rolling_back -> rolled_back
func (c *Contract) CompleteRollback() error {
	if err := c.transition(model.StatusRolledBack); err != nil {
		return err
	}
	now := time.Now().UTC()
	c.completedAt = &now
	return nil
}

// FailRollback transitions rolling_back -> failed. The attempt counter caps
// how often a rollback may be retried before human escalation.
func (c *Contract) FailRollback(reason string) error {
	if err := c.transition(model.StatusFailed); err != nil {
		return err
	}
	c.rollbackAttempts++
	c.lastError = reason
	return nil
}

// CanRetryRollback reports whether the rollback attempt budget allows another try
func (c *Contract) CanRetryRollback(maxAttempts int) bool {
	return c.rollbackAttempts < maxAttempts
}

// Cancel transitions any non-terminal state to cancelled.
// Cooperative: it does not terminate an in-flight executor, only blocks
// further lifecycle progress.
func (c *Contract) Cancel() error {
	if c.status.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, c.status)
	}
	if err := c.transition(model.StatusCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	c.completedAt = &now
	c.owner = nil
	return nil
}

// IsCompleted reports whether the contract reached terminal success
func (c *Contract) IsCompleted() bool {
	return c.status == model.StatusCompleted
}

// IsFailed reports whether the contract is currently failed
func (c *Contract) IsFailed() bool {
	return c.status == model.StatusFailed
}

// CheckInvariants validates the structural invariants of the contract.
// Used by tests and by the store when loading records.
func (c *Contract) CheckInvariants() error {
	if c.status.RequiresOwner() != (c.owner != nil) {
		return fmt.Errorf("owner invariant violated: status=%s owner set=%v", c.status, c.owner != nil)
	}
	if c.status.IsTerminal() != (c.completedAt != nil) {
		return fmt.Errorf("completed_at invariant violated: status=%s completed_at set=%v", c.status, c.completedAt != nil)
	}
	for _, dep := range c.blockedBy {
		if dep.ContractID.Equals(c.id) {
			return ErrSelfDependency
		}
	}
	return nil
}

// transition applies a validated status change
func (c *Contract) transition(next model.Status) error {
	if !c.status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.status, next)
	}
	c.status = next
	c.touch()
	return nil
}

func (c *Contract) requireOwner(worker model.WorkerID) error {
	if c.owner == nil || !c.owner.Equals(worker) {
		return ErrNotOwner
	}
	return nil
}

func (c *Contract) touch() {
	c.updatedAt = time.Now().UTC()
}

func dedupeDependencies(deps []Dependency) []Dependency {
	seen := make(map[string]bool, len(deps))
	var out []Dependency
	for _, dep := range deps {
		if seen[dep.ContractID.String()] {
			continue
		}
		seen[dep.ContractID.String()] = true
		if !dep.OnFailure.IsValid() {
			dep.OnFailure = CascadeFail
		}
		out = append(out, dep)
	}
	return out
}
