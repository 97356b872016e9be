package repository

import (
	"context"
	"time"

	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model/contract"
)

// ContractRepository is the single durable store for contracts.
// All components hold only a handle to this interface; there is no shared
// mutable contract state outside it.
type ContractRepository interface {
	// Create persists a new contract. Fails with ErrDuplicateID if the ID exists.
	Create(ctx context.Context, c *contract.Contract) error

	// Find retrieves a contract by ID. Fails with ErrNotFound if absent.
	Find(ctx context.Context, id model.ContractID) (*contract.Contract, error)

	// UpdateCAS applies mutate atomically if the stored version equals
	// expectedVersion, otherwise fails with ErrVersionConflict. On success the
	// version is incremented, the contract persisted, and a history entry
	// appended in the same transaction.
	UpdateCAS(ctx context.Context, id model.ContractID, expectedVersion int64, event string, mutate func(c *contract.Contract) error) (*contract.Contract, error)

	// InTransaction runs fn atomically against the store. Repository calls
	// made inside fn with the context it receives read and write through the
	// same transaction, so a check-then-write sequence cannot interleave with
	// another writer.
	InTransaction(ctx context.Context, fn func(txCtx context.Context) error) error

	// List returns all contracts matching the filter without locking.
	// Malformed records are skipped and counted, never fatal to the listing.
	List(ctx context.Context, filter Filter) ([]*contract.Contract, int, error)

	// ListDependents returns contracts that have a blocked_by edge on id,
	// together with the per-edge failure policy.
	ListDependents(ctx context.Context, id model.ContractID) ([]*contract.Contract, error)

	// History returns the append-only history trace for a contract, oldest first
	History(ctx context.Context, id model.ContractID) ([]HistoryEntry, error)
}

// Filter defines criteria for listing contracts
type Filter struct {
	Statuses []model.Status
	Owner    *model.WorkerID
	ParentID *model.ContractID
	Limit    int
	Offset   int
}

// HistoryEntry is one immutable record of a contract mutation
type HistoryEntry struct {
	ID         string
	ContractID model.ContractID
	Version    int64
	Event      string
	FromStatus model.Status
	ToStatus   model.Status
	Detail     string
	CreatedAt  time.Time
}

// History event names recorded on each successful update
const (
	EventCreated          = "created"
	EventDependenciesMet  = "dependencies_met"
	EventDependencyAdded  = "dependency_added"
	EventClaimed          = "claimed"
	EventUnclaimed        = "unclaimed"
	EventHeartbeat        = "heartbeat"
	EventStarted          = "started"
	EventExecutionDone    = "execution_done"
	EventExecutionFailed  = "execution_failed"
	EventVerifyPass       = "verify_pass"
	EventVerifyFail       = "verify_fail"
	EventRetried          = "retried"
	EventRollbackStarted  = "rollback_started"
	EventRollbackComplete = "rollback_complete"
	EventRollbackFailed   = "rollback_failed"
	EventCancelled        = "cancelled"
	EventDependencyFailed = "dependency_failed"
	EventDependencyNotice = "dependency_notice"
	EventCascadeEscalated = "cascade_escalated"
	EventClaimRevoked     = "claim_revoked"
)

// VerificationResultRepository stores the append-only verification trace
type VerificationResultRepository interface {
	// Append records one check result. Results are never overwritten.
	Append(ctx context.Context, result contract.VerificationResult) error

	// ListByContract returns all results for a contract, oldest first
	ListByContract(ctx context.Context, id model.ContractID) ([]contract.VerificationResult, error)
}

// VerificationCacheRepository caches verification outcomes keyed by a content
// hash of (input, output, verification spec)
type VerificationCacheRepository interface {
	// Get returns the cached outcome for a content hash, or ok=false
	Get(ctx context.Context, contentHash string) (passed bool, reason string, ok bool, err error)

	// Put stores an outcome for a content hash
	Put(ctx context.Context, contentHash string, passed bool, reason string) error
}
