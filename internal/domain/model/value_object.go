package model

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
)

// ContractID represents a unique, sortable identifier for a contract
type ContractID struct {
	value string
}

// NewContractID creates a new ContractID using ULID
// Format: ULID (e.g., 01JB6X8Y2K9FQR4T3VWHGP5M2C), lexicographically sortable by creation time
func NewContractID() ContractID {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return ContractID{value: id.String()}
}

// NewContractIDFromString creates a ContractID from an existing string
func NewContractIDFromString(id string) (ContractID, error) {
	if id == "" {
		return ContractID{}, errors.New("contract ID cannot be empty")
	}
	return ContractID{value: id}, nil
}

// String returns the string representation
func (c ContractID) String() string {
	return c.value
}

// Equals checks if two ContractIDs are equal
func (c ContractID) Equals(other ContractID) bool {
	return c.value == other.value
}

// IsZero reports whether the ID is unset
func (c ContractID) IsZero() bool {
	return c.value == ""
}

// WorkerID identifies a worker process holding (or requesting) a claim
type WorkerID struct {
	value string
}

// NewWorkerID creates a WorkerID for the current process (hostname:pid)
func NewWorkerID() (WorkerID, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return WorkerID{}, fmt.Errorf("get hostname: %w", err)
	}
	return WorkerID{value: fmt.Sprintf("%s:%d", hostname, os.Getpid())}, nil
}

// NewWorkerIDFromString creates a WorkerID from an existing string
func NewWorkerIDFromString(id string) (WorkerID, error) {
	if id == "" {
		return WorkerID{}, errors.New("worker ID cannot be empty")
	}
	return WorkerID{value: id}, nil
}

// String returns the string representation
func (w WorkerID) String() string {
	return w.value
}

// Equals checks if two WorkerIDs are equal
func (w WorkerID) Equals(other WorkerID) bool {
	return w.value == other.value
}

// IsZero reports whether the worker ID is unset
func (w WorkerID) IsZero() bool {
	return w.value == ""
}

// Status represents the current lifecycle state of a contract
type Status string

const (
	StatusPending     Status = "pending"
	StatusReady       Status = "ready"
	StatusClaimed     Status = "claimed"
	StatusExecuting   Status = "executing"
	StatusVerifying   Status = "verifying"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusRollingBack Status = "rolling_back"
	StatusRolledBack  Status = "rolled_back"
	StatusCancelled   Status = "cancelled"
)

// String returns the string representation
func (s Status) String() string {
	return string(s)
}

// IsValid validates the status
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusReady, StatusClaimed, StatusExecuting, StatusVerifying,
		StatusCompleted, StatusFailed, StatusRollingBack, StatusRolledBack, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is terminal (no further transitions)
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRolledBack, StatusCancelled:
		return true
	default:
		return false
	}
}

// RequiresOwner reports whether a contract in this status must have an owner.
// Owner is set exactly while a worker holds the contract.
func (s Status) RequiresOwner() bool {
	switch s {
	case StatusClaimed, StatusExecuting, StatusVerifying:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks if a status transition is valid
func (s Status) CanTransitionTo(next Status) bool {
	validTransitions := map[Status][]Status{
		StatusPending:     {StatusReady, StatusFailed, StatusCancelled},
		StatusReady:       {StatusClaimed, StatusFailed, StatusCancelled},
		StatusClaimed:     {StatusExecuting, StatusReady, StatusCancelled},
		StatusExecuting:   {StatusVerifying, StatusReady, StatusFailed, StatusCancelled},
		StatusVerifying:   {StatusCompleted, StatusFailed, StatusCancelled},
		StatusFailed:      {StatusExecuting, StatusRollingBack, StatusCancelled},
		StatusRollingBack: {StatusRolledBack, StatusFailed, StatusCancelled},
		StatusCompleted:   {},
		StatusRolledBack:  {},
		StatusCancelled:   {},
	}

	allowed, exists := validTransitions[s]
	if !exists {
		return false
	}

	for _, allowedStatus := range allowed {
		if allowedStatus == next {
			return true
		}
	}
	return false
}
