package repository

import "errors"

// Store-level error taxonomy. Every public store operation returns a
// discriminated result; a failed precondition is never hidden behind success.
var (
	// ErrNotFound indicates an unknown contract ID
	ErrNotFound = errors.New("contract not found")

	// ErrDuplicateID indicates a create with an ID that already exists
	ErrDuplicateID = errors.New("contract ID already exists")

	// ErrVersionConflict indicates a lost optimistic-concurrency race.
	// The caller must re-read and decide whether its action is still valid.
	ErrVersionConflict = errors.New("version conflict")

	// ErrCyclicDependency indicates an edge that would create a dependency cycle
	ErrCyclicDependency = errors.New("cyclic dependency")
)
