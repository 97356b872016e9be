package contract

import (
	"time"

	"github.com/google/uuid"

	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
)

// VerificationResult is produced per verification check and stored as an
// append-only trace attached to the contract, never overwritten
type VerificationResult struct {
	ID         string
	ContractID model.ContractID
	CheckName  string
	Passed     bool
	Output     string
	Duration   time.Duration
	Reviewer   string
	CreatedAt  time.Time
}

// NewVerificationResult creates a verification result for a check run
func NewVerificationResult(contractID model.ContractID, checkName string, passed bool, output string, duration time.Duration) VerificationResult {
	return VerificationResult{
		ID:         uuid.New().String(),
		ContractID: contractID,
		CheckName:  checkName,
		Passed:     passed,
		Output:     output,
		Duration:   duration,
		CreatedAt:  time.Now().UTC(),
	}
}

// NewReviewResult creates a verification result for a human review decision
func NewReviewResult(contractID model.ContractID, checkName string, approved bool, reviewer, comment string) VerificationResult {
	return VerificationResult{
		ID:         uuid.New().String(),
		ContractID: contractID,
		CheckName:  checkName,
		Passed:     approved,
		Output:     comment,
		Reviewer:   reviewer,
		CreatedAt:  time.Now().UTC(),
	}
}
