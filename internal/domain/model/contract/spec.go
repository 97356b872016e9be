package contract

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
)

// InputSpec describes what a contract consumes: an opaque payload plus
// a JSON schema describing its shape
type InputSpec struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Schema  json.RawMessage `json:"schema,omitempty"`
}

// OutputSpec describes the required shape of a contract's output
type OutputSpec struct {
	Schema            json.RawMessage `json:"schema,omitempty"`
	ExpectedArtifacts []string        `json:"expected_artifacts,omitempty"`
}

// CheckType discriminates verification check variants.
// Verification is data, not executable code: a check is either a command
// with an expected exit condition or a request for human approval.
type CheckType string

const (
	CheckTypeCommand     CheckType = "command"
	CheckTypeHumanReview CheckType = "human_review"
)

// IsValid validates the check type
func (t CheckType) IsValid() bool {
	switch t {
	case CheckTypeCommand, CheckTypeHumanReview:
		return true
	default:
		return false
	}
}

// VerificationCheck is a single check in a contract's verification spec
type VerificationCheck struct {
	Name string    `json:"name"`
	Type CheckType `json:"type"`

	// Command check fields
	Command       string `json:"command,omitempty"`
	ExpectedExit  int    `json:"expected_exit,omitempty"`
	OutputPattern string `json:"output_pattern,omitempty"`
	TimeoutSec    int    `json:"timeout_sec,omitempty"`
	Retries       int    `json:"retries,omitempty"`

	// Human review fields
	Instructions string `json:"instructions,omitempty"`
}

// Validate checks the internal consistency of a verification check
func (c VerificationCheck) Validate() error {
	if c.Name == "" {
		return errors.New("check name cannot be empty")
	}
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid check type: %s", c.Type)
	}
	if c.Type == CheckTypeCommand && c.Command == "" {
		return fmt.Errorf("check %s: command cannot be empty", c.Name)
	}
	if c.TimeoutSec < 0 {
		return fmt.Errorf("check %s: timeout cannot be negative", c.Name)
	}
	if c.Retries < 0 {
		return fmt.Errorf("check %s: retries cannot be negative", c.Name)
	}
	return nil
}

// VerificationSpec is the ordered list of checks a completed contract must pass
type VerificationSpec struct {
	Checks []VerificationCheck `json:"checks,omitempty"`

	// ContinueOnFailure disables fail-fast: all checks run even after a failure
	ContinueOnFailure bool `json:"continue_on_failure,omitempty"`
}

// RequiresHumanReview reports whether any check needs an external reviewer decision
func (v VerificationSpec) RequiresHumanReview() bool {
	for _, c := range v.Checks {
		if c.Type == CheckTypeHumanReview {
			return true
		}
	}
	return false
}

// Validate checks all declared checks
func (v VerificationSpec) Validate() error {
	for _, c := range v.Checks {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RollbackStrategy discriminates how a failed contract's effects are undone
type RollbackStrategy string

const (
	RollbackNone         RollbackStrategy = "none"
	RollbackAutomatic    RollbackStrategy = "automatic"
	RollbackCompensating RollbackStrategy = "compensating"
	RollbackManual       RollbackStrategy = "manual"
)

// IsValid validates the rollback strategy
func (s RollbackStrategy) IsValid() bool {
	switch s {
	case RollbackNone, RollbackAutomatic, RollbackCompensating, RollbackManual:
		return true
	default:
		return false
	}
}

// RollbackSpec declares how to reverse or compensate for a failed contract
type RollbackSpec struct {
	Strategy RollbackStrategy `json:"strategy"`

	// Commands are reversal commands for the automatic strategy, run in order
	Commands []string `json:"commands,omitempty"`

	// Template is the input payload for a compensating contract
	Template json.RawMessage `json:"template,omitempty"`

	// Instructions are human-readable steps for the manual strategy
	Instructions string `json:"instructions,omitempty"`
}

// Validate checks the internal consistency of a rollback spec
func (r RollbackSpec) Validate() error {
	if r.Strategy == "" {
		return nil // defaults to none
	}
	if !r.Strategy.IsValid() {
		return fmt.Errorf("invalid rollback strategy: %s", r.Strategy)
	}
	if r.Strategy == RollbackAutomatic && len(r.Commands) == 0 {
		return errors.New("automatic rollback requires at least one command")
	}
	if r.Strategy == RollbackManual && r.Instructions == "" {
		return errors.New("manual rollback requires instructions")
	}
	return nil
}

// EffectiveStrategy normalizes an empty strategy to none
func (r RollbackSpec) EffectiveStrategy() RollbackStrategy {
	if r.Strategy == "" {
		return RollbackNone
	}
	return r.Strategy
}

// Spec is the full machine-verifiable specification of a unit of work
type Spec struct {
	Input        InputSpec        `json:"input"`
	Output       OutputSpec       `json:"output"`
	Verification VerificationSpec `json:"verification"`
	Rollback     RollbackSpec     `json:"rollback"`

	// TimeoutSec bounds a single execution attempt. Zero means the engine's
	// configured default applies.
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// Validate checks all spec sections
func (s Spec) Validate() error {
	if s.TimeoutSec < 0 {
		return errors.New("timeout_sec cannot be negative")
	}
	if err := s.Verification.Validate(); err != nil {
		return fmt.Errorf("verification: %w", err)
	}
	if err := s.Rollback.Validate(); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// CascadePolicy decides what happens to a dependent when its dependency fails
type CascadePolicy string

const (
	CascadeBlock  CascadePolicy = "block"  // dependent stays pending, manual intervention
	CascadeFail   CascadePolicy = "fail"   // dependent fails immediately
	CascadeNotify CascadePolicy = "notify" // dependent is notified, its own logic decides
)

// IsValid validates the cascade policy
func (p CascadePolicy) IsValid() bool {
	switch p {
	case CascadeBlock, CascadeFail, CascadeNotify:
		return true
	default:
		return false
	}
}

// Dependency is a blocked_by edge: this contract cannot become ready until
// the referenced contract completes
type Dependency struct {
	ContractID model.ContractID
	OnFailure  CascadePolicy
}

// NewDependency creates a dependency edge with the default fail policy
func NewDependency(id model.ContractID) Dependency {
	return Dependency{ContractID: id, OnFailure: CascadeFail}
}
