package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/YoshitsuguKoike/contractd/internal/application/port/output"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model/contract"
	"github.com/YoshitsuguKoike/contractd/internal/domain/repository"
)

// VerificationServiceConfig holds configuration for the verification pipeline
type VerificationServiceConfig struct {
	CheckTimeout time.Duration // per-check timeout when the check declares none
	CacheEnabled bool          // reuse outcomes for identical (input, output, spec)
}

// DefaultVerificationServiceConfig returns default configuration
func DefaultVerificationServiceConfig() VerificationServiceConfig {
	return VerificationServiceConfig{
		CheckTimeout: 60 * time.Second,
		CacheEnabled: true,
	}
}

// CompensationResolver is notified when a compensating contract completes,
// so the original contract's rollback can be finalized
type CompensationResolver interface {
	ResolveCompensation(ctx context.Context, compensating *contract.Contract) error
}

// VerificationOutcome is the result of running the pipeline once
type VerificationOutcome struct {
	Contract      *contract.Contract
	Passed        bool
	PendingReview bool   // parked in verifying, waiting for a reviewer
	FailedCheck   string // name of the first failed check
	Reason        string
	Cached        bool
}

// VerificationService runs the verification pipeline against a contract's
// candidate output: schema validation first, then the declared checks in
// order. Every check run is recorded; verification never mutates the output.
type VerificationService struct {
	repo        repository.ContractRepository
	results     repository.VerificationResultRepository
	cache       repository.VerificationCacheRepository
	runner      output.CheckRunner
	resolver    *ResolverService
	compensator CompensationResolver
	config      VerificationServiceConfig

	infoLog func(format string, args ...interface{})
	warnLog func(format string, args ...interface{})
}

// NewVerificationService creates a new verification pipeline
func NewVerificationService(
	repo repository.ContractRepository,
	results repository.VerificationResultRepository,
	cache repository.VerificationCacheRepository,
	runner output.CheckRunner,
	resolver *ResolverService,
	config VerificationServiceConfig,
	infoLog func(format string, args ...interface{}),
	warnLog func(format string, args ...interface{}),
) *VerificationService {
	if infoLog == nil {
		infoLog = func(format string, args ...interface{}) {}
	}
	if warnLog == nil {
		warnLog = func(format string, args ...interface{}) {}
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 60 * time.Second
	}
	return &VerificationService{
		repo:     repo,
		results:  results,
		cache:    cache,
		runner:   runner,
		resolver: resolver,
		config:   config,
		infoLog:  infoLog,
		warnLog:  warnLog,
	}
}

// SetCompensationResolver wires the rollback engine's compensation hook.
// Set during container assembly; avoids a construction cycle between the
// verification pipeline and the rollback engine.
func (s *VerificationService) SetCompensationResolver(r CompensationResolver) {
	s.compensator = r
}

// Verify runs the full pipeline against a contract in verifying.
// A failing command check fails the contract; a human review check parks it
// until a reviewer decides. Reviewer-dependent outcomes are never cached.
func (s *VerificationService) Verify(ctx context.Context, id model.ContractID) (*VerificationOutcome, error) {
	c, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status() != model.StatusVerifying {
		return nil, fmt.Errorf("%w: cannot verify in %s", contract.ErrInvalidTransition, c.Status())
	}

	spec := c.Spec()
	cacheable := s.config.CacheEnabled && !spec.Verification.RequiresHumanReview()
	hash := contentHash(spec, c.CandidateOutput())

	if cacheable {
		passed, reason, ok, err := s.cache.Get(ctx, hash)
		if err != nil {
			s.warnLog("verification cache lookup for %s: %v", id, err)
		} else if ok {
			s.infoLog("verification cache hit for %s (passed=%v)", id, passed)
			outcome := &VerificationOutcome{Passed: passed, Reason: reason, Cached: true}
			if !passed {
				outcome.FailedCheck, outcome.Reason = splitCachedReason(reason)
			}
			return s.applyOutcome(ctx, c, outcome)
		}
	}

	outcome := &VerificationOutcome{Passed: true}

	// Stage 1: the candidate output must match the declared output schema
	if len(spec.Output.Schema) > 0 {
		if reason := validateOutputSchema(spec.Output.Schema, c.CandidateOutput()); reason != "" {
			s.record(ctx, contract.NewVerificationResult(id, "output_schema", false, reason, 0))
			outcome.Passed = false
			outcome.FailedCheck = "output_schema"
			outcome.Reason = reason
		} else {
			s.record(ctx, contract.NewVerificationResult(id, "output_schema", true, "", 0))
		}
	}

	// Stage 2: declared checks, in order
	if outcome.Passed {
		for _, check := range spec.Verification.Checks {
			if check.Type == contract.CheckTypeHumanReview {
				outcome.PendingReview = true
				continue
			}

			passed, checkOut, duration := s.runCheck(ctx, check)
			s.record(ctx, contract.NewVerificationResult(id, check.Name, passed, checkOut, duration))
			if passed {
				continue
			}

			outcome.Passed = false
			outcome.FailedCheck = check.Name
			outcome.Reason = checkOut
			if !spec.Verification.ContinueOnFailure {
				break
			}
		}
	}

	if outcome.Passed && outcome.PendingReview {
		s.infoLog("contract %s awaiting human review", id)
		outcome.Contract = c
		return outcome, nil
	}

	if cacheable {
		if err := s.cache.Put(ctx, hash, outcome.Passed, joinCachedReason(outcome.FailedCheck, outcome.Reason)); err != nil {
			s.warnLog("verification cache store for %s: %v", id, err)
		}
	}

	return s.applyOutcome(ctx, c, outcome)
}

// Approve records a reviewer approval for a human review check. The contract
// completes once every human review check has an approving decision.
func (s *VerificationService) Approve(ctx context.Context, id model.ContractID, checkName, reviewer, comment string) (*VerificationOutcome, error) {
	c, check, err := s.reviewTarget(ctx, id, checkName)
	if err != nil {
		return nil, err
	}

	if err := s.results.Append(ctx, contract.NewReviewResult(id, check.Name, true, reviewer, comment)); err != nil {
		return nil, fmt.Errorf("record approval: %w", err)
	}

	settled, err := s.allReviewsApproved(ctx, c)
	if err != nil {
		return nil, err
	}
	if !settled {
		return &VerificationOutcome{Contract: c, PendingReview: true}, nil
	}
	return s.applyOutcome(ctx, c, &VerificationOutcome{Passed: true})
}

// Reject records a reviewer rejection and fails the contract immediately
func (s *VerificationService) Reject(ctx context.Context, id model.ContractID, checkName, reviewer, comment string) (*VerificationOutcome, error) {
	c, check, err := s.reviewTarget(ctx, id, checkName)
	if err != nil {
		return nil, err
	}

	if err := s.results.Append(ctx, contract.NewReviewResult(id, check.Name, false, reviewer, comment)); err != nil {
		return nil, fmt.Errorf("record rejection: %w", err)
	}

	reason := fmt.Sprintf("rejected by %s: %s", reviewer, comment)
	return s.applyOutcome(ctx, c, &VerificationOutcome{
		Passed:      false,
		FailedCheck: check.Name,
		Reason:      reason,
	})
}

// PendingDecision is a contract parked in verifying waiting for a reviewer
type PendingDecision struct {
	Contract *contract.Contract
	Checks   []contract.VerificationCheck // undecided human review checks
}

// PendingDecisions lists contracts waiting on a human review decision
func (s *VerificationService) PendingDecisions(ctx context.Context) ([]PendingDecision, error) {
	verifying, _, err := s.repo.List(ctx, repository.Filter{Statuses: []model.Status{model.StatusVerifying}})
	if err != nil {
		return nil, fmt.Errorf("list verifying contracts: %w", err)
	}

	var pending []PendingDecision
	for _, c := range verifying {
		if !c.Spec().Verification.RequiresHumanReview() {
			continue
		}
		decided, err := s.reviewDecisions(ctx, c.ID())
		if err != nil {
			return nil, err
		}
		var undecided []contract.VerificationCheck
		for _, check := range c.Spec().Verification.Checks {
			if check.Type != contract.CheckTypeHumanReview {
				continue
			}
			if _, ok := decided[check.Name]; !ok {
				undecided = append(undecided, check)
			}
		}
		if len(undecided) > 0 {
			pending = append(pending, PendingDecision{Contract: c, Checks: undecided})
		}
	}
	return pending, nil
}

// Results returns the append-only verification trace for a contract
func (s *VerificationService) Results(ctx context.Context, id model.ContractID) ([]contract.VerificationResult, error) {
	return s.results.ListByContract(ctx, id)
}

// applyOutcome commits the pipeline result to the contract and fans out the
// consequences: readiness promotion and compensation resolution on pass,
// cascading failure on fail.
func (s *VerificationService) applyOutcome(ctx context.Context, c *contract.Contract, outcome *VerificationOutcome) (*VerificationOutcome, error) {
	var updated *contract.Contract
	var err error

	if outcome.Passed {
		updated, err = s.repo.UpdateCAS(ctx, c.ID(), c.Version(), repository.EventVerifyPass,
			func(c *contract.Contract) error {
				return c.VerifyPass()
			})
	} else {
		reason := outcome.Reason
		if outcome.FailedCheck != "" {
			reason = fmt.Sprintf("check %s failed: %s", outcome.FailedCheck, outcome.Reason)
		}
		updated, err = s.repo.UpdateCAS(ctx, c.ID(), c.Version(), repository.EventVerifyFail,
			func(c *contract.Contract) error {
				return c.VerifyFail(reason)
			})
	}
	if err != nil {
		return nil, err
	}
	outcome.Contract = updated

	if outcome.Passed {
		s.infoLog("contract %s verified", updated.ID())
		if _, err := s.resolver.PromoteReady(ctx); err != nil {
			s.warnLog("readiness promotion after %s completed: %v", updated.ID(), err)
		}
		if updated.CompensatesFor() != nil && s.compensator != nil {
			if err := s.compensator.ResolveCompensation(ctx, updated); err != nil {
				s.warnLog("compensation resolution for %s: %v", updated.ID(), err)
			}
		}
	} else {
		s.infoLog("contract %s failed verification: %s", updated.ID(), updated.LastError())
		if err := s.resolver.CascadeFailure(ctx, updated.ID()); err != nil {
			s.warnLog("cascade after verification failure of %s: %v", updated.ID(), err)
		}
	}
	return outcome, nil
}

// runCheck runs one command check with its retry budget
func (s *VerificationService) runCheck(ctx context.Context, check contract.VerificationCheck) (bool, string, time.Duration) {
	timeout := s.config.CheckTimeout
	if check.TimeoutSec > 0 {
		timeout = time.Duration(check.TimeoutSec) * time.Second
	}

	var pattern *regexp.Regexp
	if check.OutputPattern != "" {
		var err error
		pattern, err = regexp.Compile(check.OutputPattern)
		if err != nil {
			return false, fmt.Sprintf("invalid output pattern: %v", err), 0
		}
	}

	attempts := check.Retries + 1
	var lastOut string
	var lastDuration time.Duration
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := s.runner.RunCheck(ctx, output.CheckRequest{
			Name:    check.Name,
			Command: check.Command,
			Timeout: timeout,
		})
		if err != nil {
			lastOut = err.Error()
			continue
		}
		lastOut = result.Output
		lastDuration = result.Duration

		if result.TimedOut {
			lastOut = fmt.Sprintf("timed out after %s", timeout)
			continue
		}
		if result.ExitCode != check.ExpectedExit {
			lastOut = fmt.Sprintf("exit %d (expected %d): %s", result.ExitCode, check.ExpectedExit, result.Output)
			continue
		}
		if pattern != nil && !pattern.MatchString(result.Output) {
			lastOut = fmt.Sprintf("output did not match %q: %s", check.OutputPattern, result.Output)
			continue
		}
		return true, result.Output, result.Duration
	}
	return false, lastOut, lastDuration
}

// reviewTarget loads a verifying contract and resolves the named human review check
func (s *VerificationService) reviewTarget(ctx context.Context, id model.ContractID, checkName string) (*contract.Contract, *contract.VerificationCheck, error) {
	c, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if c.Status() != model.StatusVerifying {
		return nil, nil, fmt.Errorf("%w: cannot review in %s", contract.ErrInvalidTransition, c.Status())
	}

	checks := c.Spec().Verification.Checks
	if checkName == "" {
		for i := range checks {
			if checks[i].Type == contract.CheckTypeHumanReview {
				return c, &checks[i], nil
			}
		}
		return nil, nil, errors.New("contract has no human review check")
	}
	for i := range checks {
		if checks[i].Name == checkName && checks[i].Type == contract.CheckTypeHumanReview {
			return c, &checks[i], nil
		}
	}
	return nil, nil, fmt.Errorf("no human review check named %s", checkName)
}

// allReviewsApproved reports whether every human review check has an
// approving decision recorded. A later decision on the same check wins.
func (s *VerificationService) allReviewsApproved(ctx context.Context, c *contract.Contract) (bool, error) {
	decided, err := s.reviewDecisions(ctx, c.ID())
	if err != nil {
		return false, err
	}
	for _, check := range c.Spec().Verification.Checks {
		if check.Type != contract.CheckTypeHumanReview {
			continue
		}
		approved, ok := decided[check.Name]
		if !ok || !approved {
			return false, nil
		}
	}
	return true, nil
}

// reviewDecisions maps human review check names to their latest decision
func (s *VerificationService) reviewDecisions(ctx context.Context, id model.ContractID) (map[string]bool, error) {
	results, err := s.results.ListByContract(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list verification results: %w", err)
	}
	decided := make(map[string]bool)
	for _, r := range results {
		if r.Reviewer == "" {
			continue
		}
		decided[r.CheckName] = r.Passed
	}
	return decided, nil
}

func (s *VerificationService) record(ctx context.Context, result contract.VerificationResult) {
	if err := s.results.Append(ctx, result); err != nil {
		s.warnLog("record verification result %s/%s: %v", result.ContractID, result.CheckName, err)
	}
}

// validateOutputSchema validates the candidate output against the declared
// output schema. Returns an empty string when valid.
func validateOutputSchema(schema, candidate json.RawMessage) string {
	return validateAgainstSchema("output.schema.json", schema, candidate)
}

func validateAgainstSchema(name string, schema, doc json.RawMessage) string {
	compiled, err := jsonschema.CompileString(name, string(schema))
	if err != nil {
		return fmt.Sprintf("invalid schema: %v", err)
	}

	var decoded interface{}
	if len(doc) == 0 {
		doc = json.RawMessage(`null`)
	}
	if err := json.Unmarshal(doc, &decoded); err != nil {
		return fmt.Sprintf("document is not valid JSON: %v", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return fmt.Sprintf("schema violation: %v", err)
	}
	return ""
}

// contentHash fingerprints (input, candidate output, output spec, checks)
// for the verification cache. Identical content always hashes identically.
func contentHash(spec contract.Spec, candidate json.RawMessage) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(spec.Input)
	_ = enc.Encode(spec.Output)
	_ = enc.Encode(spec.Verification)
	if len(candidate) == 0 {
		candidate = json.RawMessage(`null`)
	}
	_, _ = h.Write(candidate)
	return hex.EncodeToString(h.Sum(nil))
}

// Cached failure reasons carry the failed check name in front of the message
func joinCachedReason(check, reason string) string {
	if check == "" {
		return reason
	}
	return check + ": " + reason
}

func splitCachedReason(cached string) (check, reason string) {
	if before, after, found := strings.Cut(cached, ": "); found {
		return before, after
	}
	return "", cached
}
