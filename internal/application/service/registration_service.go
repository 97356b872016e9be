package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/YoshitsuguKoike/contractd/internal/domain/model/contract"
	"github.com/YoshitsuguKoike/contractd/internal/domain/repository"
)

// RegisterInput is everything needed to register a new contract
type RegisterInput struct {
	Title       string
	Description string
	Spec        contract.Spec
	DependsOn   []contract.Dependency
	MaxRetries  int
}

// RegistrationService admits new contracts into the engine: it normalizes
// and validates the request, rejects dependency cycles before anything
// persists, and promotes dependency-free contracts straight to ready.
type RegistrationService struct {
	repo     repository.ContractRepository
	resolver *ResolverService
	infoLog  func(format string, args ...interface{})
}

// NewRegistrationService creates a new registration service
func NewRegistrationService(
	repo repository.ContractRepository,
	resolver *ResolverService,
	infoLog func(format string, args ...interface{}),
) *RegistrationService {
	if infoLog == nil {
		infoLog = func(format string, args ...interface{}) {}
	}
	return &RegistrationService{
		repo:     repo,
		resolver: resolver,
		infoLog:  infoLog,
	}
}

// Register validates and persists a new contract in pending
func (s *RegistrationService) Register(ctx context.Context, input RegisterInput) (*contract.Contract, error) {
	// Titles come from YAML and editors with mixed Unicode forms
	title := norm.NFC.String(input.Title)

	if len(input.Spec.Input.Schema) > 0 && len(input.Spec.Input.Payload) > 0 {
		if reason := validateAgainstSchema("input.schema.json", input.Spec.Input.Schema, input.Spec.Input.Payload); reason != "" {
			return nil, fmt.Errorf("input payload: %s", reason)
		}
	}

	for _, dep := range input.DependsOn {
		if _, err := s.repo.Find(ctx, dep.ContractID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("unknown dependency %s: %w", dep.ContractID, err)
			}
			return nil, err
		}
	}

	c, err := contract.NewContract(title, input.Description, input.Spec, input.DependsOn, input.MaxRetries)
	if err != nil {
		return nil, err
	}

	// Cycle check and insert share a transaction so a concurrent edge
	// addition cannot slip between them
	err = s.repo.InTransaction(ctx, func(txCtx context.Context) error {
		if len(input.DependsOn) > 0 {
			if err := s.resolver.DetectCycle(txCtx, c.ID(), c.DependencyIDs()); err != nil {
				return err
			}
		}
		return s.repo.Create(txCtx, c)
	})
	if err != nil {
		return nil, err
	}
	s.infoLog("contract %s registered: %s", c.ID(), c.Title())

	// A contract with no dependencies is ready immediately
	if len(c.BlockedBy()) == 0 {
		promoted, err := s.repo.UpdateCAS(ctx, c.ID(), c.Version(), repository.EventDependenciesMet,
			func(c *contract.Contract) error {
				return c.MarkReady()
			})
		if err == nil {
			return promoted, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, err
		}
	}
	return s.repo.Find(ctx, c.ID())
}
