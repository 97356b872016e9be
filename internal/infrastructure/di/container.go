package di

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/YoshitsuguKoike/contractd/internal/adapter/gateway/executor"
	"github.com/YoshitsuguKoike/contractd/internal/app"
	appconfig "github.com/YoshitsuguKoike/contractd/internal/app/config"
	"github.com/YoshitsuguKoike/contractd/internal/application/port/output"
	"github.com/YoshitsuguKoike/contractd/internal/application/service"
	"github.com/YoshitsuguKoike/contractd/internal/application/usecase/execution"
	"github.com/YoshitsuguKoike/contractd/internal/domain/repository"
	sqliterepo "github.com/YoshitsuguKoike/contractd/internal/infrastructure/persistence/sqlite"
)

// Container holds all engine dependencies, wired with manual dependency
// injection in dependency order: infrastructure, application, use cases.
type Container struct {
	// Infrastructure Layer
	db           *sql.DB
	contractRepo repository.ContractRepository
	resultRepo   repository.VerificationResultRepository
	cacheRepo    repository.VerificationCacheRepository

	// Gateways
	executorGW output.Executor
	checkGW    output.CheckRunner

	// Application Layer
	registration *service.RegistrationService
	resolver     *service.ResolverService
	claims       *service.ClaimService
	verification *service.VerificationService
	rollback     *service.RollbackService

	// Use Cases
	runUseCase *execution.RunUseCase

	logger app.Logger
	config appconfig.Config
}

// NewContainer creates and initializes the container
func NewContainer(cfg appconfig.Config) (*Container, error) {
	c := &Container{
		config: cfg,
		logger: app.NewLogger(os.Stderr, cfg.StderrLevel()),
	}

	if err := c.initializeInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to initialize infrastructure: %w", err)
	}
	if err := c.initializeApplication(); err != nil {
		return nil, fmt.Errorf("failed to initialize application: %w", err)
	}

	return c, nil
}

func (c *Container) initializeInfrastructure() error {
	dbPath := c.config.DBPath()
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	c.db = db

	migrator := sqliterepo.NewMigrator(db)
	if err := migrator.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	c.contractRepo = sqliterepo.NewContractRepository(db, c.logger.Warn)
	c.resultRepo = sqliterepo.NewVerificationResultRepository(db)
	c.cacheRepo = sqliterepo.NewVerificationCacheRepository(db)

	if c.config.ExecutorBin() != "" {
		gw := executor.NewCommandGateway(c.config.ExecutorBin(), c.config.Timeout())
		c.executorGW = gw
		c.checkGW = gw
	} else {
		// No executor configured: checks still run through the shell,
		// execution is mocked (dry runs, tests)
		c.executorGW = executor.NewMockGateway()
		c.checkGW = executor.NewCommandGateway("", c.config.CheckTimeout())
	}
	return nil
}

func (c *Container) initializeApplication() error {
	c.resolver = service.NewResolverService(
		c.contractRepo, c.config.MaxCascadeDepth(), c.logger.Info, c.logger.Warn)

	c.registration = service.NewRegistrationService(c.contractRepo, c.resolver, c.logger.Info)

	c.claims = service.NewClaimService(c.contractRepo, c.resolver, service.ClaimServiceConfig{
		HeartbeatTimeout: c.config.HeartbeatTimeout(),
		SweepInterval:    c.config.SweepInterval(),
		StalePolicy:      service.StaleClaimPolicy(c.config.StalePolicy()),
	}, c.logger.Info, c.logger.Warn)

	c.verification = service.NewVerificationService(
		c.contractRepo, c.resultRepo, c.cacheRepo, c.checkGW, c.resolver,
		service.VerificationServiceConfig{
			CheckTimeout: c.config.CheckTimeout(),
			CacheEnabled: c.config.CacheEnabled(),
		}, c.logger.Info, c.logger.Warn)

	c.rollback = service.NewRollbackService(
		c.contractRepo, c.checkGW, service.RollbackServiceConfig{
			MaxAttempts:    c.config.RollbackMaxAttempts(),
			CommandTimeout: c.config.CheckTimeout(),
		}, c.logger.Info, c.logger.Warn)

	// A completed compensating contract finalizes its target's rollback
	c.verification.SetCompensationResolver(c.rollback)

	c.runUseCase = execution.NewRunUseCase(
		c.contractRepo, c.claims, c.verification, c.executorGW,
		c.config.HeartbeatInterval(), c.config.Timeout())
	return nil
}

// StartSweeper starts the background stale-claim and readiness sweeps
func (c *Container) StartSweeper(ctx context.Context) error {
	return c.claims.StartSweeper(ctx)
}

// Close stops background work and releases the database
func (c *Container) Close() error {
	if c.claims != nil {
		_ = c.claims.StopSweeper()
	}
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Accessors

func (c *Container) ContractRepository() repository.ContractRepository { return c.contractRepo }
func (c *Container) VerificationResultRepository() repository.VerificationResultRepository {
	return c.resultRepo
}
func (c *Container) RegistrationService() *service.RegistrationService { return c.registration }
func (c *Container) ResolverService() *service.ResolverService         { return c.resolver }
func (c *Container) ClaimService() *service.ClaimService               { return c.claims }
func (c *Container) VerificationService() *service.VerificationService { return c.verification }
func (c *Container) RollbackService() *service.RollbackService         { return c.rollback }
func (c *Container) RunUseCase() *execution.RunUseCase                 { return c.runUseCase }
func (c *Container) Logger() app.Logger                                { return c.logger }
func (c *Container) Config() appconfig.Config                          { return c.config }
