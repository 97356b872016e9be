package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/contractd/internal/application/port/output"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model/contract"
	"github.com/YoshitsuguKoike/contractd/internal/domain/repository"
)

func newRollback(store *testStore, runner output.CheckRunner, config RollbackServiceConfig) *RollbackService {
	return NewRollbackService(store.contracts, runner, config, nil, nil)
}

// advanceToFailed drives a pending contract through execution into failed
func advanceToFailed(t *testing.T, store *testStore, c *contract.Contract) *contract.Contract {
	t.Helper()
	ctx := context.Background()
	worker := testWorker(t, "host-a:1")

	cur, err := store.contracts.UpdateCAS(ctx, c.ID(), c.Version(), repository.EventDependenciesMet,
		func(c *contract.Contract) error { return c.MarkReady() })
	require.NoError(t, err)
	cur, err = store.contracts.UpdateCAS(ctx, cur.ID(), cur.Version(), repository.EventClaimed,
		func(c *contract.Contract) error { return c.Claim(worker) })
	require.NoError(t, err)
	cur, err = store.contracts.UpdateCAS(ctx, cur.ID(), cur.Version(), repository.EventStarted,
		func(c *contract.Contract) error { return c.Start(worker) })
	require.NoError(t, err)
	cur, err = store.contracts.UpdateCAS(ctx, cur.ID(), cur.Version(), repository.EventExecutionFailed,
		func(c *contract.Contract) error { return c.FailExecution("executor crashed") })
	require.NoError(t, err)
	return cur
}

func rollbackSpec(rb contract.RollbackSpec) contract.Spec {
	return contract.Spec{Rollback: rb}
}

func TestRollbackNone(t *testing.T) {
	store := newTestStore(t)
	engine := newRollback(store, newScriptedRunner(), DefaultRollbackServiceConfig())

	c := createContract(t, store, "no-undo", contract.Spec{}, nil)
	c = advanceToFailed(t, store, c)

	_, err := engine.Rollback(context.Background(), c.ID())
	assert.ErrorIs(t, err, contract.ErrNoRollback)
	assert.Equal(t, model.StatusFailed, mustFind(t, store, c.ID()).Status())
}

func TestRollbackNotFailed(t *testing.T) {
	store := newTestStore(t)
	engine := newRollback(store, newScriptedRunner(), DefaultRollbackServiceConfig())

	c := createReady(t, store, "healthy", rollbackSpec(contract.RollbackSpec{
		Strategy: contract.RollbackAutomatic, Commands: []string{"undo"},
	}))
	_, err := engine.Rollback(context.Background(), c.ID())
	assert.ErrorIs(t, err, contract.ErrInvalidTransition)
}

func TestRollbackAutomatic(t *testing.T) {
	store := newTestStore(t)
	runner := newScriptedRunner()
	engine := newRollback(store, runner, DefaultRollbackServiceConfig())

	c := createContract(t, store, "ingest", rollbackSpec(contract.RollbackSpec{
		Strategy: contract.RollbackAutomatic,
		Commands: []string{"drop-table staging", "rm -rf /tmp/ingest"},
	}), nil)
	c = advanceToFailed(t, store, c)

	outcome, err := engine.Rollback(context.Background(), c.ID())
	require.NoError(t, err)
	assert.Equal(t, contract.RollbackAutomatic, outcome.Strategy)
	assert.Equal(t, model.StatusRolledBack, outcome.Contract.Status())
	assert.Equal(t, 2, runner.callCount())
	assert.True(t, hasEvent(t, store, c.ID(), repository.EventRollbackStarted))
	assert.True(t, hasEvent(t, store, c.ID(), repository.EventRollbackComplete))
}

func TestRollbackAutomaticCommandFails(t *testing.T) {
	store := newTestStore(t)
	runner := newScriptedRunner()
	runner.script("undo", output.CheckResult{ExitCode: 1, Output: "permission denied"})
	engine := newRollback(store, runner, DefaultRollbackServiceConfig())

	c := createContract(t, store, "ingest", rollbackSpec(contract.RollbackSpec{
		Strategy: contract.RollbackAutomatic, Commands: []string{"undo"},
	}), nil)
	c = advanceToFailed(t, store, c)

	outcome, err := engine.Rollback(context.Background(), c.ID())
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, outcome.Contract.Status())
	assert.Equal(t, 1, outcome.Contract.RollbackAttempts())
	assert.Contains(t, outcome.Contract.LastError(), "exited with 1")
	assert.True(t, hasEvent(t, store, c.ID(), repository.EventRollbackFailed))
}

func TestRollbackAutomaticExhaustsAttempts(t *testing.T) {
	store := newTestStore(t)
	runner := newScriptedRunner()
	runner.script("undo", output.CheckResult{ExitCode: 1, Output: "still broken"})
	engine := newRollback(store, runner, RollbackServiceConfig{MaxAttempts: 2})
	ctx := context.Background()

	c := createContract(t, store, "ingest", rollbackSpec(contract.RollbackSpec{
		Strategy: contract.RollbackAutomatic, Commands: []string{"undo"},
	}), nil)
	c = advanceToFailed(t, store, c)

	for i := 0; i < 2; i++ {
		outcome, err := engine.Rollback(ctx, c.ID())
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, outcome.Contract.Status())
	}

	_, err := engine.Rollback(ctx, c.ID())
	assert.ErrorIs(t, err, contract.ErrRollbackExhausted)
}

func TestRollbackManual(t *testing.T) {
	store := newTestStore(t)
	engine := newRollback(store, newScriptedRunner(), DefaultRollbackServiceConfig())
	ctx := context.Background()

	c := createContract(t, store, "ingest", rollbackSpec(contract.RollbackSpec{
		Strategy: contract.RollbackManual, Instructions: "restore last night's snapshot",
	}), nil)
	c = advanceToFailed(t, store, c)

	outcome, err := engine.Rollback(ctx, c.ID())
	require.NoError(t, err)
	assert.True(t, outcome.AwaitingOperator)
	assert.Equal(t, "restore last night's snapshot", outcome.Instructions)
	assert.Equal(t, model.StatusRollingBack, outcome.Contract.Status())

	confirmed, err := engine.RollbackPerformed(ctx, c.ID(), "ops-oncall", "snapshot restored")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRolledBack, confirmed.Status())
}

func TestRollbackPerformedRequiresRollingBack(t *testing.T) {
	store := newTestStore(t)
	engine := newRollback(store, newScriptedRunner(), DefaultRollbackServiceConfig())

	c := createContract(t, store, "ingest", rollbackSpec(contract.RollbackSpec{
		Strategy: contract.RollbackManual, Instructions: "restore",
	}), nil)
	c = advanceToFailed(t, store, c)

	_, err := engine.RollbackPerformed(context.Background(), c.ID(), "ops", "")
	assert.ErrorIs(t, err, contract.ErrInvalidTransition)
}

func TestRollbackCompensating(t *testing.T) {
	store := newTestStore(t)
	engine := newRollback(store, newScriptedRunner(), DefaultRollbackServiceConfig())
	ctx := context.Background()

	c := createContract(t, store, "transfer", rollbackSpec(contract.RollbackSpec{
		Strategy: contract.RollbackCompensating,
		Template: []byte(`{"action": "refund", "amount": 100}`),
	}), nil)
	c = advanceToFailed(t, store, c)

	outcome, err := engine.Rollback(ctx, c.ID())
	require.NoError(t, err)
	require.NotNil(t, outcome.CompensatingID)
	assert.Equal(t, model.StatusRollingBack, outcome.Contract.Status())

	compensating := mustFind(t, store, *outcome.CompensatingID)
	assert.Equal(t, "Compensate: transfer", compensating.Title())
	assert.Equal(t, model.StatusPending, compensating.Status())
	require.NotNil(t, compensating.CompensatesFor())
	assert.True(t, compensating.CompensatesFor().Equals(c.ID()))
	require.NotNil(t, compensating.ParentID())
	assert.JSONEq(t, `{"action": "refund", "amount": 100}`, string(compensating.Spec().Input.Payload))

	// completion of the compensating contract finalizes the original rollback
	ready, err := store.contracts.UpdateCAS(ctx, compensating.ID(), compensating.Version(),
		repository.EventDependenciesMet,
		func(c *contract.Contract) error { return c.MarkReady() })
	require.NoError(t, err)
	done := advanceToVerifying(t, store, ready, testWorker(t, "host-b:2"), nil)
	done, err = store.contracts.UpdateCAS(ctx, done.ID(), done.Version(), repository.EventVerifyPass,
		func(c *contract.Contract) error { return c.VerifyPass() })
	require.NoError(t, err)

	require.NoError(t, engine.ResolveCompensation(ctx, done))
	assert.Equal(t, model.StatusRolledBack, mustFind(t, store, c.ID()).Status())
}

func TestResolveCompensationIgnoresUnrelated(t *testing.T) {
	store := newTestStore(t)
	engine := newRollback(store, newScriptedRunner(), DefaultRollbackServiceConfig())

	plain := createContract(t, store, "plain", contract.Spec{}, nil)
	assert.NoError(t, engine.ResolveCompensation(context.Background(), plain))
}
