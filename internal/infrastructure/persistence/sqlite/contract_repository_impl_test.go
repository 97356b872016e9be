package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model/contract"
	"github.com/YoshitsuguKoike/contractd/internal/domain/repository"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A second pool connection would see a different in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, NewMigrator(db).Migrate())
	return db
}

func newTestRepo(t *testing.T) repository.ContractRepository {
	t.Helper()
	return NewContractRepository(openTestDB(t), nil)
}

func mustContract(t *testing.T, title string, deps []contract.Dependency) *contract.Contract {
	t.Helper()
	spec := contract.Spec{
		Input: contract.InputSpec{Payload: json.RawMessage(`{"source": "s3://bucket/key"}`)},
		Verification: contract.VerificationSpec{Checks: []contract.VerificationCheck{
			{Name: "unit", Type: contract.CheckTypeCommand, Command: "true"},
		}},
	}
	c, err := contract.NewContract(title, "test contract", spec, deps, 3)
	require.NoError(t, err)
	return c
}

func TestCreateAndFind(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c := mustContract(t, "ingest", nil)
	require.NoError(t, repo.Create(ctx, c))

	found, err := repo.Find(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, c.ID(), found.ID())
	assert.Equal(t, "ingest", found.Title())
	assert.Equal(t, model.StatusPending, found.Status())
	assert.Equal(t, int64(1), found.Version())
	assert.JSONEq(t, `{"source": "s3://bucket/key"}`, string(found.Spec().Input.Payload))
	require.Len(t, found.Spec().Verification.Checks, 1)
	assert.Equal(t, "unit", found.Spec().Verification.Checks[0].Name)
}

func TestCreateDuplicateID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c := mustContract(t, "ingest", nil)
	require.NoError(t, repo.Create(ctx, c))
	assert.ErrorIs(t, repo.Create(ctx, c), repository.ErrDuplicateID)
}

func TestFindNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Find(context.Background(), model.NewContractID())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCreatePersistsDependencies(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := mustContract(t, "base", nil)
	require.NoError(t, repo.Create(ctx, base))

	dependent := mustContract(t, "dependent", []contract.Dependency{
		{ContractID: base.ID(), OnFailure: contract.CascadeNotify},
	})
	require.NoError(t, repo.Create(ctx, dependent))

	found, err := repo.Find(ctx, dependent.ID())
	require.NoError(t, err)
	require.Len(t, found.BlockedBy(), 1)
	assert.Equal(t, base.ID(), found.BlockedBy()[0].ContractID)
	assert.Equal(t, contract.CascadeNotify, found.BlockedBy()[0].OnFailure)

	dependents, err := repo.ListDependents(ctx, base.ID())
	require.NoError(t, err)
	require.Len(t, dependents, 1)
	assert.Equal(t, dependent.ID(), dependents[0].ID())
}

func TestUpdateCAS(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c := mustContract(t, "ingest", nil)
	require.NoError(t, repo.Create(ctx, c))

	updated, err := repo.UpdateCAS(ctx, c.ID(), 1, repository.EventDependenciesMet,
		func(c *contract.Contract) error {
			return c.MarkReady()
		})
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, updated.Status())
	assert.Equal(t, int64(2), updated.Version())

	// The stored record carries the new version too
	found, err := repo.Find(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(2), found.Version())
	assert.Equal(t, model.StatusReady, found.Status())
}

func TestUpdateCASVersionConflict(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c := mustContract(t, "ingest", nil)
	require.NoError(t, repo.Create(ctx, c))

	_, err := repo.UpdateCAS(ctx, c.ID(), 1, repository.EventDependenciesMet,
		func(c *contract.Contract) error { return c.MarkReady() })
	require.NoError(t, err)

	// Stale expected version loses
	_, err = repo.UpdateCAS(ctx, c.ID(), 1, repository.EventClaimed,
		func(c *contract.Contract) error { return nil })
	assert.ErrorIs(t, err, repository.ErrVersionConflict)
}

func TestUpdateCASMutateErrorRollsBack(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c := mustContract(t, "ingest", nil)
	require.NoError(t, repo.Create(ctx, c))

	worker, _ := model.NewWorkerIDFromString("host-a:1")
	_, err := repo.UpdateCAS(ctx, c.ID(), 1, repository.EventClaimed,
		func(c *contract.Contract) error { return c.Claim(worker) })
	assert.ErrorIs(t, err, contract.ErrNotReady)

	// Nothing persisted
	found, err := repo.Find(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(1), found.Version())
	assert.Equal(t, model.StatusPending, found.Status())

	history, err := repo.History(ctx, c.ID())
	require.NoError(t, err)
	assert.Len(t, history, 1) // only the created event
}

func TestHistoryAppendOnly(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c := mustContract(t, "ingest", nil)
	require.NoError(t, repo.Create(ctx, c))

	_, err := repo.UpdateCAS(ctx, c.ID(), 1, repository.EventDependenciesMet,
		func(c *contract.Contract) error { return c.MarkReady() })
	require.NoError(t, err)

	worker, _ := model.NewWorkerIDFromString("host-a:1")
	_, err = repo.UpdateCAS(ctx, c.ID(), 2, repository.EventClaimed,
		func(c *contract.Contract) error { return c.Claim(worker) })
	require.NoError(t, err)

	history, err := repo.History(ctx, c.ID())
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, repository.EventCreated, history[0].Event)
	assert.Equal(t, repository.EventDependenciesMet, history[1].Event)
	assert.Equal(t, model.StatusPending, history[1].FromStatus)
	assert.Equal(t, model.StatusReady, history[1].ToStatus)
	assert.Equal(t, repository.EventClaimed, history[2].Event)
	assert.Equal(t, model.StatusClaimed, history[2].ToStatus)
}

func TestListFilters(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := mustContract(t, "a", nil)
	b := mustContract(t, "b", nil)
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))

	_, err := repo.UpdateCAS(ctx, a.ID(), 1, repository.EventDependenciesMet,
		func(c *contract.Contract) error { return c.MarkReady() })
	require.NoError(t, err)

	pending, _, err := repo.List(ctx, repository.Filter{Statuses: []model.Status{model.StatusPending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID(), pending[0].ID())

	all, malformed, err := repo.List(ctx, repository.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Zero(t, malformed)

	// IDs sort by creation order
	assert.Equal(t, a.ID(), all[0].ID())
	assert.Equal(t, b.ID(), all[1].ID())

	limited, _, err := repo.List(ctx, repository.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestListByOwner(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c := mustContract(t, "ingest", nil)
	require.NoError(t, repo.Create(ctx, c))
	_, err := repo.UpdateCAS(ctx, c.ID(), 1, repository.EventDependenciesMet,
		func(c *contract.Contract) error { return c.MarkReady() })
	require.NoError(t, err)

	worker, _ := model.NewWorkerIDFromString("host-a:1")
	_, err = repo.UpdateCAS(ctx, c.ID(), 2, repository.EventClaimed,
		func(c *contract.Contract) error { return c.Claim(worker) })
	require.NoError(t, err)

	mine, _, err := repo.List(ctx, repository.Filter{Owner: &worker})
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	other, _ := model.NewWorkerIDFromString("host-b:2")
	none, _, err := repo.List(ctx, repository.Filter{Owner: &other})
	require.NoError(t, err)
	assert.Empty(t, none)
}

// The pool here has a single connection, so this only passes if List releases
// the listing cursor before loading each contract's dependency edges.
func TestListLoadsDependenciesOnOneConnection(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := mustContract(t, "base", nil)
	require.NoError(t, repo.Create(ctx, base))

	dependent := mustContract(t, "dependent", []contract.Dependency{
		{ContractID: base.ID(), OnFailure: contract.CascadeFail},
	})
	require.NoError(t, repo.Create(ctx, dependent))

	all, malformed, err := repo.List(ctx, repository.Filter{})
	require.NoError(t, err)
	assert.Zero(t, malformed)
	require.Len(t, all, 2)

	assert.Empty(t, all[0].BlockedBy())
	require.Len(t, all[1].BlockedBy(), 1)
	assert.Equal(t, base.ID(), all[1].BlockedBy()[0].ContractID)
}

func TestListSkipsMalformedRecords(t *testing.T) {
	db := openTestDB(t)
	repo := NewContractRepository(db, nil)
	ctx := context.Background()

	good := mustContract(t, "good", nil)
	require.NoError(t, repo.Create(ctx, good))

	_, err := db.Exec(`
		INSERT INTO contracts (id, title, description, spec, status, version,
			retry_count, max_retries, rollback_attempts, last_error, created_at, updated_at)
		VALUES ('01BROKEN', 'broken', '', 'not json', 'pending', 1, 0, 3, 0, '',
			'2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')
	`)
	require.NoError(t, err)

	contracts, malformed, err := repo.List(ctx, repository.Filter{})
	require.NoError(t, err)
	assert.Len(t, contracts, 1)
	assert.Equal(t, 1, malformed)
}

func TestUpdateCASPersistsCandidateOutput(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c := mustContract(t, "ingest", nil)
	require.NoError(t, repo.Create(ctx, c))

	worker, _ := model.NewWorkerIDFromString("host-a:1")
	steps := []struct {
		version int64
		event   string
		mutate  func(c *contract.Contract) error
	}{
		{1, repository.EventDependenciesMet, func(c *contract.Contract) error { return c.MarkReady() }},
		{2, repository.EventClaimed, func(c *contract.Contract) error { return c.Claim(worker) }},
		{3, repository.EventStarted, func(c *contract.Contract) error { return c.Start(worker) }},
		{4, repository.EventExecutionDone, func(c *contract.Contract) error {
			return c.Complete(worker, json.RawMessage(`{"rows": 42}`))
		}},
	}
	for _, step := range steps {
		_, err := repo.UpdateCAS(ctx, c.ID(), step.version, step.event, step.mutate)
		require.NoError(t, err)
	}

	found, err := repo.Find(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, model.StatusVerifying, found.Status())
	assert.JSONEq(t, `{"rows": 42}`, string(found.CandidateOutput()))
	assert.NotNil(t, found.ClaimedAt())
	assert.NotNil(t, found.StartedAt())
	assert.NotNil(t, found.LastHeartbeat())
}
