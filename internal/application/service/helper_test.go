package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/contractd/internal/application/port/output"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model/contract"
	"github.com/YoshitsuguKoike/contractd/internal/domain/repository"
	sqliterepo "github.com/YoshitsuguKoike/contractd/internal/infrastructure/persistence/sqlite"
)

type testStore struct {
	contracts repository.ContractRepository
	results   repository.VerificationResultRepository
	cache     repository.VerificationCacheRepository
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A second pool connection would see a different in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, sqliterepo.NewMigrator(db).Migrate())
	return &testStore{
		contracts: sqliterepo.NewContractRepository(db, nil),
		results:   sqliterepo.NewVerificationResultRepository(db),
		cache:     sqliterepo.NewVerificationCacheRepository(db),
	}
}

func newResolver(store *testStore) *ResolverService {
	return NewResolverService(store.contracts, 5, nil, nil)
}

func testWorker(t *testing.T, name string) model.WorkerID {
	t.Helper()
	w, err := model.NewWorkerIDFromString(name)
	require.NoError(t, err)
	return w
}

// createContract persists a new pending contract
func createContract(t *testing.T, store *testStore, title string, spec contract.Spec, deps []contract.Dependency) *contract.Contract {
	t.Helper()
	c, err := contract.NewContract(title, "", spec, deps, 3)
	require.NoError(t, err)
	require.NoError(t, store.contracts.Create(context.Background(), c))
	return c
}

// createReady persists a contract already promoted to ready
func createReady(t *testing.T, store *testStore, title string, spec contract.Spec) *contract.Contract {
	t.Helper()
	c := createContract(t, store, title, spec, nil)
	ready, err := store.contracts.UpdateCAS(context.Background(), c.ID(), c.Version(),
		repository.EventDependenciesMet,
		func(c *contract.Contract) error { return c.MarkReady() })
	require.NoError(t, err)
	return ready
}

// advanceToVerifying drives a ready contract to verifying with a candidate output
func advanceToVerifying(t *testing.T, store *testStore, c *contract.Contract, worker model.WorkerID, candidate json.RawMessage) *contract.Contract {
	t.Helper()
	ctx := context.Background()

	cur, err := store.contracts.UpdateCAS(ctx, c.ID(), c.Version(), repository.EventClaimed,
		func(c *contract.Contract) error { return c.Claim(worker) })
	require.NoError(t, err)

	cur, err = store.contracts.UpdateCAS(ctx, cur.ID(), cur.Version(), repository.EventStarted,
		func(c *contract.Contract) error { return c.Start(worker) })
	require.NoError(t, err)

	cur, err = store.contracts.UpdateCAS(ctx, cur.ID(), cur.Version(), repository.EventExecutionDone,
		func(c *contract.Contract) error { return c.Complete(worker, candidate) })
	require.NoError(t, err)
	return cur
}

// mustFind re-reads the current state of a contract
func mustFind(t *testing.T, store *testStore, id model.ContractID) *contract.Contract {
	t.Helper()
	c, err := store.contracts.Find(context.Background(), id)
	require.NoError(t, err)
	return c
}

// hasEvent reports whether the contract's history contains the event
func hasEvent(t *testing.T, store *testStore, id model.ContractID, event string) bool {
	t.Helper()
	history, err := store.contracts.History(context.Background(), id)
	require.NoError(t, err)
	for _, e := range history {
		if e.Event == event {
			return true
		}
	}
	return false
}

// scriptedRunner is a CheckRunner whose results are scripted per command
type scriptedRunner struct {
	mu      sync.Mutex
	results map[string]output.CheckResult // keyed by command
	calls   []string
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{results: make(map[string]output.CheckResult)}
}

func (r *scriptedRunner) script(command string, result output.CheckResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[command] = result
}

func (r *scriptedRunner) RunCheck(ctx context.Context, req output.CheckRequest) (*output.CheckResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req.Command)
	result, ok := r.results[req.Command]
	if !ok {
		result = output.CheckResult{ExitCode: 0, Output: "ok"}
	}
	return &result, nil
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
