package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model/contract"
	"github.com/YoshitsuguKoike/contractd/internal/domain/repository"
	"github.com/YoshitsuguKoike/contractd/internal/infrastructure/transaction"
)

// dbExecutor is an interface for executing database queries
// Satisfied by both *sql.DB and *sql.Tx
type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ContractRepositoryImpl implements repository.ContractRepository with SQLite
type ContractRepositoryImpl struct {
	db      *sql.DB
	warnLog func(format string, args ...interface{})
}

// NewContractRepository creates a new SQLite-based contract repository
func NewContractRepository(db *sql.DB, warnLog func(format string, args ...interface{})) repository.ContractRepository {
	if warnLog == nil {
		warnLog = func(format string, args ...interface{}) {}
	}
	return &ContractRepositoryImpl{db: db, warnLog: warnLog}
}

// getDB returns the appropriate database executor from context
func (r *ContractRepositoryImpl) getDB(ctx context.Context) dbExecutor {
	if tx, ok := transaction.GetTxFromContext(ctx); ok {
		return tx
	}
	return r.db
}

// contractRow mirrors the contracts table for scanning
type contractRow struct {
	id               string
	title            string
	description      string
	spec             string
	status           string
	owner            sql.NullString
	version          int64
	retryCount       int
	maxRetries       int
	rollbackAttempts int
	parentID         sql.NullString
	compensatesFor   sql.NullString
	candidateOutput  sql.NullString
	lastError        string
	createdAt        string
	claimedAt        sql.NullString
	startedAt        sql.NullString
	completedAt      sql.NullString
	lastHeartbeat    sql.NullString
	updatedAt        string
}

const contractColumns = `id, title, description, spec, status, owner, version,
	retry_count, max_retries, rollback_attempts, parent_id, compensates_for,
	candidate_output, last_error, created_at, claimed_at, started_at,
	completed_at, last_heartbeat, updated_at`

// Create persists a new contract and its dependency edges
func (r *ContractRepositoryImpl) Create(ctx context.Context, c *contract.Contract) error {
	db := r.getDB(ctx)

	specJSON, err := json.Marshal(c.Spec())
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}

	insertQuery := `
		INSERT INTO contracts (` + contractColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = db.ExecContext(ctx, insertQuery,
		c.ID().String(),
		c.Title(),
		c.Description(),
		string(specJSON),
		c.Status().String(),
		workerToNull(c.Owner()),
		c.Version(),
		c.RetryCount(),
		c.MaxRetries(),
		c.RollbackAttempts(),
		idToNull(c.ParentID()),
		idToNull(c.CompensatesFor()),
		rawToNull(c.CandidateOutput()),
		c.LastError(),
		c.CreatedAt().Format(time.RFC3339Nano),
		timeToNull(c.ClaimedAt()),
		timeToNull(c.StartedAt()),
		timeToNull(c.CompletedAt()),
		timeToNull(c.LastHeartbeat()),
		c.UpdatedAt().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", repository.ErrDuplicateID, c.ID().String())
		}
		return fmt.Errorf("insert contract: %w", err)
	}

	if err := r.replaceDependencies(ctx, db, c); err != nil {
		return err
	}

	return r.appendHistory(ctx, db, c, repository.EventCreated, c.Status(), c.Status(), "")
}

// Find retrieves a contract by ID
func (r *ContractRepositoryImpl) Find(ctx context.Context, id model.ContractID) (*contract.Contract, error) {
	db := r.getDB(ctx)
	return r.findWith(ctx, db, id)
}

func (r *ContractRepositoryImpl) findWith(ctx context.Context, db dbExecutor, id model.ContractID) (*contract.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE id = ?`
	row := db.QueryRowContext(ctx, query, id.String())

	var cr contractRow
	if err := scanContract(row.Scan, &cr); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, id.String())
		}
		return nil, fmt.Errorf("scan contract: %w", err)
	}

	deps, err := r.loadDependencies(ctx, db, cr.id)
	if err != nil {
		return nil, err
	}

	return rowToDomain(&cr, deps)
}

// UpdateCAS applies mutate under optimistic concurrency control.
// The whole read-mutate-write runs in one transaction; the conditional UPDATE
// on version is the compare-and-swap. A losing caller gets ErrVersionConflict
// and must re-read and re-decide.
func (r *ContractRepositoryImpl) UpdateCAS(
	ctx context.Context,
	id model.ContractID,
	expectedVersion int64,
	event string,
	mutate func(c *contract.Contract) error,
) (*contract.Contract, error) {
	var updated *contract.Contract

	run := func(txCtx context.Context) error {
		db := r.getDB(txCtx)

		current, err := r.findWith(txCtx, db, id)
		if err != nil {
			return err
		}
		if current.Version() != expectedVersion {
			return fmt.Errorf("%w: %s expected %d, stored %d",
				repository.ErrVersionConflict, id.String(), expectedVersion, current.Version())
		}

		fromStatus := current.Status()
		if err := mutate(current); err != nil {
			return err
		}

		specJSON, err := json.Marshal(current.Spec())
		if err != nil {
			return fmt.Errorf("marshal spec: %w", err)
		}

		updateQuery := `
			UPDATE contracts SET
				title = ?, description = ?, spec = ?, status = ?, owner = ?,
				version = ?, retry_count = ?, max_retries = ?, rollback_attempts = ?,
				parent_id = ?, compensates_for = ?, candidate_output = ?, last_error = ?,
				claimed_at = ?, started_at = ?, completed_at = ?, last_heartbeat = ?,
				updated_at = ?
			WHERE id = ? AND version = ?
		`
		result, err := db.ExecContext(txCtx, updateQuery,
			current.Title(),
			current.Description(),
			string(specJSON),
			current.Status().String(),
			workerToNull(current.Owner()),
			expectedVersion+1,
			current.RetryCount(),
			current.MaxRetries(),
			current.RollbackAttempts(),
			idToNull(current.ParentID()),
			idToNull(current.CompensatesFor()),
			rawToNull(current.CandidateOutput()),
			current.LastError(),
			timeToNull(current.ClaimedAt()),
			timeToNull(current.StartedAt()),
			timeToNull(current.CompletedAt()),
			timeToNull(current.LastHeartbeat()),
			current.UpdatedAt().Format(time.RFC3339Nano),
			id.String(),
			expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update contract: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			// Another actor moved the contract between our read and write
			return fmt.Errorf("%w: %s at version %d", repository.ErrVersionConflict, id.String(), expectedVersion)
		}

		if err := r.replaceDependencies(txCtx, db, current); err != nil {
			return err
		}

		if err := r.appendHistory(txCtx, db, current, event, fromStatus, current.Status(), current.LastError()); err != nil {
			return err
		}

		updated = reconstructWithVersion(current, expectedVersion+1)
		return nil
	}

	// Reuse an ambient transaction when one is already open
	if _, ok := transaction.GetTxFromContext(ctx); ok {
		if err := run(ctx); err != nil {
			return nil, err
		}
		return updated, nil
	}

	tm := transaction.NewSQLiteTransactionManager(r.db)
	if err := tm.InTransaction(ctx, run); err != nil {
		return nil, err
	}
	return updated, nil
}

// InTransaction runs fn in one SQLite transaction, reusing an ambient one
// when the context already carries it
func (r *ContractRepositoryImpl) InTransaction(ctx context.Context, fn func(txCtx context.Context) error) error {
	if _, ok := transaction.GetTxFromContext(ctx); ok {
		return fn(ctx)
	}
	return transaction.NewSQLiteTransactionManager(r.db).InTransaction(ctx, fn)
}

// List returns contracts matching the filter. A malformed record is skipped
// and reported, never fatal to the whole listing.
func (r *ContractRepositoryImpl) List(ctx context.Context, filter repository.Filter) ([]*contract.Contract, int, error) {
	db := r.getDB(ctx)

	query := `SELECT ` + contractColumns + ` FROM contracts`
	var conds []string
	var args []interface{}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, s.String())
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Owner != nil {
		conds = append(conds, "owner = ?")
		args = append(args, filter.Owner.String())
	}
	if filter.ParentID != nil {
		conds = append(conds, "parent_id = ?")
		args = append(args, filter.ParentID.String())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query contracts: %w", err)
	}

	var scanned []contractRow
	malformed := 0
	for rows.Next() {
		var cr contractRow
		if err := scanContract(rows.Scan, &cr); err != nil {
			malformed++
			r.warnLog("skipping malformed contract record: %v", err)
			continue
		}
		scanned = append(scanned, cr)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, malformed, fmt.Errorf("iterate contracts: %w", err)
	}
	// The dependency queries below need a connection; the listing cursor must
	// be closed first or a single-connection pool never hands one out
	if err := rows.Close(); err != nil {
		return nil, malformed, fmt.Errorf("close contract rows: %w", err)
	}

	var contracts []*contract.Contract
	for i := range scanned {
		cr := &scanned[i]
		deps, err := r.loadDependencies(ctx, db, cr.id)
		if err != nil {
			malformed++
			r.warnLog("skipping contract %s: load dependencies: %v", cr.id, err)
			continue
		}

		c, err := rowToDomain(cr, deps)
		if err != nil {
			malformed++
			r.warnLog("skipping malformed contract %s: %v", cr.id, err)
			continue
		}
		contracts = append(contracts, c)
	}
	return contracts, malformed, nil
}

// ListDependents returns contracts blocked by the given contract
func (r *ContractRepositoryImpl) ListDependents(ctx context.Context, id model.ContractID) ([]*contract.Contract, error) {
	db := r.getDB(ctx)

	rows, err := db.QueryContext(ctx,
		`SELECT contract_id FROM contract_dependencies WHERE depends_on = ? ORDER BY contract_id ASC`,
		id.String())
	if err != nil {
		return nil, fmt.Errorf("query dependents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var dependent string
		if err := rows.Scan(&dependent); err != nil {
			return nil, fmt.Errorf("scan dependent: %w", err)
		}
		ids = append(ids, dependent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependents: %w", err)
	}

	var dependents []*contract.Contract
	for _, depID := range ids {
		cid, err := model.NewContractIDFromString(depID)
		if err != nil {
			continue
		}
		c, err := r.findWith(ctx, db, cid)
		if err != nil {
			r.warnLog("skipping dependent %s: %v", depID, err)
			continue
		}
		dependents = append(dependents, c)
	}
	return dependents, nil
}

// History returns the append-only history trace for a contract
func (r *ContractRepositoryImpl) History(ctx context.Context, id model.ContractID) ([]repository.HistoryEntry, error) {
	db := r.getDB(ctx)

	rows, err := db.QueryContext(ctx, `
		SELECT id, contract_id, version, event, from_status, to_status, detail, created_at
		FROM contract_history
		WHERE contract_id = ?
		ORDER BY version ASC, created_at ASC
	`, id.String())
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []repository.HistoryEntry
	for rows.Next() {
		var (
			entryID    string
			contractID string
			version    int64
			event      string
			fromStatus string
			toStatus   string
			detail     string
			createdAt  string
		)
		if err := rows.Scan(&entryID, &contractID, &version, &event, &fromStatus, &toStatus, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}

		cid, _ := model.NewContractIDFromString(contractID)
		createdAtTime, _ := time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, repository.HistoryEntry{
			ID:         entryID,
			ContractID: cid,
			Version:    version,
			Event:      event,
			FromStatus: model.Status(fromStatus),
			ToStatus:   model.Status(toStatus),
			Detail:     detail,
			CreatedAt:  createdAtTime,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

func (r *ContractRepositoryImpl) appendHistory(ctx context.Context, db dbExecutor, c *contract.Contract, event string, from, to model.Status, detail string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO contract_history (id, contract_id, version, event, from_status, to_status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		uuid.New().String(),
		c.ID().String(),
		c.Version(),
		event,
		from.String(),
		to.String(),
		detail,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (r *ContractRepositoryImpl) replaceDependencies(ctx context.Context, db dbExecutor, c *contract.Contract) error {
	if _, err := db.ExecContext(ctx,
		`DELETE FROM contract_dependencies WHERE contract_id = ?`, c.ID().String()); err != nil {
		return fmt.Errorf("clear dependencies: %w", err)
	}
	for _, dep := range c.BlockedBy() {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO contract_dependencies (contract_id, depends_on, on_failure)
			VALUES (?, ?, ?)
		`, c.ID().String(), dep.ContractID.String(), string(dep.OnFailure)); err != nil {
			return fmt.Errorf("insert dependency: %w", err)
		}
	}
	return nil
}

func (r *ContractRepositoryImpl) loadDependencies(ctx context.Context, db dbExecutor, contractID string) ([]contract.Dependency, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT depends_on, on_failure FROM contract_dependencies
		WHERE contract_id = ?
		ORDER BY depends_on ASC
	`, contractID)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()

	var deps []contract.Dependency
	for rows.Next() {
		var dependsOn, onFailure string
		if err := rows.Scan(&dependsOn, &onFailure); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		depID, err := model.NewContractIDFromString(dependsOn)
		if err != nil {
			return nil, fmt.Errorf("invalid dependency ID: %w", err)
		}
		policy := contract.CascadePolicy(onFailure)
		if !policy.IsValid() {
			policy = contract.CascadeFail
		}
		deps = append(deps, contract.Dependency{ContractID: depID, OnFailure: policy})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependencies: %w", err)
	}
	return deps, nil
}

func scanContract(scan func(dest ...interface{}) error, cr *contractRow) error {
	return scan(
		&cr.id, &cr.title, &cr.description, &cr.spec, &cr.status, &cr.owner,
		&cr.version, &cr.retryCount, &cr.maxRetries, &cr.rollbackAttempts,
		&cr.parentID, &cr.compensatesFor, &cr.candidateOutput, &cr.lastError,
		&cr.createdAt, &cr.claimedAt, &cr.startedAt, &cr.completedAt,
		&cr.lastHeartbeat, &cr.updatedAt,
	)
}

func rowToDomain(cr *contractRow, deps []contract.Dependency) (*contract.Contract, error) {
	id, err := model.NewContractIDFromString(cr.id)
	if err != nil {
		return nil, fmt.Errorf("invalid contract ID: %w", err)
	}

	var spec contract.Spec
	if err := json.Unmarshal([]byte(cr.spec), &spec); err != nil {
		return nil, fmt.Errorf("unmarshal spec: %w", err)
	}

	status := model.Status(cr.status)
	if !status.IsValid() {
		return nil, fmt.Errorf("invalid status: %s", cr.status)
	}

	var owner *model.WorkerID
	if cr.owner.Valid && cr.owner.String != "" {
		w, err := model.NewWorkerIDFromString(cr.owner.String)
		if err != nil {
			return nil, fmt.Errorf("invalid owner: %w", err)
		}
		owner = &w
	}

	createdAt, err := time.Parse(time.RFC3339Nano, cr.createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, cr.updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	var candidateOutput json.RawMessage
	if cr.candidateOutput.Valid && cr.candidateOutput.String != "" {
		candidateOutput = json.RawMessage(cr.candidateOutput.String)
	}

	return contract.ReconstructContract(
		id,
		cr.title,
		cr.description,
		spec,
		status,
		owner,
		cr.version,
		cr.retryCount,
		cr.maxRetries,
		cr.rollbackAttempts,
		deps,
		nullToID(cr.parentID),
		nullToID(cr.compensatesFor),
		candidateOutput,
		cr.lastError,
		createdAt,
		nullToTime(cr.claimedAt),
		nullToTime(cr.startedAt),
		nullToTime(cr.completedAt),
		nullToTime(cr.lastHeartbeat),
		updatedAt,
	), nil
}

// reconstructWithVersion returns a copy of c carrying the persisted version
func reconstructWithVersion(c *contract.Contract, version int64) *contract.Contract {
	return contract.ReconstructContract(
		c.ID(), c.Title(), c.Description(), c.Spec(), c.Status(), c.Owner(),
		version, c.RetryCount(), c.MaxRetries(), c.RollbackAttempts(),
		c.BlockedBy(), c.ParentID(), c.CompensatesFor(), c.CandidateOutput(),
		c.LastError(), c.CreatedAt(), c.ClaimedAt(), c.StartedAt(),
		c.CompletedAt(), c.LastHeartbeat(), c.UpdatedAt(),
	)
}

func workerToNull(w *model.WorkerID) sql.NullString {
	if w == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: w.String(), Valid: true}
}

func idToNull(id *model.ContractID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func rawToNull(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func timeToNull(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullToID(ns sql.NullString) *model.ContractID {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	id, err := model.NewContractIDFromString(ns.String)
	if err != nil {
		return nil
	}
	return &id
}

func nullToTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// isUniqueConstraintError checks if the error is a UNIQUE constraint violation
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
