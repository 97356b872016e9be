package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model/contract"
	"github.com/YoshitsuguKoike/contractd/internal/domain/repository"
	"github.com/YoshitsuguKoike/contractd/internal/infrastructure/transaction"
)

// VerificationResultRepositoryImpl implements repository.VerificationResultRepository with SQLite
type VerificationResultRepositoryImpl struct {
	db *sql.DB
}

// NewVerificationResultRepository creates a new SQLite-based verification result repository
func NewVerificationResultRepository(db *sql.DB) repository.VerificationResultRepository {
	return &VerificationResultRepositoryImpl{db: db}
}

func (r *VerificationResultRepositoryImpl) getDB(ctx context.Context) dbExecutor {
	if tx, ok := transaction.GetTxFromContext(ctx); ok {
		return tx
	}
	return r.db
}

// Append records one check result. The trace is append-only.
func (r *VerificationResultRepositoryImpl) Append(ctx context.Context, result contract.VerificationResult) error {
	db := r.getDB(ctx)

	_, err := db.ExecContext(ctx, `
		INSERT INTO verification_results (id, contract_id, check_name, passed, output, duration_ms, reviewer, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.ID,
		result.ContractID.String(),
		result.CheckName,
		boolToInt(result.Passed),
		result.Output,
		result.Duration.Milliseconds(),
		result.Reviewer,
		result.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert verification result: %w", err)
	}
	return nil
}

// ListByContract returns all results for a contract, oldest first
func (r *VerificationResultRepositoryImpl) ListByContract(ctx context.Context, id model.ContractID) ([]contract.VerificationResult, error) {
	db := r.getDB(ctx)

	rows, err := db.QueryContext(ctx, `
		SELECT id, contract_id, check_name, passed, output, duration_ms, reviewer, created_at
		FROM verification_results
		WHERE contract_id = ?
		ORDER BY created_at ASC, id ASC
	`, id.String())
	if err != nil {
		return nil, fmt.Errorf("query verification results: %w", err)
	}
	defer rows.Close()

	var results []contract.VerificationResult
	for rows.Next() {
		var (
			resultID   string
			contractID string
			checkName  string
			passed     int
			output     string
			durationMS int64
			reviewer   string
			createdAt  string
		)
		if err := rows.Scan(&resultID, &contractID, &checkName, &passed, &output, &durationMS, &reviewer, &createdAt); err != nil {
			return nil, fmt.Errorf("scan verification result: %w", err)
		}

		cid, _ := model.NewContractIDFromString(contractID)
		createdAtTime, _ := time.Parse(time.RFC3339Nano, createdAt)
		results = append(results, contract.VerificationResult{
			ID:         resultID,
			ContractID: cid,
			CheckName:  checkName,
			Passed:     passed != 0,
			Output:     output,
			Duration:   time.Duration(durationMS) * time.Millisecond,
			Reviewer:   reviewer,
			CreatedAt:  createdAtTime,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verification results: %w", err)
	}
	return results, nil
}

// VerificationCacheRepositoryImpl implements repository.VerificationCacheRepository with SQLite
type VerificationCacheRepositoryImpl struct {
	db *sql.DB
}

// NewVerificationCacheRepository creates a new SQLite-based verification cache repository
func NewVerificationCacheRepository(db *sql.DB) repository.VerificationCacheRepository {
	return &VerificationCacheRepositoryImpl{db: db}
}

func (r *VerificationCacheRepositoryImpl) getDB(ctx context.Context) dbExecutor {
	if tx, ok := transaction.GetTxFromContext(ctx); ok {
		return tx
	}
	return r.db
}

// Get returns the cached outcome for a content hash
func (r *VerificationCacheRepositoryImpl) Get(ctx context.Context, contentHash string) (bool, string, bool, error) {
	db := r.getDB(ctx)

	var passed int
	var reason string
	err := db.QueryRowContext(ctx,
		`SELECT passed, reason FROM verification_cache WHERE content_hash = ?`,
		contentHash).Scan(&passed, &reason)
	if err == sql.ErrNoRows {
		return false, "", false, nil
	}
	if err != nil {
		return false, "", false, fmt.Errorf("query verification cache: %w", err)
	}
	return passed != 0, reason, true, nil
}

// Put stores an outcome for a content hash. A hash is deterministic over its
// inputs, so an existing entry is simply kept.
func (r *VerificationCacheRepositoryImpl) Put(ctx context.Context, contentHash string, passed bool, reason string) error {
	db := r.getDB(ctx)

	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO verification_cache (content_hash, passed, reason, created_at)
		VALUES (?, ?, ?, ?)
	`, contentHash, boolToInt(passed), reason, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert verification cache entry: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
