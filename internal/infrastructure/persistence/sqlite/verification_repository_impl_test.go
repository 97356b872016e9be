package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model/contract"
)

func TestVerificationResultAppendAndList(t *testing.T) {
	db := openTestDB(t)
	repo := NewVerificationResultRepository(db)
	ctx := context.Background()
	id := model.NewContractID()

	first := contract.NewVerificationResult(id, "unit", true, "ok\t1 passed", 120*time.Millisecond)
	second := contract.NewVerificationResult(id, "lint", false, "3 issues", 40*time.Millisecond)
	review := contract.NewReviewResult(id, "signoff", true, "alice", "looks right")

	require.NoError(t, repo.Append(ctx, first))
	require.NoError(t, repo.Append(ctx, second))
	require.NoError(t, repo.Append(ctx, review))

	results, err := repo.ListByContract(ctx, id)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byName := make(map[string]contract.VerificationResult, len(results))
	for _, r := range results {
		byName[r.CheckName] = r
	}

	assert.True(t, byName["unit"].Passed)
	assert.Equal(t, 120*time.Millisecond, byName["unit"].Duration)

	assert.False(t, byName["lint"].Passed)

	assert.Equal(t, "alice", byName["signoff"].Reviewer)
	assert.Equal(t, "looks right", byName["signoff"].Output)
}

func TestVerificationResultListEmpty(t *testing.T) {
	db := openTestDB(t)
	repo := NewVerificationResultRepository(db)

	results, err := repo.ListByContract(context.Background(), model.NewContractID())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestVerificationCachePutAndGet(t *testing.T) {
	db := openTestDB(t)
	cache := NewVerificationCacheRepository(db)
	ctx := context.Background()

	_, _, ok, err := cache.Get(ctx, "deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Put(ctx, "deadbeef", false, "unit: exit 1"))

	passed, reason, ok, err := cache.Get(ctx, "deadbeef")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, passed)
	assert.Equal(t, "unit: exit 1", reason)

	// First write wins; Put is idempotent for the same hash
	require.NoError(t, cache.Put(ctx, "deadbeef", true, ""))
	passed, _, ok, err = cache.Get(ctx, "deadbeef")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, passed)
}
