package db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCache(t *testing.T) (*CacheRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	repo, err := NewCacheRepository("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo, mr
}

func TestCacheRepository_AcquireLock(t *testing.T) {
	repo, _ := setupCache(t)
	ctx := context.Background()

	acquired, err := repo.AcquireLock(ctx, "sla_monitor", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Second acquisition while the lock is held must fail.
	acquired, err = repo.AcquireLock(ctx, "sla_monitor", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, repo.ReleaseLock(ctx, "sla_monitor"))

	acquired, err = repo.AcquireLock(ctx, "sla_monitor", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestCacheRepository_LockExpiry(t *testing.T) {
	repo, mr := setupCache(t)
	ctx := context.Background()

	acquired, err := repo.AcquireLock(ctx, "sla_monitor", 10*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	mr.FastForward(11 * time.Second)

	acquired, err = repo.AcquireLock(ctx, "sla_monitor", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired, "expired lock should be acquirable")
}

func TestCacheRepository_SetGetCache(t *testing.T) {
	repo, _ := setupCache(t)
	ctx := context.Background()

	stored := map[string]interface{}{"status": "classifying", "page_count": float64(4)}
	require.NoError(t, repo.SetCache(ctx, "request:abc", stored, time.Minute))

	var loaded map[string]interface{}
	require.NoError(t, repo.GetCache(ctx, "request:abc", &loaded))
	assert.Equal(t, stored, loaded)

	err := repo.GetCache(ctx, "request:missing", &loaded)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache miss")
}

func TestNewCacheRepository_BadURL(t *testing.T) {
	_, err := NewCacheRepository("not-a-url")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse Redis URL")
}
