package experiment

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/splitflow/internal/cache"
	"github.com/BaSui01/splitflow/types"
)

func TestActiveTest_NoMatch(t *testing.T) {
	db := setupTestDB(t)
	registry := NewRegistry(db, nil)

	test, err := registry.ActiveTest(context.Background(), "homepage", "")
	require.NoError(t, err)
	assert.Nil(t, test, "no active test must yield nil, not an error")
}

func TestActiveTest_RequiresContext(t *testing.T) {
	db := setupTestDB(t)
	registry := NewRegistry(db, nil)

	_, err := registry.ActiveTest(context.Background(), "", "")
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidInput, types.GetErrorCode(err))
}

func TestActiveTest_FiltersInactiveAndEnded(t *testing.T) {
	db := setupTestDB(t)
	seedTest(t, db, func(tt *Test) { tt.IsActive = false; tt.Name = "inactive" })
	seedTest(t, db, func(tt *Test) {
		tt.Name = "ended"
		tt.EndDate = timePtr(time.Now().Add(-time.Hour))
	})
	live := seedTest(t, db, func(tt *Test) {
		tt.Name = "live"
		tt.EndDate = timePtr(time.Now().Add(24 * time.Hour))
	})

	registry := NewRegistry(db, nil)
	got, err := registry.ActiveTest(context.Background(), "homepage", "headline")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, live.ID, got.ID)
}

func TestActiveTest_TypeFilter(t *testing.T) {
	db := setupTestDB(t)
	headline := seedTest(t, db)
	cta := seedTest(t, db, func(tt *Test) { tt.Name = "cta copy"; tt.TestType = "cta" })

	registry := NewRegistry(db, nil)

	got, err := registry.ActiveTest(context.Background(), "homepage", "cta")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cta.ID, got.ID)

	got, err = registry.ActiveTest(context.Background(), "homepage", "headline")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, headline.ID, got.ID)

	got, err = registry.ActiveTest(context.Background(), "homepage", "missing-type")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// 窗口重叠的两个活跃测试必须每次都确定性地选出最近创建者。
func TestActiveTest_OverlappingPicksMostRecent(t *testing.T) {
	db := setupTestDB(t)
	older := seedTest(t, db, func(tt *Test) {
		tt.Name = "older"
		tt.CreatedAt = time.Now().Add(-2 * time.Hour)
	})
	newer := seedTest(t, db, func(tt *Test) {
		tt.Name = "newer"
		tt.CreatedAt = time.Now().Add(-1 * time.Hour)
	})

	registry := NewRegistry(db, nil)
	for i := 0; i < 5; i++ {
		got, err := registry.ActiveTest(context.Background(), "homepage", "headline")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, newer.ID, got.ID)
		assert.NotEqual(t, older.ID, got.ID)
	}
}

func TestActiveTest_CacheBoundedTTL(t *testing.T) {
	db := setupTestDB(t)
	test := seedTest(t, db)

	mr := miniredis.RunT(t)
	cacheMgr, err := cache.NewManager(cache.Config{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	defer cacheMgr.Close()

	const ttl = 10 * time.Second
	registry := NewRegistry(db, nil, WithActiveTestCache(cacheMgr, ttl))

	got, err := registry.ActiveTest(context.Background(), "homepage", "headline")
	require.NoError(t, err)
	require.NotNil(t, got)

	// 绕过 Invalidate 直接停用：缓存最多再掩盖一个 TTL
	require.NoError(t, db.Model(&Test{}).Where("id = ?", test.ID).Update("is_active", false).Error)

	got, err = registry.ActiveTest(context.Background(), "homepage", "headline")
	require.NoError(t, err)
	require.NotNil(t, got, "within TTL the cached test may still be served")

	mr.FastForward(ttl + time.Second)

	got, err = registry.ActiveTest(context.Background(), "homepage", "headline")
	require.NoError(t, err)
	assert.Nil(t, got, "after TTL the deactivation must be visible")
}

func TestActiveTest_InvalidateClearsCacheImmediately(t *testing.T) {
	db := setupTestDB(t)
	test := seedTest(t, db)

	mr := miniredis.RunT(t)
	cacheMgr, err := cache.NewManager(cache.Config{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	defer cacheMgr.Close()

	registry := NewRegistry(db, nil, WithActiveTestCache(cacheMgr, time.Minute))
	admin := NewAdmin(db, registry, nil)

	got, err := registry.ActiveTest(context.Background(), "homepage", "headline")
	require.NoError(t, err)
	require.NotNil(t, got)

	inactive := false
	_, err = admin.UpdateTestStatus(context.Background(), test.ID, UpdateStatusInput{IsActive: &inactive})
	require.NoError(t, err)

	got, err = registry.ActiveTest(context.Background(), "homepage", "headline")
	require.NoError(t, err)
	assert.Nil(t, got, "status update must invalidate the cache entry")
}

type countingCacheStats struct {
	hits   int
	misses int
}

func (c *countingCacheStats) RecordCacheHit(string)  { c.hits++ }
func (c *countingCacheStats) RecordCacheMiss(string) { c.misses++ }

func TestActiveTest_RecordsCacheStats(t *testing.T) {
	db := setupTestDB(t)
	seedTest(t, db)

	mr := miniredis.RunT(t)
	cacheMgr, err := cache.NewManager(cache.Config{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	defer cacheMgr.Close()

	stats := &countingCacheStats{}
	registry := NewRegistry(db, nil,
		WithActiveTestCache(cacheMgr, time.Minute),
		WithCacheStats(stats))

	_, err = registry.ActiveTest(context.Background(), "homepage", "headline")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.hits)
	assert.Equal(t, 1, stats.misses, "cold cache counts as a miss")

	_, err = registry.ActiveTest(context.Background(), "homepage", "headline")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.hits, "warm cache counts as a hit")
	assert.Equal(t, 1, stats.misses)
}

func TestRegistryGet_NotFound(t *testing.T) {
	db := setupTestDB(t)
	registry := NewRegistry(db, nil)

	_, err := registry.Get(context.Background(), 404)
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}
