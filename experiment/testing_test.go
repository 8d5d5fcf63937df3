package experiment

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, InitDatabase(db))
	return db
}

// setupFileDB 建临时文件库，供并发用例使用（:memory: 不适合多连接）。
func setupFileDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "splitflow_test.db") + "?_pragma=busy_timeout(10000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, InitDatabase(db))
	return db
}

func seedTest(t *testing.T, db *gorm.DB, mutate ...func(*Test)) *Test {
	t.Helper()
	test := &Test{
		Name:              "homepage headline",
		IsActive:          true,
		TrafficAllocation: 50,
		PageContext:       "homepage",
		TestType:          "headline",
		ConfigA:           map[string]any{"text": "Learn faster"},
		ConfigB:           map[string]any{"text": "Master any skill"},
	}
	for _, m := range mutate {
		m(test)
	}
	require.NoError(t, db.Create(test).Error)
	return test
}

func timePtr(ts time.Time) *time.Time { return &ts }
