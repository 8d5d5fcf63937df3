package experiment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/BaSui01/splitflow/types"
)

func insertAssignment(t *testing.T, db *gorm.DB, testID uint, user string, v Variant) *Assignment {
	t.Helper()
	a := &Assignment{
		ID:         uuid.NewString(),
		TestID:     testID,
		UserID:     &user,
		Variant:    v,
		AssignedAt: time.Now(),
	}
	require.NoError(t, db.Create(a).Error)
	return a
}

func insertConversion(t *testing.T, db *gorm.DB, assignmentID string, ct ConversionType) {
	t.Helper()
	require.NoError(t, db.Create(&Conversion{
		ID:           uuid.NewString(),
		AssignmentID: assignmentID,
		Type:         ct,
	}).Error)
}

// 规约场景：3×A（一个 2 次 CLICK，一个 1 次 VIEW，一个无转化），1×B（1 次 CLICK）。
func TestTestResults_MixedConversions(t *testing.T) {
	db := setupTestDB(t)
	test := seedTest(t, db)

	a1 := insertAssignment(t, db, test.ID, "u1", VariantA)
	insertConversion(t, db, a1.ID, ConversionClick)
	insertConversion(t, db, a1.ID, ConversionClick)

	a2 := insertAssignment(t, db, test.ID, "u2", VariantA)
	insertConversion(t, db, a2.ID, ConversionView)

	insertAssignment(t, db, test.ID, "u3", VariantA)

	b1 := insertAssignment(t, db, test.ID, "u4", VariantB)
	insertConversion(t, db, b1.ID, ConversionClick)

	aggregator := NewAggregator(db, nil)
	summary, err := aggregator.TestResults(context.Background(), test.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(4), summary.TotalAssignments)
	assert.Equal(t, int64(3), summary.VariantA.Count)
	assert.Equal(t, int64(1), summary.VariantB.Count)
	assert.InDelta(t, 75.0, summary.VariantA.Percentage, 0.001)
	assert.InDelta(t, 25.0, summary.VariantB.Percentage, 0.001)
	assert.Equal(t, map[ConversionType]int64{
		ConversionClick: 2,
		ConversionView:  1,
	}, summary.VariantA.Conversions)
	assert.Equal(t, map[ConversionType]int64{
		ConversionClick: 1,
	}, summary.VariantB.Conversions)
}

func TestTestResults_ZeroAssignments(t *testing.T) {
	db := setupTestDB(t)
	test := seedTest(t, db)

	aggregator := NewAggregator(db, nil)
	summary, err := aggregator.TestResults(context.Background(), test.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(0), summary.TotalAssignments)
	assert.Zero(t, summary.VariantA.Percentage, "must not divide by zero")
	assert.Zero(t, summary.VariantB.Percentage)
	assert.Empty(t, summary.VariantA.Conversions)
}

func TestTestResults_UnknownTest(t *testing.T) {
	db := setupTestDB(t)
	aggregator := NewAggregator(db, nil)

	_, err := aggregator.TestResults(context.Background(), 9999)
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestListResults_AllTests(t *testing.T) {
	db := setupTestDB(t)
	first := seedTest(t, db, func(tt *Test) {
		tt.Name = "first"
		tt.CreatedAt = time.Now().Add(-time.Hour)
	})
	second := seedTest(t, db, func(tt *Test) { tt.Name = "second"; tt.TestType = "cta" })

	insertAssignment(t, db, first.ID, "u1", VariantA)

	aggregator := NewAggregator(db, nil)
	summaries, err := aggregator.ListResults(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	// 最新创建在前
	assert.Equal(t, second.ID, summaries[0].TestID)
	assert.Equal(t, first.ID, summaries[1].TestID)
	assert.Equal(t, int64(1), summaries[1].TotalAssignments)
}

func TestRecentConversions_OrderAndLimit(t *testing.T) {
	db := setupTestDB(t)
	test := seedTest(t, db)
	a := insertAssignment(t, db, test.ID, "u1", VariantA)

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		require.NoError(t, db.Create(&Conversion{
			ID:           uuid.NewString(),
			AssignmentID: a.ID,
			Type:         ConversionClick,
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		}).Error)
	}

	// 其他测试的转化不得混入
	other := seedTest(t, db, func(tt *Test) { tt.TestType = "cta" })
	oa := insertAssignment(t, db, other.ID, "u2", VariantB)
	insertConversion(t, db, oa.ID, ConversionView)

	aggregator := NewAggregator(db, nil)
	recent, err := aggregator.RecentConversions(context.Background(), test.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)

	for i := 1; i < len(recent); i++ {
		assert.False(t, recent[i-1].CreatedAt.Before(recent[i].CreatedAt), "must be newest first")
	}
	for _, c := range recent {
		assert.Equal(t, a.ID, c.AssignmentID)
	}
}
