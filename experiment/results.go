package experiment

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/splitflow/types"
)

// =============================================================================
// 📊 结果聚合器
// =============================================================================

// Aggregator 扫描分配与转化，产出各变体的计数、占比和按类型的转化计数。
// 纯读侧折叠，按请求计算，不做任何缓存。
type Aggregator struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewAggregator 创建结果聚合器
func NewAggregator(db *gorm.DB, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		db:     db,
		logger: logger.With(zap.String("component", "results_aggregator")),
	}
}

// TestResults 计算单个测试的聚合结果。未知测试返回 NotFound。
// 对零分配、零转化分配、多类型混合转化都必须正确；占比在总数为 0 时取 0。
func (g *Aggregator) TestResults(ctx context.Context, testID uint) (*ResultsSummary, error) {
	var test Test
	err := g.db.WithContext(ctx).First(&test, testID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError("test")
	}
	if err != nil {
		return nil, types.NewStorageError("select test", err)
	}

	var assignments []Assignment
	err = g.db.WithContext(ctx).
		Preload("Conversions").
		Where("test_id = ?", testID).
		Find(&assignments).Error
	if err != nil {
		return nil, types.NewStorageError("select assignments", err)
	}

	return summarize(&test, assignments), nil
}

// ListResults 返回所有测试及其聚合结果，按创建时间新旧排序。
func (g *Aggregator) ListResults(ctx context.Context) ([]*ResultsSummary, error) {
	var tests []Test
	if err := g.db.WithContext(ctx).Order("created_at DESC").Find(&tests).Error; err != nil {
		return nil, types.NewStorageError("select tests", err)
	}

	summaries := make([]*ResultsSummary, 0, len(tests))
	for i := range tests {
		var assignments []Assignment
		err := g.db.WithContext(ctx).
			Preload("Conversions").
			Where("test_id = ?", tests[i].ID).
			Find(&assignments).Error
		if err != nil {
			return nil, types.NewStorageError("select assignments", err)
		}
		summaries = append(summaries, summarize(&tests[i], assignments))
	}
	return summaries, nil
}

// RecentConversions 返回某测试最新的 limit 条转化事件。
func (g *Aggregator) RecentConversions(ctx context.Context, testID uint, limit int) ([]Conversion, error) {
	if limit <= 0 {
		limit = 20
	}

	var conversions []Conversion
	err := g.db.WithContext(ctx).
		Joins("JOIN ab_assignments ON ab_assignments.id = ab_conversions.assignment_id").
		Where("ab_assignments.test_id = ?", testID).
		Order("ab_conversions.created_at DESC").
		Limit(limit).
		Find(&conversions).Error
	if err != nil {
		return nil, types.NewStorageError("select recent conversions", err)
	}
	return conversions, nil
}

// summarize 按变体划分分配并折叠转化计数。
// 每个变体的占比除以分配总数；转化按类型计数，一个分配可贡献多个桶。
func summarize(test *Test, assignments []Assignment) *ResultsSummary {
	summary := &ResultsSummary{
		TestID:   test.ID,
		TestName: test.Name,
		IsActive: test.IsActive,
		VariantA: VariantSummary{Conversions: make(map[ConversionType]int64)},
		VariantB: VariantSummary{Conversions: make(map[ConversionType]int64)},
	}

	for i := range assignments {
		a := &assignments[i]
		var vs *VariantSummary
		if a.Variant == VariantA {
			vs = &summary.VariantA
		} else {
			vs = &summary.VariantB
		}
		vs.Count++
		for _, c := range a.Conversions {
			vs.Conversions[c.Type]++
		}
	}

	summary.TotalAssignments = summary.VariantA.Count + summary.VariantB.Count
	if summary.TotalAssignments > 0 {
		total := float64(summary.TotalAssignments)
		summary.VariantA.Percentage = float64(summary.VariantA.Count) / total * 100
		summary.VariantB.Percentage = float64(summary.VariantB.Count) / total * 100
	}

	return summary
}
