package experiment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/splitflow/types"
)

// =============================================================================
// 🛠️ 测试管理（操作员专用）
// =============================================================================

// CreateTestInput 创建测试的输入。TrafficAllocation 缺省（nil）时落到
// 配置的默认配比；指针区分"未填"与合法的 0（全量 B）。
type CreateTestInput struct {
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	TrafficAllocation *int           `json:"traffic_allocation,omitempty"`
	PageContext       string         `json:"page_context"`
	TestType          string         `json:"test_type,omitempty"`
	ConfigA           map[string]any `json:"config_a,omitempty"`
	ConfigB           map[string]any `json:"config_b,omitempty"`
	IsActive          bool           `json:"is_active"`
	StartDate         *time.Time     `json:"start_date,omitempty"`
	EndDate           *time.Time     `json:"end_date,omitempty"`
}

// UpdateStatusInput 状态切换输入。nil 字段不变。
type UpdateStatusInput struct {
	IsActive *bool      `json:"is_active,omitempty"`
	EndDate  *time.Time `json:"end_date,omitempty"`
}

// Admin 承载操作员动作：建测试、翻转状态。测试创建后只有激活开关和
// end_date 可变，既有分配不受任何状态变更影响。
type Admin struct {
	db                *gorm.DB
	registry          *Registry
	defaultAllocation int
	logger            *zap.Logger
}

// AdminOption configures an Admin.
type AdminOption func(*Admin)

// WithDefaultAllocation 设置创建测试时未填流量配比的默认值
func WithDefaultAllocation(p int) AdminOption {
	return func(ad *Admin) {
		if p >= 0 && p <= 100 {
			ad.defaultAllocation = p
		}
	}
}

// NewAdmin 创建管理器。registry 非空时状态变更会使其缓存失效。
func NewAdmin(db *gorm.DB, registry *Registry, logger *zap.Logger, opts ...AdminOption) *Admin {
	if logger == nil {
		logger = zap.NewNop()
	}
	ad := &Admin{
		db:                db,
		registry:          registry,
		defaultAllocation: 50,
		logger:            logger.With(zap.String("component", "test_admin")),
	}
	for _, opt := range opts {
		opt(ad)
	}
	return ad
}

// CreateTest 校验并创建测试。流量配比必须落在 [0,100]。
func (ad *Admin) CreateTest(ctx context.Context, in CreateTestInput) (*Test, error) {
	if in.Name == "" {
		return nil, types.NewInvalidInputError("test name is required")
	}
	if in.PageContext == "" {
		return nil, types.NewInvalidInputError("page context is required")
	}
	allocation := ad.defaultAllocation
	if in.TrafficAllocation != nil {
		allocation = *in.TrafficAllocation
	}
	if allocation < 0 || allocation > 100 {
		return nil, types.NewInvalidInputError("traffic allocation must be in [0,100]")
	}

	test := &Test{
		Name:              in.Name,
		Description:       in.Description,
		TrafficAllocation: allocation,
		PageContext:       in.PageContext,
		TestType:          in.TestType,
		ConfigA:           in.ConfigA,
		ConfigB:           in.ConfigB,
		IsActive:          in.IsActive,
		StartDate:         in.StartDate,
		EndDate:           in.EndDate,
	}
	if err := ad.db.WithContext(ctx).Create(test).Error; err != nil {
		return nil, types.NewStorageError("insert test", err)
	}

	ad.invalidate(ctx, test)

	ad.logger.Info("test created",
		zap.Uint("test_id", test.ID),
		zap.String("name", test.Name),
		zap.String("page_context", test.PageContext),
		zap.Int("traffic_allocation", test.TrafficAllocation),
	)
	return test, nil
}

// UpdateTestStatus 翻转激活状态或设置结束时间，返回更新后的测试。
// 这是测试创建后唯一支持的变更；删除不受支持，历史数据始终可查。
func (ad *Admin) UpdateTestStatus(ctx context.Context, testID uint, in UpdateStatusInput) (*Test, error) {
	if in.IsActive == nil && in.EndDate == nil {
		return nil, types.NewInvalidInputError("nothing to update")
	}

	var test Test
	err := ad.db.WithContext(ctx).First(&test, testID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError("test")
	}
	if err != nil {
		return nil, types.NewStorageError("select test", err)
	}

	updates := map[string]any{}
	if in.IsActive != nil {
		updates["is_active"] = *in.IsActive
		test.IsActive = *in.IsActive
	}
	if in.EndDate != nil {
		updates["end_date"] = *in.EndDate
		test.EndDate = in.EndDate
	}
	if err := ad.db.WithContext(ctx).Model(&Test{}).Where("id = ?", testID).Updates(updates).Error; err != nil {
		return nil, types.NewStorageError("update test status", err)
	}

	ad.invalidate(ctx, &test)

	ad.logger.Info("test status updated",
		zap.Uint("test_id", testID),
		zap.Bool("is_active", test.IsActive),
	)
	return &test, nil
}

// ListTests 返回所有测试，最新创建在前
func (ad *Admin) ListTests(ctx context.Context) ([]Test, error) {
	var tests []Test
	if err := ad.db.WithContext(ctx).Order("created_at DESC").Find(&tests).Error; err != nil {
		return nil, types.NewStorageError("select tests", err)
	}
	return tests, nil
}

func (ad *Admin) invalidate(ctx context.Context, test *Test) {
	if ad.registry == nil {
		return
	}
	if err := ad.registry.Invalidate(ctx, test.PageContext, test.TestType); err != nil {
		ad.logger.Warn("registry cache invalidation failed",
			zap.Uint("test_id", test.ID),
			zap.Error(err),
		)
	}
}
