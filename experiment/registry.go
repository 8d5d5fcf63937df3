package experiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/splitflow/types"
)

// =============================================================================
// 🗂️ 测试注册表
// =============================================================================

// ActiveTestCache 是注册表可选的前置缓存。*cache.Manager 满足该接口。
// TTL 必须有界：缓存不得让测试停用的可见延迟超过一个 TTL。
type ActiveTestCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// CacheStatsRecorder 接收注册表缓存的命中统计。*metrics.Collector 满足该接口。
type CacheStatsRecorder interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// Registry 读取测试定义，并为给定 (context, type) 过滤出当前活跃的测试。
type Registry struct {
	db     *gorm.DB
	cache  ActiveTestCache
	stats  CacheStatsRecorder
	ttl    time.Duration
	logger *zap.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithActiveTestCache 启用活跃测试缓存，TTL 为 0 时使用 30 秒
func WithActiveTestCache(c ActiveTestCache, ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		r.cache = c
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithCacheStats 上报活跃测试缓存的命中/未命中计数
func WithCacheStats(rec CacheStatsRecorder) RegistryOption {
	return func(r *Registry) {
		r.stats = rec
	}
}

// NewRegistry 创建测试注册表
func NewRegistry(db *gorm.DB, logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		db:     db,
		ttl:    30 * time.Second,
		logger: logger.With(zap.String("component", "test_registry")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ActiveTest 返回 (pageContext, testType) 当前唯一的活跃测试，没有则返回 nil。
// testType 为空时不按类型过滤。窗口重叠的多个活跃测试按创建时间最新者胜出，
// 保证每次调用返回同一个确定的赢家。纯读操作。
func (r *Registry) ActiveTest(ctx context.Context, pageContext, testType string) (*Test, error) {
	if pageContext == "" {
		return nil, types.NewInvalidInputError("page context is required")
	}

	key := activeTestKey(pageContext, testType)
	if r.cache != nil {
		var cached Test
		if err := r.cache.GetJSON(ctx, key, &cached); err == nil {
			r.recordCache(true)
			return &cached, nil
		}
		r.recordCache(false)
	}

	now := time.Now()
	q := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("page_context = ?", pageContext).
		Where("end_date IS NULL OR end_date >= ?", now)
	if testType != "" {
		q = q.Where("test_type = ?", testType)
	}

	var test Test
	err := q.Order("created_at DESC").Order("id DESC").First(&test).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewStorageError("select active test", err)
	}

	if r.cache != nil {
		if err := r.cache.SetJSON(ctx, key, &test, r.ttl); err != nil {
			// 缓存失败只降级为直查，不影响正确性
			r.logger.Warn("active test cache write failed", zap.Error(err))
		}
	}

	r.logger.Debug("active test resolved",
		zap.Uint("test_id", test.ID),
		zap.String("page_context", pageContext),
		zap.String("test_type", testType),
	)

	return &test, nil
}

// Get 按 ID 读取测试
func (r *Registry) Get(ctx context.Context, testID uint) (*Test, error) {
	var test Test
	err := r.db.WithContext(ctx).First(&test, testID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError("test")
	}
	if err != nil {
		return nil, types.NewStorageError("select test", err)
	}
	return &test, nil
}

// Invalidate 清除某测试对应的缓存条目（带类型与不带类型两个键）。
// 停用测试后调用，确保停用可见延迟不超过 TTL。
func (r *Registry) Invalidate(ctx context.Context, pageContext, testType string) error {
	if r.cache == nil {
		return nil
	}
	keys := []string{activeTestKey(pageContext, "")}
	if testType != "" {
		keys = append(keys, activeTestKey(pageContext, testType))
	}
	return r.cache.Delete(ctx, keys...)
}

func (r *Registry) recordCache(hit bool) {
	if r.stats == nil {
		return
	}
	if hit {
		r.stats.RecordCacheHit("active_test")
	} else {
		r.stats.RecordCacheMiss("active_test")
	}
}

func activeTestKey(pageContext, testType string) string {
	return fmt.Sprintf("splitflow:active_test:%s:%s", pageContext, testType)
}
