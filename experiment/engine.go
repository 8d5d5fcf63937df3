package experiment

import (
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Engine 把四个组件捆成一个注入点：注册表、分配器、记录器、聚合器，
// 外加操作员管理。所有依赖显式传入，无全局状态。
type Engine struct {
	Registry   *Registry
	Assigner   *Assigner
	Recorder   *Recorder
	Aggregator *Aggregator
	Admin      *Admin
}

// EngineOptions 引擎装配选项
type EngineOptions struct {
	// Logger 为空时使用 zap.NewNop()
	Logger *zap.Logger

	// RegistryOptions 透传给 NewRegistry（如活跃测试缓存）
	RegistryOptions []RegistryOption

	// AssignerOptions 透传给 NewAssigner（如固定随机种子）
	AssignerOptions []AssignerOption

	// AdminOptions 透传给 NewAdmin（如默认流量配比）
	AdminOptions []AdminOption
}

// NewEngine 装配实验引擎
func NewEngine(db *gorm.DB, opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := NewRegistry(db, logger, opts.RegistryOptions...)
	return &Engine{
		Registry:   registry,
		Assigner:   NewAssigner(db, logger, opts.AssignerOptions...),
		Recorder:   NewRecorder(db, logger),
		Aggregator: NewAggregator(db, logger),
		Admin:      NewAdmin(db, registry, logger, opts.AdminOptions...),
	}
}
