package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/splitflow/api/handlers"
	"github.com/BaSui01/splitflow/config"
	"github.com/BaSui01/splitflow/experiment"
	"github.com/BaSui01/splitflow/internal/cache"
	"github.com/BaSui01/splitflow/internal/database"
	"github.com/BaSui01/splitflow/internal/metrics"
	"github.com/BaSui01/splitflow/internal/server"
	"github.com/BaSui01/splitflow/internal/telemetry"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 SplitFlow 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers
	db     *gorm.DB

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 存储层
	pool         *database.PoolManager
	cacheManager *cache.Manager

	// 实验引擎
	engine *experiment.Engine

	// Handlers
	healthHandler     *handlers.HealthHandler
	experimentHandler *handlers.ExperimentHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 后台 goroutine 生命周期管理（限流清理、连接池指标）
	bgCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers, db *gorm.DB) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otel,
		db:     db,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("splitflow", s.logger)

	// 2. 初始化存储层
	if err := s.initStorage(); err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}

	// 3. 装配实验引擎
	s.initEngine()

	// 4. 初始化 Handlers
	s.initHandlers()

	// 5. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 6. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("cache_enabled", s.cacheManager != nil),
		zap.Bool("auth_enabled", s.cfg.Auth.Enabled),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initStorage 初始化连接池与可选的 Redis 缓存
func (s *Server) initStorage() error {
	poolCfg := database.DefaultPoolConfig()
	if s.cfg.Database.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = s.cfg.Database.MaxOpenConns
	}
	if s.cfg.Database.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = s.cfg.Database.MaxIdleConns
	}
	if s.cfg.Database.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = s.cfg.Database.ConnMaxLifetime
	}

	pool, err := database.NewPoolManager(s.db, poolCfg, s.logger)
	if err != nil {
		return err
	}
	s.pool = pool

	// Redis 缓存可选：连不上只降级为直查数据库，不阻止启动
	if s.cfg.Redis.Enabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = s.cfg.Redis.Addr
		cacheCfg.Password = s.cfg.Redis.Password
		cacheCfg.DB = s.cfg.Redis.DB
		if s.cfg.Redis.PoolSize > 0 {
			cacheCfg.PoolSize = s.cfg.Redis.PoolSize
		}
		if s.cfg.Redis.MinIdleConns > 0 {
			cacheCfg.MinIdleConns = s.cfg.Redis.MinIdleConns
		}
		cacheCfg.DefaultTTL = s.cfg.Experiment.CacheTTL

		manager, err := cache.NewManager(cacheCfg, s.logger)
		if err != nil {
			s.logger.Warn("Redis not available, active test cache disabled", zap.Error(err))
		} else {
			s.cacheManager = manager
		}
	}

	return nil
}

// initEngine 装配实验引擎，缓存可用时挂到注册表前面
func (s *Server) initEngine() {
	opts := experiment.EngineOptions{
		Logger: s.logger,
		AdminOptions: []experiment.AdminOption{
			experiment.WithDefaultAllocation(s.cfg.Experiment.DefaultTrafficAllocation),
		},
	}
	if s.cacheManager != nil {
		opts.RegistryOptions = append(opts.RegistryOptions,
			experiment.WithActiveTestCache(s.cacheManager, s.cfg.Experiment.CacheTTL),
			experiment.WithCacheStats(s.metricsCollector))
	}
	s.engine = experiment.NewEngine(s.db, opts)
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	// 健康检查 handler
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("database", s.pool.Ping))
	if s.cacheManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("redis", s.cacheManager.Ping))
	}

	// 实验 handler
	s.experimentHandler = handlers.NewExperimentHandler(
		s.engine,
		s.metricsCollector,
		s.cfg.Experiment.RecentConversionsLimit,
		s.logger,
	)

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 实验 API 路由
	// ========================================
	mux.HandleFunc("/api/v1/experiments/assignment", s.experimentHandler.HandleAssignment)
	mux.HandleFunc("/api/v1/experiments/conversions", s.experimentHandler.HandleTrackConversion)
	mux.HandleFunc("/api/v1/experiments/results", s.experimentHandler.HandleListResults)
	mux.HandleFunc("/api/v1/experiments/results/{id}", s.experimentHandler.HandleTestResults)
	mux.HandleFunc("/api/v1/experiments/tests", s.experimentHandler.HandleTests)
	mux.HandleFunc("/api/v1/experiments/tests/{id}/status", s.experimentHandler.HandleUpdateTestStatus)

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	s.bgCancel = bgCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
	}
	if s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	middlewares = append(middlewares, CORS(s.cfg.Server.CORSAllowedOrigins))
	if s.cfg.Auth.Enabled {
		middlewares = append(middlewares, JWTAuth(s.cfg.Auth, skipAuthPaths, s.logger))
	} else {
		// 本地开发模式：无鉴权，所有请求视为 operator
		middlewares = append(middlewares, GrantOperator())
	}
	if s.cfg.RateLimit.Enabled {
		middlewares = append(middlewares,
			IdentityRateLimiter(bgCtx, s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst, s.logger))
	}

	handler := Chain(mux, middlewares...)

	// 连接池指标上报
	s.startPoolStatsLoop(bgCtx)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// startPoolStatsLoop 周期性把连接池状态写入 Prometheus 指标
func (s *Server) startPoolStatsLoop(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := s.pool.Stats()
				s.metricsCollector.RecordDBConnections(s.cfg.Database.Driver, stats.OpenConnections, stats.Idle)
			}
		}
	}()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 0. 停止后台 goroutine（限流清理、连接池指标）
	if s.bgCancel != nil {
		s.bgCancel()
	}

	// 1. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭缓存与连接池
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("Cache shutdown error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("Database pool shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭 OpenTelemetry providers
	if s.otel != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.otel.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
		cancel()
	}

	// 5. 等待所有 goroutine 完成
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
