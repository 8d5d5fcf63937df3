package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/splitflow/experiment"
	"github.com/BaSui01/splitflow/internal/metrics"
	"github.com/BaSui01/splitflow/types"
)

// RoleOperator 是结果查看与测试管理端点要求的调用方角色
const RoleOperator = "operator"

// SessionHeader 与 SessionCookie 是匿名会话身份的回退来源
const (
	SessionHeader = "X-Session-ID"
	SessionCookie = "splitflow_session"
)

// =============================================================================
// 🧪 实验 API 处理器
// =============================================================================

// ExperimentHandler 挂载实验引擎的全部 HTTP 端点：变体分配、转化上报、
// 结果查看与测试管理。后两组仅对 operator 角色开放。
type ExperimentHandler struct {
	engine      *experiment.Engine
	metrics     *metrics.Collector
	logger      *zap.Logger
	recentLimit int
}

// NewExperimentHandler 创建实验处理器。collector 可为 nil（不采集指标），
// recentLimit <= 0 时取默认 20。
func NewExperimentHandler(engine *experiment.Engine, collector *metrics.Collector, recentLimit int, logger *zap.Logger) *ExperimentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recentLimit <= 0 {
		recentLimit = 20
	}
	return &ExperimentHandler{
		engine:      engine,
		metrics:     collector,
		logger:      logger.With(zap.String("component", "experiment_handler")),
		recentLimit: recentLimit,
	}
}

// resolveIdentity 解析调用方身份：user_id 声明优先，其次 session_id 声明，
// 再次 X-Session-ID 头，最后会话 cookie。全部缺失时返回零值。
func resolveIdentity(r *http.Request) types.Identity {
	if userID, ok := types.UserID(r.Context()); ok && userID != "" {
		return types.UserIdentity(userID)
	}
	if sessionID, ok := types.SessionID(r.Context()); ok && sessionID != "" {
		return types.SessionIdentity(sessionID)
	}
	if sessionID := strings.TrimSpace(r.Header.Get(SessionHeader)); sessionID != "" {
		return types.SessionIdentity(sessionID)
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return types.SessionIdentity(cookie.Value)
	}
	return types.Identity{}
}

// requireOperator 校验 operator 角色，失败时写 403 并返回 false
func (h *ExperimentHandler) requireOperator(w http.ResponseWriter, r *http.Request) bool {
	if !types.HasRole(r.Context(), RoleOperator) {
		WriteError(w, types.NewForbiddenError("operator role required"), h.logger)
		return false
	}
	return true
}

// extractTestID 从请求中提取测试 ID（Go 1.22+ PathValue 优先，回退到路径解析）
func extractTestID(r *http.Request) (uint, bool) {
	idStr := r.PathValue("id")
	if idStr == "" {
		// 回退：从路径手动解析，取最后一个数字段
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		for i := len(parts) - 1; i >= 0; i-- {
			if _, err := strconv.ParseUint(parts[i], 10, 64); err == nil {
				idStr = parts[i]
				break
			}
		}
		if idStr == "" {
			return 0, false
		}
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func testLabel(testID uint) string {
	return strconv.FormatUint(uint64(testID), 10)
}

// =============================================================================
// 🎯 变体分配
// =============================================================================

// assignmentResponse 是分配端点的成功负载
type assignmentResponse struct {
	Assignment *assignmentBody `json:"assignment"`
}

type assignmentBody struct {
	AssignmentID  string         `json:"assignment_id"`
	TestID        uint           `json:"test_id"`
	TestType      string         `json:"test_type"`
	Context       string         `json:"context"`
	Variant       string         `json:"variant"`
	VariantConfig map[string]any `json:"variant_config,omitempty"`
	AssignedAt    time.Time      `json:"assigned_at"`
}

// HandleAssignment GET /api/v1/experiments/assignment?context=...&type=...
//
// 解析调用方身份后返回其在当前活跃测试下的稳定变体；同一身份重复调用
// 永远得到同一分配。无活跃测试时 data.assignment 为 null。
func (h *ExperimentHandler) HandleAssignment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidInput, "method not allowed", h.logger)
		return
	}

	pageContext := strings.TrimSpace(r.URL.Query().Get("context"))
	if pageContext == "" {
		WriteError(w, types.NewInvalidInputError("query parameter 'context' is required"), h.logger)
		return
	}
	testType := strings.TrimSpace(r.URL.Query().Get("type"))

	identity := resolveIdentity(r)
	if identity.IsZero() {
		WriteError(w, types.NewError(types.ErrMissingIdentity,
			"caller identity required: user claim, session claim, X-Session-ID header or session cookie").
			WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}

	test, err := h.engine.Registry.ActiveTest(r.Context(), pageContext, testType)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordActiveTestLookup(pageContext, test != nil)
	}
	if test == nil {
		WriteSuccess(w, assignmentResponse{Assignment: nil})
		return
	}

	start := time.Now()
	assignment, err := h.engine.Assigner.Assign(r.Context(), test.ID, identity)
	if err != nil {
		// 缓存可在一个 TTL 内继续返回已停用的测试；分配器以数据库为准
		// 拒绝新分配时，对调用方等同于"无活跃测试"，顺手清掉过期缓存项。
		if types.GetErrorCode(err) == types.ErrTestNotActive {
			if ierr := h.engine.Registry.Invalidate(r.Context(), test.PageContext, test.TestType); ierr != nil {
				h.logger.Warn("stale active test cache invalidation failed", zap.Error(ierr))
			}
			WriteSuccess(w, assignmentResponse{Assignment: nil})
			return
		}
		if h.metrics != nil {
			h.metrics.RecordAssignment(testLabel(test.ID), "", "error", time.Since(start))
		}
		WriteDomainError(w, err, h.logger)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordAssignment(testLabel(test.ID), string(assignment.Variant), "ok", time.Since(start))
	}

	WriteSuccess(w, assignmentResponse{Assignment: &assignmentBody{
		AssignmentID:  assignment.ID,
		TestID:        test.ID,
		TestType:      test.TestType,
		Context:       test.PageContext,
		Variant:       string(assignment.Variant),
		VariantConfig: test.VariantConfig(assignment.Variant),
		AssignedAt:    assignment.AssignedAt,
	}})
}

// =============================================================================
// 📝 转化上报
// =============================================================================

// trackConversionRequest 转化上报请求体
type trackConversionRequest struct {
	AssignmentID   string         `json:"assignment_id"`
	ConversionType string         `json:"conversion_type"`
	ResourceURL    string         `json:"resource_url,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// HandleTrackConversion POST /api/v1/experiments/conversions
//
// 把一次转化事件追加到调用方自己的分配上。未知分配返回 404，
// 他人的分配返回 403，未知转化类型返回 400。
func (h *ExperimentHandler) HandleTrackConversion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidInput, "method not allowed", h.logger)
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req trackConversionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	identity := resolveIdentity(r)
	if identity.IsZero() {
		WriteError(w, types.NewError(types.ErrMissingIdentity,
			"caller identity required to attribute a conversion").
			WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}

	conversion, err := h.engine.Recorder.Track(r.Context(), experiment.TrackConversionInput{
		AssignmentID: req.AssignmentID,
		Type:         experiment.ConversionType(req.ConversionType),
		ResourceURL:  req.ResourceURL,
		Metadata:     req.Metadata,
		Caller:       identity,
	})
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordConversion(testLabel(conversion.TestID), string(conversion.Type))
	}

	WriteCreated(w, conversion)
}

// =============================================================================
// 📊 结果查看（operator）
// =============================================================================

// testResultsResponse 单测试结果 = 聚合摘要 + 最近转化
type testResultsResponse struct {
	Summary           *experiment.ResultsSummary `json:"summary"`
	RecentConversions []experiment.Conversion    `json:"recent_conversions"`
}

// HandleListResults GET /api/v1/experiments/results
func (h *ExperimentHandler) HandleListResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidInput, "method not allowed", h.logger)
		return
	}
	if !h.requireOperator(w, r) {
		return
	}

	summaries, err := h.engine.Aggregator.ListResults(r.Context())
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, summaries)
}

// HandleTestResults GET /api/v1/experiments/results/{id}
func (h *ExperimentHandler) HandleTestResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidInput, "method not allowed", h.logger)
		return
	}
	if !h.requireOperator(w, r) {
		return
	}

	testID, ok := extractTestID(r)
	if !ok {
		WriteError(w, types.NewInvalidInputError("invalid test ID"), h.logger)
		return
	}

	summary, err := h.engine.Aggregator.TestResults(r.Context(), testID)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	recent, err := h.engine.Aggregator.RecentConversions(r.Context(), testID, h.recentLimit)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	if recent == nil {
		recent = []experiment.Conversion{}
	}

	WriteSuccess(w, testResultsResponse{
		Summary:           summary,
		RecentConversions: recent,
	})
}

// =============================================================================
// 🛠️ 测试管理（operator）
// =============================================================================

// HandleTests 复用同一路径处理测试集合：
// GET /api/v1/experiments/tests 列出全部测试，POST 创建新测试。
func (h *ExperimentHandler) HandleTests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleListTests(w, r)
	case http.MethodPost:
		h.handleCreateTest(w, r)
	default:
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidInput, "method not allowed", h.logger)
	}
}

func (h *ExperimentHandler) handleListTests(w http.ResponseWriter, r *http.Request) {
	if !h.requireOperator(w, r) {
		return
	}

	tests, err := h.engine.Admin.ListTests(r.Context())
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, tests)
}

func (h *ExperimentHandler) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	if !h.requireOperator(w, r) {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var in experiment.CreateTestInput
	if err := DecodeJSONBody(w, r, &in, h.logger); err != nil {
		return
	}

	test, err := h.engine.Admin.CreateTest(r.Context(), in)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	if h.metrics != nil && test.IsActive {
		h.metrics.RecordTestStatusChange(testLabel(test.ID), "active")
	}

	WriteCreated(w, test)
}

// HandleUpdateTestStatus PATCH /api/v1/experiments/tests/{id}/status
//
// 翻转激活开关或设置结束日期。既有分配不受影响；注册表缓存随之失效。
func (h *ExperimentHandler) HandleUpdateTestStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidInput, "method not allowed", h.logger)
		return
	}
	if !h.requireOperator(w, r) {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	testID, ok := extractTestID(r)
	if !ok {
		WriteError(w, types.NewInvalidInputError("invalid test ID"), h.logger)
		return
	}

	var in experiment.UpdateStatusInput
	if err := DecodeJSONBody(w, r, &in, h.logger); err != nil {
		return
	}

	test, err := h.engine.Admin.UpdateTestStatus(r.Context(), testID, in)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	if h.metrics != nil {
		status := "inactive"
		if test.IsActive {
			status = "active"
		}
		h.metrics.RecordTestStatusChange(testLabel(test.ID), status)
	}

	WriteSuccess(w, test)
}
