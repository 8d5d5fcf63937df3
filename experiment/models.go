package experiment

import (
	"time"

	"github.com/BaSui01/splitflow/types"
)

// =============================================================================
// 🧪 实验数据模型
// =============================================================================

// Variant 标识测试比较的两种体验之一
type Variant string

const (
	VariantA Variant = "A"
	VariantB Variant = "B"
)

// Valid reports whether v is one of the two known variants.
func (v Variant) Valid() bool {
	return v == VariantA || v == VariantB
}

// ConversionType 转化事件类型（固定小分类法）
type ConversionType string

const (
	ConversionClick      ConversionType = "CLICK"
	ConversionView       ConversionType = "VIEW"
	ConversionRate       ConversionType = "RATE"
	ConversionComment    ConversionType = "COMMENT"
	ConversionEngagement ConversionType = "ENGAGEMENT"
)

// AllConversionTypes lists the fixed taxonomy in a stable order.
func AllConversionTypes() []ConversionType {
	return []ConversionType{
		ConversionClick,
		ConversionView,
		ConversionRate,
		ConversionComment,
		ConversionEngagement,
	}
}

// Valid reports whether t belongs to the fixed taxonomy.
func (t ConversionType) Valid() bool {
	switch t {
	case ConversionClick, ConversionView, ConversionRate, ConversionComment, ConversionEngagement:
		return true
	}
	return false
}

// Test 定义一个实验。active 开关与 end_date 之外的字段在运行期不变。
type Test struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"size:200;not null" json:"name"`
	Description string `gorm:"type:text" json:"description,omitempty"`

	// is_active 与 page_context/test_type 组成活跃测试查找索引
	IsActive bool `gorm:"default:false;index:idx_tests_lookup" json:"is_active"`

	// TrafficAllocation 是路由到变体 A 的百分比 [0,100]，其余进入 B。
	// 不能带 default 标签：gorm 会把合法的 0（全量 B）当零值忽略掉
	TrafficAllocation int `gorm:"not null" json:"traffic_allocation"`

	// PageContext 标识测试生效的页面族
	PageContext string `gorm:"size:100;not null;index:idx_tests_lookup" json:"page_context"`

	// TestType 标识被测对象，区分同一 context 下并行的多个测试
	TestType string `gorm:"size:100;index:idx_tests_lookup" json:"test_type"`

	// 变体配置载荷对引擎不透明，按原样透传给渲染方
	ConfigA map[string]any `gorm:"serializer:json" json:"config_a,omitempty"`
	ConfigB map[string]any `gorm:"serializer:json" json:"config_b,omitempty"`

	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Test) TableName() string { return "ab_tests" }

// Accepting reports whether the test accepts new assignments at the given time.
func (t *Test) Accepting(now time.Time) bool {
	if !t.IsActive {
		return false
	}
	if t.EndDate != nil && t.EndDate.Before(now) {
		return false
	}
	return true
}

// VariantConfig returns the opaque config payload for the given variant.
func (t *Test) VariantConfig(v Variant) map[string]any {
	if v == VariantA {
		return t.ConfigA
	}
	return t.ConfigB
}

// Assignment 将一个身份绑定到一个测试的一个变体。
// (test_id, user_id) 与 (test_id, session_id) 各自唯一；NULL 身份列不参与
// 冲突判定，因此用户型与会话型分配互不干扰。行创建后不再变更、不删除。
type Assignment struct {
	ID     string `gorm:"primaryKey;size:36" json:"id"`
	TestID uint   `gorm:"not null;uniqueIndex:idx_assign_user;uniqueIndex:idx_assign_session" json:"test_id"`

	UserID    *string `gorm:"size:64;uniqueIndex:idx_assign_user" json:"user_id,omitempty"`
	SessionID *string `gorm:"size:64;uniqueIndex:idx_assign_session" json:"session_id,omitempty"`

	Variant    Variant   `gorm:"size:1;not null" json:"variant"`
	AssignedAt time.Time `gorm:"not null" json:"assigned_at"`

	Conversions []Conversion `gorm:"foreignKey:AssignmentID" json:"conversions,omitempty"`
}

// TableName 指定表名
func (Assignment) TableName() string { return "ab_assignments" }

// Identity reconstructs the identity that owns this assignment.
func (a *Assignment) Identity() types.Identity {
	if a.UserID != nil && *a.UserID != "" {
		return types.UserIdentity(*a.UserID)
	}
	if a.SessionID != nil && *a.SessionID != "" {
		return types.SessionIdentity(*a.SessionID)
	}
	return types.Identity{}
}

// BelongsTo reports whether the assignment is owned by the given identity.
func (a *Assignment) BelongsTo(id types.Identity) bool {
	own := a.Identity()
	return !own.IsZero() && own == id
}

// Conversion 是归属于单个分配的一次转化事件。同类型可重复记录，互相独立计数。
type Conversion struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	AssignmentID string         `gorm:"size:36;not null;index:idx_conv_assignment" json:"assignment_id"`
	Type         ConversionType `gorm:"size:20;not null" json:"type"`
	ResourceURL  string         `gorm:"size:500" json:"resource_url,omitempty"`
	Metadata     map[string]any `gorm:"serializer:json" json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`

	// TestID 为派生字段，记录时从归属分配带回，不落库
	TestID uint `gorm:"-" json:"test_id,omitempty"`
}

// TableName 指定表名
func (Conversion) TableName() string { return "ab_conversions" }

// =============================================================================
// 📊 派生结果类型（按需计算，不持久化）
// =============================================================================

// VariantSummary 单个变体的聚合结果
type VariantSummary struct {
	Count       int64                    `json:"count"`
	Percentage  float64                  `json:"percentage"`
	Conversions map[ConversionType]int64 `json:"conversions"`
}

// ResultsSummary 单个测试的聚合结果
type ResultsSummary struct {
	TestID            uint           `json:"test_id"`
	TestName          string         `json:"test_name"`
	IsActive          bool           `json:"is_active"`
	TotalAssignments  int64          `json:"total_assignments"`
	VariantA          VariantSummary `json:"variant_a"`
	VariantB          VariantSummary `json:"variant_b"`
}
