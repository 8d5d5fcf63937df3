package experiment

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/splitflow/types"
)

// =============================================================================
// 🎲 变体分配器
// =============================================================================

// Assigner 给身份分配稳定变体：首次接触时落一条分配记录，之后永远返回它。
type Assigner struct {
	db     *gorm.DB
	logger *zap.Logger

	// 抽签随机源。测试注入固定种子以获得确定性。
	mu  sync.Mutex
	rng *rand.Rand
}

// AssignerOption configures an Assigner.
type AssignerOption func(*Assigner)

// WithRandSource 替换抽签随机源
func WithRandSource(src rand.Source) AssignerOption {
	return func(a *Assigner) {
		a.rng = rand.New(src)
	}
}

// NewAssigner 创建变体分配器
func NewAssigner(db *gorm.DB, logger *zap.Logger, opts ...AssignerOption) *Assigner {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Assigner{
		db:     db,
		logger: logger.With(zap.String("component", "variant_assigner")),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assign 返回 identity 在 testID 下的稳定变体，首次调用时创建分配记录。
//
// 核心正确性保证：同一身份一旦分配，即使测试的流量配比之后改变，也永远
// 得到同一个变体。并发首次分配由 (test_id, identity) 唯一约束收敛：
// 插入输掉竞争的一方回读赢家的行返回，绝不向调用方暴露冲突。
func (a *Assigner) Assign(ctx context.Context, testID uint, identity types.Identity) (*Assignment, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}

	// 幂等快路径：已有分配直接返回，不碰流量配比
	existing, err := a.lookup(ctx, testID, identity)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	var test Test
	if err := a.db.WithContext(ctx).First(&test, testID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewNotFoundError("test")
		}
		return nil, types.NewStorageError("select test", err)
	}

	now := time.Now()
	if !test.Accepting(now) {
		return nil, types.NewError(types.ErrTestNotActive, "test is not accepting assignments").WithHTTPStatus(409)
	}

	assignment := &Assignment{
		ID:         uuid.NewString(),
		TestID:     testID,
		Variant:    a.draw(test.TrafficAllocation),
		AssignedAt: now,
	}
	if identity.IsUser() {
		assignment.UserID = &identity.UserID
	} else {
		assignment.SessionID = &identity.SessionID
	}

	// 唯一约束下的 insert-or-absorb：冲突时 DO NOTHING，RowsAffected 为 0，
	// 回读赢家的行。这是引擎唯一需要内部恢复逻辑的地方。
	res := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(assignment)
	if res.Error != nil && !errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return nil, types.NewStorageError("insert assignment", res.Error)
	}
	if res.Error == nil && res.RowsAffected > 0 {
		a.logger.Info("variant assigned",
			zap.Uint("test_id", testID),
			zap.String("identity", identity.Key()),
			zap.String("variant", string(assignment.Variant)),
			zap.Int("traffic_allocation", test.TrafficAllocation),
		)
		return assignment, nil
	}

	// 输掉竞争：赢家的行此刻必然可见
	winner, err := a.lookup(ctx, testID, identity)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, types.NewStorageError("re-read assignment after conflict",
			types.NewError(types.ErrConflict, "concurrent assignment row not visible"))
	}

	a.logger.Debug("assignment race absorbed",
		zap.Uint("test_id", testID),
		zap.String("identity", identity.Key()),
		zap.String("variant", string(winner.Variant)),
	)
	return winner, nil
}

// lookup 按 (testID, identity) 查找既有分配，无则返回 nil。
func (a *Assigner) lookup(ctx context.Context, testID uint, identity types.Identity) (*Assignment, error) {
	q := a.db.WithContext(ctx).Where("test_id = ?", testID)
	if identity.IsUser() {
		q = q.Where("user_id = ?", identity.UserID)
	} else {
		q = q.Where("session_id = ?", identity.SessionID)
	}

	var assignment Assignment
	err := q.First(&assignment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewStorageError("select assignment", err)
	}
	return &assignment, nil
}

// draw 抽取均匀随机数 r in [0,100)，r < p 进 A，否则进 B。
func (a *Assigner) draw(trafficAllocation int) Variant {
	a.mu.Lock()
	r := a.rng.Intn(100)
	a.mu.Unlock()
	return DrawVariant(r, trafficAllocation)
}

// DrawVariant 是抽签的纯判定：r in [0,100) 小于配比 p 时进入变体 A。
func DrawVariant(r, trafficAllocation int) Variant {
	if r < trafficAllocation {
		return VariantA
	}
	return VariantB
}
