package experiment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/splitflow/types"
)

// =============================================================================
// 📝 转化记录器
// =============================================================================

// TrackConversionInput 描述一次转化事件。Caller 非零时执行归属校验；
// 边界层已完成授权的调用传零值 Caller 直接落库。
type TrackConversionInput struct {
	AssignmentID string
	Type         ConversionType
	ResourceURL  string
	Metadata     map[string]any
	Caller       types.Identity
}

// Recorder 把转化事件追加到既有分配上。只写不算，聚合永远在读侧完成。
type Recorder struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRecorder 创建转化记录器
func NewRecorder(db *gorm.DB, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		db:     db,
		logger: logger.With(zap.String("component", "conversion_recorder")),
	}
}

// Track 校验并追加一条转化。同一分配同一类型可重复记录，不去重。
// 校验失败在任何写入之前快速返回。
func (r *Recorder) Track(ctx context.Context, in TrackConversionInput) (*Conversion, error) {
	if in.AssignmentID == "" {
		return nil, types.NewInvalidInputError("assignment ID is required")
	}
	if !in.Type.Valid() {
		return nil, types.NewError(types.ErrBadTaxonomy,
			fmt.Sprintf("unknown conversion type %q", in.Type)).WithHTTPStatus(400)
	}

	var assignment Assignment
	err := r.db.WithContext(ctx).First(&assignment, "id = ?", in.AssignmentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError("assignment")
	}
	if err != nil {
		return nil, types.NewStorageError("select assignment", err)
	}

	if !in.Caller.IsZero() && !assignment.BelongsTo(in.Caller) {
		return nil, types.NewForbiddenError("assignment belongs to a different identity")
	}

	conversion := &Conversion{
		ID:           uuid.NewString(),
		AssignmentID: assignment.ID,
		Type:         in.Type,
		ResourceURL:  in.ResourceURL,
		Metadata:     in.Metadata,
	}
	if err := r.db.WithContext(ctx).Create(conversion).Error; err != nil {
		return nil, types.NewStorageError("insert conversion", err)
	}
	conversion.TestID = assignment.TestID

	r.logger.Info("conversion tracked",
		zap.String("assignment_id", assignment.ID),
		zap.Uint("test_id", assignment.TestID),
		zap.String("type", string(in.Type)),
	)

	return conversion, nil
}
