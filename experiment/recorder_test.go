package experiment

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/splitflow/types"
)

func trackSetup(t *testing.T) (*Recorder, *Assignment) {
	t.Helper()
	db := setupTestDB(t)
	test := seedTest(t, db)
	assigner := NewAssigner(db, nil, WithRandSource(rand.NewSource(8)))

	assignment, err := assigner.Assign(context.Background(), test.ID, types.UserIdentity("owner"))
	require.NoError(t, err)

	return NewRecorder(db, nil), assignment
}

func TestTrack_AppendsConversion(t *testing.T) {
	recorder, assignment := trackSetup(t)

	conv, err := recorder.Track(context.Background(), TrackConversionInput{
		AssignmentID: assignment.ID,
		Type:         ConversionClick,
		ResourceURL:  "/skills/go-basics",
		Metadata:     map[string]any{"placement": "hero"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, assignment.ID, conv.AssignmentID)
	assert.Equal(t, ConversionClick, conv.Type)
}

func TestTrack_RejectsUnknownTaxonomy(t *testing.T) {
	recorder, assignment := trackSetup(t)

	_, err := recorder.Track(context.Background(), TrackConversionInput{
		AssignmentID: assignment.ID,
		Type:         ConversionType("PURCHASE"),
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrBadTaxonomy, types.GetErrorCode(err))
}

func TestTrack_UnknownAssignment(t *testing.T) {
	recorder, _ := trackSetup(t)

	_, err := recorder.Track(context.Background(), TrackConversionInput{
		AssignmentID: "no-such-assignment",
		Type:         ConversionView,
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestTrack_MissingAssignmentID(t *testing.T) {
	recorder, _ := trackSetup(t)

	_, err := recorder.Track(context.Background(), TrackConversionInput{Type: ConversionView})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidInput, types.GetErrorCode(err))
}

func TestTrack_OwnershipCheck(t *testing.T) {
	recorder, assignment := trackSetup(t)

	// 他人身份被拒
	_, err := recorder.Track(context.Background(), TrackConversionInput{
		AssignmentID: assignment.ID,
		Type:         ConversionClick,
		Caller:       types.UserIdentity("intruder"),
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrForbidden, types.GetErrorCode(err))

	// 会话身份冒充用户身份同样被拒
	_, err = recorder.Track(context.Background(), TrackConversionInput{
		AssignmentID: assignment.ID,
		Type:         ConversionClick,
		Caller:       types.SessionIdentity("owner"),
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrForbidden, types.GetErrorCode(err))

	// 本人放行
	_, err = recorder.Track(context.Background(), TrackConversionInput{
		AssignmentID: assignment.ID,
		Type:         ConversionClick,
		Caller:       types.UserIdentity("owner"),
	})
	require.NoError(t, err)
}

// 同类型重复转化各自独立计数，引擎不去重。
func TestTrack_DuplicatesCountedSeparately(t *testing.T) {
	recorder, assignment := trackSetup(t)

	for i := 0; i < 3; i++ {
		_, err := recorder.Track(context.Background(), TrackConversionInput{
			AssignmentID: assignment.ID,
			Type:         ConversionEngagement,
		})
		require.NoError(t, err)
	}

	var count int64
	require.NoError(t, recorder.db.Model(&Conversion{}).
		Where("assignment_id = ? AND type = ?", assignment.ID, ConversionEngagement).
		Count(&count).Error)
	assert.Equal(t, int64(3), count)
}
