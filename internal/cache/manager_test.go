package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestCache(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	m, err := NewManager(Config{
		Addr:       mr.Addr(),
		DefaultTTL: 30 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return m, mr
}

func TestManager_SetGet(t *testing.T) {
	m, _ := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))

	val, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestManager_GetMiss(t *testing.T) {
	m, _ := setupTestCache(t)

	_, err := m.Get(context.Background(), "absent")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_JSONRoundTrip(t *testing.T) {
	m, _ := setupTestCache(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, m.SetJSON(ctx, "obj", payload{Name: "homepage", Count: 3}, 0))

	var got payload
	require.NoError(t, m.GetJSON(ctx, "obj", &got))
	assert.Equal(t, "homepage", got.Name)
	assert.Equal(t, 3, got.Count)
}

func TestManager_DefaultTTLApplied(t *testing.T) {
	m, mr := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", 0))

	mr.FastForward(31 * time.Second)

	_, err := m.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_Delete(t *testing.T) {
	m, _ := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", "1", time.Minute))
	require.NoError(t, m.Set(ctx, "b", "2", time.Minute))

	require.NoError(t, m.Delete(ctx, "a", "b"))

	_, err := m.Get(ctx, "a")
	assert.True(t, IsCacheMiss(err))
	_, err = m.Get(ctx, "b")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_NilLoggerDefaults(t *testing.T) {
	mr := miniredis.RunT(t)

	m, err := NewManager(Config{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Ping(context.Background()))
}

func TestManager_ClosedRejectsOperations(t *testing.T) {
	m, _ := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, m.Close())

	_, err := m.Get(ctx, "k")
	assert.Error(t, err)
	assert.Error(t, m.Set(ctx, "k", "v", 0))
	assert.Error(t, m.Delete(ctx, "k"))
	assert.Error(t, m.Ping(ctx))

	// 重复关闭应当幂等
	assert.NoError(t, m.Close())
}
